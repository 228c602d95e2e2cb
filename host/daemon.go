package main

import (
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/flynn/go-docopt"
	"github.com/julienschmidt/httprouter"
	"github.com/zvold/zvold/host/cli"
	"github.com/zvold/zvold/pkg/shutdown"
	volumeapi "github.com/zvold/zvold/volume/api"
	"github.com/zvold/zvold/volume/iscsi"
	"github.com/zvold/zvold/volume/manager"
	"github.com/zvold/zvold/volume/registry"
	zfsVolume "github.com/zvold/zvold/volume/zfs"
	"gopkg.in/inconshreveable/log15.v2"
)

func init() {
	cli.Register("daemon", runDaemon, `
usage: zvold-host daemon [options]

options:
  --http-port=PORT     HTTP port [default: 1335]
  --listen-ip=IP       bind the API to this IP
  --external-ip=IP     IP advertised in export portals [default: 127.0.0.1]
  --iscsi-port=PORT    iSCSI portal port [default: 3260]
  --state=PATH         path to the registry db [default: /var/lib/zvold/registry.bolt]
  --volpath=PATH       directory for zpool backing files [default: /var/lib/zvold]
  --zpool-name=NAME    dataset volumes are created under
  --iqn-prefix=PREFIX  IQN prefix for export targets
  --log-dir=DIR        directory to store the daemon log (default: log to stdout)
  --no-reconcile       skip the startup reconciliation pass
	`)
}

func runDaemon(args *docopt.Args) {
	httpPort := args.String["--http-port"]
	listenIP := args.String["--listen-ip"]
	externalIP := args.String["--external-ip"]
	iscsiPort := args.String["--iscsi-port"]
	stateFile := args.String["--state"]
	volPath := args.String["--volpath"]
	zpoolName := args.String["--zpool-name"]
	iqnPrefix := args.String["--iqn-prefix"]
	logDir := args.String["--log-dir"]
	noReconcile := args.Bool["--no-reconcile"]

	logger, err := setupLogger(logDir)
	if err != nil {
		shutdown.Fatalf("error setting up logger: %s", err)
	}
	shutdown.SetLogger(logger)

	if zpoolName == "" {
		zpoolName = zfsVolume.DefaultDatasetName
	}

	log := logger.New("fn", "runDaemon", "zpool", zpoolName)
	log.Info("starting daemon")

	if err := os.MkdirAll(filepath.Dir(stateFile), 0755); err != nil {
		shutdown.Fatalf("error creating state directory: %s", err)
	}

	log.Info("opening volume registry", "path", stateFile)
	reg, err := registry.Open(stateFile, logger.New("component", "registry"))
	if err != nil {
		shutdown.Fatal(err)
	}
	shutdown.BeforeExit(func() { reg.Close() })

	log.Info("initializing zfs backend")
	backend, err := zfsVolume.New(&zfsVolume.Config{
		DatasetName: zpoolName,
		Make:        zfsVolume.DefaultMakeDev(volPath, log),
	}, nil, logger.New("component", "zfs"))
	if err != nil {
		shutdown.Fatal(err)
	}

	log.Info("initializing iscsi exporter")
	exporter, err := iscsi.New(&iscsi.Config{
		IQNPrefix: iqnPrefix,
		Portal:    net.JoinHostPort(externalIP, iscsiPort),
	}, nil, logger.New("component", "iscsi"))
	if err != nil {
		shutdown.Fatal(err)
	}

	vman := manager.New(reg, backend, exporter, logger.New("component", "volumemanager"))

	if !noReconcile {
		log.Info("reconciling registry against host state")
		report, err := vman.Reconcile()
		if err != nil {
			shutdown.Fatal(err)
		}
		log.Info("reconciliation finished", "checked", report.CheckedVolumes, "mismatches", len(report.Mismatches))
	}

	addr := net.JoinHostPort(listenIP, httpPort)
	log.Info("serving HTTP", "addr", addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		shutdown.Fatal(err)
	}
	shutdown.BeforeExit(func() { l.Close() })

	r := httprouter.New()
	volumeapi.NewHTTPAPI(vman, logger.New("component", "api")).RegisterRoutes(r)
	go http.Serve(l, r)

	// wait for a graceful shutdown signal
	select {}
}

func setupLogger(logDir string) (log15.Logger, error) {
	if logDir == "" {
		return log15.New("app", "zvold", "pid", os.Getpid()), nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, "zvold-host.log")
	handler, err := log15.FileHandler(path, log15.LogfmtFormat())
	if err != nil {
		return nil, err
	}
	log15.Root().SetHandler(handler)
	return log15.New("app", "zvold", "pid", os.Getpid()), nil
}
