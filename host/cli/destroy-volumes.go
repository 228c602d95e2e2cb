package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/flynn/go-docopt"
	"github.com/zvold/zvold/pkg/shutdown"
	"github.com/zvold/zvold/volume/registry"
	zfsVolume "github.com/zvold/zvold/volume/zfs"
	"gopkg.in/inconshreveable/log15.v2"
)

func init() {
	Register("destroy-volumes", runVolumeDestroy, `
usage: zvold-host destroy-volumes [options]

options:
  --state=PATH       path to the registry db [default: /var/lib/zvold/registry.bolt]
  --zpool-name=NAME  dataset volumes were created under [default: zvold-default]
  --include-data     actually destroy zvols *this is dangerous* [default: false]

Destroys the volume registry on this host. This is a dangerous operation:
data may be permanently discarded.

If the '--include-data' flag is given, the registry is loaded and every zvol
it references is destroyed (snapshots first, then the volume dataset).

If '--include-data' is not specified (or the registry cannot be loaded), the
db file is simply removed. Data remains behind in the zpool and eventually
requires manual cleanup, but the next zvold-host launch will be like a fresh
launch.

Zpools are never touched.`)
}

func runVolumeDestroy(args *docopt.Args) error {
	if os.Getuid() != 0 {
		fmt.Println("this command requires root!\ntry again with `sudo zvold-host destroy-volumes`.")
		shutdown.ExitWithCode(1)
	}

	statePath := args.String["--state"]
	zpoolName := args.String["--zpool-name"]
	includeData := args.Bool["--include-data"]

	// if there is no registry db, nothing to do
	if _, err := os.Stat(statePath); err != nil && os.IsNotExist(err) {
		fmt.Printf("no registry db exists at %q; already clean.\n", statePath)
		shutdown.Exit()
	}

	// open the db regardless; we want the flock before removing it
	fmt.Println("opening volume registry...")
	reg, regErr := registry.Open(statePath, log15.New("component", "registry"))
	if regErr != nil && strings.HasSuffix(regErr.Error(), "timeout") { // bolt.ErrTimeout
		fmt.Println("registry db is locked by another process; aborting.")
		shutdown.ExitWithCode(4)
	}

	allVolumesDestroyed := true
	if regErr != nil {
		fmt.Printf("warning: the registry could not be loaded; zvols may need manual removal\n  (error was: %s)\n", regErr)
	} else if !includeData {
		fmt.Println("'--include-data' not specified; leaving zvols intact.")
	} else {
		if err := destroyVolumes(reg, zpoolName); err != nil {
			fmt.Printf("%s\n", err)
			allVolumesDestroyed = false
		}
	}

	// remove db file. no need to close first; the fd can drop on exit.
	if err := os.Remove(statePath); err != nil {
		fmt.Printf("could not remove registry db file %q: %s.\n", statePath, err)
		shutdown.ExitWithCode(5)
	}
	fmt.Printf("registry db file %q removed.\n", statePath)

	if includeData && !allVolumesDestroyed {
		shutdown.ExitWithCode(6)
	}
	shutdown.Exit()
	return nil
}

func destroyVolumes(reg *registry.Registry, zpoolName string) error {
	backend, err := zfsVolume.New(&zfsVolume.Config{DatasetName: zpoolName}, nil, log15.New("component", "zfs"))
	if err != nil {
		return err
	}

	someVolumesNotDestroyed := false
	for _, info := range reg.Volumes() {
		fmt.Printf("removing volume id=%q... ", info.ID)
		for _, snap := range reg.Snapshots(info.ID) {
			if err := backend.DestroySnapshot(snap.BackingPath); err != nil {
				fmt.Printf("error destroying snapshot %q: %s\n", snap.BackingPath, err)
				someVolumesNotDestroyed = true
			}
		}
		if err := backend.DestroyVolume(info.BackingPath); err == nil {
			fmt.Println("success")
		} else {
			fmt.Printf("error: %s\n", err)
			someVolumesNotDestroyed = true
		}
	}

	if someVolumesNotDestroyed {
		return fmt.Errorf("some volumes were not destroyed successfully")
	}
	return nil
}
