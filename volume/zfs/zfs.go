package zfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	zfs "github.com/mistifyio/go-zfs"
	"github.com/pkg/errors"
	"github.com/zvold/zvold/pkg/attempt"
	"github.com/zvold/zvold/pkg/command"
	"github.com/zvold/zvold/volume"
	"gopkg.in/inconshreveable/log15.v2"
)

// blockSize is the block size used when creating new zvols
const blockSize = 8 * 1024

// commandTimeout bounds the zfs invocations that go through the command
// runner (resize, promote). A stuck zfs command is treated as a bounded
// blocking operation, not something needing cancellation plumbing.
const commandTimeout = 2 * time.Minute

type Backend struct {
	config *Config
	pool   *zfs.Dataset
	runner command.Runner
	log    log15.Logger
}

/*
	Describes zfs config used at backend setup time.

	DatasetName names the dataset all volumes are created under. If the
	dataset doesn't exist and Make parameters are provided, a zpool
	backed by a sparse file is created; otherwise setup fails.
*/
type Config struct {
	DatasetName string `json:"dataset"`

	Make *MakeDev `json:"makedev,omitempty"`
}

/*
	Describes parameters for creating a zpool.

	Only file-type vdevs are supported here; they are convenient but may
	have limited performance. Production hosts should configure a zpool
	on block devices directly and point DatasetName at it.
*/
type MakeDev struct {
	BackingFilename string `json:"filename"`
	Size            int64  `json:"size"`
}

const DefaultDatasetName = "zvold-default"

func DefaultMakeDev(volPath string, log log15.Logger) *MakeDev {
	// use a zpool backing file size of either 70% of the device on which
	// volumes will reside, or 100GB if that can't be determined.
	log.Info("determining zpool size")
	var size int64
	var dev syscall.Statfs_t
	if err := syscall.Statfs(volPath, &dev); err == nil {
		size = (dev.Bsize * int64(dev.Blocks) * 7) / 10
	} else {
		size = 100000000000
	}
	log.Info(fmt.Sprintf("using zpool size %d", size))
	return &MakeDev{
		BackingFilename: filepath.Join(volPath, "vdev", DefaultDatasetName+"-zpool.vdev"),
		Size:            size,
	}
}

func New(config *Config, runner command.Runner, log log15.Logger) (*Backend, error) {
	if _, err := exec.LookPath("zfs"); err != nil {
		return nil, fmt.Errorf("zfs command is not available")
	}
	pool, err := zfs.GetDataset(config.DatasetName)
	if err != nil {
		if !isDatasetNotExistsError(err) {
			return nil, err
		}
		if config.Make == nil {
			// not much we can do without a dataset or pool to contain data
			return nil, err
		}
		if pool, err = makeZpool(config.DatasetName, config.Make); err != nil {
			return nil, err
		}
	}
	if runner == nil {
		runner = command.NewLocalRunner(log)
	}
	return &Backend{
		config: config,
		pool:   pool,
		runner: runner,
		log:    log,
	}, nil
}

// makeZpool creates a zpool backed by a sparse file. It's the most portable
// fallback we can offer when the configured dataset doesn't exist.
func makeZpool(name string, mk *MakeDev) (*zfs.Dataset, error) {
	if err := os.MkdirAll(filepath.Dir(mk.BackingFilename), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(mk.BackingFilename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		if err = f.Truncate(mk.Size); err != nil {
			return nil, err
		}
		f.Close()
		if _, err = zfs.CreateZpool(
			name,
			nil,
			"-mnone", // do not mount the root dataset
			mk.BackingFilename,
		); err != nil {
			return nil, err
		}
	} else if pathErr, ok := err.(*os.PathError); ok && pathErr.Err == syscall.EEXIST {
		// existing backing file: try importing it as a zpool rather than
		// overwriting and risking data loss
		if err := zpoolImportFile(mk.BackingFilename); err != nil {
			return nil, fmt.Errorf("error attempting import of existing zpool file: %s", err)
		}
	} else {
		return nil, err
	}
	return zfs.GetDataset(name)
}

func (b *Backend) Kind() string {
	return "zfs"
}

// BackingPath is a pure function of the volume id; the dataset name is
// always recomputable without a stored table.
func (b *Backend) BackingPath(id string) string {
	return filepath.Join(b.config.DatasetName, id)
}

func (b *Backend) DevicePath(id string) string {
	return filepath.Join("/dev/zvol", b.BackingPath(id))
}

func (b *Backend) snapshotPath(backingPath, snapID string) string {
	return backingPath + "@" + snapID
}

var zvolOpenAttempts = attempt.Strategy{
	Total: 10 * time.Second,
	Delay: 10 * time.Millisecond,
}

func (b *Backend) CreateVolume(id string, sizeBytes int64) (string, error) {
	path := b.BackingPath(id)

	if avail := b.poolAvail(); avail > 0 && uint64(sizeBytes) > avail {
		return "", errors.Wrapf(volume.ErrInsufficientSpace,
			"create %s: need %d bytes, pool has %d", path, sizeBytes, avail)
	}

	// align size to blockSize
	size := (sizeBytes/blockSize + 1) * blockSize

	if _, err := zfs.CreateVolume(path, uint64(size), map[string]string{
		"volblocksize": strconv.Itoa(blockSize),
	}); err != nil {
		if isDatasetExistsError(err) {
			return "", errors.Wrapf(volume.ErrVolumeExists, "create %s", path)
		}
		if isOutOfSpaceError(err) {
			return "", errors.Wrapf(volume.ErrInsufficientSpace, "create %s", path)
		}
		return "", errors.Wrapf(eunwrap(err), "creating zvol %s", path)
	}

	// the zvol device node is created asynchronously; wait for it so
	// callers can export the volume immediately
	if err := zvolOpenAttempts.Run(func() error {
		_, err := os.Stat(b.DevicePath(id))
		return err
	}); err != nil {
		b.DestroyVolume(path)
		return "", errors.Wrapf(err, "device node for %s never appeared", path)
	}

	b.log.Info("created zvol", "dataset", path, "size", size)
	return path, nil
}

func (b *Backend) DestroyVolume(backingPath string) error {
	dataset, err := zfs.GetDataset(backingPath)
	if err != nil {
		if isDatasetNotExistsError(err) {
			// already gone; deletes are idempotent
			return nil
		}
		return errors.Wrapf(eunwrap(err), "destroying %s", backingPath)
	}
	if err := dataset.Destroy(zfs.DestroyForceUmount); err != nil {
		for i := 0; i < 5 && err != nil && isDatasetBusyError(err); i++ {
			// zfs sometimes claims to be busy after all users are gone;
			// usually this goes away, so retry a few times
			time.Sleep(1 * time.Second)
			err = dataset.Destroy(zfs.DestroyForceUmount)
		}
		if err != nil {
			if isDatasetHasChildrenError(err) {
				// snapshots still reference this volume
				return errors.Wrapf(volume.ErrVolumeBusy, "destroy %s", backingPath)
			}
			return errors.Wrapf(eunwrap(err), "destroying %s", backingPath)
		}
	}
	b.log.Info("destroyed zvol", "dataset", backingPath)
	return nil
}

func (b *Backend) CreateSnapshot(backingPath, snapID string) (string, error) {
	dataset, err := zfs.GetDataset(backingPath)
	if err != nil {
		return "", errors.Wrapf(eunwrap(err), "snapshotting %s", backingPath)
	}
	snap, err := dataset.Snapshot(snapID, false)
	if err != nil {
		if isDatasetExistsError(err) {
			return "", errors.Wrapf(volume.ErrSnapshotExists, "snapshot %s@%s", backingPath, snapID)
		}
		return "", errors.Wrapf(eunwrap(err), "snapshotting %s", backingPath)
	}
	return snap.Name, nil
}

func (b *Backend) DestroySnapshot(snapPath string) error {
	dataset, err := zfs.GetDataset(snapPath)
	if err != nil {
		if isDatasetNotExistsError(err) {
			return nil
		}
		return errors.Wrapf(eunwrap(err), "destroying snapshot %s", snapPath)
	}
	if err := dataset.Destroy(zfs.DestroyDefault); err != nil {
		return errors.Wrapf(eunwrap(err), "destroying snapshot %s", snapPath)
	}
	return nil
}

func (b *Backend) CloneSnapshot(snapPath, newID string) (string, error) {
	snap, err := zfs.GetDataset(snapPath)
	if err != nil {
		if isDatasetNotExistsError(err) {
			return "", errors.Wrapf(volume.ErrNoSuchSnapshot, "clone %s", snapPath)
		}
		return "", errors.Wrapf(eunwrap(err), "cloning %s", snapPath)
	}
	path := b.BackingPath(newID)
	if _, err := snap.Clone(path, nil); err != nil {
		if isDatasetExistsError(err) {
			return "", errors.Wrapf(volume.ErrVolumeExists, "clone %s", path)
		}
		return "", errors.Wrapf(eunwrap(err), "cloning %s to %s", snapPath, path)
	}
	// promote the clone so it no longer depends on the origin snapshot
	// and the parent volume can eventually be deleted. go-zfs has no
	// promote API, so this goes through the command runner.
	if _, err := b.runner.Run("zfs", []string{"promote", path}, commandTimeout); err != nil {
		b.DestroyVolume(path)
		return "", errors.Wrapf(err, "promoting clone %s", path)
	}
	if err := zvolOpenAttempts.Run(func() error {
		_, err := os.Stat(b.DevicePath(newID))
		return err
	}); err != nil {
		b.DestroyVolume(path)
		return "", errors.Wrapf(err, "device node for %s never appeared", path)
	}
	b.log.Info("cloned snapshot", "snapshot", snapPath, "dataset", path)
	return path, nil
}

func (b *Backend) ResizeVolume(backingPath string, newSizeBytes int64) error {
	dataset, err := zfs.GetDataset(backingPath)
	if err != nil {
		if isDatasetNotExistsError(err) {
			return errors.Wrapf(volume.ErrNoSuchVolume, "resize %s", backingPath)
		}
		return errors.Wrapf(eunwrap(err), "resizing %s", backingPath)
	}
	size := (newSizeBytes/blockSize + 1) * blockSize
	if uint64(size) < dataset.Volsize {
		return errors.Wrapf(volume.ErrShrinkNotSupported,
			"resize %s: %d < %d", backingPath, size, dataset.Volsize)
	}
	// volsize changes have no go-zfs API either
	if _, err := b.runner.Run("zfs", []string{
		"set", fmt.Sprintf("volsize=%d", size), backingPath,
	}, commandTimeout); err != nil {
		return errors.Wrapf(err, "resizing %s", backingPath)
	}
	b.log.Info("resized zvol", "dataset", backingPath, "size", size)
	return nil
}

func (b *Backend) ListVolumes() ([]string, error) {
	datasets, err := zfs.Volumes(b.config.DatasetName)
	if err != nil {
		if isDatasetNotExistsError(err) {
			return nil, nil
		}
		return nil, errors.Wrap(eunwrap(err), "listing zvols")
	}
	prefix := b.config.DatasetName + "/"
	ids := make([]string, 0, len(datasets))
	for _, d := range datasets {
		if !strings.HasPrefix(d.Name, prefix) {
			continue
		}
		id := strings.TrimPrefix(d.Name, prefix)
		if strings.ContainsRune(id, '/') {
			// nested dataset someone created by hand; not ours
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) poolAvail() uint64 {
	pool, err := zfs.GetDataset(b.config.DatasetName)
	if err != nil {
		return 0
	}
	return pool.Avail
}
