package zfs

import (
	"bytes"
	"io/ioutil"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gzfs "github.com/mistifyio/go-zfs"
)

/*
	Attempts to import a zpool from an existing vdev backing file.

	'zpool import' recreates *all* the datasets in that pool, including
	ones the registry doesn't know about; reconciliation reports those as
	drift rather than collecting them.
*/
func zpoolImportFile(backingFile string) error {
	var buf bytes.Buffer
	cmd := exec.Command("zpool", "import", "-d", filepath.Dir(backingFile), "-a")
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return &importError{err: err, stderr: strings.TrimSpace(buf.String())}
	}
	return nil
}

type importError struct {
	err    error
	stderr string
}

func (e *importError) Error() string {
	return "zpool import: " + e.err.Error() + " (" + e.stderr + ")"
}

/*
	Helper for temporary zpools, embeddable in tests.
*/
func WithTmpfileZpool(poolName string, fn func() error) error {
	backingFile, err := ioutil.TempFile("/tmp/", "zvold-")
	if err != nil {
		return err
	}
	defer backingFile.Close()

	err = backingFile.Truncate(int64(math.Pow(2, float64(30))))
	if err != nil {
		return err
	}
	defer os.Remove(backingFile.Name())

	pool, err := gzfs.CreateZpool(
		poolName,
		nil,
		"-mnone", // do not mount the root dataset
		backingFile.Name(),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Destroy(); err != nil {
			panic(err)
		}
	}()

	return fn()
}
