package zfs

import (
	"fmt"
	"strings"

	gzfs "github.com/mistifyio/go-zfs"
	log "gopkg.in/inconshreveable/log15.v2"
)

type gzfsLogger struct {
	logger log.Logger
}

func (l *gzfsLogger) Log(msg []string) {
	l.logger.Debug(strings.Join(msg, " "))
}

func init() {
	gzfs.SetLogger(&gzfsLogger{
		logger: log.New(log.Ctx{"package": "zfs"}),
	})
}

/*
	Returns the error string from the zfs command.  (Pretty much everything added by
	go-zfs is cute for debugging, but fairly useless for parsing and handling.)
*/
func eunwrap(e error) error {
	if e2, ok := e.(*gzfs.Error); ok {
		return fmt.Errorf("%s", e2.Stderr)
	}
	return e
}

func isDatasetNotExistsError(e error) bool {
	return strings.HasSuffix(e.Error(), "dataset does not exist\n")
}

func isDatasetExistsError(e error) bool {
	return strings.Contains(e.Error(), "dataset already exists")
}

/*
	"dataset is busy" errors from ZFS typically indicate that there are open
	files in that dataset mount, or an initiator still logged in to a zvol.
*/
func isDatasetBusyError(e error) bool {
	return strings.HasSuffix(e.Error(), "dataset is busy\n")
}

func isOutOfSpaceError(e error) bool {
	return strings.Contains(e.Error(), "out of space")
}

/*
	"has children" errors from ZFS occur when removing a volume that has
	snapshots.  ZFS requires snapshots of a volume to be deleted first.
*/
func isDatasetHasChildrenError(e error) bool {
	lines := strings.SplitN(e.Error(), "\n", 2)
	return strings.HasSuffix(lines[0], "has children")
}
