/*
	Package iscsi manages the iSCSI presentation of zvols through the
	tgtadm administration tool.

	Targets are addressed by a small numeric tid (allocated by the
	registry) but named by an IQN derived deterministically from the
	volume id, so a lost registry can always recompute which target
	belongs to which volume.
*/
package iscsi

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/zvold/zvold/pkg/command"
	"github.com/zvold/zvold/volume"
	"gopkg.in/inconshreveable/log15.v2"
)

// exportLUN is the LUN every volume is attached at; one volume per target
// keeps the mapping trivial.
const exportLUN = 0

const tgtadmTimeout = 30 * time.Second

type Config struct {
	// IQNPrefix is prepended (with a colon) to volume ids to form target
	// IQNs.
	IQNPrefix string `json:"iqn_prefix"`

	// Portal is the "ip:port" initiators connect to.
	Portal string `json:"portal"`
}

const DefaultIQNPrefix = "iqn.2015-09.io.zvold"

type Exporter struct {
	config *Config
	runner command.Runner
	log    log15.Logger
}

func New(config *Config, runner command.Runner, log log15.Logger) (*Exporter, error) {
	if runner == nil {
		// only the default local runner needs the binary on this host
		if _, err := exec.LookPath("tgtadm"); err != nil {
			return nil, fmt.Errorf("tgtadm command is not available")
		}
	}
	// defaults are resolved on a copy; the caller keeps ownership of
	// the struct it passed in
	conf := *config
	if conf.IQNPrefix == "" {
		conf.IQNPrefix = DefaultIQNPrefix
	}
	if conf.Portal == "" {
		conf.Portal = "127.0.0.1:3260"
	}
	if runner == nil {
		runner = command.NewLocalRunner(log)
	}
	return &Exporter{config: &conf, runner: runner, log: log}, nil
}

func (e *Exporter) TargetIQN(id string) string {
	return e.config.IQNPrefix + ":" + id
}

func (e *Exporter) tgtadm(args ...string) (*command.Result, error) {
	return e.runner.Run("tgtadm", append([]string{"--lld", "iscsi"}, args...), tgtadmTimeout)
}

/*
	CreateExport registers the device as an iSCSI target and authorizes
	the requesting initiator.

	This is two-phase: target+LUN first, then the ACL binding. A phase
	two failure rolls phase one back so no unauthorized target is left
	standing; if the rollback itself fails the caller gets
	ErrReconcileMismatch and must mark the volume for reconciliation.
*/
func (e *Exporter) CreateExport(volumeID, devicePath string, targetID int, initiator string) (*volume.Export, error) {
	iqn := e.TargetIQN(volumeID)
	tid := strconv.Itoa(targetID)

	if _, err := e.tgtadm("--op", "new", "--mode", "target",
		"--tid", tid, "--targetname", iqn); err != nil {
		if isTargetExistsError(err) {
			return nil, errors.Wrapf(volume.ErrAlreadyExported, "target %s", iqn)
		}
		return nil, errors.Wrapf(err, "creating target %s", iqn)
	}

	if _, err := e.tgtadm("--op", "new", "--mode", "logicalunit",
		"--tid", tid, "--lun", strconv.Itoa(exportLUN),
		"--backing-store", devicePath); err != nil {
		return nil, e.rollback(iqn, tid, errors.Wrapf(err, "attaching %s to target %s", devicePath, iqn))
	}

	if _, err := e.tgtadm("--op", "bind", "--mode", "target",
		"--tid", tid, "--initiator-name", initiator); err != nil {
		return nil, e.rollback(iqn, tid, errors.Wrapf(err, "binding %s to target %s", initiator, iqn))
	}

	e.log.Info("created export", "target", iqn, "tid", targetID, "initiator", initiator)
	return &volume.Export{
		VolumeID:   volumeID,
		TargetIQN:  iqn,
		TargetID:   targetID,
		LUN:        exportLUN,
		Portal:     e.config.Portal,
		Initiators: []string{initiator},
	}, nil
}

// rollback tears down a half-created target. cause is the error that made
// the rollback necessary and is what the caller sees unless the rollback
// itself fails.
func (e *Exporter) rollback(iqn, tid string, cause error) error {
	if _, err := e.tgtadm("--op", "delete", "--force", "--mode", "target", "--tid", tid); err != nil {
		if !isNoTargetError(err) {
			e.log.Error("rollback of half-created target failed", "target", iqn, "err", err)
			return errors.Wrapf(volume.ErrReconcileMismatch,
				"target %s: %s, and rollback failed: %s", iqn, cause, err)
		}
	}
	return cause
}

// RemoveExport deletes the target. A target that is already gone is
// success, so removal stays idempotent across crashes.
func (e *Exporter) RemoveExport(ex *volume.Export) error {
	tid := strconv.Itoa(ex.TargetID)
	if _, err := e.tgtadm("--op", "delete", "--force", "--mode", "target", "--tid", tid); err != nil {
		if isNoTargetError(err) {
			return nil
		}
		return errors.Wrapf(err, "removing target %s", ex.TargetIQN)
	}
	e.log.Info("removed export", "target", ex.TargetIQN, "tid", ex.TargetID)
	return nil
}

func (e *Exporter) AuthorizeInitiator(ex *volume.Export, initiator string) error {
	if _, err := e.tgtadm("--op", "bind", "--mode", "target",
		"--tid", strconv.Itoa(ex.TargetID), "--initiator-name", initiator); err != nil {
		return errors.Wrapf(err, "binding %s to target %s", initiator, ex.TargetIQN)
	}
	return nil
}

func (e *Exporter) RevokeInitiator(ex *volume.Export, initiator string) error {
	if _, err := e.tgtadm("--op", "unbind", "--mode", "target",
		"--tid", strconv.Itoa(ex.TargetID), "--initiator-name", initiator); err != nil {
		if isNoTargetError(err) {
			return nil
		}
		return errors.Wrapf(err, "unbinding %s from target %s", initiator, ex.TargetIQN)
	}
	return nil
}

// ExportExists checks that the target is live and still carries the IQN we
// derived for the volume; a tid reused by something else counts as absent.
func (e *Exporter) ExportExists(ex *volume.Export) (bool, error) {
	res, err := e.tgtadm("--op", "show", "--mode", "target", "--tid", strconv.Itoa(ex.TargetID))
	if err != nil {
		if isNoTargetError(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "querying target %s", ex.TargetIQN)
	}
	return bytes.Contains(res.Stdout, []byte(ex.TargetIQN)), nil
}

func isTargetExistsError(err error) bool {
	return exitErrContains(err, "this target already exists")
}

func isNoTargetError(err error) bool {
	return exitErrContains(err, "can't find the target") ||
		exitErrContains(err, "No such file or directory")
}

func exitErrContains(err error, substr string) bool {
	exitErr, ok := errors.Cause(err).(*command.ExitError)
	return ok && bytes.Contains([]byte(exitErr.Stderr), []byte(substr))
}
