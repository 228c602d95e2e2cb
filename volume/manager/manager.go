/*
	Package manager implements the provisioning surface invoked by
	upstream orchestration.

	Every mutating operation follows the same shape: validate the
	request, take the registry lease on the volume id, perform the
	storage-level mutation, perform (or unwind) the iscsi-level
	mutation, and commit the registry record only after both succeeded.
	Per-volume ordering comes from the lease; operations on distinct
	volumes run concurrently.
*/
package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zvold/zvold/volume"
	"github.com/zvold/zvold/volume/registry"
	"gopkg.in/inconshreveable/log15.v2"
)

type Manager struct {
	reg      *registry.Registry
	backend  volume.Backend
	exporter volume.Exporter
	log      log15.Logger
}

func New(reg *registry.Registry, backend volume.Backend, exporter volume.Exporter, log log15.Logger) *Manager {
	return &Manager{
		reg:      reg,
		backend:  backend,
		exporter: exporter,
		log:      log,
	}
}

// validateID rejects ids that can't form a dataset or IQN component.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("volume id must not be blank")
	}
	if strings.ContainsAny(id, "/@ \t\n") {
		return fmt.Errorf("volume id %q contains invalid characters", id)
	}
	return nil
}

func (m *Manager) CreateVolume(id string, sizeBytes int64) (*volume.Info, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("volume size must be positive, got %d", sizeBytes)
	}
	l, err := m.reg.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer m.reg.Release(l)

	if m.reg.GetVolume(id) != nil {
		return nil, errors.Wrapf(volume.ErrVolumeExists, "create %q", id)
	}

	backingPath, err := m.backend.CreateVolume(id, sizeBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "create %q", id)
	}

	info := &volume.Info{
		ID:          id,
		SizeBytes:   sizeBytes,
		BackingPath: backingPath,
		State:       volume.StateAvailable,
		CreatedAt:   time.Now(),
	}
	if err := m.reg.Commit(l, info); err != nil {
		return nil, err
	}
	m.log.Info("volume created", "volume.id", id, "size", sizeBytes, "path", backingPath)
	return info, nil
}

// CloneVolume materializes a new volume from an existing snapshot.
func (m *Manager) CloneVolume(id, parentID, snapID string) (*volume.Info, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	l, err := m.reg.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer m.reg.Release(l)

	if m.reg.GetVolume(id) != nil {
		return nil, errors.Wrapf(volume.ErrVolumeExists, "clone %q", id)
	}
	snap := m.reg.GetSnapshot(parentID, snapID)
	if snap == nil {
		return nil, errors.Wrapf(volume.ErrNoSuchSnapshot, "clone %q from %s@%s", id, parentID, snapID)
	}

	backingPath, err := m.backend.CloneSnapshot(snap.BackingPath, id)
	if err != nil {
		return nil, errors.Wrapf(err, "clone %q", id)
	}

	info := &volume.Info{
		ID:          id,
		BackingPath: backingPath,
		State:       volume.StateAvailable,
		CreatedAt:   time.Now(),
	}
	if parent := m.reg.GetVolume(parentID); parent != nil {
		info.SizeBytes = parent.SizeBytes
	}
	if err := m.reg.Commit(l, info); err != nil {
		return nil, err
	}
	m.log.Info("volume cloned", "volume.id", id, "from", parentID+"@"+snapID)
	return info, nil
}

// DeleteVolume destroys a volume and its record. Deleting an unknown id is
// success; deleting a volume that still has an export or snapshots fails
// with ErrVolumeBusy.
func (m *Manager) DeleteVolume(id string) error {
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	info := m.reg.GetVolume(id)
	if info == nil {
		return nil
	}
	if m.reg.GetExport(id) != nil || info.State == volume.StateInUse {
		return errors.Wrapf(volume.ErrVolumeBusy, "delete %q: export is active", id)
	}
	if n := len(m.reg.Snapshots(id)); n > 0 {
		return errors.Wrapf(volume.ErrVolumeBusy, "delete %q: %d live snapshots", id, n)
	}

	// persist the transition first so a crash mid-destroy is visible to
	// the reconciliation pass
	deleting := *info
	deleting.State = volume.StateDeleting
	if err := m.reg.Commit(l, &deleting); err != nil {
		return err
	}

	if err := m.backend.DestroyVolume(info.BackingPath); err != nil {
		m.markError(l, info, err)
		return errors.Wrapf(err, "delete %q", id)
	}
	if err := m.reg.DeleteVolume(l); err != nil {
		return err
	}
	m.log.Info("volume deleted", "volume.id", id)
	return nil
}

func (m *Manager) CreateExport(id, initiator string) (*volume.Export, error) {
	if initiator == "" {
		return nil, fmt.Errorf("initiator must not be blank")
	}
	l, err := m.reg.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer m.reg.Release(l)

	info := m.reg.GetVolume(id)
	if info == nil {
		return nil, errors.Wrapf(volume.ErrNoSuchVolume, "export %q", id)
	}
	if m.reg.GetExport(id) != nil {
		return nil, errors.Wrapf(volume.ErrAlreadyExported, "export %q", id)
	}
	if info.State != volume.StateAvailable {
		return nil, fmt.Errorf("cannot export volume %q in state %q", id, info.State)
	}

	tid, err := m.reg.NextTargetID()
	if err != nil {
		return nil, err
	}
	ex, err := m.exporter.CreateExport(id, m.backend.DevicePath(id), tid, initiator)
	if err != nil {
		if errors.Cause(err) == volume.ErrReconcileMismatch {
			// rollback failed; an unauthorized target may be standing
			m.markError(l, info, err)
		}
		return nil, errors.Wrapf(err, "export %q", id)
	}

	if err := m.reg.PutExport(l, ex); err != nil {
		return nil, err
	}
	inUse := *info
	inUse.State = volume.StateInUse
	if err := m.reg.Commit(l, &inUse); err != nil {
		return nil, err
	}
	m.log.Info("export created", "volume.id", id, "target", ex.TargetIQN, "initiator", initiator)
	return ex, nil
}

// RemoveExport is idempotent: removing an export that doesn't exist (or a
// volume that doesn't exist) is success.
func (m *Manager) RemoveExport(id string) error {
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	ex := m.reg.GetExport(id)
	if ex == nil {
		return nil
	}
	if err := m.exporter.RemoveExport(ex); err != nil {
		return errors.Wrapf(err, "remove export %q", id)
	}
	if err := m.reg.DeleteExport(l); err != nil {
		return err
	}
	if info := m.reg.GetVolume(id); info != nil && info.State == volume.StateInUse {
		available := *info
		available.State = volume.StateAvailable
		if err := m.reg.Commit(l, &available); err != nil {
			return err
		}
	}
	m.log.Info("export removed", "volume.id", id)
	return nil
}

func (m *Manager) AuthorizeInitiator(id, initiator string) error {
	if initiator == "" {
		return fmt.Errorf("initiator must not be blank")
	}
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	ex := m.reg.GetExport(id)
	if ex == nil {
		return errors.Wrapf(volume.ErrNoSuchExport, "authorize on %q", id)
	}
	if ex.HasInitiator(initiator) {
		return nil
	}
	if err := m.exporter.AuthorizeInitiator(ex, initiator); err != nil {
		return errors.Wrapf(err, "authorize on %q", id)
	}
	updated := *ex
	updated.Initiators = append(append([]string{}, ex.Initiators...), initiator)
	return m.reg.PutExport(l, &updated)
}

func (m *Manager) RevokeInitiator(id, initiator string) error {
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	ex := m.reg.GetExport(id)
	if ex == nil {
		return errors.Wrapf(volume.ErrNoSuchExport, "revoke on %q", id)
	}
	if !ex.HasInitiator(initiator) {
		return nil
	}
	if err := m.exporter.RevokeInitiator(ex, initiator); err != nil {
		return errors.Wrapf(err, "revoke on %q", id)
	}
	updated := *ex
	updated.Initiators = make([]string, 0, len(ex.Initiators)-1)
	for _, i := range ex.Initiators {
		if i != initiator {
			updated.Initiators = append(updated.Initiators, i)
		}
	}
	return m.reg.PutExport(l, &updated)
}

// ExtendVolume grows a volume. Requests equal to the current size succeed
// without touching the backend; smaller requests fail with
// ErrShrinkNotSupported.
func (m *Manager) ExtendVolume(id string, newSizeBytes int64) error {
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	info := m.reg.GetVolume(id)
	if info == nil {
		return errors.Wrapf(volume.ErrNoSuchVolume, "extend %q", id)
	}
	if newSizeBytes < info.SizeBytes {
		return errors.Wrapf(volume.ErrShrinkNotSupported,
			"extend %q: %d < %d", id, newSizeBytes, info.SizeBytes)
	}
	if newSizeBytes == info.SizeBytes {
		return nil
	}
	if err := m.backend.ResizeVolume(info.BackingPath, newSizeBytes); err != nil {
		return errors.Wrapf(err, "extend %q", id)
	}
	resized := *info
	resized.SizeBytes = newSizeBytes
	if err := m.reg.Commit(l, &resized); err != nil {
		return err
	}
	m.log.Info("volume extended", "volume.id", id, "size", newSizeBytes)
	return nil
}

func (m *Manager) CreateSnapshot(id, snapID string) (*volume.Snapshot, error) {
	if err := validateID(snapID); err != nil {
		return nil, err
	}
	l, err := m.reg.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer m.reg.Release(l)

	info := m.reg.GetVolume(id)
	if info == nil {
		return nil, errors.Wrapf(volume.ErrNoSuchVolume, "snapshot %q", id)
	}
	if m.reg.GetSnapshot(id, snapID) != nil {
		return nil, errors.Wrapf(volume.ErrSnapshotExists, "snapshot %q of %q", snapID, id)
	}

	snapPath, err := m.backend.CreateSnapshot(info.BackingPath, snapID)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %q", id)
	}
	snap := &volume.Snapshot{
		ID:          snapID,
		VolumeID:    id,
		BackingPath: snapPath,
		CreatedAt:   time.Now(),
	}
	if err := m.reg.PutSnapshot(l, snap); err != nil {
		return nil, err
	}
	m.log.Info("snapshot created", "volume.id", id, "snapshot.id", snapID)
	return snap, nil
}

// DeleteSnapshot is idempotent on unknown snapshot ids.
func (m *Manager) DeleteSnapshot(id, snapID string) error {
	l, err := m.reg.Reserve(id)
	if err != nil {
		return err
	}
	defer m.reg.Release(l)

	snap := m.reg.GetSnapshot(id, snapID)
	if snap == nil {
		return nil
	}
	if err := m.backend.DestroySnapshot(snap.BackingPath); err != nil {
		return errors.Wrapf(err, "delete snapshot %q of %q", snapID, id)
	}
	if err := m.reg.DeleteSnapshot(l, snapID); err != nil {
		return err
	}
	m.log.Info("snapshot deleted", "volume.id", id, "snapshot.id", snapID)
	return nil
}

func (m *Manager) GetVolume(id string) *volume.Info {
	return m.reg.GetVolume(id)
}

func (m *Manager) Volumes() []*volume.Info {
	return m.reg.Volumes()
}

func (m *Manager) GetExport(id string) *volume.Export {
	return m.reg.GetExport(id)
}

func (m *Manager) Snapshots(id string) []*volume.Snapshot {
	return m.reg.Snapshots(id)
}

// markError is best-effort: failing to record the error state is only
// logged, since the caller is already on an error path.
func (m *Manager) markError(l *registry.Lease, info *volume.Info, cause error) {
	errored := *info
	errored.State = volume.StateError
	if err := m.reg.Commit(l, &errored); err != nil {
		m.log.Error("could not mark volume as errored", "volume.id", info.ID, "err", err)
		return
	}
	m.log.Error("volume marked as errored", "volume.id", info.ID, "cause", cause)
}
