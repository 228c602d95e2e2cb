package volume

import (
	"errors"
)

var (
	ErrNoSuchVolume   = errors.New("no such volume")
	ErrVolumeExists   = errors.New("volume id already exists")
	ErrNoSuchSnapshot = errors.New("no such snapshot")
	ErrSnapshotExists = errors.New("snapshot id already exists")

	// ErrVolumeBusy is returned when deleting a volume that still has an
	// export or snapshots.
	ErrVolumeBusy = errors.New("volume is busy")

	ErrAlreadyExported = errors.New("volume already has an export")
	ErrNoSuchExport    = errors.New("volume has no export")

	// ErrAlreadyLocked is returned by the registry when a lease is
	// outstanding for the volume id. Callers should not retry in a tight
	// loop; backoff belongs to the orchestration layer.
	ErrAlreadyLocked = errors.New("volume is locked by another operation")

	ErrShrinkNotSupported = errors.New("shrinking a volume is not supported")

	ErrInsufficientSpace = errors.New("insufficient space in backing pool")

	// ErrReconcileMismatch is returned when a multi-phase operation fails
	// partway and the local rollback also fails, leaving registry and
	// backend state out of sync. The affected volume is marked
	// StateError pending reconciliation.
	ErrReconcileMismatch = errors.New("registry and backend state diverged")
)
