package volume

/*
	Backend defines the storage-level operations a volume provider must
	support. Implementations may vary (zfs today, others later) without
	the provisioning manager changing.

	All operations take or return backing paths rather than Volume
	records: the backend holds no volume state of its own, and paths are
	deterministic functions of volume ids.
*/
type Backend interface {
	Kind() string

	// CreateVolume provisions a block volume of the given size and
	// returns its backing path. Fails with ErrInsufficientSpace when the
	// pool cannot hold it and ErrVolumeExists when the path is taken.
	CreateVolume(id string, sizeBytes int64) (backingPath string, err error)

	// DestroyVolume removes the backing store. Destroying an absent path
	// is success, not an error, to keep crash recovery simple.
	DestroyVolume(backingPath string) error

	// CreateSnapshot takes a point-in-time snapshot of the volume and
	// returns the snapshot's backing path.
	CreateSnapshot(backingPath, snapID string) (snapPath string, err error)

	// DestroySnapshot removes a snapshot; absent paths are success.
	DestroySnapshot(snapPath string) error

	// CloneSnapshot materializes a new independent volume from a
	// snapshot and returns the new volume's backing path.
	CloneSnapshot(snapPath, newID string) (backingPath string, err error)

	// ResizeVolume grows the volume. Shrinking fails with
	// ErrShrinkNotSupported.
	ResizeVolume(backingPath string, newSizeBytes int64) error

	// DevicePath returns the block device node for a volume id, suitable
	// for handing to the export manager.
	DevicePath(id string) string

	// BackingPath returns the deterministic backing path for a volume
	// id without touching the backend.
	BackingPath(id string) string

	// ListVolumes reports the volume ids present in the backing pool,
	// for drift detection against the registry.
	ListVolumes() ([]string, error)
}

/*
	Exporter manages the iSCSI presentation of volumes. Export creation
	is two-phase (target+LUN, then initiator ACL); implementations must
	roll back phase one when phase two fails so no unauthorized target is
	left standing, and report ErrReconcileMismatch if the rollback itself
	fails.
*/
type Exporter interface {
	// TargetIQN returns the deterministic IQN for a volume id.
	TargetIQN(id string) string

	CreateExport(volumeID, devicePath string, targetID int, initiator string) (*Export, error)

	// RemoveExport tears down the target; removing an absent target is
	// success.
	RemoveExport(e *Export) error

	AuthorizeInitiator(e *Export, initiator string) error
	RevokeInitiator(e *Export, initiator string) error

	// ExportExists reports whether the target is live on the host, for
	// drift detection.
	ExportExists(e *Export) (bool, error)
}
