package volume

import (
	"time"
)

/*
	A Volume is a ZFS-backed block device (zvol) managed by this host.

	Volume records are owned exclusively by the registry and mutated only
	through the provisioning manager; the backing dataset path is derived
	deterministically from the volume id, so it is always recomputable
	from the record alone and doubles as a cross-check during
	reconciliation.
*/
type Info struct {
	// ID is the caller-chosen unique identifier for the volume.
	ID string `json:"id"`

	// SizeBytes is the provisioned size. Sizes are bytes everywhere
	// inside this module; human-readable units exist only at the API
	// boundary.
	SizeBytes int64 `json:"size_bytes"`

	// BackingPath is the zfs dataset backing this volume, e.g.
	// "tank/volumes/v1".
	BackingPath string `json:"backing_path"`

	State State `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

type State string

const (
	// StateCreating is the logical first state of every volume, but it
	// is never persisted: records are only written after the backend
	// create succeeds, so the stored state starts at StateAvailable.
	// The constant exists so restored records naming it (from older
	// registries or external tooling) remain representable.
	StateCreating  State = "creating"
	StateAvailable State = "available"
	StateInUse     State = "in-use"
	StateDeleting  State = "deleting"

	// StateError marks a volume whose registry record and backend state
	// are known to disagree; it requires reconciliation or operator
	// intervention before further use.
	StateError State = "error"
)

// Snapshot is a point-in-time copy of a volume. Snapshots hold a weak
// reference to their parent: deleting a volume with live snapshots is
// rejected, never cascaded.
type Snapshot struct {
	ID          string    `json:"id"`
	VolumeID    string    `json:"volume_id"`
	BackingPath string    `json:"backing_path"`
	CreatedAt   time.Time `json:"created_at"`
}

/*
	Export describes the iSCSI presentation of a volume.

	At most one export exists per volume. An export's lifecycle is tied
	to, but decoupled from, its volume: removing the export leaves the
	volume intact. The target IQN is derived deterministically from the
	volume id so exports are recoverable without extra state.
*/
type Export struct {
	VolumeID  string `json:"volume_id"`
	TargetIQN string `json:"target_iqn"`

	// TargetID is the numeric target id used by the iSCSI admin tool.
	TargetID int `json:"target_id"`

	LUN int `json:"lun"`

	// Portal is "ip:port" of the iSCSI portal the target is reachable on.
	Portal string `json:"portal"`

	// Initiators lists the initiator IQNs authorized to log in.
	Initiators []string `json:"initiators"`
}

// HasInitiator reports whether the given initiator is on this export's ACL.
func (e *Export) HasInitiator(initiator string) bool {
	for _, i := range e.Initiators {
		if i == initiator {
			return true
		}
	}
	return false
}
