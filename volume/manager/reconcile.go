package manager

import (
	"github.com/zvold/zvold/volume"
)

// Mismatch describes one divergence between the registry and the actual
// backend/export state.
type Mismatch struct {
	VolumeID string `json:"volume_id"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

const (
	MismatchMissingDataset = "missing-dataset"
	MismatchMissingTarget  = "missing-target"
	MismatchOrphanDataset  = "orphan-dataset"
	MismatchStuckDeleting  = "stuck-deleting"
)

type ReconcileReport struct {
	CheckedVolumes int        `json:"checked_volumes"`
	CheckedExports int        `json:"checked_exports"`
	Mismatches     []Mismatch `json:"mismatches"`
}

/*
	Reconcile compares persisted registry state against what the backend
	and the iscsi layer actually report, typically at startup.

	Drift is flagged, never silently repaired: a registry volume whose
	dataset is gone is marked errored (the record is kept as evidence),
	a volume stuck in the deleting state from a crashed delete is
	likewise marked, datasets with no registry record are reported but
	left alone, and exports whose target is gone are reported so the
	operator can remove and recreate them.
*/
func (m *Manager) Reconcile() (*ReconcileReport, error) {
	report := &ReconcileReport{}

	ids, err := m.backend.ListVolumes()
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	for _, info := range m.reg.Volumes() {
		report.CheckedVolumes++
		// the volume has a record, so whatever its lease state its
		// dataset is not an orphan
		delete(present, info.ID)
		l, err := m.reg.Reserve(info.ID)
		if err != nil {
			// an in-flight operation owns this volume; it is not drift
			m.log.Warn("skipping reconciliation of locked volume", "volume.id", info.ID)
			continue
		}
		switch {
		case !present[info.ID]:
			m.markError(l, info, volume.ErrReconcileMismatch)
			report.Mismatches = append(report.Mismatches, Mismatch{
				VolumeID: info.ID,
				Kind:     MismatchMissingDataset,
				Detail:   "registry record exists but backing dataset " + info.BackingPath + " is absent",
			})
		case info.State == volume.StateDeleting:
			// a delete was interrupted after the transition was
			// persisted but before the dataset was destroyed
			m.markError(l, info, volume.ErrReconcileMismatch)
			report.Mismatches = append(report.Mismatches, Mismatch{
				VolumeID: info.ID,
				Kind:     MismatchStuckDeleting,
				Detail:   "delete was interrupted; backing dataset still present",
			})
		}
		m.reg.Release(l)
	}

	for id := range present {
		report.Mismatches = append(report.Mismatches, Mismatch{
			VolumeID: id,
			Kind:     MismatchOrphanDataset,
			Detail:   "dataset exists in pool but has no registry record",
		})
	}

	for _, ex := range m.reg.Exports() {
		report.CheckedExports++
		live, err := m.exporter.ExportExists(ex)
		if err != nil {
			return nil, err
		}
		if !live {
			report.Mismatches = append(report.Mismatches, Mismatch{
				VolumeID: ex.VolumeID,
				Kind:     MismatchMissingTarget,
				Detail:   "export record exists but target " + ex.TargetIQN + " is not live",
			})
		}
	}

	if len(report.Mismatches) > 0 {
		m.log.Warn("reconciliation found drift", "mismatches", len(report.Mismatches))
	} else {
		m.log.Info("reconciliation clean",
			"volumes", report.CheckedVolumes, "exports", report.CheckedExports)
	}
	return report, nil
}
