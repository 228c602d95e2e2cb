/*
	Package registry is the source of truth for volume, snapshot, and
	export records. It is the single writer of that state: every
	mutating provisioning operation must hold a lease on the target
	volume id for its duration, which serializes concurrent operations
	on the same volume while leaving operations on distinct volumes
	fully concurrent.

	Records are persisted to boltdb so the daemon can reconcile its view
	of the world against the actual pool after a restart.
*/
package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/zvold/zvold/pkg/random"
	"github.com/zvold/zvold/volume"
	"gopkg.in/inconshreveable/log15.v2"
)

var (
	volumesBucket   = []byte("volumes")
	snapshotsBucket = []byte("snapshots")
	exportsBucket   = []byte("exports")
	metaBucket      = []byte("meta")

	nextTIDKey = []byte("next-tid")
)

// DefaultLeaseTTL bounds how long a crashed or wedged operation can keep a
// volume locked before the lease becomes reclaimable.
const DefaultLeaseTTL = time.Minute

// Lease is an exclusive, time-bounded claim on a volume id.
type Lease struct {
	VolumeID string
	token    string
	expires  time.Time
}

type Registry struct {
	mtx sync.Mutex
	db  *bolt.DB
	log log15.Logger

	leaseTTL time.Duration

	volumes   map[string]*volume.Info
	snapshots map[string]map[string]*volume.Snapshot
	exports   map[string]*volume.Export
	leases    map[string]*Lease
	nextTID   int
}

func Open(dbPath string, log log15.Logger) (*Registry, error) {
	r := &Registry{
		log:       log,
		leaseTTL:  DefaultLeaseTTL,
		volumes:   make(map[string]*volume.Info),
		snapshots: make(map[string]map[string]*volume.Snapshot),
		exports:   make(map[string]*volume.Export),
		leases:    make(map[string]*Lease),
		nextTID:   1, // tid 0 is not a valid iscsi target id
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open registry db %q: %s", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{volumesBucket, snapshotsBucket, exportsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize registry db: %s", err)
	}
	r.db = db
	if err := r.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) restore() error {
	return r.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(volumesBucket).ForEach(func(k, v []byte) error {
			info := &volume.Info{}
			if err := json.Unmarshal(v, info); err != nil {
				return err
			}
			r.volumes[info.ID] = info
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(snapshotsBucket).ForEach(func(k, v []byte) error {
			snap := &volume.Snapshot{}
			if err := json.Unmarshal(v, snap); err != nil {
				return err
			}
			if r.snapshots[snap.VolumeID] == nil {
				r.snapshots[snap.VolumeID] = make(map[string]*volume.Snapshot)
			}
			r.snapshots[snap.VolumeID][snap.ID] = snap
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(exportsBucket).ForEach(func(k, v []byte) error {
			ex := &volume.Export{}
			if err := json.Unmarshal(v, ex); err != nil {
				return err
			}
			r.exports[ex.VolumeID] = ex
			return nil
		}); err != nil {
			return err
		}
		if v := tx.Bucket(metaBucket).Get(nextTIDKey); v != nil {
			tid, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("corrupt next-tid record %q", v)
			}
			r.nextTID = tid
		}
		return nil
	})
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// SetLeaseTTL overrides the lease expiry, mainly so tests don't wait a
// minute for reclamation.
func (r *Registry) SetLeaseTTL(d time.Duration) {
	r.mtx.Lock()
	r.leaseTTL = d
	r.mtx.Unlock()
}

/*
	Reserve takes the exclusive lease on a volume id. It fails with
	ErrAlreadyLocked while another lease is outstanding; expired leases
	are reclaimed silently.
*/
func (r *Registry) Reserve(id string) (*Lease, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if cur, ok := r.leases[id]; ok && time.Now().Before(cur.expires) {
		return nil, errors.Wrapf(volume.ErrAlreadyLocked, "reserve %q", id)
	}
	l := &Lease{
		VolumeID: id,
		token:    random.UUID(),
		expires:  time.Now().Add(r.leaseTTL),
	}
	r.leases[id] = l
	return l, nil
}

// Release gives the lease back. Releasing a lease that has already been
// reclaimed is a no-op.
func (r *Registry) Release(l *Lease) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if cur, ok := r.leases[l.VolumeID]; ok && cur.token == l.token {
		delete(r.leases, l.VolumeID)
	}
}

// checkLease must be called with r.mtx held.
func (r *Registry) checkLease(l *Lease) error {
	cur, ok := r.leases[l.VolumeID]
	if !ok || cur.token != l.token {
		return errors.Wrapf(volume.ErrAlreadyLocked, "lease on %q lost", l.VolumeID)
	}
	return nil
}

// Commit persists the volume record. The registry is updated only at
// commit time, after the backend mutation has already succeeded.
func (r *Registry) Commit(l *Lease, info *volume.Info) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if info.ID != l.VolumeID {
		return fmt.Errorf("lease for %q cannot commit volume %q", l.VolumeID, info.ID)
	}
	if err := r.persist(volumesBucket, []byte(info.ID), info); err != nil {
		return err
	}
	r.volumes[info.ID] = info
	return nil
}

// DeleteVolume removes the volume record entirely.
func (r *Registry) DeleteVolume(l *Lease) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(volumesBucket).Delete([]byte(l.VolumeID))
	}); err != nil {
		return fmt.Errorf("could not delete volume record %q: %s", l.VolumeID, err)
	}
	delete(r.volumes, l.VolumeID)
	delete(r.snapshots, l.VolumeID)
	return nil
}

func (r *Registry) GetVolume(id string) *volume.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.volumes[id]
}

func (r *Registry) Volumes() []*volume.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	vols := make([]*volume.Info, 0, len(r.volumes))
	for _, v := range r.volumes {
		vols = append(vols, v)
	}
	return vols
}

func (r *Registry) PutExport(l *Lease, ex *volume.Export) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if err := r.persist(exportsBucket, []byte(ex.VolumeID), ex); err != nil {
		return err
	}
	r.exports[ex.VolumeID] = ex
	return nil
}

func (r *Registry) DeleteExport(l *Lease) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(exportsBucket).Delete([]byte(l.VolumeID))
	}); err != nil {
		return fmt.Errorf("could not delete export record %q: %s", l.VolumeID, err)
	}
	delete(r.exports, l.VolumeID)
	return nil
}

func (r *Registry) GetExport(volumeID string) *volume.Export {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.exports[volumeID]
}

func (r *Registry) Exports() []*volume.Export {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	exports := make([]*volume.Export, 0, len(r.exports))
	for _, ex := range r.exports {
		exports = append(exports, ex)
	}
	return exports
}

func snapshotKey(volumeID, snapID string) []byte {
	return []byte(volumeID + "@" + snapID)
}

func (r *Registry) PutSnapshot(l *Lease, snap *volume.Snapshot) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if err := r.persist(snapshotsBucket, snapshotKey(snap.VolumeID, snap.ID), snap); err != nil {
		return err
	}
	if r.snapshots[snap.VolumeID] == nil {
		r.snapshots[snap.VolumeID] = make(map[string]*volume.Snapshot)
	}
	r.snapshots[snap.VolumeID][snap.ID] = snap
	return nil
}

func (r *Registry) DeleteSnapshot(l *Lease, snapID string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err := r.checkLease(l); err != nil {
		return err
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete(snapshotKey(l.VolumeID, snapID))
	}); err != nil {
		return fmt.Errorf("could not delete snapshot record %q: %s", snapID, err)
	}
	delete(r.snapshots[l.VolumeID], snapID)
	return nil
}

func (r *Registry) GetSnapshot(volumeID, snapID string) *volume.Snapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.snapshots[volumeID][snapID]
}

func (r *Registry) Snapshots(volumeID string) []*volume.Snapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	snaps := make([]*volume.Snapshot, 0, len(r.snapshots[volumeID]))
	for _, s := range r.snapshots[volumeID] {
		snaps = append(snaps, s)
	}
	return snaps
}

// NextTargetID allocates a monotonically increasing iscsi target id. The
// counter is persisted so tids are never reused across restarts.
func (r *Registry) NextTargetID() (int, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	tid := r.nextTID
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(nextTIDKey, []byte(strconv.Itoa(tid+1)))
	}); err != nil {
		return 0, fmt.Errorf("could not persist target id counter: %s", err)
	}
	r.nextTID = tid + 1
	return tid, nil
}

// persist must be called with r.mtx held.
func (r *Registry) persist(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not serialize %q record: %s", bucket, err)
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	}); err != nil {
		return fmt.Errorf("could not persist %q record: %s", bucket, err)
	}
	return nil
}
