package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/flynn/go-check"
	"github.com/pkg/errors"
	"github.com/zvold/zvold/volume"
	"github.com/zvold/zvold/volume/registry"
	"gopkg.in/inconshreveable/log15.v2"
)

func Test(t *testing.T) { TestingT(t) }

type RegistryTests struct {
	dbPath string
	reg    *registry.Registry
}

var _ = Suite(&RegistryTests{})

func (s *RegistryTests) SetUpTest(c *C) {
	s.dbPath = filepath.Join(c.MkDir(), "registry.bolt")
	var err error
	s.reg, err = registry.Open(s.dbPath, log15.New())
	c.Assert(err, IsNil)
}

func (s *RegistryTests) TearDownTest(c *C) {
	s.reg.Close()
}

func (s *RegistryTests) reopen(c *C) {
	c.Assert(s.reg.Close(), IsNil)
	var err error
	s.reg, err = registry.Open(s.dbPath, log15.New())
	c.Assert(err, IsNil)
}

func (s *RegistryTests) TestLeaseExcludesConcurrentReserve(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)

	_, err = s.reg.Reserve("v1")
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)

	// distinct volumes are independently lockable
	l2, err := s.reg.Reserve("v2")
	c.Assert(err, IsNil)
	s.reg.Release(l2)

	s.reg.Release(l)
	l3, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	s.reg.Release(l3)
}

func (s *RegistryTests) TestExpiredLeaseIsReclaimed(c *C) {
	s.reg.SetLeaseTTL(10 * time.Millisecond)
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)

	time.Sleep(20 * time.Millisecond)

	// the stale lease no longer blocks a new claim...
	l2, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)

	// ...and the stale holder can no longer commit
	err = s.reg.Commit(l, &volume.Info{ID: "v1"})
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)

	c.Assert(s.reg.Commit(l2, &volume.Info{ID: "v1"}), IsNil)
	s.reg.Release(l2)
}

func (s *RegistryTests) TestCommitRequiresMatchingLease(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	defer s.reg.Release(l)

	err = s.reg.Commit(l, &volume.Info{ID: "v2"})
	c.Assert(err, NotNil)
}

func (s *RegistryTests) TestVolumeRecordsPersist(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	info := &volume.Info{
		ID:          "v1",
		SizeBytes:   1 << 30,
		BackingPath: "tank/v1",
		State:       volume.StateAvailable,
		CreatedAt:   time.Now().UTC(),
	}
	c.Assert(s.reg.Commit(l, info), IsNil)
	s.reg.Release(l)

	s.reopen(c)

	got := s.reg.GetVolume("v1")
	c.Assert(got, NotNil)
	c.Assert(got.SizeBytes, Equals, info.SizeBytes)
	c.Assert(got.BackingPath, Equals, "tank/v1")
	c.Assert(got.State, Equals, volume.StateAvailable)
	c.Assert(got.CreatedAt.Equal(info.CreatedAt), Equals, true)
	c.Assert(s.reg.Volumes(), HasLen, 1)
}

func (s *RegistryTests) TestDeleteVolumeDropsSnapshots(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	c.Assert(s.reg.Commit(l, &volume.Info{ID: "v1", State: volume.StateAvailable}), IsNil)
	c.Assert(s.reg.PutSnapshot(l, &volume.Snapshot{ID: "s1", VolumeID: "v1"}), IsNil)
	c.Assert(s.reg.DeleteVolume(l), IsNil)
	s.reg.Release(l)

	c.Assert(s.reg.GetVolume("v1"), IsNil)
	c.Assert(s.reg.Snapshots("v1"), HasLen, 0)

	s.reopen(c)
	c.Assert(s.reg.GetVolume("v1"), IsNil)
}

func (s *RegistryTests) TestExportRecordsPersist(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	ex := &volume.Export{
		VolumeID:   "v1",
		TargetIQN:  "iqn.2015-09.io.zvold:v1",
		TargetID:   3,
		Portal:     "10.0.0.1:3260",
		Initiators: []string{"iqn.1994-05.com.example:init1"},
	}
	c.Assert(s.reg.PutExport(l, ex), IsNil)
	s.reg.Release(l)

	s.reopen(c)

	got := s.reg.GetExport("v1")
	c.Assert(got, NotNil)
	c.Assert(got.TargetIQN, Equals, ex.TargetIQN)
	c.Assert(got.TargetID, Equals, 3)
	c.Assert(got.Initiators, DeepEquals, ex.Initiators)
	c.Assert(s.reg.Exports(), HasLen, 1)
}

func (s *RegistryTests) TestTargetIDsNeverReused(c *C) {
	tid1, err := s.reg.NextTargetID()
	c.Assert(err, IsNil)
	tid2, err := s.reg.NextTargetID()
	c.Assert(err, IsNil)
	c.Assert(tid2, Equals, tid1+1)

	s.reopen(c)

	tid3, err := s.reg.NextTargetID()
	c.Assert(err, IsNil)
	c.Assert(tid3 > tid2, Equals, true)
}

func (s *RegistryTests) TestMutationsRequireLease(c *C) {
	l, err := s.reg.Reserve("v1")
	c.Assert(err, IsNil)
	s.reg.Release(l)

	// all writes through a released lease must fail
	err = s.reg.Commit(l, &volume.Info{ID: "v1"})
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)
	err = s.reg.PutExport(l, &volume.Export{VolumeID: "v1"})
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)
	err = s.reg.PutSnapshot(l, &volume.Snapshot{ID: "s1", VolumeID: "v1"})
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)
	err = s.reg.DeleteVolume(l)
	c.Assert(errors.Cause(err), Equals, volume.ErrAlreadyLocked)
}
