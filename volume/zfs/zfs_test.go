package zfs

import (
	"fmt"
	"math"
	"os"
	"testing"

	. "github.com/flynn/go-check"
	gzfs "github.com/mistifyio/go-zfs"
	"github.com/zvold/zvold/pkg/random"
	"github.com/zvold/zvold/pkg/testutils"
	"gopkg.in/inconshreveable/log15.v2"
)

func Test(t *testing.T) { TestingT(t) }

// note: whimsical/unique pool names per test are chosen to help debug
// in the event of stateful catastrophe (zfs is quite capable of carrying
// state between tests!).

var oneGig = int64(math.Pow(2, float64(30)))

/*
	Helper for temporary zpools, embeddable in test suites.
*/
type TempZpool struct {
	IDstring          string
	ZpoolVdevFilePath string
	ZpoolName         string
	Backend           *Backend
}

func (s *TempZpool) SetUpTest(c *C) {
	if s.IDstring == "" {
		s.IDstring = random.String(12)
	}

	// Set up a new backend with a zpool that will be destroyed on teardown
	s.ZpoolVdevFilePath = fmt.Sprintf("/tmp/zvold-test-zpool-%s.vdev", s.IDstring)
	s.ZpoolName = fmt.Sprintf("zvold-test-zpool-%s", s.IDstring)
	var err error
	s.Backend, err = New(&Config{
		DatasetName: s.ZpoolName,
		Make: &MakeDev{
			BackingFilename: s.ZpoolVdevFilePath,
			Size:            oneGig,
		},
	}, nil, log15.New())
	c.Assert(err, IsNil)
}

func (s *TempZpool) TearDownTest(c *C) {
	if s.ZpoolVdevFilePath != "" {
		defer os.Remove(s.ZpoolVdevFilePath)
	}
	pool, _ := gzfs.GetZpool(s.ZpoolName)
	if pool != nil {
		if datasets, err := pool.Datasets(); err == nil {
			for _, dataset := range datasets {
				dataset.Destroy(gzfs.DestroyRecursive | gzfs.DestroyForceUmount)
			}
		}
		err := pool.Destroy()
		c.Assert(err, IsNil)
	}
}

type S struct{}

var _ = Suite(&S{})

func (S) SetUpSuite(c *C) {
	// Skip all tests in this suite if not running as root.
	// Most zfs operations require root privileges.
	testutils.SkipIfNotRoot(c)
	testutils.SkipIfCommandMissing(c, "zfs")
}

func (S) TestBackendRequestingNonexistentZpoolFails(c *C) {
	dataset := "testpool-starfish"
	backend, err := New(&Config{
		DatasetName: dataset,
		// no MakeDev, so a missing pool is an error
	}, nil, log15.New())
	c.Assert(backend, IsNil)
	c.Assert(err, NotNil)
	c.Assert(err.Error(), Equals, fmt.Sprintf("cannot open '%s': dataset does not exist\n", dataset))
}

func (S) TestBackendAutomaticFileVdevZpoolCreation(c *C) {
	dataset := "testpool-dinosaur"

	// don't use ioutil.TempFile; we want to exercise the path where the
	// file doesn't exist yet.
	backingFilePath := fmt.Sprintf("/tmp/zvold-%s", random.String(12))
	defer os.Remove(backingFilePath)

	backend, err := New(&Config{
		DatasetName: dataset,
		Make: &MakeDev{
			BackingFilename: backingFilePath,
			Size:            oneGig,
		},
	}, nil, log15.New())
	defer func() {
		pool, _ := gzfs.GetZpool(dataset)
		if pool != nil {
			pool.Destroy()
		}
	}()
	c.Assert(err, IsNil)
	c.Assert(backend, NotNil)

	// also, we shouldn't get any '/testpool-dinosaur' dir at root
	_, err = os.Stat("/" + dataset)
	c.Assert(err, NotNil)
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (S) TestBackendExistingZpoolDetection(c *C) {
	dataset := "testpool-festival"

	backingFilePath := fmt.Sprintf("/tmp/zvold-%s", random.String(12))
	defer os.Remove(backingFilePath)

	backend, err := New(&Config{
		DatasetName: dataset,
		Make: &MakeDev{
			BackingFilename: backingFilePath,
			Size:            oneGig,
		},
	}, nil, log15.New())
	defer func() {
		pool, _ := gzfs.GetZpool(dataset)
		if pool != nil {
			pool.Destroy()
		}
	}()
	c.Assert(err, IsNil)
	c.Assert(backend, NotNil)

	// a second backend on the same dataset should see the existing pool
	// and thus never hit the MakeDev path
	badFilePath := "/tmp/zvold-test-should-not-exist"
	backend, err = New(&Config{
		DatasetName: dataset,
		Make: &MakeDev{
			BackingFilename: badFilePath,
			Size:            oneGig,
		},
	}, nil, log15.New())
	c.Assert(err, IsNil)
	c.Assert(backend, NotNil)
	_, err = os.Stat(badFilePath)
	c.Assert(err, NotNil)
	c.Assert(os.IsNotExist(err), Equals, true)
}

type ZvolTests struct {
	TempZpool
}

var _ = Suite(&ZvolTests{})

func (ZvolTests) SetUpSuite(c *C) {
	testutils.SkipIfNotRoot(c)
	testutils.SkipIfCommandMissing(c, "zfs")
}

func (s *ZvolTests) TestVolumeLifecycle(c *C) {
	path, err := s.Backend.CreateVolume("walrus", 16*1024*1024)
	c.Assert(err, IsNil)
	c.Assert(path, Equals, s.ZpoolName+"/walrus")

	// the device node must be usable as soon as CreateVolume returns
	fi, err := os.Stat(s.Backend.DevicePath("walrus"))
	c.Assert(err, IsNil)
	c.Assert(fi.Mode()&os.ModeDevice, Not(Equals), os.FileMode(0))

	ids, err := s.Backend.ListVolumes()
	c.Assert(err, IsNil)
	c.Assert(ids, DeepEquals, []string{"walrus"})

	c.Assert(s.Backend.DestroyVolume(path), IsNil)
	// destroys are idempotent
	c.Assert(s.Backend.DestroyVolume(path), IsNil)

	ids, err = s.Backend.ListVolumes()
	c.Assert(err, IsNil)
	c.Assert(ids, HasLen, 0)
}

func (s *ZvolTests) TestDuplicateVolume(c *C) {
	_, err := s.Backend.CreateVolume("badger", 16*1024*1024)
	c.Assert(err, IsNil)
	_, err = s.Backend.CreateVolume("badger", 16*1024*1024)
	c.Assert(err, NotNil)
}

func (s *ZvolTests) TestInsufficientSpace(c *C) {
	_, err := s.Backend.CreateVolume("leviathan", 64*oneGig)
	c.Assert(err, NotNil)
}

func (s *ZvolTests) TestResizeGrowsButNeverShrinks(c *C) {
	path, err := s.Backend.CreateVolume("nautilus", 16*1024*1024)
	c.Assert(err, IsNil)

	c.Assert(s.Backend.ResizeVolume(path, 32*1024*1024), IsNil)

	ds, err := gzfs.GetDataset(path)
	c.Assert(err, IsNil)
	c.Assert(ds.Volsize >= 32*1024*1024, Equals, true)

	err = s.Backend.ResizeVolume(path, 16*1024*1024)
	c.Assert(err, NotNil)
}

func (s *ZvolTests) TestSnapshotAndClone(c *C) {
	path, err := s.Backend.CreateVolume("octopus", 16*1024*1024)
	c.Assert(err, IsNil)

	snapPath, err := s.Backend.CreateSnapshot(path, "first")
	c.Assert(err, IsNil)
	c.Assert(snapPath, Equals, path+"@first")

	// duplicate snapshot ids are refused
	_, err = s.Backend.CreateSnapshot(path, "first")
	c.Assert(err, NotNil)

	// a volume with snapshots can't be destroyed
	err = s.Backend.DestroyVolume(path)
	c.Assert(err, NotNil)

	clonePath, err := s.Backend.CloneSnapshot(snapPath, "octopus-jr")
	c.Assert(err, IsNil)
	c.Assert(clonePath, Equals, s.ZpoolName+"/octopus-jr")
	_, err = os.Stat(s.Backend.DevicePath("octopus-jr"))
	c.Assert(err, IsNil)

	// the clone was promoted, so the origin volume and its snapshot are
	// deletable even while the clone lives on
	c.Assert(s.Backend.DestroyVolume(path), IsNil)
	c.Assert(s.Backend.DestroyVolume(clonePath), NotNil) // snapshot moved here by promote

	snap, err := gzfs.GetDataset(clonePath + "@first")
	c.Assert(err, IsNil)
	c.Assert(s.Backend.DestroySnapshot(snap.Name), IsNil)
	c.Assert(s.Backend.DestroyVolume(clonePath), IsNil)
}

func (s *ZvolTests) TestDestroySnapshotIdempotent(c *C) {
	path, err := s.Backend.CreateVolume("mongoose", 16*1024*1024)
	c.Assert(err, IsNil)
	snapPath, err := s.Backend.CreateSnapshot(path, "gone")
	c.Assert(err, IsNil)
	c.Assert(s.Backend.DestroySnapshot(snapPath), IsNil)
	c.Assert(s.Backend.DestroySnapshot(snapPath), IsNil)
}
