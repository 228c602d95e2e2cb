package zfs

import (
	. "github.com/flynn/go-check"
	"gopkg.in/inconshreveable/log15.v2"
)

func (S) TestBackendOnExistingZpool(c *C) {
	err := WithTmpfileZpool("testpool-gazelle", func() error {
		// no MakeDev: the pool already exists, New must just open it
		backend, err := New(&Config{DatasetName: "testpool-gazelle"}, nil, log15.New())
		if err != nil {
			return err
		}

		path, err := backend.CreateVolume("gazelle", 16*1024*1024)
		if err != nil {
			return err
		}
		return backend.DestroyVolume(path)
	})
	c.Assert(err, IsNil)
}
