package testutils

import (
	"os"
	"os/exec"

	. "github.com/flynn/go-check"
)

/*
	Skips a test if the UID isn't 0.

	Most zfs and tgtadm operations require root; use in a suite's
	`SetUpSuite` method.
*/
func SkipIfNotRoot(c *C) {
	if os.Getuid() != 0 {
		c.Skip("cannot perform operations requiring root")
	}
}

// SkipIfCommandMissing skips a test when the named tool isn't on PATH, so
// suites exercising real zfs or tgtadm don't fail on hosts without them.
func SkipIfCommandMissing(c *C, name string) {
	if _, err := exec.LookPath(name); err != nil {
		c.Skip(name + " command is not available")
	}
}
