package config

import (
	"path/filepath"
	"strings"
	"testing"

	. "github.com/flynn/go-check"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (S) TestParse(c *C) {
	conf, err := Parse(strings.NewReader(`{
		"args": ["--zpool-name=tank", "--http-port=1400"],
		"env": {"TGTADM": "/usr/sbin/tgtadm"}
	}`))
	c.Assert(err, IsNil)
	c.Assert(conf.Args, DeepEquals, []string{"--zpool-name=tank", "--http-port=1400"})
	c.Assert(conf.Env, DeepEquals, map[string]string{"TGTADM": "/usr/sbin/tgtadm"})
}

func (S) TestDeleteArgs(c *C) {
	conf := &Config{Args: []string{"--zpool-name=tank", "--http-port=1400"}}
	conf.DeleteArgs("zpool-name")
	c.Assert(conf.Args, DeepEquals, []string{"--http-port=1400"})
}

func (S) TestRoundTrip(c *C) {
	conf := New()
	conf.Args = []string{"--state=/tmp/registry.bolt"}
	conf.Env["PATH"] = "/usr/sbin"

	path := filepath.Join(c.MkDir(), "host.json")
	c.Assert(conf.WriteTo(path), IsNil)

	read, err := Open(path)
	c.Assert(err, IsNil)
	c.Assert(read, DeepEquals, conf)
}
