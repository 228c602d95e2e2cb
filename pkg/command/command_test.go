package command

import (
	"strings"
	"testing"
	"time"

	check "github.com/flynn/go-check"
)

func Test(t *testing.T) { check.TestingT(t) }

type RunnerTests struct {
	runner *LocalRunner
}

var _ = check.Suite(&RunnerTests{})

func (s *RunnerTests) SetUpSuite(c *check.C) {
	s.runner = NewLocalRunner(nil)
}

func (s *RunnerTests) TestCapturesStdout(c *check.C) {
	res, err := s.runner.Run("sh", []string{"-c", "echo hello"}, 10*time.Second)
	c.Assert(err, check.IsNil)
	c.Assert(res.ExitCode, check.Equals, 0)
	c.Assert(strings.TrimSpace(string(res.Stdout)), check.Equals, "hello")
}

func (s *RunnerTests) TestCapturesStderr(c *check.C) {
	res, err := s.runner.Run("sh", []string{"-c", "echo oops >&2; exit 3"}, 10*time.Second)
	exitErr, ok := err.(*ExitError)
	c.Assert(ok, check.Equals, true)
	c.Assert(exitErr.Code, check.Equals, 3)
	c.Assert(strings.TrimSpace(exitErr.Stderr), check.Equals, "oops")
	c.Assert(res.ExitCode, check.Equals, 3)
	c.Assert(strings.TrimSpace(string(res.Stderr)), check.Equals, "oops")
}

func (s *RunnerTests) TestTimeoutKillsProcess(c *check.C) {
	start := time.Now()
	_, err := s.runner.Run("sleep", []string{"30"}, 100*time.Millisecond)
	c.Assert(err, check.NotNil)
	c.Assert(IsTimeout(err), check.Equals, true)
	// the process must have been killed, not waited for
	c.Assert(time.Since(start) < 5*time.Second, check.Equals, true)
}

func (s *RunnerTests) TestZeroTimeoutMeansNoDeadline(c *check.C) {
	res, err := s.runner.Run("true", nil, 0)
	c.Assert(err, check.IsNil)
	c.Assert(res.ExitCode, check.Equals, 0)
}

func (s *RunnerTests) TestMissingBinary(c *check.C) {
	_, err := s.runner.Run("zvold-no-such-binary", nil, time.Second)
	c.Assert(err, check.NotNil)
	c.Assert(IsTimeout(err), check.Equals, false)
	_, isExit := err.(*ExitError)
	c.Assert(isExit, check.Equals, false)
}
