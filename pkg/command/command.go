// Package command runs external provisioning tools with a bounded duration
// and uniform error classification, so call sites don't each reinvent
// process handling around the zfs and tgtadm binaries.
package command

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
)

// ErrTimeout is the cause of errors returned when a command exceeds its
// timeout. The process is killed before the error is returned.
var ErrTimeout = errors.New("command timed out")

// ExitError is returned when a command runs to completion with a non-zero
// exit code. Stderr is included because the tools we drive report their
// actual failure reason there, not in the exit code.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no stderr output"
	}
	return fmt.Sprintf("command %s exited %d: %s", e.Cmd, e.Code, msg)
}

// Result holds the output of a completed command. A Result is returned even
// when the command failed, so callers can inspect partial output.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner is the executor contract. Implementations do not retry; retry
// policy belongs to callers.
type Runner interface {
	Run(name string, args []string, timeout time.Duration) (*Result, error)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	Log log15.Logger
}

func NewLocalRunner(log log15.Logger) *LocalRunner {
	return &LocalRunner{Log: log}
}

func (r *LocalRunner) Run(name string, args []string, timeout time.Duration) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.Log != nil {
		r.Log.Debug("exec", "cmd", name, "args", strings.Join(args, " "))
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", name)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	if timeout > 0 {
		select {
		case err = <-done:
		case <-time.After(timeout):
			cmd.Process.Kill()
			<-done
			return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()},
				errors.Wrapf(ErrTimeout, "%s after %s", name, timeout)
		}
	} else {
		err = <-done
	}

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				res.ExitCode = status.ExitStatus()
			} else {
				res.ExitCode = -1
			}
			return res, &ExitError{Cmd: name, Code: res.ExitCode, Stderr: stderr.String()}
		}
		return res, errors.Wrapf(err, "running %s", name)
	}
	return res, nil
}

// IsTimeout reports whether err was caused by a command exceeding its
// timeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}
