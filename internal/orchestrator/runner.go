package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// StageSpec is the process a Runner starts for one stage attempt.
type StageSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
}

// ProcessResult is what a finished stage process produced.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner starts a stage process and waits for it. A non-zero exit is
// reported through ProcessResult.ExitCode with a nil error; the error is
// reserved for processes that could not be started or were interrupted.
type Runner interface {
	Run(ctx context.Context, spec StageSpec) (ProcessResult, error)
}

// ExecRunner runs stages as child processes via os/exec.
type ExecRunner struct {
	// Env is appended to the parent environment.
	Env []string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, spec StageSpec) (ProcessResult, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	if ctx.Err() != nil {
		return res, eris.Wrapf(ctx.Err(), "orchestrator: stage %s interrupted", spec.Name)
	}
	return res, eris.Wrapf(err, "orchestrator: start stage %s", spec.Name)
}

// StageError reports a stage whose process failed.
type StageError struct {
	Stage    string
	ExitCode int
	Stderr   string
	Err      error // start or interruption failure, nil for a plain non-zero exit
}

func (e *StageError) Error() string {
	msg := "orchestrator: stage " + e.Stage + " failed with exit code " + strconv.Itoa(e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := tailLines(e.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }
