// Package process runs the capnp compiler as a child process and
// collects its output streams. Stdout is drained either as text or as a
// single Cap'n Proto serialized message; stderr is always drained as
// text. The child is reaped only after both streams are fully drained,
// which avoids the pipe-buffer deadlock a premature wait invites.
package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	capnp "capnproto.org/go/capnp/v3"
	"golang.org/x/sync/errgroup"

	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/internal/errors"
)

// RunParams describes one compiler invocation.
type RunParams struct {
	// Argv is the command and its arguments. Argv[0] is resolved via
	// PATH unless it contains a path separator.
	Argv []string
	// WorkingDir is the directory the child runs in. PWD in the child
	// environment is updated to match.
	WorkingDir string
	// ExpectBinaryStdout selects the stdout drain mode: a single
	// serialized capnp message when true, plain text otherwise.
	ExpectBinaryStdout bool
}

// RunResult holds the collected outputs of a finished child.
type RunResult struct {
	ExitCode   int
	Message    *capnp.Message // set when ExpectBinaryStdout and decoding succeeded
	StdoutText string
	StderrText string
}

// Runner executes compiler subprocesses one at a time.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run starts the command, drains stdout and stderr concurrently, waits
// for the child to exit, and returns the collected result. A nonzero
// exit code is not an error; failures to start, drain, or reap are.
func (r *Runner) Run(ctx context.Context, params RunParams) (RunResult, error) {
	command := strings.Join(params.Argv, " ")

	if info, err := os.Stat(params.WorkingDir); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.NewProcessError("workdir", command, os.ErrInvalid)
			return RunResult{}, err
		}
		return RunResult{}, errors.NewProcessError("workdir", command, err)
	}

	cmd := exec.CommandContext(ctx, params.Argv[0], params.Argv[1:]...)
	cmd.Dir = params.WorkingDir
	cmd.Env = append(os.Environ(), "PWD="+params.WorkingDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, errors.NewProcessError("start", command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, errors.NewProcessError("start", command, err)
	}

	if err := cmd.Start(); err != nil {
		return RunResult{}, errors.NewProcessError("start", command, err)
	}
	common.ServerLogger.Debug("Started subprocess pid %d: %s", cmd.Process.Pid, command)

	var result RunResult
	var decodeErr error

	g := new(errgroup.Group)
	g.Go(func() error {
		if params.ExpectBinaryStdout {
			result.Message, decodeErr = capnp.NewDecoder(stdout).Decode()
			// Drain whatever follows the message so the child never
			// blocks on a full pipe.
			_, _ = io.Copy(io.Discard, stdout)
			return nil
		}
		data, err := io.ReadAll(stdout)
		result.StdoutText = string(data)
		return err
	})
	g.Go(func() error {
		data, err := io.ReadAll(stderr)
		result.StderrText = string(data)
		return err
	})

	drainErr := g.Wait()

	// Reap only after both drains are complete.
	waitErr := cmd.Wait()

	if drainErr != nil {
		return RunResult{}, errors.NewProcessError("drain", command, drainErr)
	}

	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok || exitErr.ExitCode() < 0 {
			// Exec failure or death by signal.
			return RunResult{}, errors.NewProcessError("wait", command, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if params.ExpectBinaryStdout && result.ExitCode == 0 && decodeErr != nil {
		return RunResult{}, errors.NewProcessError("drain", command, decodeErr)
	}
	if result.ExitCode != 0 {
		result.Message = nil
	}

	common.ServerLogger.Debug("Subprocess exited with code %d: %s", result.ExitCode, command)
	return result, nil
}
