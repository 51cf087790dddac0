package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Launcher starts the pipeline driver as a child process. All coupling to the
// host is explicit construction-time configuration; the launcher does not
// interpret argument semantics.
type Launcher struct {
	// Interpreter is the path or name of the interpreter binary, e.g. "python3".
	Interpreter string

	// Script is the path of the pipeline driver script handed to the interpreter.
	Script string

	// WorkDir is the child's working directory. Empty means inherit.
	WorkDir string

	// Env holds extra KEY=VALUE entries appended to the parent environment,
	// typically credentials forwarded from deployment configuration. Entries
	// are passed through verbatim and never logged.
	Env []string

	Log *zap.SugaredLogger
}

// SpawnError reports that the OS could not create the child process at all,
// as opposed to a process that started and exited non-zero.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning pipeline process: %s", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Proc is a started pipeline process. It is exclusively owned by the run that
// started it: nothing else may read its pipes or await its exit.
type Proc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// PID returns the child's process ID.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and both pipes have been drained.
// A clean exit, zero or not, returns (code, nil). A runtime fault (killed by
// a signal, wait error) returns a non-nil error.
func (p *Proc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok && p.cmd.ProcessState.Exited() {
			return p.cmd.ProcessState.ExitCode(), nil
		}
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// Start launches the driver with the given argument vector. The returned
// Proc has both output pipes open for reading. Cancelling ctx kills the
// child; pass context.Background() to let an abandoned run finish.
func (l *Launcher) Start(ctx context.Context, args []string) (*Proc, error) {
	cmd := exec.CommandContext(ctx, l.Interpreter, append([]string{l.Script}, args...)...)
	cmd.Dir = l.WorkDir
	cmd.Env = append(os.Environ(), l.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("opening stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Err: fmt.Errorf("opening stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}
	if l.Log != nil {
		l.Log.Debugw("started pipeline process", "PID", cmd.Process.Pid, "Script", l.Script, "Args", args)
	}
	return &Proc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}
