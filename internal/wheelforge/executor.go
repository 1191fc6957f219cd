package wheelforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing build subprocesses,
// layering environment overrides on top of the ambient environment and
// killing the whole process group on cancellation.
type Executor struct {
	Context context.Context // The context to use for cancellation
	Env     []string        // Extra environment entries appended to os.Environ()
	Log     io.Writer       // Destination for subprocess output; nil means os.Stdout/Stderr
}

func NewExecutor(ctx context.Context, env []string) *Executor {
	return &Executor{Context: ctx, Env: env}
}

// Run executes the given command with the executor's environment overrides.
// Success or failure is determined by the exit code alone; output goes to the
// configured log writer and is never inspected for control flow.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	out := e.Log
	if cmd.Stdout == nil {
		if out != nil {
			cmd.Stdout = out
		} else {
			cmd.Stdout = os.Stdout
		}
	}
	if cmd.Stderr == nil {
		if out != nil {
			cmd.Stderr = out
		} else {
			cmd.Stderr = os.Stderr
		}
	}

	// --- Phase 1: rebuild under our context with layered environment ---
	finalCmd := exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	finalCmd.Env = append(finalCmd.Env, e.Env...)

	// --- Phase 2: isolate process group for context-based cleanup ---
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	pgid := finalCmd.Process.Pid

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

// Output runs the command and returns its stdout, with stderr routed to the
// executor's log writer.
func (e *Executor) Output(cmd *exec.Cmd) ([]byte, error) {
	var buf outputBuffer
	cmd.Stdout = &buf
	if err := e.Run(cmd); err != nil {
		return buf.data, err
	}
	return buf.data, nil
}

type outputBuffer struct {
	data []byte
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
