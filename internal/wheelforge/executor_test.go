package wheelforge

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestExecutor_LayersEnvAndCapturesOutput(t *testing.T) {
	e := &Executor{
		Context: context.Background(),
		Env:     []string{"MAKEFLAGS=-j2"},
	}
	out, err := e.Output(exec.Command("sh", "-c", "printf '%s' \"$MAKEFLAGS\""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "-j2" {
		t.Fatalf("env not layered, got %q", out)
	}
}

func TestExecutor_ExitCodeDecidesFailure(t *testing.T) {
	e := &Executor{Context: context.Background(), Log: &outputBuffer{}}
	// Loud stderr with exit 0 is success.
	if err := e.Run(exec.Command("sh", "-c", "echo 'ERROR: scary warning' >&2; exit 0")); err != nil {
		t.Fatalf("exit 0 treated as failure: %v", err)
	}
	// Quiet output with exit 1 is failure.
	if err := e.Run(exec.Command("sh", "-c", "exit 1")); err == nil {
		t.Fatal("exit 1 treated as success")
	}
}

func TestExecutor_CancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{Context: ctx, Log: &outputBuffer{}}

	done := make(chan error, 1)
	go func() {
		done <- e.Run(exec.Command("sleep", "30"))
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled command reported success")
		}
		if !strings.Contains(err.Error(), "aborted") {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command survived cancellation")
	}
}
