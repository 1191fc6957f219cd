package wheelforge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeWheel(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("wheel"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalWheel_PrefersNewestSatisfyingVersion(t *testing.T) {
	env := testEnv(t)
	in := NewInstaller(env)
	writeWheel(t, env.WheelDir, "pandas-2.1.0-cp312-cp312-linux_aarch64.whl")
	want := writeWheel(t, env.WheelDir, "pandas-2.2.3-cp312-cp312-linux_aarch64.whl")
	writeWheel(t, env.WheelDir, "numpy-2.1.0-cp312-cp312-linux_aarch64.whl")

	got, err := in.LocalWheel(&PackageSpec{Name: "pandas", Constraint: "<2.3.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalWheel_ConstraintViolationIsAnError(t *testing.T) {
	env := testEnv(t)
	in := NewInstaller(env)
	writeWheel(t, env.WheelDir, "pandas-2.3.3-cp312-cp312-linux_aarch64.whl")

	_, err := in.LocalWheel(&PackageSpec{Name: "pandas", Constraint: "<2.3.0"})
	if !errors.Is(err, errVersionMismatch) {
		t.Fatalf("got %v, want errVersionMismatch", err)
	}
}

func TestLocalWheel_NoMatchIsEmptyNotError(t *testing.T) {
	env := testEnv(t)
	in := NewInstaller(env)
	writeWheel(t, env.WheelDir, "numpy-2.1.0-cp312-cp312-linux_aarch64.whl")

	got, err := in.LocalWheel(&PackageSpec{Name: "pandas"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestInstall_RefusesMismatchedWheelBeforeInvokingPip(t *testing.T) {
	env := testEnv(t)
	// A pip command that would blow up if it ran.
	env.PipCommand = "/nonexistent/pip"
	in := NewInstaller(env)
	wheel := writeWheel(t, env.WheelDir, "pandas-2.3.3-cp312-cp312-linux_aarch64.whl")

	err := in.Install(context.Background(), &PackageSpec{Name: "pandas", Constraint: "<2.3.0"}, wheel)
	if !errors.Is(err, errVersionMismatch) {
		t.Fatalf("got %v, want errVersionMismatch", err)
	}
}

func TestInstall_RunsPipAgainstWheel(t *testing.T) {
	env := testEnv(t)
	// Stand-in for pip that records its argv.
	marker := filepath.Join(t.TempDir(), "argv")
	script := filepath.Join(t.TempDir(), "fakepip")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > "+marker+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	env.PipCommand = script
	in := NewInstaller(env)
	wheel := writeWheel(t, env.WheelDir, "pandas-2.2.3-cp312-cp312-linux_aarch64.whl")

	if err := in.Install(context.Background(), &PackageSpec{Name: "pandas", Constraint: "<2.3.0"}, wheel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	argv, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("pip was never invoked: %v", err)
	}
	for _, want := range []string{"install", "--no-index", "--find-links", wheel} {
		if !slices.Contains(strings.Fields(string(argv)), want) {
			t.Fatalf("argv %q missing %q", argv, want)
		}
	}
}

func TestInstall_MultiWordPipCommand(t *testing.T) {
	env := testEnv(t)
	// WHEELFORGE_PIP may name a wrapper invocation like "python3 -m pip";
	// the leading word is the binary, the rest are prepended arguments.
	marker := filepath.Join(t.TempDir(), "argv")
	script := filepath.Join(t.TempDir(), "fakepip")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > "+marker+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	env.PipCommand = "sh " + script
	in := NewInstaller(env)
	wheel := writeWheel(t, env.WheelDir, "pandas-2.2.3-cp312-cp312-linux_aarch64.whl")

	if err := in.Install(context.Background(), &PackageSpec{Name: "pandas"}, wheel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	argv, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("pip was never invoked: %v", err)
	}
	fields := strings.Fields(string(argv))
	if len(fields) == 0 || fields[0] != "install" {
		t.Fatalf("pip arguments garbled: %q", argv)
	}
	if !slices.Contains(fields, wheel) {
		t.Fatalf("argv %q missing %q", argv, wheel)
	}
}
