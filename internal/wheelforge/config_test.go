package wheelforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJobsForMemory(t *testing.T) {
	cases := []struct {
		memMB int64
		want  int
	}{
		{8192, 4},
		{3500, 4},
		{3499, 2},
		{2048, 2},
		{2000, 2},
		{1999, 1},
		{512, 1},
		{0, 1},
	}
	for _, c := range cases {
		if got := jobsForMemory(c.memMB); got != c.want {
			t.Errorf("jobsForMemory(%d) = %d, want %d", c.memMB, got, c.want)
		}
	}
}

func TestLoadConfig_ParsesFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wheelforge.conf")
	body := `
# comment
WHEELFORGE_PIP = pip3.12
WHEELFORGE_JOBS="2"
malformed line without equals
WHEELFORGE_MIRROR='https://wheels.example/'
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WHEELFORGE_JOBS", "3")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Values["WHEELFORGE_PIP"] != "pip3.12" {
		t.Fatalf("got %q", cfg.Values["WHEELFORGE_PIP"])
	}
	if cfg.Values["WHEELFORGE_MIRROR"] != "https://wheels.example/" {
		t.Fatalf("quotes not stripped: %q", cfg.Values["WHEELFORGE_MIRROR"])
	}
	// Environment wins over the file.
	if cfg.Values["WHEELFORGE_JOBS"] != "3" {
		t.Fatalf("env override lost: %q", cfg.Values["WHEELFORGE_JOBS"])
	}
	if cfg.Values["TMPDIR"] == "" {
		t.Fatal("TMPDIR default missing")
	}
}

func TestNewBuildEnv(t *testing.T) {
	prefix := t.TempDir()
	tmp := t.TempDir()
	cfg := &Config{Values: map[string]string{
		"WHEELFORGE_PREFIX":   prefix,
		"WHEELFORGE_WORK_DIR": filepath.Join(prefix, "work"),
		"WHEELFORGE_JOBS":     "2",
		"TMPDIR":              tmp,
	}}
	env, err := NewBuildEnv(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Jobs != 2 {
		t.Fatalf("jobs override ignored: %d", env.Jobs)
	}
	if env.PipCommand != "pip" {
		t.Fatalf("pip default wrong: %q", env.PipCommand)
	}
	for _, dir := range []string{env.TmpDir, env.WheelDir, env.SourceCache, env.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("working dir %s not created: %v", dir, err)
		}
	}

	// The job count reaches subprocesses through every backend dialect.
	joined := ""
	for _, kv := range env.ExtraEnv {
		joined += kv + "\n"
	}
	for _, want := range []string{"MAKEFLAGS=-j2", "NINJAFLAGS=-j2", "CMAKE_BUILD_PARALLEL_LEVEL=2", "NPY_NUM_BUILD_JOBS=2", "CARGO_BUILD_JOBS=2"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("ExtraEnv missing %q: %v", want, env.ExtraEnv)
		}
	}
}

func TestNewBuildEnv_MissingPrefixIsPreconditionFailed(t *testing.T) {
	cfg := &Config{Values: map[string]string{
		"WHEELFORGE_PREFIX": "/definitely/not/a/real/prefix",
		"TMPDIR":            t.TempDir(),
	}}
	if _, err := NewBuildEnv(cfg); err == nil {
		t.Fatal("missing prefix accepted")
	}
}
