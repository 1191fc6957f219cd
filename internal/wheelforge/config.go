package wheelforge

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load $PREFIX/etc/wheelforge.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge WHEELFORGE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = os.TempDir()
	}

	return cfg, nil
}

// Merge WHEELFORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "WHEELFORGE_") || strings.HasPrefix(env, "R2_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// Also import the Termux PREFIX from the environment if present, without
	// overwriting an explicit config file value
	if prefix := os.Getenv("PREFIX"); prefix != "" {
		if _, exists := cfg.Values["WHEELFORGE_PREFIX"]; !exists {
			cfg.Values["WHEELFORGE_PREFIX"] = prefix
		}
	}
}

// BuildEnv is the immutable configuration bundle consumed by every component.
// It replaces the pile of exported shell variables the original provisioning
// scripts relied on: everything a subprocess needs is resolved once here and
// passed explicitly.
type BuildEnv struct {
	Prefix      string // Termux installation prefix, e.g. /data/data/com.termux/files/usr
	TmpDir      string // scratch space for extraction and patching
	WheelDir    string // flat directory of built wheels
	SourceCache string // downloaded sdist archives
	LogDir      string // per-package build logs
	StatusPath  string // build-status record (JSON)
	Jobs        int    // compiler job count, derived from available memory
	PipCommand  string // pip executable, default "pip"
	Mirror      string // remote wheel mirror base URL, optional
	ExtraEnv    []string
}

// jobsForMemory maps total system memory to a safe compiler job count.
// Exceeding memory on constrained devices freezes the whole system and needs
// a hard restart, so this is a correctness requirement, not a tuning knob.
func jobsForMemory(memMB int64) int {
	switch {
	case memMB >= 3500:
		return 4
	case memMB >= 2000:
		return 2
	default:
		return 1
	}
}

// totalMemoryMB returns total system memory in MB via sysinfo, falling back
// to /proc/meminfo when the syscall is unavailable.
func totalMemoryMB() int64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil && si.Totalram > 0 {
		return int64(si.Totalram) * int64(si.Unit) / (1024 * 1024)
	}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb / 1024
				}
			}
		}
	}
	return 0
}

// NewBuildEnv resolves the immutable build environment from configuration.
// A missing installation prefix is fatal: nothing can proceed without it.
func NewBuildEnv(cfg *Config) (*BuildEnv, error) {
	prefix := cfg.Values["WHEELFORGE_PREFIX"]
	if prefix == "" {
		prefix = "/data/data/com.termux/files/usr"
	}
	if info, err := os.Stat(prefix); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: installation prefix %s does not exist", errPreconditionFailed, prefix)
	}

	workDir := cfg.Values["WHEELFORGE_WORK_DIR"]
	if workDir == "" {
		workDir = filepath.Join(prefix, "var/cache/wheelforge")
	}

	env := &BuildEnv{
		Prefix:      prefix,
		TmpDir:      filepath.Join(cfg.Values["TMPDIR"], "wheelforge"),
		WheelDir:    cfg.Values["WHEELFORGE_WHEEL_DIR"],
		SourceCache: filepath.Join(workDir, "sources"),
		LogDir:      filepath.Join(workDir, "logs"),
		StatusPath:  filepath.Join(workDir, "build-status.json"),
		PipCommand:  cfg.Values["WHEELFORGE_PIP"],
		Mirror:      strings.TrimRight(cfg.Values["WHEELFORGE_MIRROR"], "/"),
	}
	if env.WheelDir == "" {
		env.WheelDir = filepath.Join(workDir, "wheels")
	}
	if env.PipCommand == "" {
		env.PipCommand = "pip"
	}

	// Job count: memory-derived, explicit override wins.
	memMB := totalMemoryMB()
	env.Jobs = jobsForMemory(memMB)
	if j := cfg.Values["WHEELFORGE_JOBS"]; j != "" {
		if n, err := strconv.Atoi(j); err == nil && n > 0 {
			env.Jobs = n
		}
	}
	debugf("=> Total memory: %d MB, build jobs: %d\n", memMB, env.Jobs)

	// The job count is consumed by whatever build backend a package uses,
	// so export it in every dialect the common backends read.
	jobs := strconv.Itoa(env.Jobs)
	env.ExtraEnv = []string{
		"MAKEFLAGS=-j" + jobs,
		"NINJAFLAGS=-j" + jobs,
		"CMAKE_BUILD_PARALLEL_LEVEL=" + jobs,
		"NPY_NUM_BUILD_JOBS=" + jobs,
		"CARGO_BUILD_JOBS=" + jobs,
		"TMPDIR=" + env.TmpDir,
	}
	if cc := cfg.Values["WHEELFORGE_CC"]; cc != "" {
		env.ExtraEnv = append(env.ExtraEnv, "CC="+cc)
	}
	if cxx := cfg.Values["WHEELFORGE_CXX"]; cxx != "" {
		env.ExtraEnv = append(env.ExtraEnv, "CXX="+cxx)
	}

	// Create working directories (idempotent)
	for _, dir := range []string{env.TmpDir, env.WheelDir, env.SourceCache, env.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: cannot create %s: %v", errPreconditionFailed, dir, err)
		}
	}

	return env, nil
}

// pipCmd builds an invocation of the configured pip command, which may be a
// multi-word wrapper such as "python3 -m pip".
func pipCmd(env *BuildEnv, args ...string) *exec.Cmd {
	fields := strings.Fields(env.PipCommand)
	return exec.Command(fields[0], append(fields[1:], args...)...)
}
