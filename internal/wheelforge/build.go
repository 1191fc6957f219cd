package wheelforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Builder invokes the wheel-building tool for one source archive.
type Builder struct {
	Env *BuildEnv
}

func NewBuilder(env *BuildEnv) *Builder {
	return &Builder{Env: env}
}

// Build compiles one source archive into a wheel in the wheel directory and
// returns the artifact path. Success is determined by the subprocess exit
// code alone; the full output is captured to a per-package log (kept
// xz-compressed) and is never parsed for control flow.
func (b *Builder) Build(ctx context.Context, spec *PackageSpec, srcPath string) (string, error) {
	outDir, err := os.MkdirTemp(b.Env.TmpDir, spec.Name+"-wheel-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	logPath := filepath.Join(b.Env.LogDir, spec.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("cannot create build log %s: %w", logPath, err)
	}

	var logDest io.Writer = logFile
	if Verbose {
		logDest = io.MultiWriter(logFile, os.Stdout)
	}

	args := []string{"wheel", "--no-deps", "--wheel-dir", outDir}
	if spec.NoBuildIsolation {
		// Only for packages whose build reaches for tooling already present
		// in the ambient environment rather than a declared build dep.
		args = append(args, "--no-build-isolation")
	}
	args = append(args, srcPath)

	execCtx := NewExecutor(ctx, b.Env.ExtraEnv)
	execCtx.Log = logDest
	cmd := pipCmd(b.Env, args...)
	cmd.Stdin = strings.NewReader("")

	colArrow.Print("-> ")
	colSuccess.Printf("Building wheel for ")
	colNote.Printf("%s\n", spec.Name)
	debugf("%s %s\n", b.Env.PipCommand, strings.Join(args, " "))

	buildErr := execCtx.Run(cmd)
	logFile.Close()
	compressLog(logPath)

	if buildErr != nil {
		return "", fmt.Errorf("%w: %s: %v (full log: %s.xz)", errBuildFailed, spec.Name, buildErr, logPath)
	}

	wheelPath, err := b.collectWheel(spec, outDir)
	if err != nil {
		return "", err
	}
	return wheelPath, nil
}

// collectWheel locates the single wheel produced by the build, checks it
// against the active version constraint, and moves it into the wheel
// directory. A wheel for a non-matching version is an error, never silently
// kept.
func (b *Builder) collectWheel(spec *PackageSpec, outDir string) (string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", err
	}
	var wheels []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".whl") {
			wheels = append(wheels, e.Name())
		}
	}
	if len(wheels) == 0 {
		return "", fmt.Errorf("%w: %s: build reported success but produced no wheel", errBuildFailed, spec.Name)
	}
	if len(wheels) > 1 {
		return "", fmt.Errorf("%w: %s: build produced %d wheels, expected one", errBuildFailed, spec.Name, len(wheels))
	}

	info, err := ParseWheelFilename(wheels[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errBuildFailed, spec.Name, err)
	}
	if !info.MatchesPackage(spec.Name) {
		return "", fmt.Errorf("%w: %s: build produced wheel for %s", errBuildFailed, spec.Name, info.Name)
	}
	ok, err := constraintSatisfied(spec.Constraint, info.Version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: built %s %s but the active constraint is %q",
			errVersionMismatch, spec.Name, info.Version, spec.Constraint)
	}

	dest := filepath.Join(b.Env.WheelDir, wheels[0])
	if err := os.Rename(filepath.Join(outDir, wheels[0]), dest); err != nil {
		// Scratch dir may be on a different filesystem than the wheel dir.
		if err := copyFile(filepath.Join(outDir, wheels[0]), dest); err != nil {
			return "", fmt.Errorf("cannot move wheel into %s: %w", b.Env.WheelDir, err)
		}
	}
	return dest, nil
}

// checkBuildRequirements verifies that the system tools a package declares
// are resolvable before its build is attempted, so a missing Fortran or Rust
// toolchain fails fast with a clear message instead of mid-compile.
func checkBuildRequirements(spec *PackageSpec) error {
	var missing []string
	for _, tool := range spec.BuildRequirements {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires missing tools: %s",
			errBuildFailed, spec.Name, strings.Join(missing, ", "))
	}
	return nil
}

// compressLog replaces a retained build log with an xz-compressed copy.
func compressLog(logPath string) {
	src, err := os.Open(logPath)
	if err != nil {
		return
	}
	defer src.Close()

	dest, err := os.Create(logPath + ".xz")
	if err != nil {
		return
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		return
	}
	if err := xzWriter.Close(); err != nil {
		return
	}
	src.Close()
	_ = os.Remove(logPath)
}
