package wheelforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Installer installs built wheels into the target prefix. Installation only
// ever consumes wheels from the local wheel directory; the index is never
// consulted at install time.
type Installer struct {
	Env *BuildEnv
}

func NewInstaller(env *BuildEnv) *Installer {
	return &Installer{Env: env}
}

// LocalWheel scans the wheel directory for a wheel belonging to the package.
// A wheel whose version violates the active constraint is an error rather
// than a candidate; stale artifacts from an earlier manifest must never be
// installed silently.
func (in *Installer) LocalWheel(spec *PackageSpec) (string, error) {
	entries, err := os.ReadDir(in.Env.WheelDir)
	if err != nil {
		return "", err
	}
	var candidates []WheelInfo
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".whl") {
			continue
		}
		info, err := ParseWheelFilename(e.Name())
		if err != nil {
			debugf("skipping unparseable wheel %s: %v\n", e.Name(), err)
			continue
		}
		if info.MatchesPackage(spec.Name) {
			candidates = append(candidates, info)
			names = append(names, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	// Prefer the newest matching version when several builds accumulated.
	best := -1
	for i, c := range candidates {
		ok, err := constraintSatisfied(spec.Constraint, c.Version)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if best < 0 || compareVersions(c.Version, candidates[best].Version) > 0 {
			best = i
		}
	}
	if best < 0 {
		return "", fmt.Errorf("%w: wheel dir holds %s %s but the active constraint is %q",
			errVersionMismatch, spec.Name, candidates[0].Version, spec.Constraint)
	}
	return filepath.Join(in.Env.WheelDir, names[best]), nil
}

// Install installs the given wheel. The version check runs again on the
// exact artifact handed over, so a stale path from a caller cannot bypass
// the constraint.
func (in *Installer) Install(ctx context.Context, spec *PackageSpec, wheelPath string) error {
	info, err := ParseWheelFilename(filepath.Base(wheelPath))
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	ok, err := constraintSatisfied(spec.Constraint, info.Version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: refusing to install %s %s, active constraint is %q",
			errVersionMismatch, spec.Name, info.Version, spec.Constraint)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installing ")
	colNote.Printf("%s %s\n", spec.Name, info.Version)

	args := []string{
		"install",
		"--no-index",
		"--no-deps",
		"--find-links", in.Env.WheelDir,
		"--force-reinstall",
		wheelPath,
	}
	execCtx := NewExecutor(ctx, in.Env.ExtraEnv)
	if !Verbose {
		execCtx.Log = io.Discard
	}
	if err := execCtx.Run(pipCmd(in.Env, args...)); err != nil {
		return fmt.Errorf("%w: install of %s: %v", errBuildFailed, spec.Name, err)
	}
	return nil
}
