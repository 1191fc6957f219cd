package wheelforge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Orchestrator drives the whole pipeline for a manifest: resolve, patch,
// build, post-patch, install, one package at a time in dependency order.
// The step functions are injectable so the loop can be tested without
// touching the network or a real interpreter.
type Orchestrator struct {
	Env      *BuildEnv
	Manifest *Manifest
	Graph    *DepGraph
	Status   *StatusTracker
	Mirror   *MirrorClient // nil when no mirror is configured

	LocalWheelFunc func(spec *PackageSpec) (string, error)
	ResolveFunc    func(ctx context.Context, spec *PackageSpec) (string, error)
	PatchFunc      func(spec *PackageSpec, srcPath string) (string, error)
	BuildFunc      func(ctx context.Context, spec *PackageSpec, srcPath string) (string, error)
	PostPatchFunc  func(ctx context.Context, spec *PackageSpec, wheelPath string) error
	InstallFunc    func(ctx context.Context, spec *PackageSpec, wheelPath string) error

	// Prefetch overlaps the next package's source download with the current
	// build. The build pipeline itself stays strictly sequential.
	Prefetch bool
}

func NewOrchestrator(env *BuildEnv, m *Manifest, g *DepGraph, st *StatusTracker, mirror *MirrorClient) *Orchestrator {
	resolver := NewResolver(env)
	builder := NewBuilder(env)
	elf := NewElfPatcher(env)
	installer := NewInstaller(env)
	return &Orchestrator{
		Env:      env,
		Manifest: m,
		Graph:    g,
		Status:   st,
		Mirror:         mirror,
		LocalWheelFunc: installer.LocalWheel,
		ResolveFunc: func(ctx context.Context, spec *PackageSpec) (string, error) {
			return resolver.Resolve(ctx, spec)
		},
		PatchFunc: func(spec *PackageSpec, srcPath string) (string, error) {
			return PatchSource(env, spec, srcPath)
		},
		BuildFunc:     builder.Build,
		PostPatchFunc: elf.Patch,
		InstallFunc:   installer.Install,
		Prefetch:      true,
	}
}

// RunOptions control a single orchestrator run.
type RunOptions struct {
	Targets []string // empty means the whole manifest
	Force   bool     // rebuild packages already recorded as built
}

// Run processes the manifest in dependency order. Per-package failures are
// recorded and cascade to transitive dependents as skips; the loop keeps
// going so independent subgraphs still build. The returned error is non-nil
// when any non-optional package failed or was skipped.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	order, err := o.selectOrder(opts.Targets)
	if err != nil {
		return err
	}
	if err := o.preflight(order); err != nil {
		return err
	}
	if opts.Force {
		if err := o.Status.Clear(order); err != nil {
			return err
		}
	} else {
		// Skipped records are derivative and get recomputed from the failed
		// roots below; a stale "building" record means the previous run died
		// mid-package. Failed records stay until an explicit reset.
		var stale []string
		for _, name := range order {
			switch o.Status.State(name) {
			case StateSkipped, StateBuilding:
				stale = append(stale, name)
			case StateBuilt:
				// A built record whose wheel vanished must run again.
				if !o.Status.IsBuilt(name) {
					stale = append(stale, name)
				}
			}
		}
		if err := o.Status.Clear(stale); err != nil {
			return err
		}
	}

	doomed := make(map[string]string) // package -> failed ancestor
	var failures []string
	var prefetchDone chan struct{}

	for i, name := range order {
		spec := o.Manifest.Spec(name)

		if prefetchDone != nil {
			<-prefetchDone
			prefetchDone = nil
		}

		if o.Status.State(name) == StateFailed {
			cPrintf(colError, "%s failed in a previous run, not retrying (reset it first)\n", name)
			o.condemnDependents(name, name, doomed)
			if !spec.Optional {
				failures = append(failures, name)
			}
			continue
		}

		if cause, ok := doomed[name]; ok {
			if !opts.Force && o.Status.IsBuilt(name) {
				// Installed in an earlier run; a failed dependency rebuild
				// does not invalidate it.
				continue
			}
			cPrintf(colWarn, "Skipping %s: dependency %s failed\n", name, cause)
			if err := o.Status.Mark(name, StateSkipped, fmt.Errorf("%w: %s", errDependencyFailed, cause)); err != nil {
				return err
			}
			o.condemnDependents(name, cause, doomed)
			if !spec.Optional {
				failures = append(failures, name)
			}
			continue
		}

		if !opts.Force && o.Status.IsBuilt(name) {
			cPrintf(colNote, "%s already built, skipping (use --force to rebuild)\n", name)
			continue
		}

		if o.Prefetch && i+1 < len(order) {
			next := o.Manifest.Spec(order[i+1])
			done := make(chan struct{})
			prefetchDone = done
			go func() {
				defer close(done)
				// Best effort; the foreground resolve retries on its own.
				_, _ = o.ResolveFunc(ctx, next)
			}()
		}

		err := o.buildOne(ctx, spec, opts.Force)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			if markErr := o.Status.Mark(name, StateFailed, err); markErr != nil {
				return markErr
			}
			if spec.Optional {
				cPrintf(colWarn, "Optional package %s failed: %v\n", name, err)
			} else {
				cPrintf(colError, "Package %s failed: %v\n", name, err)
				failures = append(failures, name)
			}
			o.condemnDependents(name, name, doomed)
			continue
		}
	}

	fmt.Print(FormatSummary(o.Manifest, o.Status))
	if len(failures) > 0 {
		sort.Strings(failures)
		return fmt.Errorf("%d package(s) did not build: %s", len(failures), strings.Join(failures, ", "))
	}
	return nil
}

// buildOne runs the full per-package pipeline and records the outcome.
// Artifact preference order: a satisfying wheel already in the wheel
// directory, then the mirror, and only then a fresh build.
func (o *Orchestrator) buildOne(ctx context.Context, spec *PackageSpec, force bool) error {
	if err := o.Status.Mark(spec.Name, StateBuilding, nil); err != nil {
		return err
	}
	if err := checkBuildRequirements(spec); err != nil {
		return err
	}

	wheelPath := ""
	if o.LocalWheelFunc != nil && !force {
		existing, err := o.LocalWheelFunc(spec)
		if err != nil {
			return err
		}
		if existing != "" {
			cPrintf(colNote, "Using existing wheel %s\n", filepath.Base(existing))
			wheelPath = existing
		}
	}

	if wheelPath == "" {
		srcPath, err := o.ResolveFunc(ctx, spec)
		if err != nil {
			return err
		}

		srcPath, err = o.PatchFunc(spec, srcPath)
		if err != nil {
			return err
		}

		if o.Mirror != nil {
			if version := versionFromArchive(srcPath, spec.Name); version != "" {
				if cached, err := o.Mirror.FetchWheel(ctx, spec, version); err == nil && cached != "" {
					cPrintf(colNote, "Using mirrored wheel for %s %s\n", spec.Name, version)
					wheelPath = cached
				}
			}
		}
		if wheelPath == "" {
			wheelPath, err = o.BuildFunc(ctx, spec, srcPath)
			if err != nil {
				return err
			}
			if err := o.PostPatchFunc(ctx, spec, wheelPath); err != nil {
				return err
			}
		}
	}

	// The install plus the status write must not be torn apart by Ctrl+C; a
	// half-installed package recorded as built would poison every resume.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := o.InstallFunc(ctx, spec, wheelPath); err != nil {
		return err
	}
	checksum, err := archiveChecksum(wheelPath)
	if err != nil {
		return err
	}
	return o.Status.MarkBuilt(spec.Name, wheelPath, checksum)
}

// selectOrder returns the dependency-ordered work list: the whole manifest,
// or the requested targets plus every dependency they need.
func (o *Orchestrator) selectOrder(targets []string) ([]string, error) {
	order := o.Graph.BuildOrder()
	if len(targets) == 0 {
		return order, nil
	}
	wanted := make(map[string]bool)
	var mark func(name string) error
	mark = func(name string) error {
		if wanted[name] {
			return nil
		}
		if o.Manifest.Spec(name) == nil {
			return fmt.Errorf("%w: %s", errPackageNotFound, name)
		}
		wanted[name] = true
		for _, dep := range o.Graph.Dependencies(name) {
			if err := mark(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range targets {
		if err := mark(t); err != nil {
			return nil, err
		}
	}
	var filtered []string
	for _, name := range order {
		if wanted[name] {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// preflight verifies the external tools the run will need before any work
// starts, so a missing interpreter or patchelf fails in seconds, not after
// an hour of compiling.
func (o *Orchestrator) preflight(order []string) error {
	pip := strings.Fields(o.Env.PipCommand)[0]
	if _, err := exec.LookPath(pip); err != nil {
		return fmt.Errorf("%w: %s not found on PATH", errPreconditionFailed, pip)
	}
	for _, name := range order {
		if spec := o.Manifest.Spec(name); spec.ElfFix != nil {
			if _, err := exec.LookPath("patchelf"); err != nil {
				return fmt.Errorf("%w: patchelf not found on PATH but %s needs it", errPreconditionFailed, name)
			}
			break
		}
	}
	return nil
}

func (o *Orchestrator) condemnDependents(name, cause string, doomed map[string]string) {
	for _, dep := range o.Graph.TransitiveDependents(name) {
		if _, ok := doomed[dep]; !ok {
			doomed[dep] = cause
		}
	}
}

// Plan prints the work the orchestrator would do without doing any of it.
func (o *Orchestrator) Plan(targets []string) error {
	order, err := o.selectOrder(targets)
	if err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Build plan (%d packages, %d parallel job(s) per build)\n", len(order), o.Env.Jobs)
	for i, name := range order {
		spec := o.Manifest.Spec(name)
		state := o.Status.State(name)
		line := fmt.Sprintf("%3d. %-20s", i+1, name)
		if spec.Constraint != "" {
			line += fmt.Sprintf(" %-14s", spec.Constraint)
		} else {
			line += fmt.Sprintf(" %-14s", "any")
		}
		if deps := o.Graph.Dependencies(name); len(deps) > 0 {
			line += " after " + strings.Join(deps, ", ")
		}
		switch {
		case state == StateBuilt && o.Status.IsBuilt(name):
			cPrintf(colNote, "%s  [built]\n", line)
		case state == StateFailed:
			cPrintf(colError, "%s  [failed]\n", line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}

// IsAbortError reports whether the error came from context cancellation
// rather than a package-level failure.
func IsAbortError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
