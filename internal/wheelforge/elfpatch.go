package wheelforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ElfPatcher rewrites native shared objects inside an already-built wheel,
// typically to add a NEEDED entry or rpath that the build itself cannot
// express. PatchCommand is injectable for tests.
type ElfPatcher struct {
	Env          *BuildEnv
	PatchCommand func(ctx context.Context, soPath string, fix *ElfFix) error
}

func NewElfPatcher(env *BuildEnv) *ElfPatcher {
	return &ElfPatcher{Env: env, PatchCommand: runPatchelf}
}

// Patch unpacks the wheel, applies the configured ELF fix to every shared
// object the pattern matches, and repacks in place. The repacked wheel holds
// exactly the same set of entries as the original; only matched files change
// content. No pattern match is an error, not a silent pass.
func (p *ElfPatcher) Patch(ctx context.Context, spec *PackageSpec, wheelPath string) error {
	if spec.ElfFix == nil {
		return nil
	}

	scratch, err := os.MkdirTemp(p.Env.TmpDir, spec.Name+"-elfpatch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	entries, err := unpackWheel(wheelPath, scratch)
	if err != nil {
		return fmt.Errorf("cannot unpack %s: %w", filepath.Base(wheelPath), err)
	}

	matches, err := globWheelEntries(entries, spec.ElfFix.SoPattern)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: %s: no entry in %s matches %q",
			errPostPatchTargetMissing, spec.Name, filepath.Base(wheelPath), spec.ElfFix.SoPattern)
	}

	for _, rel := range matches {
		debugf("patching %s\n", rel)
		if err := p.PatchCommand(ctx, filepath.Join(scratch, rel), spec.ElfFix); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", errBuildFailed, spec.Name, rel, err)
		}
	}

	if err := repackWheel(scratch, entries, wheelPath); err != nil {
		return fmt.Errorf("cannot repack %s: %w", filepath.Base(wheelPath), err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Patched %d shared object(s) in ", len(matches))
	colNote.Printf("%s\n", filepath.Base(wheelPath))
	return nil
}

func runPatchelf(ctx context.Context, soPath string, fix *ElfFix) error {
	var args []string
	for _, lib := range fix.AddNeeded {
		args = append(args, "--add-needed", lib)
	}
	if fix.Rpath != "" {
		args = append(args, "--set-rpath", fix.Rpath)
	}
	if len(args) == 0 {
		return nil
	}
	args = append(args, soPath)

	execCtx := &Executor{Context: ctx}
	return execCtx.Run(exec.Command("patchelf", args...))
}

// unpackWheel extracts a wheel archive and returns its entry names in
// archive order. Entries escaping the destination are rejected.
func unpackWheel(wheelPath, dest string) ([]string, error) {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []string
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return nil, fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		perm := f.Mode().Perm()
		if perm == 0 {
			perm = 0o644
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
		if err != nil {
			rc.Close()
			return nil, err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return nil, err
		}
		out.Close()
		rc.Close()
		entries = append(entries, name)
	}
	return entries, nil
}

func globWheelEntries(entries []string, pattern string) ([]string, error) {
	var matches []string
	for _, rel := range entries {
		ok, err := filepath.Match(pattern, filepath.Base(rel))
		if err != nil {
			return nil, fmt.Errorf("bad so_pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, rel)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// repackWheel writes the entry set back into a zip and atomically replaces
// the original wheel.
func repackWheel(root string, entries []string, wheelPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(wheelPath), ".repack-*.whl")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := zip.NewWriter(tmp)
	for _, rel := range entries {
		src := filepath.Join(root, rel)
		info, err := os.Stat(src)
		if err != nil {
			w.Close()
			tmp.Close()
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			w.Close()
			tmp.Close()
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, err := w.CreateHeader(hdr)
		if err != nil {
			w.Close()
			tmp.Close()
			return err
		}
		f, err := os.Open(src)
		if err != nil {
			w.Close()
			tmp.Close()
			return err
		}
		if _, err := io.Copy(dst, f); err != nil {
			f.Close()
			w.Close()
			tmp.Close()
			return err
		}
		f.Close()
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, wheelPath)
}
