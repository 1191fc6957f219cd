package wheelforge

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"
)

// A sourceFix applies one named, idempotent transformation to an extracted
// source tree. It returns the files it changed; an empty result means the
// expected target was absent, which is a warning rather than a failure
// (package layouts vary by version).
type sourceFix func(root, version string) ([]string, error)

// sourceFixes is the registry of known package-specific repairs applied
// before building. Fix names are what the manifest's special_fixes refer to.
var sourceFixes = map[string]sourceFix{
	"version-literal-fix": versionLiteralFix,
	"shebang-fix":         shebangFix,
}

// versionDetectRe matches build-script lines that derive the package version
// by invoking a detection helper at build time. Those helpers assume a git
// checkout or host tooling that does not exist inside Termux, so the line is
// rewritten to the literal version taken from the archive's own filename.
var versionDetectRe = regexp.MustCompile(`(?m)^(\s*version\s*=\s*)\S*get_version\([^)]*\)\s*,?\s*$`)

func versionLiteralFix(root, version string) ([]string, error) {
	var changed []string
	for _, rel := range []string{"setup.py", "version.py", "_version.py"} {
		path := filepath.Join(root, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		patched := versionDetectRe.ReplaceAll(data, []byte(`${1}"`+version+`",`))
		if string(patched) == string(data) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, patched, info.Mode()); err != nil {
			return nil, err
		}
		changed = append(changed, rel)
	}
	return changed, nil
}

// shebangFix prepends an interpreter directive to build helper scripts that
// ship without one and marks them executable. Some build backends exec these
// helpers directly, which fails with ENOEXEC on Android without the shebang.
func shebangFix(root, _ string) ([]string, error) {
	var changed []string
	for _, dir := range []string{"tools", "scripts"} {
		base := filepath.Join(root, dir)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".py") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			if !strings.HasPrefix(string(data), "#!") {
				data = append([]byte("#!/usr/bin/env python3\n"), data...)
				if err := os.WriteFile(path, data, 0o755); err != nil {
					return err
				}
			} else if err := os.Chmod(path, 0o755); err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			changed = append(changed, rel)
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// PatchSource applies the named fix set to a source archive and repackages
// the result as a new archive. The original archive is never mutated; when
// no fix finds its target, the original path is returned unchanged.
func PatchSource(env *BuildEnv, pkg *PackageSpec, srcPath string) (string, error) {
	if len(pkg.SpecialFixes) == 0 {
		return srcPath, nil
	}

	version := versionFromArchive(srcPath, pkg.Name)

	scratch, err := os.MkdirTemp(env.TmpDir, pkg.Name+"-patch-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	topDir, err := extractSourceArchive(srcPath, scratch)
	if err != nil {
		return "", fmt.Errorf("cannot extract %s for patching: %w", srcPath, err)
	}

	anyChanged := false
	for _, name := range pkg.SpecialFixes {
		fix, ok := sourceFixes[name]
		if !ok {
			return "", fmt.Errorf("unknown fix %q for package %s", name, pkg.Name)
		}
		changed, err := fix(filepath.Join(scratch, topDir), version)
		if err != nil {
			return "", fmt.Errorf("fix %s on %s: %w", name, pkg.Name, err)
		}
		if len(changed) == 0 {
			colArrow.Print("-> ")
			colWarn.Printf("Fix %s found nothing to patch in %s, passing source through\n", name, pkg.Name)
			continue
		}
		anyChanged = true
		debugf("Fix %s patched %v in %s\n", name, changed, pkg.Name)
	}
	if !anyChanged {
		return srcPath, nil
	}

	patchedDir := filepath.Join(env.TmpDir, "patched")
	if err := os.MkdirAll(patchedDir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(srcPath), ".tar.gz")
	outPath := filepath.Join(patchedDir, base+"-patched.tar.gz")
	if err := packSourceArchive(scratch, outPath); err != nil {
		return "", fmt.Errorf("cannot repackage patched source for %s: %w", pkg.Name, err)
	}
	return outPath, nil
}

// versionFromArchive recovers the version from an sdist filename such as
// numpy-2.1.0.tar.gz (possibly carrying a cache hash prefix or a -patched
// suffix).
func versionFromArchive(path, pkgName string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".tar.gz")
	base = strings.TrimSuffix(base, "-patched")
	if i := strings.Index(base, pkgName+"-"); i != -1 {
		return base[i+len(pkgName)+1:]
	}
	if i := strings.LastIndex(base, "-"); i != -1 {
		return base[i+1:]
	}
	return base
}

// extractSourceArchive unpacks a gzip'd tar into dest and returns the
// archive's top-level directory name.
func extractSourceArchive(archive, dest string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("bad gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	topDir := ""
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("tar read: %w", err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		if topDir == "" {
			if i := strings.IndexByte(name, filepath.Separator); i != -1 {
				topDir = name[:i]
			} else if hdr.Typeflag == tar.TypeDir {
				topDir = name
			}
		}

		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return "", err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return "", err
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	if topDir == "" {
		return "", fmt.Errorf("archive %s has no top-level directory", archive)
	}
	return topDir, nil
}

// packSourceArchive repackages an extracted tree as a gzip'd tar with a
// deterministic entry order.
func packSourceArchive(root, outPath string) error {
	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, outPath)
}
