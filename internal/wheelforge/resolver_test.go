package wheelforge

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// makeSdist writes a minimal but structurally valid source archive: one
// top-level dir with a setup.py inside, gzip'd tar.
func makeSdist(t *testing.T, path, topDir string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := tw.WriteHeader(&tar.Header{
		Name:     topDir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}); err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		files = map[string]string{"setup.py": "from setuptools import setup\nsetup()\n"}
	}
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     topDir + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testEnv(t *testing.T) *BuildEnv {
	t.Helper()
	root := t.TempDir()
	env := &BuildEnv{
		Prefix:      root,
		TmpDir:      filepath.Join(root, "tmp"),
		WheelDir:    filepath.Join(root, "wheels"),
		SourceCache: filepath.Join(root, "sources"),
		LogDir:      filepath.Join(root, "logs"),
		StatusPath:  filepath.Join(root, "build-status.json"),
		Jobs:        1,
		PipCommand:  "true",
	}
	for _, dir := range []string{env.TmpDir, env.WheelDir, env.SourceCache, env.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

func TestValidateArchive_AcceptsIntactArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "numpy-2.1.0.tar.gz")
	makeSdist(t, path, "numpy-2.1.0", nil)
	if err := validateArchive(path); err != nil {
		t.Fatalf("valid archive rejected: %v", err)
	}
}

func TestValidateArchive_RejectsDamage(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.tar.gz")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateArchive(empty); err == nil {
		t.Fatal("empty file accepted")
	}

	notGzip := filepath.Join(dir, "notgzip.tar.gz")
	if err := os.WriteFile(notGzip, []byte("<html>error page</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateArchive(notGzip); err == nil {
		t.Fatal("non-gzip payload accepted")
	}

	// Truncate a valid archive in half; the tar walk must notice.
	whole := filepath.Join(dir, "whole.tar.gz")
	makeSdist(t, whole, "pkg-1.0.0", map[string]string{"setup.py": string(bytes.Repeat([]byte("x = 1\n"), 4000))})
	data, err := os.ReadFile(whole)
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(dir, "truncated.tar.gz")
	if err := os.WriteFile(truncated, data[:len(data)/2], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateArchive(truncated); err == nil {
		t.Fatal("truncated archive accepted")
	}
}

func TestResolve_UsesCacheWhenIntact(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)
	spec := &PackageSpec{Name: "numpy", Constraint: "==2.1.0"}

	downloads := 0
	r.Downloader = func(ctx context.Context, url, dest string) error {
		downloads++
		makeSdist(t, dest, "numpy-2.1.0", nil)
		return nil
	}

	first, err := r.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if downloads != 1 {
		t.Fatalf("downloads = %d", downloads)
	}

	second, err := r.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("cache miss: %s vs %s", second, first)
	}
	if downloads != 1 {
		t.Fatalf("cached archive re-downloaded, downloads = %d", downloads)
	}
}

func TestResolve_DiscardsCorruptCacheAndRedownloads(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)
	spec := &PackageSpec{Name: "numpy", Constraint: "==2.1.0"}

	r.Downloader = func(ctx context.Context, url, dest string) error {
		makeSdist(t, dest, "numpy-2.1.0", nil)
		return nil
	}
	path, err := r.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Corrupt the cached copy in place.
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	redownloaded := false
	r.Downloader = func(ctx context.Context, url, dest string) error {
		redownloaded = true
		makeSdist(t, dest, "numpy-2.1.0", nil)
		return nil
	}
	path2, err := r.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !redownloaded {
		t.Fatal("corrupt cache entry was served")
	}
	if err := validateArchive(path2); err != nil {
		t.Fatalf("replacement archive invalid: %v", err)
	}
}

func TestResolve_PersistentCorruptionIsSourceCorrupt(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)
	spec := &PackageSpec{Name: "numpy", Constraint: "==2.1.0"}

	r.Downloader = func(ctx context.Context, url, dest string) error {
		// Every download yields a broken payload.
		return os.WriteFile(dest, []byte("\x1f\x8bgarbage"), 0o644)
	}
	_, err := r.Resolve(context.Background(), spec)
	if !errors.Is(err, errSourceCorrupt) {
		t.Fatalf("got %v, want errSourceCorrupt", err)
	}
}

func TestResolve_DownloadFailureIsSourceUnavailable(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)
	spec := &PackageSpec{Name: "numpy", Constraint: "==2.1.0"}

	r.Downloader = func(ctx context.Context, url, dest string) error {
		return fmt.Errorf("connection refused")
	}
	_, err := r.Resolve(context.Background(), spec)
	if !errors.Is(err, errSourceUnavailable) {
		t.Fatalf("got %v, want errSourceUnavailable", err)
	}
}

func TestResolve_SourceURLChainFallsBack(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)
	spec := &PackageSpec{
		Name:       "lxml",
		Constraint: "==5.3.0",
		SourceURLs: []string{
			"https://mirror.example/lxml-5.3.0.tar.gz",
			"https://backup.example/lxml-5.3.0.tar.gz",
		},
	}

	var tried []string
	r.Downloader = func(ctx context.Context, url, dest string) error {
		tried = append(tried, url)
		if len(tried) <= 2 {
			return fmt.Errorf("unreachable")
		}
		makeSdist(t, dest, "lxml-5.3.0", nil)
		return nil
	}
	path, err := r.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := validateArchive(path); err != nil {
		t.Fatalf("resolved archive invalid: %v", err)
	}
	// Both attempts on the first mirror, then the backup.
	if tried[0] != spec.SourceURLs[0] || tried[1] != spec.SourceURLs[0] || tried[2] != spec.SourceURLs[1] {
		t.Fatalf("unexpected attempt order: %v", tried)
	}
}

func TestCachedSatisfying_RespectsConstraint(t *testing.T) {
	env := testEnv(t)
	r := NewResolver(env)

	// Simulate cache entries written by cachePath: 16 hex chars, dash, name.
	old := filepath.Join(env.SourceCache, "aaaaaaaaaaaaaaaa-pandas-2.3.3.tar.gz")
	makeSdist(t, old, "pandas-2.3.3", nil)

	spec := &PackageSpec{Name: "pandas", Constraint: "<2.3.0"}
	if got := r.cachedSatisfying(spec); got != "" {
		t.Fatalf("constraint-violating cache entry served: %s", got)
	}

	ok := filepath.Join(env.SourceCache, "bbbbbbbbbbbbbbbb-pandas-2.2.0.tar.gz")
	makeSdist(t, ok, "pandas-2.2.0", nil)
	if got := r.cachedSatisfying(spec); got != ok {
		t.Fatalf("got %q, want %q", got, ok)
	}
}
