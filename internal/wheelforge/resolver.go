package wheelforge

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"lukechampine.com/blake3"
)

const pypiSourceHost = "https://pypi.io/packages/source"

// Resolver locates, validates and caches source archives.
type Resolver struct {
	Env    *BuildEnv
	Client *http.Client

	// Downloader is injectable for tests; defaults to the curl-then-native
	// chain in downloadFile.
	Downloader func(ctx context.Context, url, dest string) error
}

func NewResolver(env *BuildEnv) *Resolver {
	r := &Resolver{
		Env: env,
		Client: &http.Client{
			Timeout: 300 * time.Second, // large sdists on slow mobile links
		},
	}
	r.Downloader = r.downloadFile
	return r
}

// Resolve returns a validated local source archive for the package spec:
// cached archive if intact, otherwise a fresh download from the first source
// in the chain that yields a valid archive. The returned path is inside the
// source cache and must be treated as read-only.
func (r *Resolver) Resolve(ctx context.Context, spec *PackageSpec) (string, error) {
	version := pinnedVersion(spec.Constraint)
	if version == "" && len(spec.SourceURLs) == 0 {
		v, err := r.latestSatisfying(ctx, spec)
		if err != nil {
			// The index is unreachable; a cached archive satisfying the
			// constraint is still acceptable.
			if cached := r.cachedSatisfying(spec); cached != "" {
				return cached, nil
			}
			return "", fmt.Errorf("%w: %s: %v", errSourceUnavailable, spec.Name, err)
		}
		version = v
	}

	urls := append([]string(nil), spec.SourceURLs...)
	if version != "" {
		sdist := sdistFilename(spec.Name, version)
		if r.Env.Mirror != "" {
			urls = append(urls, r.Env.Mirror+"/"+sdist)
		}
		urls = append(urls, fmt.Sprintf("%s/%s/%s/%s",
			pypiSourceHost, spec.Name[:1], spec.Name, sdist))
	}

	// 1. Previously downloaded archive, validated before use.
	for _, url := range urls {
		cachePath := r.cachePath(url)
		if _, err := os.Stat(cachePath); err != nil {
			continue
		}
		if err := validateArchive(cachePath); err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Cached archive for %s is corrupt, discarding: %v\n", spec.Name, err)
			tryRemoveCachedFile(cachePath)
			continue
		}
		debugf("Already in cache: %s\n", cachePath)
		return cachePath, nil
	}

	// 2. Download fresh, one retry per source, validate-then-fallback.
	var lastErr error
	corrupt := 0
	for _, url := range urls {
		cachePath := r.cachePath(url)
		for attempt := 0; attempt < 2; attempt++ {
			if err := r.fetchLocked(ctx, url, cachePath); err != nil {
				lastErr = err
				debugf("download %s failed (attempt %d): %v\n", url, attempt+1, err)
				continue
			}
			if err := validateArchive(cachePath); err != nil {
				lastErr = err
				corrupt++
				tryRemoveCachedFile(cachePath)
				continue
			}
			return cachePath, nil
		}
	}
	if corrupt >= 2 {
		return "", fmt.Errorf("%w: %s: %v", errSourceCorrupt, spec.Name, lastErr)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no source URL known for %s", spec.Name)
	}
	return "", fmt.Errorf("%w: %s: %v", errSourceUnavailable, spec.Name, lastErr)
}

// cachePath derives the cache filename from the URL hash plus the original
// filename, so distinct mirrors of the same file never collide.
func (r *Resolver) cachePath(url string) string {
	sum := blake3.Sum256([]byte(url))
	name := filepath.Base(strings.Split(url, "?")[0])
	return filepath.Join(r.Env.SourceCache, hex.EncodeToString(sum[:8])+"-"+name)
}

// cachedSatisfying scans the source cache for an archive of this package
// whose embedded version satisfies the active constraint.
func (r *Resolver) cachedSatisfying(spec *PackageSpec) string {
	entries, err := os.ReadDir(r.Env.SourceCache)
	if err != nil {
		return ""
	}
	prefix := spec.Name + "-"
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		// Strip the URL-hash prefix added by cachePath.
		if i := strings.Index(name, "-"); i == 16 {
			name = name[i+1:]
		}
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		ver := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".tar.gz")
		ok, err := constraintSatisfied(spec.Constraint, ver)
		if err != nil || !ok {
			continue
		}
		path := filepath.Join(r.Env.SourceCache, e.Name())
		if validateArchive(path) == nil {
			candidates = append(candidates, path)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}

// pypiProject is the subset of the package index response we consume.
type pypiProject struct {
	Info struct {
		Version string `json:"version"`
	} `json:"info"`
	Releases map[string][]struct {
		PackageType string `json:"packagetype"`
	} `json:"releases"`
}

// latestSatisfying asks the package index for the newest release that
// satisfies the spec's constraint. The index is treated as unreliable: one
// retry, then a hard failure for this package.
func (r *Resolver) latestSatisfying(ctx context.Context, spec *PackageSpec) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("https://pypi.org/pypi/%s/json", spec.Name), nil)
		if err != nil {
			return "", err
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("index returned %s", resp.Status)
			continue
		}
		var proj pypiProject
		err = json.NewDecoder(resp.Body).Decode(&proj)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		var versions []string
		for ver, files := range proj.Releases {
			for _, f := range files {
				if f.PackageType == "sdist" {
					versions = append(versions, ver)
					break
				}
			}
		}
		if len(versions) == 0 && proj.Info.Version != "" {
			versions = append(versions, proj.Info.Version)
		}
		sort.Slice(versions, func(i, j int) bool {
			return compareVersions(versions[i], versions[j]) < 0
		})
		for i := len(versions) - 1; i >= 0; i-- {
			ok, err := constraintSatisfied(spec.Constraint, versions[i])
			if err != nil {
				return "", err
			}
			if ok {
				return versions[i], nil
			}
		}
		return "", fmt.Errorf("no release of %s satisfies %q", spec.Name, spec.Constraint)
	}
	return "", lastErr
}

// fetchLocked downloads url to dest under an exclusive flock, so a second
// invocation (or the background prefetcher) cannot corrupt the cache.
func (r *Resolver) fetchLocked(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	lockPath := dest + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// The file may have appeared while we waited for the lock.
	if _, err := os.Stat(dest); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", dest)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if _, err := os.Stat(dest); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	return r.Downloader(ctx, url, dest)
}

// downloadFile downloads a URL into the source cache. curl is preferred when
// present (it handles flaky mobile links well); the native HTTP client with
// a progress bar is the fallback.
func (r *Resolver) downloadFile(ctx context.Context, url, dest string) error {
	debugf("Downloading %s -> %s\n", url, dest)

	if _, err := exec.LookPath("curl"); err == nil {
		curlArgs := []string{"-L", "--fail", "-o", dest}
		if Verbose {
			curlArgs = append(curlArgs, "-#")
		} else {
			curlArgs = append(curlArgs, "-sS")
		}
		curlArgs = append(curlArgs, url)
		cmd := exec.CommandContext(ctx, "curl", curlArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("curl failed, falling back to native Go HTTP client\n")
	} else {
		debugf("curl not found, using native Go HTTP client\n")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// tryRemoveCachedFile deletes a cache entry unless another process holds its
// download lock.
func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone is downloading or verifying the file; skip cleanup.
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

// validateArchive confirms the file is a structurally sound gzip'd tar:
// non-empty, correct magic bytes, and every entry enumerable. Truncated or
// damaged downloads fail here instead of deep inside a build.
func validateArchive(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("archive %s is empty", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("archive %s: cannot read magic: %w", path, err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return fmt.Errorf("archive %s is not gzip compressed", path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive %s: bad gzip stream: %w", path, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive %s: tar listing failed at entry %d: %w", path, entries, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("archive %s: truncated entry %d: %w", path, entries, err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("archive %s contains no entries", path)
	}
	return nil
}

// archiveChecksum hashes the archive for the status record.
func archiveChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
