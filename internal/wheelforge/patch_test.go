package wheelforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionLiteralFix_RewritesAndStaysIdempotent(t *testing.T) {
	root := t.TempDir()
	setup := filepath.Join(root, "setup.py")
	body := "from setuptools import setup\nsetup(\n    name=\"numpy\",\n    version=versioneer.get_version(),\n)\n"
	if err := os.WriteFile(setup, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := versionLiteralFix(root, "2.1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 1 || changed[0] != "setup.py" {
		t.Fatalf("changed = %v", changed)
	}
	got, err := os.ReadFile(setup)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), `version="2.1.0",`) {
		t.Fatalf("version literal not injected:\n%s", got)
	}
	if strings.Contains(string(got), "get_version") {
		t.Fatalf("detection call survived:\n%s", got)
	}

	// Second application finds nothing left to change.
	changed, err = versionLiteralFix(root, "2.1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("fix is not idempotent, changed %v", changed)
	}
}

func TestVersionLiteralFix_MissingTargetIsNotAnError(t *testing.T) {
	changed, err := versionLiteralFix(t.TempDir(), "1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("changed = %v", changed)
	}
}

func TestShebangFix(t *testing.T) {
	root := t.TempDir()
	toolsDir := filepath.Join(root, "tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bare := filepath.Join(toolsDir, "cythonize.py")
	if err := os.WriteFile(bare, []byte("import sys\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hasShebang := filepath.Join(toolsDir, "ready.py")
	if err := os.WriteFile(hasShebang, []byte("#!/usr/bin/python\nimport sys\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := shebangFix(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed = %v", changed)
	}

	got, err := os.ReadFile(bare)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(got), "#!/usr/bin/env python3\n") {
		t.Fatalf("shebang not prepended:\n%s", got)
	}
	info, err := os.Stat(bare)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatal("script not marked executable")
	}

	// An existing interpreter line is left alone.
	got, _ = os.ReadFile(hasShebang)
	if strings.HasPrefix(string(got), "#!/usr/bin/env python3\n#!") {
		t.Fatal("existing shebang duplicated")
	}
}

func TestPatchSource_NoFixesPassesThrough(t *testing.T) {
	env := testEnv(t)
	src := filepath.Join(t.TempDir(), "numpy-2.1.0.tar.gz")
	makeSdist(t, src, "numpy-2.1.0", nil)

	out, err := PatchSource(env, &PackageSpec{Name: "numpy"}, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != src {
		t.Fatalf("expected passthrough, got %s", out)
	}
}

func TestPatchSource_MissingTargetPassesSourceThrough(t *testing.T) {
	env := testEnv(t)
	src := filepath.Join(t.TempDir(), "numpy-2.1.0.tar.gz")
	makeSdist(t, src, "numpy-2.1.0", map[string]string{"setup.py": "setup()\n"})

	spec := &PackageSpec{Name: "numpy", SpecialFixes: []string{"version-literal-fix"}}
	out, err := PatchSource(env, spec, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != src {
		t.Fatalf("expected original archive back, got %s", out)
	}
}

func TestPatchSource_ProducesPatchedArchive(t *testing.T) {
	env := testEnv(t)
	src := filepath.Join(t.TempDir(), "numpy-2.1.0.tar.gz")
	makeSdist(t, src, "numpy-2.1.0", map[string]string{
		"setup.py": "setup(\n    version=get_version(),\n)\n",
	})

	spec := &PackageSpec{Name: "numpy", SpecialFixes: []string{"version-literal-fix"}}
	out, err := PatchSource(env, spec, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == src {
		t.Fatal("expected a new archive")
	}
	if !strings.HasSuffix(out, "-patched.tar.gz") {
		t.Fatalf("unexpected output name %s", out)
	}
	// The original archive is untouched.
	if err := validateArchive(src); err != nil {
		t.Fatalf("original archive damaged: %v", err)
	}
	if err := validateArchive(out); err != nil {
		t.Fatalf("patched archive invalid: %v", err)
	}

	// The patched tree carries the injected literal.
	scratch := t.TempDir()
	topDir, err := extractSourceArchive(out, scratch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(scratch, topDir, "setup.py"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), `version="2.1.0",`) {
		t.Fatalf("patched archive missing literal:\n%s", got)
	}
}

func TestUnknownFixIsAnError(t *testing.T) {
	env := testEnv(t)
	src := filepath.Join(t.TempDir(), "numpy-2.1.0.tar.gz")
	makeSdist(t, src, "numpy-2.1.0", nil)

	spec := &PackageSpec{Name: "numpy", SpecialFixes: []string{"no-such-fix"}}
	if _, err := PatchSource(env, spec, src); err == nil {
		t.Fatal("unknown fix name accepted")
	}
}

func TestVersionFromArchive(t *testing.T) {
	cases := map[string]string{
		"numpy-2.1.0.tar.gz":                  "2.1.0",
		"aaaaaaaaaaaaaaaa-numpy-2.1.0.tar.gz": "2.1.0",
		"numpy-2.1.0-patched.tar.gz":          "2.1.0",
	}
	for in, want := range cases {
		if got := versionFromArchive(in, "numpy"); got != want {
			t.Errorf("versionFromArchive(%q) = %q, want %q", in, got, want)
		}
	}
}
