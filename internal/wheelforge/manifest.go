package wheelforge

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ElfFix describes the post-build shared-object rewrite for one package:
// which .so inside the wheel to patch, which libraries to add to its
// DT_NEEDED entries, and the runtime search path to set.
type ElfFix struct {
	SoPattern string   `json:"so_pattern"`
	AddNeeded []string `json:"add_needed,omitempty"`
	Rpath     string   `json:"rpath,omitempty"`
}

// PackageSpec identifies one dependency to build. Specs are hand-authored in
// the manifest and do not mutate during a run.
type PackageSpec struct {
	Name              string   `json:"name"`
	Constraint        string   `json:"version_constraint,omitempty"`
	BuildOrder        int      `json:"build_order"`
	Depends           []string `json:"depends,omitempty"`
	SpecialFixes      []string `json:"special_fixes,omitempty"`
	BuildRequirements []string `json:"build_requirements,omitempty"`
	NoBuildIsolation  bool     `json:"no_build_isolation,omitempty"`
	Optional          bool     `json:"optional,omitempty"`
	SourceURLs        []string `json:"source_urls,omitempty"`
	ElfFix            *ElfFix  `json:"elf_fix,omitempty"`
}

// Manifest enumerates every package spec for a build run.
type Manifest struct {
	Packages []PackageSpec `json:"packages"`
}

// LoadManifest reads and validates the dependency manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if len(m.Packages) == 0 {
		return nil, fmt.Errorf("manifest %s declares no packages", path)
	}

	seen := make(map[string]bool)
	for i := range m.Packages {
		spec := &m.Packages[i]
		if spec.Name == "" {
			return nil, fmt.Errorf("manifest entry %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate package %s in manifest", spec.Name)
		}
		seen[spec.Name] = true
		if _, err := parseConstraint(spec.Constraint); err != nil {
			return nil, fmt.Errorf("package %s: %w", spec.Name, err)
		}
	}
	for _, spec := range m.Packages {
		for _, dep := range spec.Depends {
			if !seen[dep] {
				return nil, fmt.Errorf("package %s depends on %s which is not in the manifest", spec.Name, dep)
			}
		}
	}
	return &m, nil
}

// Spec returns the spec for name, or nil.
func (m *Manifest) Spec(name string) *PackageSpec {
	for i := range m.Packages {
		if m.Packages[i].Name == name {
			return &m.Packages[i]
		}
	}
	return nil
}

// Names returns all package names, sorted.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// constraintTerm is a single comparison in a version requirement.
type constraintTerm struct {
	Op      string
	Version string
}

// parseConstraint parses a requirement expression such as "==2.3.3",
// ">=1.8,<1.17" or the empty string (unconstrained).
func parseConstraint(expr string) ([]constraintTerm, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var terms []constraintTerm
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op := ""
		for _, candidate := range []string{"==", ">=", "<=", "!=", ">", "<"} {
			if strings.HasPrefix(part, candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return nil, fmt.Errorf("invalid version constraint %q", part)
		}
		ver := strings.TrimSpace(strings.TrimPrefix(part, op))
		if ver == "" {
			return nil, fmt.Errorf("invalid version constraint %q", part)
		}
		terms = append(terms, constraintTerm{Op: op, Version: ver})
	}
	return terms, nil
}

// constraintSatisfied reports whether version satisfies every term of expr.
// An empty expression matches any version.
func constraintSatisfied(expr, version string) (bool, error) {
	terms, err := parseConstraint(expr)
	if err != nil {
		return false, err
	}
	for _, t := range terms {
		if !versionSatisfies(version, t.Op, t.Version) {
			return false, nil
		}
	}
	return true, nil
}

func versionSatisfies(installed, op, ref string) bool {
	cmp := compareVersions(installed, ref)
	switch op {
	case "==", "":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	}
	return false
}

// compareVersions compares dotted version strings numerically segment by
// segment, falling back to string comparison for non-numeric segments.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// WheelInfo is the identity encoded in a wheel filename:
// <name>-<version>-<python tag>-<abi tag>-<platform tag>.whl
type WheelInfo struct {
	Name        string
	Version     string
	PythonTag   string
	AbiTag      string
	PlatformTag string
}

// normalizeDistName lowercases a distribution name and folds runs of
// separator characters to a single underscore, per the wheel naming rules.
func normalizeDistName(name string) string {
	var b strings.Builder
	prev := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !prev {
				b.WriteByte('_')
			}
			prev = true
			continue
		}
		prev = false
		b.WriteRune(r)
	}
	return b.String()
}

// ParseWheelFilename parses a wheel filename. The distribution name in a
// wheel filename is escaped (dashes folded to underscores), so splitting on
// dashes is unambiguous. An optional build tag between version and python
// tag is tolerated and discarded.
func ParseWheelFilename(filename string) (WheelInfo, error) {
	base := filename
	if !strings.HasSuffix(base, ".whl") {
		return WheelInfo{}, fmt.Errorf("not a wheel filename: %s", filename)
	}
	base = strings.TrimSuffix(base, ".whl")
	parts := strings.Split(base, "-")
	if len(parts) < 5 || len(parts) > 6 {
		return WheelInfo{}, fmt.Errorf("malformed wheel filename: %s", filename)
	}
	info := WheelInfo{
		Name:        parts[0],
		Version:     parts[1],
		PythonTag:   parts[len(parts)-3],
		AbiTag:      parts[len(parts)-2],
		PlatformTag: parts[len(parts)-1],
	}
	if info.Name == "" || info.Version == "" {
		return WheelInfo{}, fmt.Errorf("malformed wheel filename: %s", filename)
	}
	return info, nil
}

// MatchesPackage reports whether the wheel belongs to the named package.
func (w WheelInfo) MatchesPackage(name string) bool {
	return normalizeDistName(w.Name) == normalizeDistName(name)
}

// sdistFilename returns the conventional source archive name for a package
// at a known version, or a name-only prefix when the version is open.
func sdistFilename(name, version string) string {
	return fmt.Sprintf("%s-%s.tar.gz", name, version)
}

// pinnedVersion returns the version a "==" constraint pins, or "".
func pinnedVersion(expr string) string {
	terms, err := parseConstraint(expr)
	if err != nil {
		return ""
	}
	for _, t := range terms {
		if t.Op == "==" {
			return t.Version
		}
	}
	return ""
}
