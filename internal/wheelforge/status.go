package wheelforge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// BuildState is the lifecycle state of one package within a run.
type BuildState string

const (
	StatePending  BuildState = "pending"
	StateBuilding BuildState = "building"
	StateBuilt    BuildState = "built"
	StateFailed   BuildState = "failed"
	StateSkipped  BuildState = "skipped"
)

// IsTerminal reports whether the state is terminal for a run.
func (s BuildState) IsTerminal() bool {
	switch s {
	case StateBuilt, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to BuildState) bool {
	switch from {
	case StatePending:
		return to == StateBuilding || to == StateSkipped
	case StateBuilding:
		return to == StateBuilt || to == StateFailed || to == StateSkipped
	case StateFailed:
		// Manual reset path only.
		return to == StatePending
	default:
		return false
	}
}

// StatusRecord is the per-package outcome persisted across runs.
type StatusRecord struct {
	Status    BuildState `json:"status"`
	Error     string     `json:"error,omitempty"`
	Wheel     string     `json:"wheel,omitempty"`
	Checksum  string     `json:"checksum,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// StatusTracker persists per-package build outcomes so a multi-hour run can
// be resumed after interruption. Writes are atomic (temp file + rename +
// directory sync); execution is single-threaded so no locking is required.
type StatusTracker struct {
	path    string
	records map[string]StatusRecord
	now     func() time.Time
}

// LoadStatus reads the status record at path, treating a missing file as an
// empty record set.
func LoadStatus(path string) (*StatusTracker, error) {
	t := &StatusTracker{
		path:    path,
		records: make(map[string]StatusRecord),
		now:     time.Now,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("cannot read status file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		return nil, fmt.Errorf("corrupt status file %s: %w", path, err)
	}
	return t, nil
}

// State returns the recorded state for a package, defaulting to pending.
func (t *StatusTracker) State(pkg string) BuildState {
	if rec, ok := t.records[pkg]; ok {
		return rec.Status
	}
	return StatePending
}

// Record returns the full record for a package.
func (t *StatusTracker) Record(pkg string) (StatusRecord, bool) {
	rec, ok := t.records[pkg]
	return rec, ok
}

// IsBuilt reports whether a package is marked built AND its recorded wheel is
// still present on disk. A built record whose wheel vanished is not trusted.
func (t *StatusTracker) IsBuilt(pkg string) bool {
	rec, ok := t.records[pkg]
	if !ok || rec.Status != StateBuilt {
		return false
	}
	if rec.Wheel == "" {
		return true
	}
	_, err := os.Stat(rec.Wheel)
	return err == nil
}

// Mark transitions a package to a new state and persists immediately, so an
// interrupted run loses at most the package in flight.
func (t *StatusTracker) Mark(pkg string, state BuildState, buildErr error) error {
	from := t.State(pkg)
	if !allowedTransition(from, state) {
		return fmt.Errorf("invalid transition for %s: %s -> %s", pkg, from, state)
	}
	rec := t.records[pkg]
	rec.Status = state
	rec.Timestamp = t.now().UTC().Format(time.RFC3339)
	if buildErr != nil {
		rec.Error = buildErr.Error()
	} else if state != StateFailed && state != StateSkipped {
		rec.Error = ""
	}
	t.records[pkg] = rec
	return t.save()
}

// MarkBuilt records a successful build with its artifact path and checksum.
func (t *StatusTracker) MarkBuilt(pkg, wheelPath, checksum string) error {
	if err := t.Mark(pkg, StateBuilt, nil); err != nil {
		return err
	}
	rec := t.records[pkg]
	rec.Wheel = wheelPath
	rec.Checksum = checksum
	t.records[pkg] = rec
	return t.save()
}

// Reset moves failed packages back to pending. With all set, every package
// is reset regardless of state (the force-rerun flag).
func (t *StatusTracker) Reset(pkgs []string, all bool) error {
	if all {
		t.records = make(map[string]StatusRecord)
		return t.save()
	}
	if len(pkgs) == 0 {
		for pkg, rec := range t.records {
			if rec.Status == StateFailed {
				delete(t.records, pkg)
			}
		}
		return t.save()
	}
	for _, pkg := range pkgs {
		rec, ok := t.records[pkg]
		if !ok {
			continue
		}
		if rec.Status != StateFailed {
			return fmt.Errorf("cannot reset %s: state is %s, only failed packages may be reset", pkg, rec.Status)
		}
		delete(t.records, pkg)
	}
	return t.save()
}

// Clear removes the records for the named packages regardless of state, so
// they run again from scratch.
func (t *StatusTracker) Clear(pkgs []string) error {
	changed := false
	for _, pkg := range pkgs {
		if _, ok := t.records[pkg]; ok {
			delete(t.records, pkg)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.save()
}

// Summary maps each known package to its state, for reporting.
func (t *StatusTracker) Summary() map[string]StatusRecord {
	out := make(map[string]StatusRecord, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

// save writes the records atomically and durably.
func (t *StatusTracker) save() error {
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// FormatSummary renders the final per-package report in manifest order.
func FormatSummary(m *Manifest, t *StatusTracker) string {
	order := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		order = append(order, p.Name)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return m.Spec(order[i]).BuildOrder < m.Spec(order[j]).BuildOrder
	})

	var b []byte
	for _, name := range order {
		rec, ok := t.Record(name)
		state := StatePending
		if ok {
			state = rec.Status
		}
		line := fmt.Sprintf("  %-24s %s", name, state)
		if rec.Error != "" {
			line += "  (" + rec.Error + ")"
		}
		b = append(b, line...)
		b = append(b, '\n')
	}
	return string(b)
}
