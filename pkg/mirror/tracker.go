package mirror

import (
	"path"
)

// State is how far the current run has gotten with a local file.
// States only ever increase within a run.
type State int

const (
	// Unseen files were never referenced by the run. The sweep deletes
	// them.
	Unseen State = iota

	// Checked files exist locally and were intentionally not fetched.
	// They survive the sweep, but a later caller may still upgrade them
	// to Mirrored with a real fetch.
	Checked

	// Mirrored files went through a fetch attempt that proved them
	// current, either by transferring fresh bytes or by a "not modified"
	// answer.
	Mirrored
)

func (s State) String() string {
	switch s {
	case Checked:
		return "checked"
	case Mirrored:
		return "mirrored"
	default:
		return "unseen"
	}
}

// Tracker maps mirror-relative paths to their state for one run. It's
// reset by creating a fresh Tracker at the next run's start.
type Tracker struct {
	states map[string]State
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: map[string]State{}}
}

// MarkChecked records that the file exists locally and a fetch was
// intentionally skipped. It never downgrades a Mirrored entry.
func (t *Tracker) MarkChecked(relPath string) {
	key := canonical(relPath)
	if t.states[key] == Unseen {
		t.states[key] = Checked
	}
}

// MarkMirrored records that a fetch attempt proved the file current.
func (t *Tracker) MarkMirrored(relPath string) {
	t.states[canonical(relPath)] = Mirrored
}

// StateOf returns the recorded state. Paths that were never marked are
// Unseen.
func (t *Tracker) StateOf(relPath string) State {
	return t.states[canonical(relPath)]
}

// ShouldFetch reports whether a fetch attempt is still worthwhile for the
// path. Once a path is Mirrored, re-fetching within the same run can't
// learn anything new.
func (t *Tracker) ShouldFetch(relPath string) bool {
	return t.StateOf(relPath) < Mirrored
}

func canonical(relPath string) string {
	return path.Clean(relPath)
}
