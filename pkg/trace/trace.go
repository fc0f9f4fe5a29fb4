// Package trace collects soft-failure counts for the run summary. Soft
// failures are only ever logged, so a logrus hook is the one place that
// sees all of them.
package trace

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CountingHook tallies warn and error log entries.
type CountingHook struct {
	lock     sync.Mutex
	warnings int
	errors   int
}

// NewCountingHook creates a hook that counts warn and error entries.
func NewCountingHook() *CountingHook {
	return &CountingHook{}
}

// Levels returns the levels the hook fires on.
func (h *CountingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel}
}

// Fire counts the entry.
func (h *CountingHook) Fire(entry *logrus.Entry) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	switch entry.Level {
	case logrus.ErrorLevel:
		h.errors++
	default:
		h.warnings++
	}

	// Never return an error because doing so causes the error to be
	// printed directly to `stderr`, which messes up the CLI output.
	return nil
}

// Warnings returns the number of warn entries seen so far.
func (h *CountingHook) Warnings() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.warnings
}

// Errors returns the number of error entries seen so far.
func (h *CountingHook) Errors() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.errors
}
