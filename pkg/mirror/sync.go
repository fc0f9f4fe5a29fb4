package mirror

import (
	"path"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/minicpan/minicpan/pkg/config"
	"github.com/minicpan/minicpan/pkg/errors"
	"github.com/minicpan/minicpan/pkg/transport"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Top-level index files. The package listing is the one the run can't
// live without.
const (
	mailRCPath      = "authors/01mailrc.txt.gz"
	packageListPath = "modules/02packages.details.txt.gz"
	modListPath     = "modules/03modlist.data.gz"
)

// checksumsFile is the per-directory checksum side file under authors/id.
const checksumsFile = "CHECKSUMS"

// Hooks let the caller react to mirror events without the mirror package
// knowing about the expansion tree. cmd/sync wires these to the expander.
type Hooks struct {
	// OnFileMirrored fires after a fresh fetch of a file under authors/id.
	// A returned error aborts the run.
	OnFileMirrored func(relPath string) error

	// OnFileCleaned fires after the sweep deletes a file under authors/id.
	// A returned error aborts the sweep.
	OnFileCleaned func(relPath string) error
}

// Synchronizer drives one full mirror run: index fetch, per-entry
// mirroring, and the final cleanup sweep.
type Synchronizer struct {
	cfg     config.Mirror
	fetcher *transport.Fetcher
	hooks   Hooks
	clock   clockwork.Clock

	// Per-run state, reset at the start of every Synchronize call.
	tracker *Tracker
	changes int
	hookErr error
}

// New validates the run environment and returns a Synchronizer. The local
// root must be creatable and writable, and the remote must answer a
// liveness probe.
func New(cfg config.Mirror, fetcher *transport.Fetcher, hooks Hooks) (*Synchronizer, error) {
	if err := fetcher.Probe(); err != nil {
		return nil, errors.WithContext(err, "remote unreachable")
	}

	if err := fs.MkdirAll(cfg.Local, cfg.GetDirMode()); err != nil {
		return nil, errors.WithContext(err, "create local root")
	}
	probe, err := afero.TempFile(fs, cfg.Local, ".minicpan-")
	if err != nil {
		return nil, errors.WithContext(err, "local root not writable")
	}
	probe.Close()
	if err := fs.Remove(probe.Name()); err != nil {
		log.WithError(err).WithField("path", probe.Name()).Debug(
			"Failed to remove write probe")
	}

	return &Synchronizer{
		cfg:     cfg,
		fetcher: fetcher,
		hooks:   hooks,
		clock:   clockwork.NewRealClock(),
	}, nil
}

// Synchronize performs one run and returns the number of files actually
// fetched. When the top-level indices are unchanged and no force flag is
// set, it returns zero without scanning the package listing; the local
// tree can't have drifted, so the sweep is skipped too.
func (s *Synchronizer) Synchronize() (int, error) {
	s.tracker = NewTracker()
	s.changes = 0
	s.hookErr = nil
	start := s.clock.Now()

	indicesChanged, err := s.fetchIndices()
	if err != nil {
		return 0, err
	}

	if !indicesChanged && !s.cfg.Force {
		log.Info("Package indices unchanged. Nothing to do.")
		return 0, nil
	}

	if err := s.mirrorEntries(); err != nil {
		return s.changes, err
	}

	if err := s.sweep(); err != nil {
		return s.changes, err
	}

	log.WithFields(log.Fields{
		"changes": s.changes,
		"elapsed": s.clock.Now().Sub(start),
	}).Info("Mirror run complete")
	return s.changes, nil
}

// fetchIndices updates the three top-level index files. Only the package
// listing is mandatory; failures on the other two are logged and the run
// carries on.
func (s *Synchronizer) fetchIndices() (bool, error) {
	changed := false
	for _, relPath := range []string{mailRCPath, packageListPath, modListPath} {
		status, err := s.fetcher.Fetch(relPath, s.localPath(relPath))
		switch status {
		case transport.StatusUpdated:
			s.changes++
			changed = true
			s.tracker.MarkMirrored(relPath)
		case transport.StatusNotModified:
			s.tracker.MarkMirrored(relPath)
		default:
			if relPath == packageListPath {
				return false, errors.WithContext(err, "fetch package index")
			}
			log.WithError(err).WithField("path", relPath).Warn(
				"Failed to fetch index file")
		}
	}
	return changed, nil
}

// mirrorEntries streams the package listing and mirrors every accepted
// entry plus its checksum side file.
func (s *Synchronizer) mirrorEntries() error {
	var accepted, rejected int
	meta, err := scanIndex(s.localPath(packageListPath), func(rec IndexRecord) {
		if s.cfg.ModuleFilters.AnyMatch(rec.Module) || s.cfg.PathFilters.AnyMatch(rec.Path) {
			rejected++
			return
		}
		accepted++
		s.mirrorArchive(path.Join("authors/id", rec.Path))
	})
	if err != nil {
		return err
	}
	if s.hookErr != nil {
		return errors.WithContext(s.hookErr, "expand archive")
	}

	log.WithFields(log.Fields{
		"accepted":    accepted,
		"rejected":    rejected,
		"lastUpdated": meta.LastUpdated,
	}).Debug("Finished package index scan")
	return nil
}

// mirrorArchive mirrors one archive with skip-if-present semantics, then
// its sibling CHECKSUMS file. An unchanged archive's checksum file is
// assumed valid; a freshly fetched archive forces a fresh checksum fetch.
func (s *Synchronizer) mirrorArchive(relPath string) {
	fetched := s.mirrorFile(relPath, true)

	checksumPath := path.Join(path.Dir(relPath), checksumsFile)
	if checksumPath == relPath {
		// The entry is itself a checksum file. Recursing would fetch it
		// twice at best and loop at worst.
		return
	}
	s.mirrorFile(checksumPath, !fetched)
}

// mirrorFile brings one remote file into the local tree and records its
// state. It returns whether fresh bytes were transferred. Fetch failures
// are soft: the path is left Unseen and the run continues, though the
// sweep will then delete any stale local copy.
func (s *Synchronizer) mirrorFile(relPath string, skipIfPresent bool) bool {
	if !s.tracker.ShouldFetch(relPath) {
		return false
	}

	localPath := s.localPath(relPath)
	if skipIfPresent {
		if exists, err := afero.Exists(fs, localPath); err == nil && exists {
			s.tracker.MarkChecked(relPath)
			return false
		}
	}

	status, err := s.fetcher.Fetch(relPath, localPath)
	switch status {
	case transport.StatusUpdated:
		s.changes++
		s.tracker.MarkMirrored(relPath)
		log.WithField("path", relPath).Info("Mirrored")
		if s.hooks.OnFileMirrored != nil && s.hookErr == nil {
			// Hook errors are unrecoverable, but aborting mid-scan would
			// strand the tracker. Remember the first one and surface it
			// once the scan finishes.
			s.hookErr = s.hooks.OnFileMirrored(relPath)
		}
		return true
	case transport.StatusNotModified:
		s.tracker.MarkMirrored(relPath)
		return false
	default:
		log.WithError(err).WithField("path", relPath).Warn("Failed to mirror file")
		return false
	}
}

// localPath converts a mirror-relative path to its location on disk.
func (s *Synchronizer) localPath(relPath string) string {
	return filepath.Join(s.cfg.Local, filepath.FromSlash(relPath))
}
