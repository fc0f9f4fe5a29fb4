package mirror

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/minicpan/minicpan/pkg/errors"
)

// sweep deletes every regular file under the local root that the run
// didn't vouch for. It runs last, against the settled state map.
// Individual deletion failures are logged and skipped; the next run gets
// another chance at them.
func (s *Synchronizer) sweep() error {
	err := afero.Walk(fs, s.cfg.Local, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(s.cfg.Local, p)
		if err != nil {
			return err
		}
		relPath := filepath.ToSlash(rel)

		if s.tracker.StateOf(relPath) != Unseen {
			return nil
		}
		if !s.cfg.ExactMirror && isDotPath(relPath) {
			return nil
		}

		if err := fs.Remove(p); err != nil {
			log.WithError(err).WithField("path", relPath).Warn(
				"Failed to delete stale file")
			return nil
		}
		log.WithField("path", relPath).Info("Deleted stale file")

		if s.hooks.OnFileCleaned != nil {
			return s.hooks.OnFileCleaned(relPath)
		}
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "sweep mirror tree")
	}
	return nil
}

// isDotPath reports whether any segment of the slash-form path starts
// with a dot. Such files are the operator's, not the mirror's.
func isDotPath(relPath string) bool {
	for _, segment := range strings.Split(relPath, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}
