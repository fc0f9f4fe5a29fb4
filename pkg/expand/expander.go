// Package expand maintains the derived expansion tree: for every mirrored
// archive, the wanted members are extracted into a directory that mirrors
// the archive's mirror-relative path. The tree is created and destroyed
// only through this package.
package expand

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/minicpan/minicpan/pkg/config"
	"github.com/minicpan/minicpan/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// archiveSuffix is the only archive format the expander understands.
// Anything else is trivially "expanded" by doing nothing.
const archiveSuffix = ".tar.gz"

// processableSuffixes is the fixed set of member names worth extracting.
var processableSuffixes = []string{".pm", ".pl", ".t"}

// memberMode is applied to every extracted member. Archives arrive with
// whatever permissions the author packed; downstream processing only
// needs to read.
const memberMode = os.FileMode(0644)

// Expander extracts wanted archive members into the expansion tree.
type Expander struct {
	mirrorRoot  string
	expandRoot  string
	fileFilters config.PatternList
	dirMode     os.FileMode
}

// New returns an Expander configured from the mirror config.
func New(cfg config.Mirror) *Expander {
	return &Expander{
		mirrorRoot:  cfg.Local,
		expandRoot:  cfg.Expand,
		fileFilters: cfg.FileFilters,
		dirMode:     cfg.GetDirMode(),
	}
}

// Expand extracts the wanted members of the archive at the given
// mirror-relative path. It's idempotent: archives whose expansion
// directory already exists are skipped, as are paths that aren't
// archives. Listing and extraction problems are soft failures that leave
// the expansion absent, so a later run retries the archive. A returned
// error is unrecoverable and should abort the run.
func (e *Expander) Expand(relPath string) error {
	if !strings.HasSuffix(relPath, archiveSuffix) {
		return nil
	}

	targetDir := e.targetDir(relPath)
	if exists, err := afero.DirExists(fs, targetDir); err == nil && exists {
		return nil
	}

	archivePath := filepath.Join(e.mirrorRoot, filepath.FromSlash(relPath))
	members, err := e.listMembers(archivePath)
	if err != nil {
		log.WithError(err).WithField("path", relPath).Warn(
			"Failed to list archive members. Skipping archive.")
		return nil
	}

	wanted := map[string]bool{}
	for _, member := range members {
		if e.wantMember(member) {
			wanted[member] = true
		}
	}

	// An empty directory marks the archive as seen, so future expansion
	// scans don't re-list it just to find nothing again.
	if err := fs.MkdirAll(targetDir, e.dirMode); err != nil {
		return errors.WithContext(err, "create expansion directory")
	}
	if len(wanted) == 0 {
		return nil
	}

	if err := e.extract(archivePath, targetDir, wanted); err != nil {
		log.WithError(err).WithField("path", relPath).Warn(
			"Failed to read archive. Skipping archive.")
		if removeErr := fs.RemoveAll(targetDir); removeErr != nil {
			log.WithError(removeErr).WithField("path", relPath).Warn(
				"Failed to remove incomplete expansion")
		}
		return nil
	}
	return nil
}

// Remove deletes the expansion directory for the archive at the given
// mirror-relative path. The sweep calls this whenever it deletes an
// archive, so the derived tree never keeps orphaned directories.
func (e *Expander) Remove(relPath string) error {
	if !strings.HasSuffix(relPath, archiveSuffix) {
		return nil
	}

	if err := fs.RemoveAll(e.targetDir(relPath)); err != nil {
		return errors.WithContext(err, "remove expansion")
	}
	return nil
}

// ExpandMissing walks the mirrored archives and expands every one whose
// expansion directory doesn't exist yet.
func (e *Expander) ExpandMissing() error {
	archivesRoot := filepath.Join(e.mirrorRoot, "authors", "id")
	if exists, err := afero.DirExists(fs, archivesRoot); err != nil || !exists {
		return nil
	}

	return afero.Walk(fs, archivesRoot, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !strings.HasSuffix(p, archiveSuffix) {
			return nil
		}

		rel, err := filepath.Rel(e.mirrorRoot, p)
		if err != nil {
			return err
		}
		return e.Expand(filepath.ToSlash(rel))
	})
}

// Flush deletes the entire expansion tree. Used by force-flush mode so
// that every mirrored archive is treated as brand new.
func (e *Expander) Flush() error {
	if err := fs.RemoveAll(e.expandRoot); err != nil {
		return errors.WithContext(err, "flush expansion tree")
	}
	return nil
}

// wantMember applies the conjunctive member filter: the name must carry a
// processable suffix and must not match any file filter.
func (e *Expander) wantMember(name string) bool {
	processable := false
	for _, suffix := range processableSuffixes {
		if strings.HasSuffix(name, suffix) {
			processable = true
			break
		}
	}
	if !processable {
		return false
	}
	return !e.fileFilters.AnyMatch(name)
}

// listMembers returns the member names of the archive in one header scan.
func (e *Expander) listMembers(archivePath string) ([]string, error) {
	f, err := fs.Open(archivePath)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.WithContext(err, "decompress")
	}
	defer gz.Close()

	var members []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithContext(err, "read member header")
		}
		if header.Typeflag == tar.TypeReg {
			members = append(members, header.Name)
		}
	}
	return members, nil
}

// extract writes the wanted members under targetDir. A failure on one
// member removes its partial file and moves on; the remaining members
// still get extracted.
func (e *Expander) extract(archivePath, targetDir string, wanted map[string]bool) error {
	f, err := fs.Open(archivePath)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.WithContext(err, "decompress")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithContext(err, "read member header")
		}
		if !wanted[header.Name] {
			continue
		}

		if err := e.extractMember(tr, targetDir, header.Name); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"archive": archivePath,
				"member":  header.Name,
			}).Warn("Failed to extract member")
		}
	}
	return nil
}

func (e *Expander) extractMember(tr *tar.Reader, targetDir, name string) error {
	// Member names come from the archive author. Keep them inside the
	// expansion directory.
	cleaned := path.Clean(name)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return errors.New("member name escapes expansion directory")
	}

	dest := filepath.Join(targetDir, filepath.FromSlash(cleaned))
	if err := fs.MkdirAll(filepath.Dir(dest), e.dirMode); err != nil {
		return errors.WithContext(err, "create member directory")
	}

	out, err := fs.Create(dest)
	if err != nil {
		return errors.WithContext(err, "create member file")
	}

	_, err = io.Copy(out, tr)
	out.Close()
	if err != nil {
		if removeErr := fs.Remove(dest); removeErr != nil {
			log.WithError(removeErr).WithField("path", dest).Warn(
				"Failed to remove partially extracted member")
		}
		return errors.WithContext(err, "write member")
	}

	if err := fs.Chmod(dest, memberMode); err != nil {
		return errors.WithContext(err, "set member mode")
	}
	return nil
}

// targetDir is the expansion directory for the archive at the given
// mirror-relative path. The directory name keeps the archive suffix, so
// the layout reads one-to-one against the mirror tree.
func (e *Expander) targetDir(relPath string) string {
	return filepath.Join(e.expandRoot, filepath.FromSlash(relPath))
}
