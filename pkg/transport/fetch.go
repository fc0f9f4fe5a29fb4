// Package transport fetches remote files into the local mirror tree.
//
// Fetches are conditional: when a local copy exists, the request carries
// If-Modified-Since with the local file's modification time, and the
// remote answers 304 without transferring the body. Downloaded files get
// their modification time set from the Last-Modified response header so
// the next run's conditional request works.
package transport

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/minicpan/minicpan/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Status is the outcome of a single fetch.
type Status int

const (
	// StatusFailed means the fetch didn't complete. The local file, if
	// any, is untouched.
	StatusFailed Status = iota

	// StatusUpdated means the remote transferred a new copy of the file.
	StatusUpdated

	// StatusNotModified means the local copy is already current.
	StatusNotModified
)

func (s Status) String() string {
	switch s {
	case StatusUpdated:
		return "updated"
	case StatusNotModified:
		return "not modified"
	default:
		return "failed"
	}
}

// Fetcher downloads files from a single remote base URL. It has no state
// beyond its configuration, so a single Fetcher serves a whole run.
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	dirMode os.FileMode
}

// New creates a Fetcher for the given base URL.
func New(baseURL string, dirMode os.FileMode) (*Fetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.WithContext(err, "parse remote url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.New("remote url must be http or https")
	}

	return &Fetcher{
		base:    base,
		client:  &http.Client{Timeout: 5 * time.Minute},
		dirMode: dirMode,
	}, nil
}

// Probe checks that the remote responds at all. Any HTTP response counts
// as alive; only transport-level failures are errors.
func (f *Fetcher) Probe() error {
	resp, err := f.client.Head(f.base.String())
	if err != nil {
		return errors.WithContext(err, "probe remote")
	}
	resp.Body.Close()
	return nil
}

// Fetch conditionally downloads remotePath into localPath. Parent
// directories of localPath are created as needed.
func (f *Fetcher) Fetch(remotePath, localPath string) (Status, error) {
	req, err := http.NewRequest(http.MethodGet, f.resolve(remotePath), nil)
	if err != nil {
		return StatusFailed, errors.WithContext(err, "build request")
	}

	if fi, err := fs.Stat(localPath); err == nil {
		req.Header.Set("If-Modified-Since", fi.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return StatusFailed, errors.WithContext(err, "get")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return StatusNotModified, nil
	default:
		return StatusFailed, errors.New("unexpected response: " + resp.Status)
	}

	if err := f.write(resp, localPath); err != nil {
		return StatusFailed, err
	}
	return StatusUpdated, nil
}

// resolve joins the mirror-relative path onto the base URL.
func (f *Fetcher) resolve(remotePath string) string {
	resolved := *f.base
	resolved.Path = path.Join(resolved.Path, remotePath)
	return resolved.String()
}

// write streams the response body into localPath. The body lands in a
// temporary file in the target directory first, so a failed transfer
// never clobbers a previously mirrored copy.
func (f *Fetcher) write(resp *http.Response, localPath string) error {
	dir := filepath.Dir(localPath)
	if err := fs.MkdirAll(dir, f.dirMode); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmp, err := afero.TempFile(fs, dir, ".fetch-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	_, err = io.Copy(tmp, resp.Body)
	tmp.Close()
	if err != nil {
		if removeErr := fs.Remove(tmp.Name()); removeErr != nil {
			log.WithError(removeErr).WithField("path", tmp.Name()).Debug(
				"Failed to clean up partial download")
		}
		return errors.WithContext(err, "download")
	}

	if err := fs.Rename(tmp.Name(), localPath); err != nil {
		return errors.WithContext(err, "rename")
	}

	if modTime, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		if err := fs.Chtimes(localPath, time.Now(), modTime); err != nil {
			log.WithError(err).WithField("path", localPath).Debug(
				"Failed to set modification time")
		}
	}
	return nil
}
