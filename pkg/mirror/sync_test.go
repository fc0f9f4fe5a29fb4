package mirror

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/minicpan/minicpan/pkg/config"
	"github.com/minicpan/minicpan/pkg/transport"
)

// fakeRemote serves a tiny CPAN-shaped repository with conditional-fetch
// support and records which paths were requested.
type fakeRemote struct {
	files    map[string][]byte
	modTime  time.Time
	requests []string
}

func (remote *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		return
	}
	remote.requests = append(remote.requests, r.URL.Path)

	contents, ok := remote.files[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil {
		if !remote.modTime.After(ims) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Last-Modified", remote.modTime.UTC().Format(http.TimeFormat))
	w.Write(contents)
}

func (remote *fakeRemote) countRequests(path string) int {
	count := 0
	for _, requested := range remote.requests {
		if requested == "/"+path {
			count++
		}
	}
	return count
}

func TestSynchronizeEndToEnd(t *testing.T) {
	fs = afero.NewOsFs()

	index := strings.Join([]string{
		"File: 02packages.details.txt",
		"Version: 1.001",
		"",
		"Foo	1.0	A/AA/AUTH/Foo-1.0.tar.gz",
		"perl	5.36	A/AA/AUTH/perl-5.036.tar.gz",
	}, "\n")

	remote := &fakeRemote{
		files: map[string][]byte{
			"authors/01mailrc.txt.gz":                gzipBytes(t, "mailrc"),
			"modules/02packages.details.txt.gz":      gzipBytes(t, index),
			"modules/03modlist.data.gz":              gzipBytes(t, "modlist"),
			"authors/id/A/AA/AUTH/Foo-1.0.tar.gz":    []byte("foo tarball"),
			"authors/id/A/AA/AUTH/perl-5.036.tar.gz": []byte("perl tarball"),
			"authors/id/A/AA/AUTH/CHECKSUMS":         []byte("checksums"),
		},
		modTime: time.Now().Add(-time.Hour).Truncate(time.Second),
	}
	server := httptest.NewServer(remote)
	defer server.Close()

	local := filepath.Join(t.TempDir(), "mirror")
	perlFilters, err := config.NewPatternList([]string{`/(?:emb|sy|bio)?perl-\d`})
	assert.NoError(t, err)
	cfg := config.Mirror{
		Remote:      server.URL,
		Local:       local,
		PathFilters: perlFilters,
	}

	fetcher, err := transport.New(server.URL, cfg.GetDirMode())
	assert.NoError(t, err)

	var expanded []string
	hooks := Hooks{
		OnFileMirrored: func(relPath string) error {
			expanded = append(expanded, relPath)
			return nil
		},
	}

	syncer, err := New(cfg, fetcher, hooks)
	assert.NoError(t, err)

	// A leftover from a previous, differently-filtered run. The sweep
	// should remove it. The dotfile should survive.
	assert.NoError(t, fs.MkdirAll(filepath.Join(local, "authors", "id"), 0755))
	assert.NoError(t, afero.WriteFile(fs,
		filepath.Join(local, "authors", "id", "stale.tar.gz"), []byte("stale"), 0644))
	assert.NoError(t, afero.WriteFile(fs,
		filepath.Join(local, ".mirror-notes"), []byte("mine"), 0644))

	// First run: three indices, the Foo archive, and its CHECKSUMS.
	changes, err := syncer.Synchronize()
	assert.NoError(t, err)
	assert.Equal(t, 5, changes)

	assertOsExists(t, filepath.Join(local, "authors", "id", "A", "AA", "AUTH", "Foo-1.0.tar.gz"), true)
	assertOsExists(t, filepath.Join(local, "authors", "id", "A", "AA", "AUTH", "CHECKSUMS"), true)
	assertOsExists(t, filepath.Join(local, "authors", "id", "A", "AA", "AUTH", "perl-5.036.tar.gz"), false)
	assertOsExists(t, filepath.Join(local, "authors", "id", "stale.tar.gz"), false)
	assertOsExists(t, filepath.Join(local, ".mirror-notes"), true)

	// The hook fires for every fresh fetch under authors/id; the expander
	// is the one that ignores non-archives.
	assert.Equal(t, []string{
		"authors/id/A/AA/AUTH/Foo-1.0.tar.gz",
		"authors/id/A/AA/AUTH/CHECKSUMS",
	}, expanded)
	assert.Zero(t, remote.countRequests("authors/id/A/AA/AUTH/perl-5.036.tar.gz"))

	// Second run: the indices are unchanged, so the run short-circuits
	// without touching any archive.
	expanded = nil
	archiveRequests := remote.countRequests("authors/id/A/AA/AUTH/Foo-1.0.tar.gz")

	changes, err = syncer.Synchronize()
	assert.NoError(t, err)
	assert.Zero(t, changes)
	assert.Empty(t, expanded)
	assert.Equal(t, archiveRequests,
		remote.countRequests("authors/id/A/AA/AUTH/Foo-1.0.tar.gz"))

	// Forced third run: the listing is scanned again, but the existing
	// archive is only checked, never re-fetched.
	cfgForce := cfg
	cfgForce.Force = true
	syncer, err = New(cfgForce, fetcher, hooks)
	assert.NoError(t, err)

	changes, err = syncer.Synchronize()
	assert.NoError(t, err)
	assert.Zero(t, changes)
	assert.Equal(t, archiveRequests,
		remote.countRequests("authors/id/A/AA/AUTH/Foo-1.0.tar.gz"))
	assertOsExists(t, filepath.Join(local, "authors", "id", "A", "AA", "AUTH", "Foo-1.0.tar.gz"), true)
}

func TestSynchronizeMissingPackageIndexIsFatal(t *testing.T) {
	fs = afero.NewOsFs()

	remote := &fakeRemote{
		files: map[string][]byte{
			"authors/01mailrc.txt.gz": gzipBytes(t, "mailrc"),
		},
		modTime: time.Now().Truncate(time.Second),
	}
	server := httptest.NewServer(remote)
	defer server.Close()

	cfg := config.Mirror{
		Remote: server.URL,
		Local:  filepath.Join(t.TempDir(), "mirror"),
	}
	fetcher, err := transport.New(server.URL, cfg.GetDirMode())
	assert.NoError(t, err)

	syncer, err := New(cfg, fetcher, Hooks{})
	assert.NoError(t, err)

	_, err = syncer.Synchronize()
	assert.Error(t, err)
}

func TestNewValidatesRemote(t *testing.T) {
	fs = afero.NewOsFs()

	fetcher, err := transport.New("http://127.0.0.1:1", config.DefaultDirMode)
	assert.NoError(t, err)

	_, err = New(config.Mirror{Local: t.TempDir()}, fetcher, Hooks{})
	assert.Error(t, err)
}

func gzipBytes(t *testing.T, contents string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(contents))
	assert.NoError(t, err)
	assert.NoError(t, gz.Close())
	return buf.Bytes()
}

func assertOsExists(t *testing.T, path string, exp bool) {
	exists, err := afero.Exists(fs, path)
	assert.NoError(t, err)
	assert.Equal(t, exp, exists)
}
