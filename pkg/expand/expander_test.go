package expand

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/minicpan/minicpan/pkg/config"
)

const fooArchive = "authors/id/A/AA/AUTH/Foo-1.0.tar.gz"

func TestExpandExtractsWantedMembers(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{
		"Foo-1.0/lib/Foo.pm":  "package Foo;",
		"Foo-1.0/t/basic.t":   "use Test::More;",
		"Foo-1.0/bin/foo.pl":  "#!/usr/bin/perl",
		"Foo-1.0/README":      "readme",
		"Foo-1.0/Makefile.PL": "makefile",
		"Foo-1.0/lib/Foo.xs":  "native",
	})

	assert.NoError(t, e.Expand(fooArchive))

	root := "/expanded/" + fooArchive
	assertContents(t, root+"/Foo-1.0/lib/Foo.pm", "package Foo;")
	assertContents(t, root+"/Foo-1.0/t/basic.t", "use Test::More;")
	assertContents(t, root+"/Foo-1.0/bin/foo.pl", "#!/usr/bin/perl")
	assertFsExists(t, root+"/Foo-1.0/README", false)
	assertFsExists(t, root+"/Foo-1.0/lib/Foo.xs", false)

	// The suffix match is case sensitive; Makefile.PL isn't library code.
	assertFsExists(t, root+"/Foo-1.0/Makefile.PL", false)
}

func TestExpandFilterIsConjunctive(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, []string{"Acme"})

	writeArchive(t, fooArchive, map[string]string{
		"Acme/Foo.pm": "rejected by filter",
		"Bar/Baz.pm":  "accepted",
		"Acme/notes":  "not processable anyway",
	})

	assert.NoError(t, e.Expand(fooArchive))

	root := "/expanded/" + fooArchive
	assertFsExists(t, root+"/Acme/Foo.pm", false)
	assertContents(t, root+"/Bar/Baz.pm", "accepted")
}

func TestExpandNoSurvivorsLeavesMarkerDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{
		"Foo-1.0/README":  "readme",
		"Foo-1.0/Changes": "changes",
	})

	assert.NoError(t, e.Expand(fooArchive))

	dir := "/expanded/" + fooArchive
	assertFsExists(t, dir, true)
	entries, err := afero.ReadDir(fs, dir)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExpandIsIdempotent(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{"Foo-1.0/lib/Foo.pm": "v1"})
	assert.NoError(t, e.Expand(fooArchive))

	// Replace the archive. Expand must not re-extract while the expansion
	// directory exists.
	writeArchive(t, fooArchive, map[string]string{"Foo-1.0/lib/Foo.pm": "v2"})
	assert.NoError(t, e.Expand(fooArchive))
	assertContents(t, "/expanded/"+fooArchive+"/Foo-1.0/lib/Foo.pm", "v1")
}

func TestExpandSkipsNonArchives(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	assert.NoError(t, e.Expand("authors/id/A/AA/AUTH/CHECKSUMS"))
	assertFsExists(t, "/expanded/authors/id/A/AA/AUTH/CHECKSUMS", false)
}

func TestExpandCorruptArchiveIsSoft(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	assert.NoError(t, afero.WriteFile(fs,
		"/mirror/"+fooArchive, []byte("not a tarball"), 0644))

	assert.NoError(t, e.Expand(fooArchive))

	// The expansion stays absent so a later run retries the archive.
	assertFsExists(t, "/expanded/"+fooArchive, false)
}

func TestExpandRejectsEscapingMembers(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{
		"../escape.pm":       "outside",
		"Foo-1.0/lib/Foo.pm": "inside",
	})

	assert.NoError(t, e.Expand(fooArchive))

	assertContents(t, "/expanded/"+fooArchive+"/Foo-1.0/lib/Foo.pm", "inside")
	assertFsExists(t, "/expanded/authors/id/A/AA/AUTH/escape.pm", false)
}

func TestRemove(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{"Foo-1.0/lib/Foo.pm": "contents"})
	assert.NoError(t, e.Expand(fooArchive))
	assertFsExists(t, "/expanded/"+fooArchive, true)

	assert.NoError(t, e.Remove(fooArchive))
	assertFsExists(t, "/expanded/"+fooArchive, false)

	// Removing an archive that was never expanded is fine.
	assert.NoError(t, e.Remove("authors/id/B/BB/OTHER/Bar-1.0.tar.gz"))
}

func TestExpandMissing(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{"Foo-1.0/lib/Foo.pm": "foo"})
	barArchive := "authors/id/B/BB/OTHER/Bar-1.0.tar.gz"
	writeArchive(t, barArchive, map[string]string{"Bar-1.0/lib/Bar.pm": "bar"})

	// Foo is already expanded; only Bar should be picked up.
	assert.NoError(t, e.Expand(fooArchive))
	assertFsExists(t, "/expanded/"+barArchive, false)

	assert.NoError(t, e.ExpandMissing())
	assertContents(t, "/expanded/"+barArchive+"/Bar-1.0/lib/Bar.pm", "bar")
}

func TestFlush(t *testing.T) {
	fs = afero.NewMemMapFs()
	e := newTestExpander(t, nil)

	writeArchive(t, fooArchive, map[string]string{"Foo-1.0/lib/Foo.pm": "foo"})
	assert.NoError(t, e.Expand(fooArchive))

	assert.NoError(t, e.Flush())
	assertFsExists(t, "/expanded", false)

	// After a flush, the archive expands again.
	assert.NoError(t, e.ExpandMissing())
	assertContents(t, "/expanded/"+fooArchive+"/Foo-1.0/lib/Foo.pm", "foo")
}

func newTestExpander(t *testing.T, fileFilters []string) *Expander {
	filters, err := config.NewPatternList(fileFilters)
	assert.NoError(t, err)
	return New(config.Mirror{
		Local:       "/mirror",
		Expand:      "/expanded",
		FileFilters: filters,
	})
}

func writeArchive(t *testing.T, relPath string, members map[string]string) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, contents := range members {
		assert.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0600,
			Size: int64(len(contents)),
		}))
		_, err := tw.Write([]byte(contents))
		assert.NoError(t, err)
	}
	assert.NoError(t, tw.Close())
	assert.NoError(t, gz.Close())

	assert.NoError(t, afero.WriteFile(fs, "/mirror/"+relPath, buf.Bytes(), 0644))
}

func assertContents(t *testing.T, path, exp string) {
	contents, err := afero.ReadFile(fs, path)
	assert.NoError(t, err)
	assert.Equal(t, exp, string(contents))
}

func assertFsExists(t *testing.T, path string, exp bool) {
	exists, err := afero.Exists(fs, path)
	assert.NoError(t, err)
	assert.Equal(t, exp, exists)
}
