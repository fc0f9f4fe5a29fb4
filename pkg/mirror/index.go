package mirror

import (
	"bufio"
	"compress/gzip"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/minicpan/minicpan/pkg/errors"
)

// IndexRecord is one parsed line of the package listing.
type IndexRecord struct {
	Module  string
	Version string
	Path    string
}

// IndexMeta is the metadata from the package listing's header block.
type IndexMeta struct {
	FormatVersion string
	LastUpdated   string
	LineCount     int
}

// supportedIndexMajor is the major version of the package listing format
// this binary understands.
const supportedIndexMajor = 1

// scanIndex streams the gzipped package listing at localPath, calling
// handle for every parsed record.
//
// The stream starts with a header block of "Key: value" lines. The first
// blank line ends the header permanently; every later non-empty line is a
// data line of exactly three whitespace-separated fields
// (module, version, path). Lines of any other shape are skipped.
func scanIndex(localPath string, handle func(IndexRecord)) (IndexMeta, error) {
	f, err := fs.Open(localPath)
	if err != nil {
		return IndexMeta{}, errors.WithContext(err, "open package index")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return IndexMeta{}, errors.WithContext(err, "decompress package index")
	}
	defer gz.Close()

	var meta IndexMeta
	inHeader := true

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line := scanner.Text()

		if inHeader {
			if strings.TrimSpace(line) == "" {
				inHeader = false
				if err := checkIndexFormat(meta); err != nil {
					return meta, err
				}
				continue
			}
			parseHeaderLine(line, &meta)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			log.WithField("line", line).Debug("Skipping malformed index line")
			continue
		}

		handle(IndexRecord{
			Module:  fields[0],
			Version: fields[1],
			Path:    fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return meta, errors.WithContext(err, "read package index")
	}
	return meta, nil
}

func parseHeaderLine(line string, meta *IndexMeta) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return
	}

	key := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])
	switch key {
	case "Version":
		meta.FormatVersion = value
	case "Last-Updated":
		meta.LastUpdated = value
	case "Line-Count":
		if count, err := strconv.Atoi(value); err == nil {
			meta.LineCount = count
		}
	}
}

// checkIndexFormat rejects package listings in a format newer than this
// binary understands. Listings without a Version header are assumed
// compatible.
func checkIndexFormat(meta IndexMeta) error {
	if meta.FormatVersion == "" {
		return nil
	}

	parsed, err := version.NewVersion(meta.FormatVersion)
	if err != nil {
		log.WithField("version", meta.FormatVersion).Debug(
			"Unparseable package index format version")
		return nil
	}

	if parsed.Segments()[0] > supportedIndexMajor {
		return errors.NewFriendlyError(
			"The package index reports format version %s, but this version "+
				"of minicpan only understands format %d.x.\n"+
				"Upgrade minicpan to mirror this repository.",
			meta.FormatVersion, supportedIndexMajor)
	}
	return nil
}
