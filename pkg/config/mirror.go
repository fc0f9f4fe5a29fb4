package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/minicpan/minicpan/pkg/errors"
)

// Mirror is the user-supplied configuration for a mirror run.
type Mirror struct {
	Version string `json:"version,omitempty"`

	// Remote is the base URL of the upstream repository.
	Remote string `json:"remote"` // Required.

	// Local is the root directory of the local mirror tree.
	Local string `json:"local"` // Required.

	// Expand is the root directory of the derived expansion tree. Extracted
	// archive members are written here, mirroring the archive's
	// mirror-relative path.
	Expand string `json:"expand,omitempty"`

	// SkipPerl rejects perl core distributions (perl, parrot, ponie, and
	// friends) from the mirror.
	SkipPerl bool `json:"skipPerl,omitempty"`

	// ExactMirror disables the dotfile exemption during cleanup, so the
	// local tree ends the run byte-for-byte identical to the accepted
	// remote files.
	ExactMirror bool `json:"exactMirror,omitempty"`

	Force          bool `json:"force,omitempty"`
	ForceExpand    bool `json:"forceExpand,omitempty"`
	CheckExpand    bool `json:"checkExpand,omitempty"`
	ForceProcessor bool `json:"forceProcessor,omitempty"`
	Trace          bool `json:"trace,omitempty"`

	// DirMode is the permission bits used when creating directories in
	// either tree, written as an octal string (e.g. "0711").
	DirMode string `json:"dirMode,omitempty"`

	// PathFilters and ModuleFilters reject index entries. FileFilters
	// reject archive member names during expansion. A matching entry is
	// skipped entirely.
	PathFilters   PatternList `json:"pathFilters,omitempty"`
	ModuleFilters PatternList `json:"moduleFilters,omitempty"`
	FileFilters   PatternList `json:"fileFilters,omitempty"`

	// ProcessorCommand is the argv of the downstream processor. It's run
	// once at the end of a run that mirrored any changes.
	ProcessorCommand []string `json:"processorCommand,omitempty"`

	// ProcessorSource is the directory the processor reads from. Defaults
	// to the expansion root.
	ProcessorSource string `json:"processorSource,omitempty"`
}

func (c Mirror) getVersion() string {
	return c.Version
}

// InitialMirrorConfigVersion is the first version of the mirror config.
// Config files that do not specify a version default to this version.
const InitialMirrorConfigVersion = "v1"

// SupportedMirrorConfigVersion is the config version supported by the
// current minicpan binary.
const SupportedMirrorConfigVersion = "v1"

// DefaultDirMode is used when the config doesn't set dirMode.
const DefaultDirMode = os.FileMode(0711)

// skipPerlFilters are the patterns appended to PathFilters when SkipPerl
// is set. They match the perl core distributions and their historical
// variants.
var skipPerlFilters = []string{
	`/(?:emb|sy|bio)?perl-\d`,
	`/(?:parrot|ponie)-\d`,
	`/perl-?5\.004`,
	`/perl_mlb\.zip`,
}

// ParseMirror parses the mirror configuration at `path`.
func ParseMirror(path string) (Mirror, error) {
	config := Mirror{
		Version: InitialMirrorConfigVersion,
	}
	if err := parseConfig(path, &config, SupportedMirrorConfigVersion); err != nil {
		return Mirror{}, errors.WithContext(err, "parse")
	}

	if config.Remote == "" {
		return Mirror{}, errors.MissingFieldError{Field: "remote"}
	}
	if config.Local == "" {
		return Mirror{}, errors.MissingFieldError{Field: "local"}
	}

	local, err := homedir.Expand(config.Local)
	if err != nil {
		return Mirror{}, errors.WithContext(err, "expand homedir")
	}
	config.Local = filepath.Clean(local)

	if config.Expand != "" {
		expand, err := homedir.Expand(config.Expand)
		if err != nil {
			return Mirror{}, errors.WithContext(err, "expand homedir")
		}
		config.Expand = filepath.Clean(expand)
	}

	if config.ProcessorSource == "" {
		config.ProcessorSource = config.Expand
	} else {
		source, err := homedir.Expand(config.ProcessorSource)
		if err != nil {
			return Mirror{}, errors.WithContext(err, "expand homedir")
		}
		config.ProcessorSource = filepath.Clean(source)
	}

	if config.DirMode != "" {
		if _, err := parseDirMode(config.DirMode); err != nil {
			return Mirror{}, errors.WithContext(err, "parse dirMode")
		}
	}

	if config.SkipPerl {
		perlFilters, err := NewPatternList(skipPerlFilters)
		if err != nil {
			// The skip-perl patterns are constants, so they always compile.
			return Mirror{}, errors.WithContext(err, "compile perl filters")
		}
		config.PathFilters = append(config.PathFilters, perlFilters...)
	}

	return config, nil
}

// GetDirMode returns the configured directory permission bits, or the
// default when unset. ParseMirror rejects unparseable values, so this
// never fails after a successful parse.
func (c Mirror) GetDirMode() os.FileMode {
	if c.DirMode == "" {
		return DefaultDirMode
	}

	mode, err := parseDirMode(c.DirMode)
	if err != nil {
		return DefaultDirMode
	}
	return mode
}

func parseDirMode(s string) (os.FileMode, error) {
	bits, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, errors.New(fmt.Sprintf("%q is not an octal mode", s))
	}
	return os.FileMode(bits), nil
}
