// Package processor is the boundary to the downstream analysis engine.
// The mirror only knows that the processor reads from a source directory
// and can be run; everything else about it is someone else's problem.
package processor

import (
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/minicpan/minicpan/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Processor is the downstream collaborator. It's invoked at most once per
// run, and only when the run mirrored any changes (or the operator forced
// it).
type Processor interface {
	// SourceDir is the directory the processor reads from.
	SourceDir() string

	// Run executes the processor against its source directory.
	Run() error
}

// CommandProcessor runs an external command as the processor, with the
// source directory appended as the final argument.
type CommandProcessor struct {
	argv      []string
	sourceDir string
}

// NewCommand validates the source directory and returns a
// CommandProcessor. The directory must exist and be writable, since most
// processors leave report files next to their input.
func NewCommand(argv []string, sourceDir string) (*CommandProcessor, error) {
	if len(argv) == 0 {
		return nil, errors.MissingFieldError{Field: "processorCommand"}
	}

	if err := fs.MkdirAll(sourceDir, 0755); err != nil {
		return nil, errors.WithContext(err, "create processor source")
	}
	probe, err := afero.TempFile(fs, sourceDir, ".processor-")
	if err != nil {
		return nil, errors.WithContext(err, "processor source not writable")
	}
	probe.Close()
	if err := fs.Remove(probe.Name()); err != nil {
		log.WithError(err).WithField("path", probe.Name()).Debug(
			"Failed to remove write probe")
	}

	return &CommandProcessor{argv: argv, sourceDir: sourceDir}, nil
}

// SourceDir returns the directory the command reads from.
func (p *CommandProcessor) SourceDir() string {
	return p.sourceDir
}

// Run executes the command, streaming its output through.
func (p *CommandProcessor) Run() error {
	args := append(append([]string{}, p.argv[1:]...), p.sourceDir)
	cmd := exec.Command(p.argv[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.WithField("command", p.argv[0]).Info("Running processor")
	if err := cmd.Run(); err != nil {
		return errors.WithContext(err, "run processor")
	}
	return nil
}
