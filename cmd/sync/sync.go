package sync

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/minicpan/minicpan/cmd/util"
	"github.com/minicpan/minicpan/pkg/config"
	"github.com/minicpan/minicpan/pkg/errors"
	"github.com/minicpan/minicpan/pkg/expand"
	"github.com/minicpan/minicpan/pkg/mirror"
	"github.com/minicpan/minicpan/pkg/processor"
	"github.com/minicpan/minicpan/pkg/trace"
	"github.com/minicpan/minicpan/pkg/transport"
)

type syncCmd struct {
	configPath string

	force          bool
	forceExpand    bool
	checkExpand    bool
	forceProcessor bool
	exactMirror    bool
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var cmd syncCmd
	cobraCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local mirror with the remote repository",
		Long: `Fetch the remote package indices, mirror the accepted distribution
archives, expand their wanted members into the expansion tree, and delete
local files that no longer exist upstream. The downstream processor is run
once at the end if anything changed.`,
		Run: func(_ *cobra.Command, _ []string) {
			if err := cmd.run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&cmd.configPath, "config", "c", "minicpan.yaml",
		"Path to the mirror configuration file.")
	flags.BoolVar(&cmd.force, "force", false,
		"Scan the package listing even if the indices are unchanged.")
	flags.BoolVar(&cmd.forceExpand, "force-expand", false,
		"Delete all prior expansions so every archive is re-expanded.")
	flags.BoolVar(&cmd.checkExpand, "check-expand", false,
		"After syncing, expand any mirrored archive that was never expanded.")
	flags.BoolVar(&cmd.forceProcessor, "force-processor", false,
		"Run the downstream processor even if nothing changed.")
	flags.BoolVar(&cmd.exactMirror, "exact-mirror", false,
		"Delete unrecognized dotfiles from the mirror tree too.")
	return cobraCmd
}

func (cmd syncCmd) run() error {
	cfg, err := parseConfig(cmd.configPath)
	if err != nil {
		return err
	}
	cfg.Force = cfg.Force || cmd.force
	cfg.ForceExpand = cfg.ForceExpand || cmd.forceExpand
	cfg.CheckExpand = cfg.CheckExpand || cmd.checkExpand
	cfg.ForceProcessor = cfg.ForceProcessor || cmd.forceProcessor
	cfg.ExactMirror = cfg.ExactMirror || cmd.exactMirror
	if cfg.Trace {
		log.SetLevel(log.DebugLevel)
	}

	hook := trace.NewCountingHook()
	log.AddHook(hook)

	fetcher, err := transport.New(cfg.Remote, cfg.GetDirMode())
	if err != nil {
		return err
	}

	// The processor is validated up front so a broken configuration fails
	// before hours of mirroring, not after.
	var proc processor.Processor
	if len(cfg.ProcessorCommand) > 0 {
		proc, err = processor.NewCommand(cfg.ProcessorCommand, cfg.ProcessorSource)
		if err != nil {
			return errors.WithContext(err, "set up processor")
		}
	}

	var hooks mirror.Hooks
	var expander *expand.Expander
	if cfg.Expand != "" {
		expander = expand.New(cfg)
		hooks = mirror.Hooks{
			OnFileMirrored: expander.Expand,
			OnFileCleaned:  expander.Remove,
		}
	}

	syncer, err := mirror.New(cfg, fetcher, hooks)
	if err != nil {
		return err
	}

	if expander != nil && cfg.ForceExpand {
		if err := expander.Flush(); err != nil {
			return err
		}
	}

	changes, err := syncer.Synchronize()
	if err != nil {
		return err
	}

	if expander != nil && (cfg.ForceExpand || cfg.CheckExpand) {
		if err := expander.ExpandMissing(); err != nil {
			return err
		}
	}

	if hook.Warnings() > 0 || hook.Errors() > 0 {
		log.WithFields(log.Fields{
			"warnings": hook.Warnings(),
			"errors":   hook.Errors(),
		}).Info("Run finished with soft failures")
	}
	fmt.Printf("%d files changed.\n", changes)

	if proc != nil && (changes > 0 || cfg.ForceProcessor) {
		if err := proc.Run(); err != nil {
			return err
		}
	}
	return nil
}

func parseConfig(path string) (config.Mirror, error) {
	cfg, err := config.ParseMirror(path)
	if err != nil {
		if dneErr, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return config.Mirror{}, errors.NewFriendlyError(
				"No mirror configuration found at %q.\n"+
					"Pass --config to point at your minicpan.yaml.", dneErr.Path)
		}
		return config.Mirror{}, errors.WithContext(err, "parse mirror config")
	}
	return cfg, nil
}
