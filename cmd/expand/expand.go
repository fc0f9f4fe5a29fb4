package expand

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/minicpan/minicpan/cmd/util"
	"github.com/minicpan/minicpan/pkg/config"
	"github.com/minicpan/minicpan/pkg/errors"
	"github.com/minicpan/minicpan/pkg/expand"
)

// New creates a new `expand` command. It works against an existing mirror
// without touching the network, which makes it the escape hatch for
// rebuilding the expansion tree after a config change.
func New() *cobra.Command {
	var configPath string
	var flush bool
	cobraCmd := &cobra.Command{
		Use:   "expand",
		Short: "Expand mirrored archives without syncing",
		Long: `Walk the mirrored archives and extract the wanted members of any
archive that doesn't have an expansion directory yet. With --flush, all
prior expansions are deleted first, so everything is re-expanded.`,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, flush); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "minicpan.yaml",
		"Path to the mirror configuration file.")
	flags.BoolVar(&flush, "flush", false,
		"Delete all prior expansions before expanding.")
	return cobraCmd
}

func run(configPath string, flush bool) error {
	cfg, err := config.ParseMirror(configPath)
	if err != nil {
		return errors.WithContext(err, "parse mirror config")
	}
	if cfg.Expand == "" {
		return errors.NewFriendlyError(
			"The config at %q has no expansion tree configured.\n"+
				"Set the `expand` field to use this command.", configPath)
	}
	if cfg.Trace {
		log.SetLevel(log.DebugLevel)
	}

	expander := expand.New(cfg)
	if flush {
		if err := expander.Flush(); err != nil {
			return err
		}
	}
	return expander.ExpandMissing()
}
