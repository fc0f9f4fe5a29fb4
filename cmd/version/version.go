package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minicpan/minicpan/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of minicpan.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("minicpan version %s\n", version.Version)
		},
	}
}
