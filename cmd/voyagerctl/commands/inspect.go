package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func inspectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a topology and its header store",
		Long: "Loads the topology and header store and prints rule counts, path coverage " +
			"and the report and test headers of every switch.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.load()
			if err != nil {
				return err
			}

			out, err := formatInspect(m, opts.format)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
