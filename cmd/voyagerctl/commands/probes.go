package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/voyager/internal/probe"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/voyager"
)

func probesCmd(opts *options) *cobra.Command {
	var singles bool

	cmd := &cobra.Command{
		Use:   "probes",
		Short: "Show the probe plan of a campaign",
		Long: "Builds the round-1 probes a campaign would launch, with their launch point " +
			"and expected reporter. With --singles, builds the single-rule probes that " +
			"round 2 draws from instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.load()
			if err != nil {
				return err
			}

			probes, err := plan(m, singles)
			if err != nil {
				return err
			}

			out, err := formatProbes(probes, opts.format)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&singles, "singles", false, "plan one single-rule probe per rule")

	return cmd
}

// plan builds probes numbered the way a fresh controller numbers its first
// campaign: round-1 probes first, then one single-rule probe per rule.
func plan(m *model, singles bool) ([]probe.Probe, error) {
	paths := voyager.Round1Paths(m.topo, m.store)
	first := voyager.FirstProbeID
	if singles {
		first += uint64(len(paths))
		paths = paths[:0:0]
		for _, id := range m.topo.RuleIDs() {
			paths = append(paths, store.RulePath{id})
		}
	}

	syn := probe.NewSynthesizer(m.topo, m.store, m.marker)
	probes := make([]probe.Probe, 0, len(paths))
	for i, p := range paths {
		pr, err := syn.Build(p, first+uint64(i))
		if err != nil {
			return nil, fmt.Errorf("plan probes: %w", err)
		}
		probes = append(probes, pr)
	}
	return probes, nil
}
