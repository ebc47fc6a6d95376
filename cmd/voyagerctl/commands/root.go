// Package commands implements the voyagerctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/voyager/internal/config"
	"github.com/dantte-lp/voyager/internal/flow"
	"github.com/dantte-lp/voyager/internal/store"
	"github.com/dantte-lp/voyager/internal/topo"
)

// options holds the persistent flags shared by every command.
type options struct {
	// format controls the output format for all commands (table or json).
	format string

	configPath string
	topology   string
	storeDir   string
	marker     string
}

// NewRootCmd builds the top-level voyagerctl command.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "voyagerctl",
		Short: "Inspect voyager topologies and probe plans",
		Long: "voyagerctl reads a topology and its precomputed header store and shows " +
			"what a voyager campaign would install and probe, without touching a dataplane.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.format, "format", formatTable, "output format: table, json")
	pf.StringVar(&opts.configPath, "config", "", "voyager configuration file (YAML)")
	pf.StringVar(&opts.topology, "topology", "", "topology file, overrides topology.file")
	pf.StringVar(&opts.storeDir, "store-dir", "", "header store directory, overrides topology.store_dir")
	pf.StringVar(&opts.marker, "marker", "", "report header field (ipv4_src, custom), overrides probe.marker")

	root.AddCommand(inspectCmd(opts))
	root.AddCommand(probesCmd(opts))
	root.AddCommand(versionCmd(opts))
	root.AddCommand(shellCmd(root))

	return root
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// model is a loaded topology with its header store.
type model struct {
	name   string
	topo   *topo.Topology
	store  *store.Store
	marker flow.Marker
}

// load resolves the configuration, applies flag overrides and parses the
// topology and header store.
func (o *options) load() (*model, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.topology != "" {
		cfg.Topology.File = o.topology
	}
	if o.storeDir != "" {
		cfg.Topology.StoreDir = o.storeDir
	}
	if o.marker != "" {
		cfg.Probe.Marker = o.marker
	}

	marker, err := cfg.Probe.MarkerMode()
	if err != nil {
		return nil, err
	}

	t, err := topo.Load(cfg.Topology.File)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	s, err := store.Load(cfg.Topology.StoreDir, cfg.Topology.File, t)
	if err != nil {
		return nil, fmt.Errorf("load header store: %w", err)
	}

	return &model{name: cfg.Topology.File, topo: t, store: s, marker: marker}, nil
}
