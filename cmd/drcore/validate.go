package main

import (
	"fmt"

	"github.com/FairForge/drcore/internal/config"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and topology descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			desc, err := topology.LoadDescriptor(cfg.Topology.Path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "topology %s: %d regions, %d channels, record set %s (%s)\n",
				cfg.Topology.Path, len(desc.Regions), len(desc.Channels), desc.Routing.RecordSetID, desc.Routing.Mode)
			for _, r := range desc.Regions {
				fmt.Fprintf(out, "  %-16s %-9s priority %d\n", r.ID, r.Role, r.Priority)
			}
			return nil
		},
	}
}
