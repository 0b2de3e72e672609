package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/sink"
)

func newValidateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := config.NewLoader(g.configPath)
			if err != nil {
				return err
			}
			cfg := loader.Config()
			if _, err := correlation.CompilePatterns(cfg.Patterns); err != nil {
				return err
			}
			reg := sink.DefaultRegistry()
			for _, def := range cfg.Sinks {
				if _, err := reg.Get(def.Type); err != nil {
					return fmt.Errorf("sink %q: %w", def.Name, err)
				}
			}
			deps := correlation.NewStaticRegistry(cfg.Dependencies)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %s, windows %d, dependents %d, patterns %d, sinks %d)\n",
				loader.Path(), cfg.Version, len(cfg.Aggregator.Windows), deps.Len(), len(cfg.Patterns), len(cfg.Sinks))
			return nil
		},
	}
}
