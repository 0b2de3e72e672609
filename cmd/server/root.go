package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/engine"
	"github.com/gyaneshwarpardhi/telcorr/internal/logging"
	"github.com/gyaneshwarpardhi/telcorr/internal/sink"
	"github.com/gyaneshwarpardhi/telcorr/internal/source"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:          "telcorr",
		Short:        "cross-source telemetry correlation and anomaly detection",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "configs/telcorr.yaml", "path to the YAML config")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level from the config")

	cmd.AddCommand(
		newRunCommand(&g),
		newReplayCommand(&g),
		newValidateCommand(&g),
	)
	return cmd
}

// load reads the config file and initializes logging from it.
func (g *globalFlags) load() (*config.Loader, error) {
	loader, err := config.NewLoader(g.configPath)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	logging.Init(cfg.Logging.Format, logging.ParseLevel(level))
	return loader, nil
}

// buildEmitter instantiates the configured sinks and routes.
func buildEmitter(cfg *config.Config) (*sink.Emitter, map[string]sink.Sink, error) {
	sinks, err := sink.DefaultRegistry().Build(cfg.Sinks)
	if err != nil {
		return nil, nil, err
	}
	em := sink.NewEmitter(sink.EmitterOptionsFrom(cfg.Emitter), sink.Routes(cfg.Routes, sinks))
	for _, stream := range []string{
		engine.StreamBuckets, engine.StreamCorrections, engine.StreamAnomalies,
		engine.StreamCorrelations, engine.StreamRootCauses, engine.StreamRejections,
	} {
		if !em.Routed(stream) {
			slog.Debug("stream has no sinks, records are discarded", "stream", stream)
		}
	}
	return em, sinks, nil
}

// openInput opens an NDJSON file, or stdin for "-".
func openInput(path string) (source.Source, io.Closer, error) {
	if path == "-" {
		return source.NewNDJSON(os.Stdin), io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return source.NewNDJSON(f), f, nil
}
