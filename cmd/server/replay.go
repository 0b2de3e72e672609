package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/telcorr/internal/engine"
	"github.com/gyaneshwarpardhi/telcorr/internal/sink"
)

func newReplayCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <events.ndjson>",
		Short: "replay recorded events on event time",
		Long: `replay feeds a recorded NDJSON file through the pipeline on a simulated
clock that follows the events' declared timestamps, then flushes every
open window and correlation. Identical input produces identical output.
Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.Context(), g, args[0])
		},
	}
}

func replay(ctx context.Context, g *globalFlags, input string) error {
	loader, err := g.load()
	if err != nil {
		return err
	}
	cfg := loader.Config()

	sinks, err := sink.DefaultRegistry().Build(cfg.Sinks)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.CloseAll(sinks); err != nil {
			slog.Warn("closing sinks", "err", err)
		}
	}()
	opts := sink.EmitterOptionsFrom(cfg.Emitter)
	opts.Blocking = true
	emitter := sink.NewEmitter(opts, sink.Routes(cfg.Routes, sinks))

	mock := clock.NewMock()
	eng, err := engine.New(cfg, emitter, engine.WithClock(mock))
	if err != nil {
		return err
	}

	src, closer, err := openInput(input)
	if err != nil {
		return err
	}
	defer closer.Close()

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	eng.Start(workCtx)
	emitDone := make(chan error, 1)
	go func() { emitDone <- emitter.Run(workCtx) }()

	start := time.Now()
	err = eng.Replay(ctx, src, mock)
	eng.Shutdown()
	stopWork()
	if emitErr := <-emitDone; emitErr != nil && !errors.Is(emitErr, context.Canceled) {
		slog.Warn("emitter stopped with error", "err", emitErr)
	}
	if err != nil {
		return err
	}
	slog.Info("replay complete", "input", input, "simulated_until", mock.Now().Format(time.RFC3339), "took", time.Since(start))
	return nil
}
