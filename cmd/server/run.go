package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/telcorr/internal/api"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/engine"
	"github.com/gyaneshwarpardhi/telcorr/internal/sink"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand(g *globalFlags) *cobra.Command {
	var addr, input string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the live pipeline with the HTTP API",
		Long: `run consumes NDJSON events from --input (a file, or "-" for stdin), sweeps
on wall-clock time and serves snapshots, health and metrics over HTTP.
The config file is watched and hot-reloaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), g, addr, input)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: http.addr from the config)")
	cmd.Flags().StringVarP(&input, "input", "i", "", `NDJSON event input; "-" reads stdin`)
	return cmd
}

func run(ctx context.Context, g *globalFlags, addr, input string) error {
	loader, err := g.load()
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if addr == "" {
		addr = cfg.HTTP.Addr
	}

	emitter, sinks, err := buildEmitter(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.CloseAll(sinks); err != nil {
			slog.Warn("closing sinks", "err", err)
		}
	}()

	eng, err := engine.New(cfg, emitter)
	if err != nil {
		return err
	}

	// Workers and the emitter outlive the signal context so that Shutdown
	// can drain them.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	eng.Start(workCtx)
	emitDone := make(chan error, 1)
	go func() { emitDone <- emitter.Run(workCtx) }()

	loader.OnChange(func(next *config.Config) {
		rctx, cancel := context.WithTimeout(workCtx, 5*time.Second)
		defer cancel()
		if err := eng.Reload(rctx, next); err != nil {
			slog.Warn("hot-reload skipped", "err", err)
		}
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      api.New(eng, loader),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, gctx := errgroup.WithContext(sigCtx)

	group.Go(func() error { return eng.Run(gctx) })
	group.Go(func() error {
		slog.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if input != "" {
		group.Go(func() error {
			src, closer, err := openInput(input)
			if err != nil {
				return err
			}
			defer closer.Close()
			if err := eng.Consume(gctx, src); err != nil {
				return err
			}
			slog.Info("input exhausted", "input", input)
			return nil
		})
	}

	err = group.Wait()
	slog.Info("shutting down")
	eng.Shutdown()
	stopWork()
	if emitErr := <-emitDone; emitErr != nil && !errors.Is(emitErr, context.Canceled) {
		slog.Warn("emitter stopped with error", "err", emitErr)
	}
	slog.Info("goodbye")
	return err
}
