package sink

import (
	"context"
	"log/slog"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/logging"
)

// Log writes records through the default slog logger.
type Log struct {
	name  string
	level slog.Level
}

// NewLog builds a log sink. def.Level defaults to info.
func NewLog(def config.SinkDef) (Sink, error) {
	return &Log{name: def.Name, level: logging.ParseLevel(def.Level)}, nil
}

func (l *Log) Name() string { return l.name }

func (l *Log) Write(ctx context.Context, stream string, record any) error {
	slog.Log(ctx, l.level, "emit", "sink", l.name, "stream", stream, "record", record)
	return nil
}

func (l *Log) Close() error { return nil }
