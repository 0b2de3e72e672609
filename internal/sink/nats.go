package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/telcorr/internal/codec"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
)

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATS publishes each record on subject "<prefix>.<stream>".
type NATS struct {
	name   string
	prefix string
	codec  codec.Codec
	pub    Publisher
}

// NewNATS connects to def.URL. The connection retries in the background, so
// an unreachable server surfaces as ErrSinkUnavailable on write rather than
// failing startup.
func NewNATS(def config.SinkDef) (Sink, error) {
	c, err := codec.ByName(def.Format)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(def.URL,
		nats.Name("telcorr-"+def.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "sink", def.Name, "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "sink", def.Name, "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", def.URL, err)
	}
	return NewNATSWithPublisher(def.Name, def.SubjectPrefix, c, nc), nil
}

// NewNATSWithPublisher wraps an existing publisher.
func NewNATSWithPublisher(name, prefix string, c codec.Codec, pub Publisher) *NATS {
	if prefix == "" {
		prefix = "telcorr"
	}
	return &NATS{name: name, prefix: prefix, codec: c, pub: pub}
}

func (n *NATS) Name() string { return n.name }

// Subject returns the subject records of stream are published on.
func (n *NATS) Subject(stream string) string { return n.prefix + "." + stream }

func (n *NATS) Write(ctx context.Context, stream string, record any) error {
	data, err := n.codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", stream, err)
	}
	if err := n.pub.Publish(n.Subject(stream), data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrSinkUnavailable, n.Subject(stream), err)
	}
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrSinkUnavailable, err)
	}
	return nil
}

func (n *NATS) Close() error {
	n.pub.Close()
	return nil
}
