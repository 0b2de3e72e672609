package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gyaneshwarpardhi/telcorr/internal/codec"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
)

// File appends enveloped records to a file as NDJSON or a MessagePack
// stream. Path "-" writes to stdout.
type File struct {
	name string
	mu   sync.Mutex
	w    *bufio.Writer
	c    io.Closer
	enc  *codec.Encoder
}

// NewFile opens def.Path for appending.
func NewFile(def config.SinkDef) (Sink, error) {
	c, err := codec.ByName(def.Format)
	if err != nil {
		return nil, err
	}
	if def.Path == "-" {
		return newFile(def.Name, os.Stdout, nopCloser{}, c), nil
	}
	f, err := os.OpenFile(def.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", def.Path, err)
	}
	return newFile(def.Name, f, f, c), nil
}

func newFile(name string, w io.Writer, closer io.Closer, c codec.Codec) *File {
	bw := bufio.NewWriter(w)
	return &File{name: name, w: bw, c: closer, enc: codec.NewEncoder(bw, c)}
}

func (f *File) Name() string { return f.name }

// Write encodes and flushes one record.
func (f *File) Write(ctx context.Context, stream string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(Envelope{Stream: stream, Record: record}); err != nil {
		return fmt.Errorf("encode %s record: %w", stream, err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.w.Flush(); err != nil {
		return err
	}
	return f.c.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
