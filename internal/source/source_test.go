package source_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/source"
)

func TestNDJSON(t *testing.T) {
	input := `{"source_id":"apm","schema_version":"1.0","declared_timestamp":"2024-03-01T12:00:00+02:00","payload":{"entity":"svc-a","kind":"latency","value":12}}

not json
{"source_id":"apm","schema_version":"1","payload":"oops"}
{"source_id":"siem","schema_version":"1","payload":{"entity":"host-1","kind":"login_failure"}}
`
	src := source.NewNDJSON(strings.NewReader(input))
	ctx := context.Background()

	ev, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "apm", ev.SourceID)
	assert.Equal(t, "1.0", ev.SchemaVersion)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ev.DeclaredAt)
	assert.JSONEq(t, `{"entity":"svc-a","kind":"latency","value":12}`, string(ev.Payload))

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, source.ErrMalformedLine)
	assert.Contains(t, err.Error(), "line 3")

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, source.ErrMalformedLine)

	ev, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "siem", ev.SourceID)
	assert.True(t, ev.DeclaredAt.IsZero())

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNDJSON_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := source.NewNDJSON(strings.NewReader("{}\n")).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel(t *testing.T) {
	ch := make(chan event.RawEvent, 1)
	src := source.NewChannel(ch)

	ch <- event.RawEvent{SourceID: "a"}
	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", ev.SourceID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(ch)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
