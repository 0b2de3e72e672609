package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telcorr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
version: "1"
dependencies:
  - entity: web
    depends_on: [api, cache]
sinks:
  - name: console
    type: log
routes:
  anomalies: [console]
`)
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (version 1, windows 3, dependents 1, patterns 0, sinks 1)")
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\nengine:\n  workers: -1\n")
	_, err := execute(t, "validate", "-c", path)
	assert.Error(t, err)
}

func TestReplay_WritesSinkOutput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.ndjson")
	cfgPath := writeConfig(t, `
version: "1"
aggregator:
  windows: [1m]
sinks:
  - name: archive
    type: file
    path: `+outPath+`
routes:
  buckets: [archive]
  rejections: [archive]
`)
	input := filepath.Join(dir, "in.ndjson")
	lines := []string{
		`{"source_id":"apm","schema_version":"1","declared_timestamp":"2024-03-01T00:00:05Z","payload":{"entity":"svc-a","kind":"latency","category":"performance","value":10}}`,
		`{"source_id":"apm","schema_version":"1","declared_timestamp":"2024-03-01T00:00:06Z","payload":{"kind":"latency","category":"performance"}}`,
	}
	require.NoError(t, os.WriteFile(input, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	_, err := execute(t, "replay", "-c", cfgPath, "--log-level", "error", input)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"stream":"buckets"`)
	assert.Contains(t, out, `"entity_key":"svc-a"`)
	assert.Contains(t, out, `"stream":"rejections"`)
}
