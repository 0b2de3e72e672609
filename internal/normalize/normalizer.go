// Package normalize validates raw producer payloads and canonicalizes them
// into event.NormalizedEvent values.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

// idNamespace seeds deterministic event ids for payloads without an id.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:telcorr:event"))

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253402300799999

// knownFields are the payload fields this normalizer understands.
// Anything else is kept in Extra.
var knownFields = map[string]bool{
	"id": true, "entity": true, "entity_key": true, "kind": true, "severity": true,
	"value": true, "numeric_value": true, "unit": true, "timestamp": true,
	"correlation_hint": true, "related": true, "upstream": true, "downstream": true,
	"category": true, "required": true,
}

type sourceInfo struct {
	category event.Source
	skew     time.Duration
}

// Normalizer is safe for concurrent use; it holds only read-only configuration.
type Normalizer struct {
	majors      map[int]bool
	maxFuture   time.Duration
	maxRetained time.Duration
	units       *UnitTable
	sources     map[string]sourceInfo
}

// New builds a Normalizer from validated configuration.
func New(cfg config.NormalizerConf) *Normalizer {
	n := &Normalizer{
		majors:      make(map[int]bool, len(cfg.SupportedMajors)),
		maxFuture:   cfg.MaxFutureSkew,
		maxRetained: cfg.MaxRetainedWindow,
		units:       NewUnitTable(cfg.ReferenceCurrency, cfg.CurrencyRates),
		sources:     make(map[string]sourceInfo, len(cfg.Sources)),
	}
	for _, m := range cfg.SupportedMajors {
		n.majors[m] = true
	}
	for id, sc := range cfg.Sources {
		cat, _ := event.ParseSource(sc.Category)
		n.sources[id] = sourceInfo{category: cat, skew: sc.ClockSkew}
	}
	return n
}

// Units exposes the conversion table.
func (n *Normalizer) Units() *UnitTable { return n.units }

// Normalize validates raw and returns its canonical form. The result depends
// only on raw, now and the configuration.
func (n *Normalizer) Normalize(raw event.RawEvent, now time.Time) (event.NormalizedEvent, error) {
	var ev event.NormalizedEvent

	if err := n.checkSchema(raw.SchemaVersion); err != nil {
		return ev, err
	}

	payload, err := decodePayload(raw.Payload)
	if err != nil {
		return ev, err
	}

	if err := checkRequired(payload); err != nil {
		return ev, err
	}

	if ev.EntityKey, err = requiredString(payload, "entity", "entity_key"); err != nil {
		return ev, err
	}
	if ev.Kind, err = requiredString(payload, "kind"); err != nil {
		return ev, err
	}
	if ev.Source, err = n.category(raw.SourceID, payload); err != nil {
		return ev, err
	}
	if ev.Severity, err = severity(payload); err != nil {
		return ev, err
	}
	if ev.OccurredAt, err = n.timestamp(raw, payload, now); err != nil {
		return ev, err
	}
	if err := n.value(payload, &ev); err != nil {
		return ev, err
	}
	if ev.CorrelationHint, err = optionalString(payload, "correlation_hint"); err != nil {
		return ev, err
	}
	if ev.Related, err = related(payload); err != nil {
		return ev, err
	}

	id, err := optionalString(payload, "id")
	if err != nil {
		return ev, err
	}
	if id == "" {
		id = derivedID(raw)
	}
	ev.ID = id

	for k, v := range payload {
		if knownFields[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]any)
		}
		ev.Extra[k] = plain(v)
	}
	return ev, nil
}

func (n *Normalizer) checkSchema(version string) error {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return invalid(ReasonMissingField, "schema_version", "schema version is required")
	}
	majorStr, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return invalid(ReasonUnsupportedSchemaVersion, "schema_version", "malformed version %q", version)
	}
	if !n.majors[major] {
		return invalid(ReasonUnsupportedSchemaVersion, "schema_version", "major version %d is not supported", major)
	}
	return nil
}

func decodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, invalid(ReasonTypeMismatch, "payload", "payload is not a JSON object: %v", err)
	}
	if payload == nil {
		return nil, invalid(ReasonTypeMismatch, "payload", "payload is null")
	}
	return payload, nil
}

// checkRequired rejects payloads that declare a required field this
// normalizer does not understand.
func checkRequired(payload map[string]any) error {
	v, ok := payload["required"]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return invalid(ReasonTypeMismatch, "required", "expected a list of field names, got %T", v)
	}
	var unknown []string
	for _, item := range list {
		name, ok := item.(string)
		if !ok {
			return invalid(ReasonTypeMismatch, "required", "expected a list of field names, got element %T", item)
		}
		if !knownFields[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalid(ReasonUnsupportedSchemaVersion, unknown[0], "required field(s) not understood: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func requiredString(payload map[string]any, names ...string) (string, error) {
	for _, name := range names {
		v, ok := payload[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", invalid(ReasonTypeMismatch, name, "expected string, got %T", v)
		}
		if s = strings.TrimSpace(s); s == "" {
			return "", invalid(ReasonMissingField, name, "must not be empty")
		}
		return s, nil
	}
	return "", invalid(ReasonMissingField, names[0], "field is required")
}

func optionalString(payload map[string]any, name string) (string, error) {
	v, ok := payload[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(ReasonTypeMismatch, name, "expected string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

func (n *Normalizer) category(sourceID string, payload map[string]any) (event.Source, error) {
	if info, ok := n.sources[sourceID]; ok && info.category != "" {
		return info.category, nil
	}
	s, err := requiredString(payload, "category")
	if err != nil {
		return "", err
	}
	cat, ok := event.ParseSource(s)
	if !ok {
		return "", invalid(ReasonOutOfRange, "category", "unknown source category %q", s)
	}
	return cat, nil
}

func severity(payload map[string]any) (event.Severity, error) {
	v, ok := payload["severity"]
	if !ok || v == nil {
		return event.SeverityInfo, nil
	}
	switch s := v.(type) {
	case string:
		sev, ok := event.ParseSeverity(s)
		if !ok {
			return 0, invalid(ReasonOutOfRange, "severity", "unknown severity %q", s)
		}
		return sev, nil
	case json.Number:
		i, err := s.Int64()
		if err != nil || !event.Severity(i).Valid() {
			return 0, invalid(ReasonOutOfRange, "severity", "severity %s outside 0..4", s)
		}
		return event.Severity(i), nil
	default:
		return 0, invalid(ReasonTypeMismatch, "severity", "expected string or integer, got %T", v)
	}
}

func (n *Normalizer) timestamp(raw event.RawEvent, payload map[string]any, now time.Time) (time.Time, error) {
	t := raw.DeclaredAt
	if v, ok := payload["timestamp"]; ok && v != nil {
		switch ts := v.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return time.Time{}, invalid(ReasonTypeMismatch, "timestamp", "not RFC3339: %v", err)
			}
			t = parsed
		case json.Number:
			ms, err := ts.Float64()
			if err != nil || ms < 0 || ms > maxEpochMillis || math.IsInf(ms, 0) {
				return time.Time{}, invalid(ReasonOutOfRange, "timestamp", "invalid epoch milliseconds %s", ts)
			}
			t = time.UnixMilli(int64(ms))
		default:
			return time.Time{}, invalid(ReasonTypeMismatch, "timestamp", "expected RFC3339 string or epoch milliseconds, got %T", v)
		}
	}
	if t.IsZero() {
		return time.Time{}, invalid(ReasonMissingField, "timestamp", "neither payload timestamp nor declared timestamp is set")
	}

	if info, ok := n.sources[raw.SourceID]; ok {
		t = t.Add(-info.skew)
	}
	t = t.UTC()

	if limit := now.Add(n.maxFuture); t.After(limit) {
		return time.Time{}, invalid(ReasonOutOfRange, "timestamp", "%s is %s ahead of now", t.Format(time.RFC3339), t.Sub(now))
	}
	if horizon := now.Add(-n.maxRetained); t.Before(horizon) {
		return time.Time{}, &LateArrivalError{OccurredAt: t, Horizon: horizon.UTC()}
	}
	return t, nil
}

func (n *Normalizer) value(payload map[string]any, ev *event.NormalizedEvent) error {
	field := "value"
	v, ok := payload[field]
	if !ok {
		field = "numeric_value"
		v, ok = payload[field]
	}
	if !ok || v == nil {
		return nil
	}
	num, isNum := v.(json.Number)
	if !isNum {
		return invalid(ReasonTypeMismatch, field, "expected number, got %T", v)
	}
	f, err := num.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return invalid(ReasonOutOfRange, field, "number %s is not representable", num)
	}
	unit, err := optionalString(payload, "unit")
	if err != nil {
		return err
	}
	converted, canonical, ok := n.units.Convert(f, unit)
	if !ok {
		return invalid(ReasonTypeMismatch, "unit", "unknown unit %q", unit)
	}
	ev.Value = event.Float(converted)
	ev.Unit = canonical
	return nil
}

// related merges the related, upstream and downstream lists, deduplicated and sorted.
func related(payload map[string]any) ([]string, error) {
	seen := make(map[string]bool)
	for _, name := range []string{"related", "upstream", "downstream"} {
		v, ok := payload[name]
		if !ok || v == nil {
			continue
		}
		switch list := v.(type) {
		case string:
			if s := strings.TrimSpace(list); s != "" {
				seen[s] = true
			}
		case []any:
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, invalid(ReasonTypeMismatch, name, "expected list of strings, got element %T", item)
				}
				if s = strings.TrimSpace(s); s != "" {
					seen[s] = true
				}
			}
		default:
			return nil, invalid(ReasonTypeMismatch, name, "expected list of strings, got %T", v)
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func derivedID(raw event.RawEvent) string {
	var b bytes.Buffer
	b.WriteString(raw.SourceID)
	b.WriteByte(0)
	b.WriteString(raw.SchemaVersion)
	b.WriteByte(0)
	b.Write(raw.Payload)
	return uuid.NewSHA1(idNamespace, b.Bytes()).String()
}

// plain converts decoder values into the types encoding/json produces for
// an untyped target, so Extra survives JSON and MessagePack round trips
// unchanged. Every number becomes a float64.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	default:
		return v
	}
}
