package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrLateArrival matches *LateArrivalError. It is not a validation failure.
	ErrLateArrival = errors.New("late arrival")
)

// Reason classifies a validation failure.
type Reason string

const (
	ReasonMissingField             Reason = "missing_field"
	ReasonTypeMismatch             Reason = "type_mismatch"
	ReasonOutOfRange               Reason = "out_of_range"
	ReasonUnsupportedSchemaVersion Reason = "unsupported_schema_version"
	reasonLateArrival              Reason = "late_arrival"
)

// ValidationError is a typed rejection of bad input.
type ValidationError struct {
	Reason Reason
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Reason, e.Field, e.Detail)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(reason Reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// LateArrivalError reports an event older than the retained horizon.
type LateArrivalError struct {
	OccurredAt time.Time
	Horizon    time.Time
}

func (e *LateArrivalError) Error() string {
	return fmt.Sprintf("late arrival: occurred at %s, retained horizon starts %s (%s behind)",
		e.OccurredAt.Format(time.RFC3339), e.Horizon.Format(time.RFC3339), e.Horizon.Sub(e.OccurredAt))
}

func (e *LateArrivalError) Is(target error) bool { return target == ErrLateArrival }

// ReasonOf returns the metric/stream label for a Normalize error.
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	if errors.Is(err, ErrLateArrival) {
		return reasonLateArrival
	}
	return "unknown"
}

// Rejection is the record forwarded to the rejections stream.
type Rejection struct {
	SourceID      string    `json:"source_id" msgpack:"source_id"`
	SchemaVersion string    `json:"schema_version" msgpack:"schema_version"`
	Reason        Reason    `json:"reason" msgpack:"reason"`
	Field         string    `json:"field,omitempty" msgpack:"field,omitempty"`
	Detail        string    `json:"detail" msgpack:"detail"`
	RejectedAt    time.Time `json:"rejected_at" msgpack:"rejected_at"`
}

// NewRejection describes why raw was not normalized.
func NewRejection(raw event.RawEvent, err error, now time.Time) Rejection {
	r := Rejection{
		SourceID:      raw.SourceID,
		SchemaVersion: raw.SchemaVersion,
		Reason:        ReasonOf(err),
		Detail:        err.Error(),
		RejectedAt:    now.UTC(),
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		r.Field = ve.Field
		r.Detail = ve.Detail
	}
	return r
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s from %s: %s", r.Reason, r.SourceID, r.Detail)
}
