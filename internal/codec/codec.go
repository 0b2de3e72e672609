// Package codec encodes produced records as JSON or MessagePack.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals single values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// ByName resolves "json" or "msgpack".
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	}
	return nil, fmt.Errorf("codec: unknown format %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	toUTC(reflect.ValueOf(v))
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := newMsgpackEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return err
	}
	toUTC(reflect.ValueOf(v))
	return nil
}

func newMsgpackEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	return enc
}

// Encoder writes a stream of values: newline-delimited JSON or concatenated
// MessagePack.
type Encoder struct {
	enc interface{ Encode(any) error }
}

// NewEncoder returns a stream encoder for c.
func NewEncoder(w io.Writer, c Codec) *Encoder {
	if c.Name() == "msgpack" {
		return &Encoder{enc: newMsgpackEncoder(w)}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes one value.
func (e *Encoder) Encode(v any) error { return e.enc.Encode(v) }

// Decoder reads a stream written by Encoder.
type Decoder struct {
	dec interface{ Decode(any) error }
}

// NewDecoder returns a stream decoder for c.
func NewDecoder(r io.Reader, c Codec) *Decoder {
	if c.Name() == "msgpack" {
		return &Decoder{dec: msgpack.NewDecoder(r)}
	}
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next value. It returns io.EOF at the end of the stream.
func (d *Decoder) Decode(v any) error {
	if err := d.dec.Decode(v); err != nil {
		return err
	}
	toUTC(reflect.ValueOf(v))
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// toUTC rewrites every reachable time.Time to UTC. MessagePack restores
// instants in the local zone; records always carry UTC.
func toUTC(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			toUTC(v.Elem())
		}
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		if t, ok := v.Interface().(time.Time); ok {
			if v.CanSet() {
				v.Set(reflect.ValueOf(t.UTC()))
			}
			return
		}
		toUTC(v.Elem())
	case reflect.Struct:
		if v.Type() == timeType {
			if v.CanSet() {
				v.Set(reflect.ValueOf(v.Interface().(time.Time).UTC()))
			}
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				toUTC(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			toUTC(v.Index(i))
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			val := reflect.New(iter.Value().Type()).Elem()
			val.Set(iter.Value())
			if !holdsTime(val) {
				continue
			}
			toUTC(val)
			v.SetMapIndex(iter.Key(), val)
		}
	}
}

// holdsTime reports whether a map value may contain a time worth rewriting.
func holdsTime(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Struct, reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
		return true
	case reflect.Interface:
		return !v.IsNil()
	}
	return false
}
