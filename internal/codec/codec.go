// Package codec abstracts the binary encoding used on the wire and in local
// storage. The default implementation is deterministic CBOR.
package codec

import (
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// CBOR is a Marshaler and Unmarshaler backed by fxamacker/cbor.
//
// Encoding is core deterministic (sorted map keys, shortest integers), so equal
// values always produce equal bytes. Decoding into an interface yields
// map[string]any for maps.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	_ Marshaler   = (*CBOR)(nil)
	_ Unmarshaler = (*CBOR)(nil)
)

func NewCBOR() *CBOR {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

// Default is the shared codec instance.
var Default = NewCBOR()

// Marshal encodes v with the default codec.
func Marshal(v any) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal decodes data into dst with the default codec.
func Unmarshal(data []byte, dst any) error {
	return Default.Unmarshal(data, dst)
}

// Convert re-encodes src into dst, typically from a decoded any or a raw
// message into a concrete struct.
func Convert(src, dst any) error {
	if raw, ok := src.(cbor.RawMessage); ok {
		return Unmarshal(raw, dst)
	}
	data, err := Marshal(src)
	if err != nil {
		return err
	}
	return Unmarshal(data, dst)
}

// Now returns the current time truncated to the precision kept on the wire.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
