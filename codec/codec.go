// Package codec turns records into bytes for backends that store raw payloads
// (the log store, the file store, badger and the byte providers).
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

var ErrTooLarge = errors.New("codec: payload too large")

// Error tags an encode/decode failure with the codec that produced it.
type Error struct {
	Codec string
	Op    string // "encode" or "decode"
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s %s: %v", e.Codec, e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(codec, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Codec: codec, Op: op, Err: err}
}

// EncodedSize returns a size function measuring the encoded length of a
// record. Values that fail to encode measure -1, which size accounting rejects.
func EncodedSize[V any](c Codec[V]) func(V) int64 {
	return func(v V) int64 {
		b, err := c.Encode(v)
		if err != nil {
			return -1
		}
		return int64(len(b))
	}
}

// Names lists the codecs Lookup understands.
var Names = []string{"json", "cbor", "cbor-det", "msgpack"}

// Lookup returns a reflection based codec by name. Protobuf, Bytes and String
// are type specific and must be constructed directly.
func Lookup[V any](name string) (Codec[V], error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor":
		return NewCBOR[V](false)
	case "cbor-det", "cbor-deterministic":
		return NewCBOR[V](true)
	case "msgpack", "messagepack":
		return Msgpack[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (want one of %s)", name, strings.Join(Names, ", "))
	}
}
