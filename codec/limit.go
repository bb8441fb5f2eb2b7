package codec

import "fmt"

// Limit bounds payload sizes around another codec. Decode refuses inputs
// longer than MaxDecode without calling Inner, which protects readers of a
// shared cache; Encode refuses outputs longer than MaxEncode. Zero disables
// a bound.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
	MaxEncode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("encode %d > %d bytes: %w", len(b), c.MaxEncode, ErrTooLarge)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("decode %d > %d bytes: %w", len(b), c.MaxDecode, ErrTooLarge)
	}
	return c.Inner.Decode(b)
}
