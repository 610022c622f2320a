package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes with encoding/json. The zero value is ready to use.
type JSON[V any] struct {
	// UseNumber decodes numbers inside interface values as json.Number
	// instead of float64, keeping large integers exact.
	UseNumber bool
}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (c JSON[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.UseNumber {
		err := json.Unmarshal(b, &v)
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}
