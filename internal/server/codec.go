package server

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/ofdm"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// TensorJSON is the wire form of a tensor. Complex tensors use Real and Imag,
// real and integer tensors use Data. A scalar has an empty shape and one
// element.
type TensorJSON struct {
	Shape []int     `json:"shape"`
	Real  []float64 `json:"real,omitempty"`
	Imag  []float64 `json:"imag,omitempty"`
	Data  []float64 `json:"data,omitempty"`
}

// Complex decodes t as a complex tensor.
func (t *TensorJSON) Complex(name string) (*tensor.Tensor[complex128], error) {
	if t == nil {
		return nil, errs.Shapef("%s is required", name)
	}
	if len(t.Real) != len(t.Imag) {
		return nil, errs.Shapef("%s: %d real and %d imaginary parts", name, len(t.Real), len(t.Imag))
	}
	data := make([]complex128, len(t.Real))
	for i := range data {
		data[i] = complex(t.Real[i], t.Imag[i])
	}
	out, err := tensor.FromSlice(data, t.Shape...)
	if err != nil {
		return nil, errs.Shapef("%s: %v", name, err)
	}
	return out, nil
}

// Float decodes t as a real tensor.
func (t *TensorJSON) Float(name string) (*tensor.Tensor[float64], error) {
	if t == nil {
		return nil, errs.Shapef("%s is required", name)
	}
	out, err := tensor.FromSlice(append([]float64(nil), t.Data...), t.Shape...)
	if err != nil {
		return nil, errs.Shapef("%s: %v", name, err)
	}
	return out, nil
}

func encodeFloat(t *tensor.Tensor[float64]) TensorJSON {
	return TensorJSON{Shape: t.Shape(), Data: t.Data()}
}

func encodeInt(t *tensor.Tensor[int]) TensorJSON {
	data := make([]float64, t.Len())
	for i, v := range t.Data() {
		data[i] = float64(v)
	}
	return TensorJSON{Shape: t.Shape(), Data: data}
}

// encodeOutput returns the kind of out ("bits", "logits" or "symbols") and
// its wire form.
func encodeOutput(out *ofdm.Output) (string, TensorJSON) {
	switch {
	case out.Bits != nil:
		return "bits", encodeFloat(out.Bits)
	case out.Logits != nil:
		return "logits", encodeFloat(out.Logits)
	default:
		return "symbols", encodeInt(out.Symbols)
	}
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
