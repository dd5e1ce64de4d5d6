package sim

import (
	"context"
	"fmt"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
	"github.com/jeongseonghan/mimo-ofdm/internal/ofdm"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Errors counts bit and symbol errors.
type Errors struct {
	Bits         int `json:"bits"`
	BitErrors    int `json:"bit_errors"`
	Symbols      int `json:"symbols"`
	SymbolErrors int `json:"symbol_errors"`
}

// Add accumulates o into e.
func (e *Errors) Add(o Errors) {
	e.Bits += o.Bits
	e.BitErrors += o.BitErrors
	e.Symbols += o.Symbols
	e.SymbolErrors += o.SymbolErrors
}

// BER returns the bit error rate, or 0 without bits.
func (e Errors) BER() float64 {
	if e.Bits == 0 {
		return 0
	}
	return float64(e.BitErrors) / float64(e.Bits)
}

// SER returns the symbol error rate, or 0 without symbols.
func (e Errors) SER() float64 {
	if e.Symbols == 0 {
		return 0
	}
	return float64(e.SymbolErrors) / float64(e.Symbols)
}

// HardBits returns the detected bits [B, T, U, D*Q] of out.
func (l *Link) HardBits(out *ofdm.Output) (*tensor.Tensor[int], error) {
	switch {
	case out == nil:
		return nil, errs.Shapef("detector output is empty")
	case out.Bits != nil:
		bits := tensor.New[int](out.Bits.Shape()...)
		for i, v := range out.Bits.Data() {
			if v > 0 {
				bits.Data()[i] = 1
			}
		}
		return bits, nil
	case out.Symbols != nil:
		return l.labels(out.Symbols), nil
	case out.Logits != nil:
		shape := out.Logits.Shape()
		p := l.c.NumPoints()
		if len(shape) != 5 || shape[4] != p {
			return nil, errs.Shapef("logits: shape is %v, want [batch, num_tx, num_streams_per_tx, num_data_symbols, %d]", shape, p)
		}
		sym := tensor.New[int](shape[:4]...)
		ld := out.Logits.Data()
		for i := range sym.Data() {
			sym.Data()[i] = modem.Argmax(ld[i*p : (i+1)*p])
		}
		return l.labels(sym), nil
	}
	return nil, errs.Shapef("detector output is empty")
}

// labels expands symbol indices [B, T, U, D] into their bit labels
// [B, T, U, D*Q].
func (l *Link) labels(sym *tensor.Tensor[int]) *tensor.Tensor[int] {
	q := l.c.BitsPerSymbol()
	shape := sym.Shape()
	bits := tensor.New[int](shape[0], shape[1], shape[2], shape[3]*q)
	for i, s := range sym.Data() {
		for j := 0; j < q; j++ {
			bits.Data()[i*q+j] = l.c.Bit(s, j)
		}
	}
	return bits
}

// Score compares the detector output with the bits f carried.
func (l *Link) Score(f *Frame, out *ofdm.Output) (Errors, error) {
	got, err := l.HardBits(out)
	if err != nil {
		return Errors{}, err
	}
	if !got.Shape().Equal(f.Bits.Shape()) {
		return Errors{}, errs.Shapef("detected bits have shape %v, sent %v", got.Shape(), f.Bits.Shape())
	}
	q := l.c.BitsPerSymbol()
	want, have := f.Bits.Data(), got.Data()
	var e Errors
	for s := 0; s < len(want)/q; s++ {
		wrong := false
		for j := s * q; j < (s+1)*q; j++ {
			if want[j] != have[j] {
				e.BitErrors++
				wrong = true
			}
		}
		if wrong {
			e.SymbolErrors++
		}
	}
	e.Bits = len(want)
	e.Symbols = len(want) / q
	return e, nil
}

// RunConfig selects the operating point of a simulation.
type RunConfig struct {
	Batches       int     `json:"batches" yaml:"batches"`
	BatchSize     int     `json:"batch_size" yaml:"batch_size"`
	NoiseVariance float64 `json:"no" yaml:"no"`
	ErrVar        float64 `json:"err_var" yaml:"err_var"`
}

// Validate checks the operating point.
func (c RunConfig) Validate() error {
	switch {
	case c.Batches < 1:
		return errs.Configf("batches must be positive, got %d", c.Batches)
	case c.BatchSize < 1:
		return errs.Configf("batch_size must be positive, got %d", c.BatchSize)
	case c.NoiseVariance < 0:
		return errs.Configf("no must be non-negative, got %g", c.NoiseVariance)
	case c.ErrVar < 0:
		return errs.Configf("err_var must be non-negative, got %g", c.ErrVar)
	}
	return nil
}

// Result is the outcome of one simulation run.
type Result struct {
	RunConfig
	Errors
	BER float64 `json:"ber"`
	SER float64 `json:"ser"`
}

// Run transmits cfg.Batches random batches and scores the detector.
func (l *Link) Run(ctx context.Context, det Detector, cfg RunConfig) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{RunConfig: cfg}
	for i := 0; i < cfg.Batches; i++ {
		f, err := l.Transmit(l.RandomBits(cfg.BatchSize), cfg.NoiseVariance, cfg.ErrVar)
		if err != nil {
			return Result{}, err
		}
		out, err := det.Detect(ctx, f.Y, f.HHat, f.ErrVar, f.No)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", i, err)
		}
		e, err := l.Score(f, out)
		if err != nil {
			return Result{}, err
		}
		res.Errors.Add(e)
	}
	res.BER, res.SER = res.Errors.BER(), res.Errors.SER()
	return res, nil
}
