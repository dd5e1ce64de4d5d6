package ofdm

import (
	"strings"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Pilot patterns decide which resource elements of every stream carry
// known pilot symbols instead of data. Positions are given on the
// effective grid (OFDM symbol, effective subcarrier).

// PilotValue is the known pilot symbol (BPSK +1).
var PilotValue = complex(1, 0)

// PilotPattern defines the pilot positions and values of every stream.
type PilotPattern interface {
	// Name identifies the pattern.
	Name() string
	// IsPilot reports whether the resource element carries a pilot for
	// stream (tx, stream).
	IsPilot(tx, stream, symbol, subcarrier int) bool
	// Value returns the pilot transmitted by stream (tx, stream) at a pilot
	// position. A zero value leaves the position silent for that stream.
	Value(tx, stream, symbol, subcarrier int) complex128
}

// EmptyPilotPattern carries data on every effective resource element.
type EmptyPilotPattern struct{}

// Name returns "empty".
func (EmptyPilotPattern) Name() string { return "empty" }

// IsPilot always returns false.
func (EmptyPilotPattern) IsPilot(int, int, int, int) bool { return false }

// Value always returns 0.
func (EmptyPilotPattern) Value(int, int, int, int) complex128 { return 0 }

// KroneckerPilotPattern reserves whole OFDM symbols for pilots. The
// subcarriers of a pilot symbol are shared round robin between all
// streams, so pilots of different streams never overlap.
type KroneckerPilotPattern struct {
	Symbols         []int
	NumTx           int
	NumStreamsPerTx int
}

// Name returns "kronecker".
func (p KroneckerPilotPattern) Name() string { return "kronecker" }

// IsPilot reports whether symbol is a pilot symbol.
func (p KroneckerPilotPattern) IsPilot(_, _, symbol, _ int) bool {
	for _, s := range p.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Value returns PilotValue on the subcarriers owned by the stream and 0 on
// the others.
func (p KroneckerPilotPattern) Value(tx, stream, _, subcarrier int) complex128 {
	total := p.NumTx * p.NumStreamsPerTx
	if subcarrier%total == tx*p.NumStreamsPerTx+stream {
		return PilotValue
	}
	return 0
}

// CombPilotPattern places a pilot on every Spacing-th effective subcarrier
// of every OFDM symbol. The comb of stream n is offset by n (mod Spacing),
// as in a pilot layout evenly spaced across the data band.
type CombPilotPattern struct {
	Spacing         int
	NumStreamsPerTx int
}

// Name returns "comb".
func (p CombPilotPattern) Name() string { return "comb" }

func (p CombPilotPattern) offset(tx, stream int) int {
	return (tx*p.NumStreamsPerTx + stream) % p.Spacing
}

// IsPilot reports whether subcarrier lies on the comb of the stream.
func (p CombPilotPattern) IsPilot(tx, stream, _, subcarrier int) bool {
	return subcarrier%p.Spacing == p.offset(tx, stream)
}

// Value returns PilotValue.
func (p CombPilotPattern) Value(int, int, int, int) complex128 { return PilotValue }

// PilotConfig selects a pilot pattern by name.
type PilotConfig struct {
	Type    string `yaml:"type"`
	Symbols []int  `yaml:"symbols"`
	Spacing int    `yaml:"spacing"`
}

// NewPilotPattern builds the pattern described by cfg for numTx transmitters
// with numStreamsPerTx streams each.
func NewPilotPattern(cfg PilotConfig, numTx, numStreamsPerTx int) (PilotPattern, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "empty":
		return EmptyPilotPattern{}, nil
	case "kronecker":
		if len(cfg.Symbols) == 0 {
			return nil, errs.Configf("kronecker pilot pattern needs at least one pilot symbol")
		}
		return KroneckerPilotPattern{Symbols: append([]int(nil), cfg.Symbols...), NumTx: numTx, NumStreamsPerTx: numStreamsPerTx}, nil
	case "comb":
		if cfg.Spacing < 2 {
			return nil, errs.Configf("comb pilot spacing must be at least 2, got %d", cfg.Spacing)
		}
		return CombPilotPattern{Spacing: cfg.Spacing, NumStreamsPerTx: numStreamsPerTx}, nil
	}
	return nil, errs.Configf("unknown pilot pattern %q", cfg.Type)
}
