// Package sim generates link-level traffic for the detectors. Random bits
// are mapped onto the resource grid, sent through an i.i.d. Rayleigh
// block-fading channel with additive white Gaussian noise, and the detector
// output is scored against what was sent.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
	"github.com/jeongseonghan/mimo-ofdm/internal/ofdm"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Detector is the prior-free detection call the simulator drives.
type Detector interface {
	Detect(ctx context.Context, y, hHat *tensor.Tensor[complex128], errVar, no *tensor.Tensor[float64]) (*ofdm.Output, error)
}

// Link holds the transmitter and channel model of one configuration. It is
// safe for concurrent use.
type Link struct {
	grid     *ofdm.ResourceGrid
	sm       *mimo.StreamManagement
	c        *modem.Constellation
	mapper   *ofdm.ResourceGridMapper
	numRxAnt int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLink creates a link with numRxAnt antennas per receiver whose random
// source is seeded with seed.
func NewLink(grid *ofdm.ResourceGrid, sm *mimo.StreamManagement, c *modem.Constellation, numRxAnt int, seed int64) (*Link, error) {
	if grid == nil || sm == nil || c == nil {
		return nil, errs.Configf("resource grid, stream management and constellation are required")
	}
	if numRxAnt < 1 {
		return nil, errs.Configf("num_rx_ant must be positive, got %d", numRxAnt)
	}
	if grid.NumTx() != sm.NumTx() || grid.NumStreamsPerTx() != sm.NumStreamsPerTx() {
		return nil, errs.Configf("resource grid carries %dx%d streams, stream management %dx%d",
			grid.NumTx(), grid.NumStreamsPerTx(), sm.NumTx(), sm.NumStreamsPerTx())
	}
	return &Link{
		grid:     grid,
		sm:       sm,
		c:        c,
		mapper:   ofdm.NewResourceGridMapper(grid),
		numRxAnt: numRxAnt,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// NumRxAnt returns the number of antennas per receiver.
func (l *Link) NumRxAnt() int { return l.numRxAnt }

// BitsPerStream returns the number of bits one stream carries per batch
// example.
func (l *Link) BitsPerStream() int { return l.grid.NumDataSymbols() * l.c.BitsPerSymbol() }

// Frame is one transmitted batch together with the receiver inputs.
type Frame struct {
	// Bits is [batch, num_tx, num_streams_per_tx, num_data_symbols*num_bits_per_symbol].
	Bits *tensor.Tensor[int]
	// Symbols is [batch, num_tx, num_streams_per_tx, num_data_symbols].
	Symbols *tensor.Tensor[int]
	// Y is [batch, num_rx, num_rx_ant, num_ofdm_symbols, fft_size].
	Y *tensor.Tensor[complex128]
	// H is the true channel and HHat its estimate, both
	// [batch, num_rx, num_rx_ant, num_tx, num_streams_per_tx,
	// num_ofdm_symbols, num_effective_subcarriers].
	H, HHat *tensor.Tensor[complex128]
	// ErrVar and No are scalars.
	ErrVar, No *tensor.Tensor[float64]
}

// RandomBits draws uniformly distributed bits for batch examples.
func (l *Link) RandomBits(batch int) *tensor.Tensor[int] {
	bits := tensor.New[int](batch, l.sm.NumTx(), l.sm.NumStreamsPerTx(), l.BitsPerStream())
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range bits.Data() {
		bits.Data()[i] = l.rng.Intn(2)
	}
	return bits
}

// Transmit sends bits over a fresh channel realization per batch example.
// The channel is constant over the grid; no is the noise variance per
// complex receive sample and errVar the variance of the channel estimation
// error added to h_hat.
func (l *Link) Transmit(bits *tensor.Tensor[int], no, errVar float64) (*Frame, error) {
	if no < 0 || errVar < 0 {
		return nil, errs.Configf("noise variance %g and estimation error variance %g must be non-negative", no, errVar)
	}
	g, sm := l.grid, l.sm
	q := l.c.BitsPerSymbol()
	shape := bits.Shape()
	if len(shape) != 4 || shape[1] != sm.NumTx() || shape[2] != sm.NumStreamsPerTx() || shape[3] != l.BitsPerStream() {
		return nil, errs.Shapef("bits: shape is %v, want [batch, %d, %d, %d]",
			shape, sm.NumTx(), sm.NumStreamsPerTx(), l.BitsPerStream())
	}
	b := shape[0]
	d := g.NumDataSymbols()

	symbols := tensor.New[int](b, sm.NumTx(), sm.NumStreamsPerTx(), d)
	points := tensor.New[complex128](symbols.Shape()...)
	bd := bits.Data()
	for i := range symbols.Data() {
		idx := 0
		for _, v := range bd[i*q : (i+1)*q] {
			if v != 0 && v != 1 {
				return nil, errs.Shapef("bits: value %d is not a bit", v)
			}
			idx = idx<<1 | v
		}
		symbols.Data()[i] = idx
		points.Data()[i] = l.c.Point(idx)
	}
	x, err := l.mapper.Map(points)
	if err != nil {
		return nil, err
	}

	r, a := sm.NumRx(), l.numRxAnt
	t, u := sm.NumTx(), sm.NumStreamsPerTx()
	nS, fft, fEff := g.NumOFDMSymbols(), g.FFTSize(), g.NumEffectiveSubcarriers()
	h := tensor.New[complex128](b, r, a, t, u, nS, fEff)
	hHat := tensor.New[complex128](h.Shape()...)
	y := tensor.New[complex128](b, r, a, nS, fft)

	l.mu.Lock()
	defer l.mu.Unlock()
	coef := make([]complex128, t*u)
	for ib := 0; ib < b; ib++ {
		for ir := 0; ir < r; ir++ {
			for ia := 0; ia < a; ia++ {
				for i := range coef {
					coef[i] = l.cn(1)
				}
				for s := 0; s < nS; s++ {
					for k := 0; k < fft; k++ {
						acc := l.cn(no)
						for i, hc := range coef {
							acc += hc * x.At(ib, i/u, i%u, s, k)
						}
						y.Set(acc, ib, ir, ia, s, k)
					}
					for f := 0; f < fEff; f++ {
						for i, hc := range coef {
							h.Set(hc, ib, ir, ia, i/u, i%u, s, f)
							hHat.Set(hc+l.cn(errVar), ib, ir, ia, i/u, i%u, s, f)
						}
					}
				}
			}
		}
	}
	return &Frame{
		Bits:    bits,
		Symbols: symbols,
		Y:       y,
		H:       h,
		HHat:    hHat,
		ErrVar:  tensor.Full(errVar),
		No:      tensor.Full(no),
	}, nil
}

// cn draws a circularly symmetric complex Gaussian sample of variance v.
// The caller holds l.mu.
func (l *Link) cn(v float64) complex128 {
	if v == 0 {
		return 0
	}
	sd := math.Sqrt(v / 2)
	return complex(sd*l.rng.NormFloat64(), sd*l.rng.NormFloat64())
}

// EbNoToNoiseVariance converts Eb/N0 in dB into the noise variance per
// complex sample for unit energy symbols carrying bitsPerSymbol bits at the
// given code rate.
func EbNoToNoiseVariance(ebNoDB float64, bitsPerSymbol int, codeRate float64) float64 {
	return 1 / (math.Pow(10, ebNoDB/10) * float64(bitsPerSymbol) * codeRate)
}
