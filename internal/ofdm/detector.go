package ofdm

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Options tune the orchestrators.
type Options struct {
	// Workers bounds the number of goroutines detecting resource elements.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Output holds the detection result of one call. Exactly one field is set:
//
//	Bits     [batch, num_tx, num_streams_per_tx, num_data_symbols*num_bits_per_symbol]
//	         LLRs, or 0/1 values for hard output
//	Logits   [batch, num_tx, num_streams_per_tx, num_data_symbols, num_points]
//	Symbols  [batch, num_tx, num_streams_per_tx, num_data_symbols]
type Output struct {
	Bits    *tensor.Tensor[float64]
	Logits  *tensor.Tensor[float64]
	Symbols *tensor.Tensor[int]
}

// base holds the parts shared by both orchestrators.
type base struct {
	grid    *ResourceGrid
	sm      *mimo.StreamManagement
	pre     *Preprocessor
	layout  *dataLayout
	out     mimo.Output
	width   int
	workers int
}

func newBase(grid *ResourceGrid, sm *mimo.StreamManagement, out mimo.Output, width int, opts Options) (base, error) {
	pre, err := NewPreprocessor(grid, sm)
	if err != nil {
		return base{}, err
	}
	return base{
		grid:    grid,
		sm:      sm,
		pre:     pre,
		layout:  newDataLayout(grid, sm),
		out:     out,
		width:   width,
		workers: opts.workers(),
	}, nil
}

// ResourceGrid returns the resource grid.
func (b *base) ResourceGrid() *ResourceGrid { return b.grid }

// StreamManagement returns the stream management.
func (b *base) StreamManagement() *mimo.StreamManagement { return b.sm }

// detectFunc detects resource element re of obs into out.
type detectFunc func(re int, y []complex128, h, s mat.CMatrix, out []float64) error

// run detects every resource element of obs in parallel and returns the
// detector output [B, R, S, F', Ns, W].
func (b *base) run(ctx context.Context, obs *Observation, detect detectFunc) (*tensor.Tensor[float64], error) {
	shape := obs.Y.Shape()
	a := shape[4]
	ns := b.sm.NumStreamsPerRx()
	numRE := obs.NumResourceElements()
	z := tensor.New[float64](shape[0], shape[1], shape[2], shape[3], ns, b.width)
	if numRE == 0 || a == 0 {
		return z, nil
	}

	yData, hData, sData, zData := obs.Y.Data(), obs.H.Data(), obs.S.Data(), z.Data()
	chunk := (numRE + b.workers - 1) / b.workers
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for start := 0; start < numRE; start += chunk {
		start, end := start, min(start+chunk, numRE)
		g.Go(func() error {
			for re := start; re < end; re++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				y := yData[re*a : (re+1)*a]
				h := mat.NewCDense(a, ns, hData[re*a*ns:(re+1)*a*ns])
				s := mat.NewCDense(a, a, sData[re*a*a:(re+1)*a*a])
				if err := detect(re, y, h, s, zData[re*ns*b.width:(re+1)*ns*b.width]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return z, nil
}

// finish extracts the data symbols of z and shapes them per output mode.
func (b *base) finish(z *tensor.Tensor[float64]) (*Output, error) {
	x, err := b.layout.extract(z)
	if err != nil {
		return nil, err
	}
	switch {
	case b.out.Type == mimo.OutputBit:
		bits, err := x.FlattenDims(3, 2)
		if err != nil {
			return nil, err
		}
		return &Output{Bits: bits}, nil
	case b.out.HardOut:
		sq, err := x.Squeeze(4)
		if err != nil {
			return nil, err
		}
		sym := tensor.New[int](sq.Shape()...)
		for i, v := range sq.Data() {
			sym.Data()[i] = int(v)
		}
		return &Output{Symbols: sym}, nil
	default:
		return &Output{Logits: x}, nil
	}
}

// Detector runs a prior-free MIMO detector over every data resource element.
type Detector struct {
	base
	det mimo.Detector
}

// NewDetector wraps det for grid and sm.
func NewDetector(det mimo.Detector, grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*Detector, error) {
	if det == nil {
		return nil, errs.Configf("detector is required")
	}
	b, err := newBase(grid, sm, det.Output(), det.Width(), opts)
	if err != nil {
		return nil, err
	}
	return &Detector{base: b, det: det}, nil
}

// Name returns the name of the wrapped detector.
func (d *Detector) Name() string { return d.det.Name() }

// Detect runs preprocessing, detection and extraction. See
// Preprocessor.Preprocess for the input shapes.
func (d *Detector) Detect(ctx context.Context, y, hHat *tensor.Tensor[complex128], errVar, no *tensor.Tensor[float64]) (*Output, error) {
	obs, err := d.pre.Preprocess(y, hHat, errVar, no)
	if err != nil {
		return nil, err
	}
	z, err := d.run(ctx, obs, func(_ int, y []complex128, h, s mat.CMatrix, out []float64) error {
		return d.det.Detect(y, h, s, out)
	})
	if err != nil {
		return nil, err
	}
	return d.finish(z)
}

// DetectorWithPrior runs a prior-aware MIMO detector over every data
// resource element.
type DetectorWithPrior struct {
	base
	det        mimo.PriorDetector
	priorWidth int
}

// NewDetectorWithPrior wraps det for grid and sm.
func NewDetectorWithPrior(det mimo.PriorDetector, grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*DetectorWithPrior, error) {
	if det == nil {
		return nil, errs.Configf("detector is required")
	}
	b, err := newBase(grid, sm, det.Output(), det.Width(), opts)
	if err != nil {
		return nil, err
	}
	return &DetectorWithPrior{base: b, det: det, priorWidth: det.PriorWidth()}, nil
}

// Name returns the name of the wrapped detector.
func (d *DetectorWithPrior) Name() string { return d.det.Name() }

// NeutralPrior returns an all-zero prior for batch examples: zero LLRs in
// bit mode and uniform logits in symbol mode.
func (d *DetectorWithPrior) NeutralPrior(batch int) *tensor.Tensor[float64] {
	g := d.grid
	if d.out.Type == mimo.OutputBit {
		return tensor.New[float64](batch, g.NumTx(), g.NumStreamsPerTx(), g.NumDataSymbols()*d.priorWidth)
	}
	return tensor.New[float64](batch, g.NumTx(), g.NumStreamsPerTx(), g.NumDataSymbols(), d.priorWidth)
}

// Detect is Detector.Detect with a prior of shape
// [batch, num_tx, num_streams_per_tx, num_data_symbols*num_bits_per_symbol]
// (bit LLRs) in bit mode or
// [batch, num_tx, num_streams_per_tx, num_data_symbols, num_points]
// (point logits) in symbol mode.
func (d *DetectorWithPrior) Detect(ctx context.Context, y, hHat *tensor.Tensor[complex128], errVar, no, prior *tensor.Tensor[float64]) (*Output, error) {
	if prior == nil {
		return nil, errs.Shapef("prior is required")
	}
	compact, err := d.layout.priorShape(prior, d.out, d.priorWidth)
	if err != nil {
		return nil, err
	}
	obs, err := d.pre.Preprocess(y, hHat, errVar, no)
	if err != nil {
		return nil, err
	}
	if err := checkBatch("prior", compact.Dim(0), obs.Y.Dim(0)); err != nil {
		return nil, err
	}
	full, err := d.layout.scatter(compact)
	if err != nil {
		return nil, err
	}
	pw := d.sm.NumStreamsPerRx() * d.priorWidth
	pData := full.Data()
	z, err := d.run(ctx, obs, func(re int, y []complex128, h, s mat.CMatrix, out []float64) error {
		return d.det.DetectWithPrior(y, h, s, pData[re*pw:(re+1)*pw], out)
	})
	if err != nil {
		return nil, err
	}
	return d.finish(z)
}

// NewLinearDetector returns an orchestrated linear detector.
func NewLinearDetector(eq mimo.Equalizer, out mimo.Output, method modem.DemappingMethod, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*Detector, error) {
	det, err := mimo.NewLinearDetector(eq, out, method, c)
	if err != nil {
		return nil, err
	}
	return NewDetector(det, grid, sm, opts)
}

// NewMaximumLikelihoodDetector returns an orchestrated ML detector for the
// streams of every receiver.
func NewMaximumLikelihoodDetector(out mimo.Output, method modem.DemappingMethod, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*Detector, error) {
	if sm == nil {
		return nil, errs.Configf("stream management is required")
	}
	det, err := mimo.NewMLDetector(out, method, sm.NumStreamsPerRx(), c)
	if err != nil {
		return nil, err
	}
	return NewDetector(det, grid, sm, opts)
}

// NewMaximumLikelihoodDetectorWithPrior returns an orchestrated ML detector
// that accepts a prior.
func NewMaximumLikelihoodDetectorWithPrior(out mimo.Output, method modem.DemappingMethod, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*DetectorWithPrior, error) {
	if sm == nil {
		return nil, errs.Configf("stream management is required")
	}
	det, err := mimo.NewMLDetector(out, method, sm.NumStreamsPerRx(), c)
	if err != nil {
		return nil, err
	}
	return NewDetectorWithPrior(det, grid, sm, opts)
}

// NewKBestDetector returns an orchestrated K-best detector.
func NewKBestDetector(out mimo.Output, k int, useRealRep bool, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*Detector, error) {
	if sm == nil {
		return nil, errs.Configf("stream management is required")
	}
	det, err := mimo.NewKBestDetector(out, sm.NumStreamsPerRx(), k, useRealRep, c)
	if err != nil {
		return nil, err
	}
	return NewDetector(det, grid, sm, opts)
}

// NewEPDetector returns an orchestrated expectation propagation detector.
func NewEPDetector(out mimo.Output, l int, beta float64, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*Detector, error) {
	det, err := mimo.NewEPDetector(out, l, beta, c)
	if err != nil {
		return nil, err
	}
	return NewDetector(det, grid, sm, opts)
}

// NewMMSEPICDetector returns an orchestrated MMSE-PIC detector.
func NewMMSEPICDetector(out mimo.Output, method modem.DemappingMethod, numIter int, c *modem.Constellation,
	grid *ResourceGrid, sm *mimo.StreamManagement, opts Options) (*DetectorWithPrior, error) {
	det, err := mimo.NewMMSEPICDetector(out, method, numIter, c)
	if err != nil {
		return nil, err
	}
	return NewDetectorWithPrior(det, grid, sm, opts)
}
