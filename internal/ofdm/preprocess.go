package ofdm

import (
	"fmt"
	"math/cmplx"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Observation holds the per resource element detector inputs of every
// receiver. RE is short for (batch, rx, ofdm symbol, effective subcarrier).
type Observation struct {
	// Y is [batch, num_rx, num_ofdm_symbols, num_effective_subcarriers, num_rx_ant].
	Y *tensor.Tensor[complex128]
	// H is [batch, num_rx, num_ofdm_symbols, num_effective_subcarriers,
	// num_rx_ant, num_streams_per_rx], the channels of the detected streams.
	H *tensor.Tensor[complex128]
	// S is [batch, num_rx, num_ofdm_symbols, num_effective_subcarriers,
	// num_rx_ant, num_rx_ant], the noise-plus-interference covariance.
	S *tensor.Tensor[complex128]
}

// NumResourceElements returns batch*num_rx*num_ofdm_symbols*num_effective_subcarriers.
func (o *Observation) NumResourceElements() int {
	return o.Y.Shape()[:4].NumElements()
}

// Preprocessor turns full-grid observations and channel estimates into
// per resource element detector inputs.
type Preprocessor struct {
	grid   *ResourceGrid
	sm     *mimo.StreamManagement
	filter *RemoveNulledSubcarriers
}

// NewPreprocessor returns a preprocessor for grid and sm.
func NewPreprocessor(grid *ResourceGrid, sm *mimo.StreamManagement) (*Preprocessor, error) {
	if err := checkCompatible(grid, sm); err != nil {
		return nil, err
	}
	return &Preprocessor{grid: grid, sm: sm, filter: NewRemoveNulledSubcarriers(grid)}, nil
}

// Preprocess validates and aligns the inputs:
//
//	y        [batch, num_rx, num_rx_ant, num_ofdm_symbols, fft_size]
//	hHat     [batch, num_rx, num_rx_ant, num_tx, num_streams_per_tx,
//	          num_ofdm_symbols, num_effective_subcarriers]
//	errVar   broadcastable to hHat
//	no       broadcastable to [batch, num_rx, num_rx_ant]; lower rank
//	         tensors are extended with trailing dimensions first
//
// The covariance of every resource element is
// S = H_u H_uᴴ + diag(no) + diag(Σ err_var), where H_u holds the channels of
// the undesired streams and the error variance is summed over all
// transmitted streams.
func (p *Preprocessor) Preprocess(y, hHat *tensor.Tensor[complex128], errVar, no *tensor.Tensor[float64]) (*Observation, error) {
	switch {
	case y == nil:
		return nil, errs.Shapef("%s is required", "y")
	case hHat == nil:
		return nil, errs.Shapef("%s is required", "h_hat")
	case errVar == nil:
		return nil, errs.Shapef("%s is required", "err_var")
	case no == nil:
		return nil, errs.Shapef("%s is required", "no")
	}
	g, sm := p.grid, p.sm
	if err := checkShape("y", y.Shape(), []dim{
		{"batch", -1},
		{"num_rx", sm.NumRx()},
		{"num_rx_ant", -1},
		{"num_ofdm_symbols", g.NumOFDMSymbols()},
		{"fft_size", g.FFTSize()},
	}); err != nil {
		return nil, err
	}
	b, r, a := y.Dim(0), y.Dim(1), y.Dim(2)
	if err := checkShape("h_hat", hHat.Shape(), []dim{
		{"batch", b},
		{"num_rx", r},
		{"num_rx_ant", a},
		{"num_tx", sm.NumTx()},
		{"num_streams_per_tx", sm.NumStreamsPerTx()},
		{"num_ofdm_symbols", g.NumOFDMSymbols()},
		{"num_effective_subcarriers", g.NumEffectiveSubcarriers()},
	}); err != nil {
		return nil, err
	}
	errB, err := errVar.BroadcastTo(hHat.Shape())
	if err != nil {
		return nil, fmt.Errorf("err_var: %w", err)
	}
	if no.Rank() > 3 {
		return nil, fmt.Errorf("no: %w", errs.Shapef("rank is %d, want at most 3", no.Rank()))
	}
	noB, err := no.ExpandToRank(3, -1).BroadcastTo(tensor.Shape{b, r, a})
	if err != nil {
		return nil, fmt.Errorf("no: %w", err)
	}

	// [B, R, A, S, F'] -> [B, R, S, F', A]
	yEff, err := p.filter.Apply(y)
	if err != nil {
		return nil, err
	}
	yObs, err := yEff.Transpose(0, 1, 3, 4, 2)
	if err != nil {
		return nil, err
	}

	hDesired, err := p.gatherStreams(hHat, sm.DesiredIndices(), sm.NumStreamsPerRx())
	if err != nil {
		return nil, err
	}
	var hUndesired *tensor.Tensor[complex128]
	ni := sm.NumInterferingStreamsPerRx()
	if ni > 0 {
		if hUndesired, err = p.gatherStreams(hHat, sm.UndesiredIndices(), ni); err != nil {
			return nil, err
		}
	}

	// [B, R, A, T, U, S, F'] -> [B, R, S, F', A, T, U] -> sum over T, U
	errT, err := errB.Transpose(0, 1, 5, 6, 2, 3, 4)
	if err != nil {
		return nil, err
	}
	errSum, err := errT.SumTrailing(2)
	if err != nil {
		return nil, err
	}

	nS, fEff := g.NumOFDMSymbols(), g.NumEffectiveSubcarriers()
	cov := tensor.New[complex128](b, r, nS, fEff, a, a)
	covData := cov.Data()
	errData := errSum.Data()
	noData := noB.Data()
	var hu []complex128
	if hUndesired != nil {
		hu = hUndesired.Data()
	}
	re := 0
	for ib := 0; ib < b; ib++ {
		for ir := 0; ir < r; ir++ {
			for s := 0; s < nS; s++ {
				for f := 0; f < fEff; f++ {
					c := covData[re*a*a : (re+1)*a*a]
					if hu != nil {
						m := hu[re*a*ni : (re+1)*a*ni]
						for i := 0; i < a; i++ {
							for j := 0; j < a; j++ {
								var acc complex128
								for l := 0; l < ni; l++ {
									acc += m[i*ni+l] * cmplx.Conj(m[j*ni+l])
								}
								c[i*a+j] = acc
							}
						}
					}
					for i := 0; i < a; i++ {
						v := noData[(ib*r+ir)*a+i] + errData[re*a+i]
						c[i*a+i] += complex(v, 0)
					}
					re++
				}
			}
		}
	}
	return &Observation{Y: yObs, H: hDesired, S: cov}, nil
}

// gatherStreams selects streams of hHat by flat (rx, tx, stream) index and
// returns [B, R, S, F', A, n].
func (p *Preprocessor) gatherStreams(hHat *tensor.Tensor[complex128], ind []int, n int) (*tensor.Tensor[complex128], error) {
	// [B, R, A, T, U, S, F'] -> [R, T, U, B, A, S, F']
	h, err := hHat.Transpose(1, 3, 4, 0, 2, 5, 6)
	if err != nil {
		return nil, err
	}
	if h, err = h.FlattenDims(0, 3); err != nil {
		return nil, err
	}
	if h, err = h.Gather(0, ind); err != nil {
		return nil, err
	}
	// [R*n, B, A, S, F'] -> [R, n, B, A, S, F'] -> [B, R, S, F', A, n]
	if h, err = h.SplitDim(0, p.sm.NumRx(), n); err != nil {
		return nil, err
	}
	return h.Transpose(2, 0, 4, 5, 3, 1)
}

func checkCompatible(grid *ResourceGrid, sm *mimo.StreamManagement) error {
	if grid == nil || sm == nil {
		return errs.Configf("resource grid and stream management are required")
	}
	if grid.NumTx() != sm.NumTx() {
		return errs.Configf("resource grid has %d transmitters, stream management %d", grid.NumTx(), sm.NumTx())
	}
	if grid.NumStreamsPerTx() != sm.NumStreamsPerTx() {
		return errs.Configf("resource grid has %d streams per transmitter, stream management %d",
			grid.NumStreamsPerTx(), sm.NumStreamsPerTx())
	}
	return nil
}
