package ofdm

import (
	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// RemoveNulledSubcarriers drops the guard and DC subcarriers from the last
// axis of a full-band tensor.
type RemoveNulledSubcarriers struct {
	grid *ResourceGrid
}

// NewRemoveNulledSubcarriers returns the subcarrier filter of grid.
func NewRemoveNulledSubcarriers(grid *ResourceGrid) *RemoveNulledSubcarriers {
	return &RemoveNulledSubcarriers{grid: grid}
}

// Apply returns x[..., effective subcarriers].
func (r *RemoveNulledSubcarriers) Apply(x *tensor.Tensor[complex128]) (*tensor.Tensor[complex128], error) {
	if x.Rank() == 0 || x.Dim(-1) != r.grid.FFTSize() {
		return nil, errs.Shapef("last dimension (fft_size) of %v must be %d", x.Shape(), r.grid.FFTSize())
	}
	return x.Gather(x.Rank()-1, r.grid.EffectiveSubcarrierIndices())
}

// ResourceGridMapper places data symbols and pilots onto the full grid.
type ResourceGridMapper struct {
	grid *ResourceGrid
}

// NewResourceGridMapper returns the mapper of grid.
func NewResourceGridMapper(grid *ResourceGrid) *ResourceGridMapper {
	return &ResourceGridMapper{grid: grid}
}

// Map maps x [batch, num_tx, num_streams_per_tx, num_data_symbols] onto a
// [batch, num_tx, num_streams_per_tx, num_ofdm_symbols, fft_size] grid.
// Guard and DC subcarriers stay zero.
func (m *ResourceGridMapper) Map(x *tensor.Tensor[complex128]) (*tensor.Tensor[complex128], error) {
	g := m.grid
	want := []dim{
		{"batch", -1},
		{"num_tx", g.NumTx()},
		{"num_streams_per_tx", g.NumStreamsPerTx()},
		{"num_data_symbols", g.NumDataSymbols()},
	}
	if err := checkShape("x", x.Shape(), want); err != nil {
		return nil, err
	}
	b := x.Dim(0)
	numS, fft, fEff := g.NumOFDMSymbols(), g.FFTSize(), g.NumEffectiveSubcarriers()
	eff := g.EffectiveSubcarrierIndices()
	out := tensor.New[complex128](b, g.NumTx(), g.NumStreamsPerTx(), numS, fft)
	pilots := g.PilotPattern()
	for i := 0; i < b; i++ {
		for t := 0; t < g.NumTx(); t++ {
			for u := 0; u < g.NumStreamsPerTx(); u++ {
				for s := 0; s < numS; s++ {
					for f, k := range eff {
						if pilots.IsPilot(t, u, s, f) {
							out.Set(pilots.Value(t, u, s, f), i, t, u, s, k)
						}
					}
				}
				for d, pos := range g.DataSymbolIndices(t, u) {
					out.Set(x.At(i, t, u, d), i, t, u, pos/fEff, eff[pos%fEff])
				}
			}
		}
	}
	return out, nil
}

// dim names one expected dimension; size -1 accepts any size.
type dim struct {
	name string
	size int
}

// checkShape verifies that shape matches want exactly and names the first
// offending dimension.
func checkShape(tensorName string, shape tensor.Shape, want []dim) error {
	if len(shape) != len(want) {
		return errs.Shapef("%s: rank is %d, want %d %v", tensorName, len(shape), len(want), dimNames(want))
	}
	for i, w := range want {
		if w.size >= 0 && shape[i] != w.size {
			return errs.Shapef("%s: dimension %d (%s) is %d, want %d", tensorName, i, w.name, shape[i], w.size)
		}
	}
	return nil
}

func dimNames(want []dim) []string {
	names := make([]string, len(want))
	for i, w := range want {
		names[i] = w.name
	}
	return names
}
