package ofdm

import (
	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// dataLayout holds the gather and scatter plans between the per receiver
// detector layout and the per transmitter data symbol layout.
type dataLayout struct {
	grid *ResourceGrid
	sm   *mimo.StreamManagement
	// rxOrder[n] is the flat (tx, stream) index detected at receiver
	// ordered position n; the inverse of the stream permutation.
	rxOrder []int
}

func newDataLayout(grid *ResourceGrid, sm *mimo.StreamManagement) *dataLayout {
	perm := sm.StreamPermutation()
	rxOrder := make([]int, len(perm))
	for ts, pos := range perm {
		rxOrder[pos] = ts
	}
	return &dataLayout{grid: grid, sm: sm, rxOrder: rxOrder}
}

// extract reorders z [B, R, S, F', Ns, W] into [B, T, U, D, W], keeping only
// the data positions of every stream.
func (l *dataLayout) extract(z *tensor.Tensor[float64]) (*tensor.Tensor[float64], error) {
	g, sm := l.grid, l.sm
	w := z.Dim(-1)
	if err := checkShape("z", z.Shape(), []dim{
		{"batch", -1},
		{"num_rx", sm.NumRx()},
		{"num_ofdm_symbols", g.NumOFDMSymbols()},
		{"num_effective_subcarriers", g.NumEffectiveSubcarriers()},
		{"num_streams_per_rx", sm.NumStreamsPerRx()},
		{"width", w},
	}); err != nil {
		return nil, err
	}
	b := z.Dim(0)

	// [B, R, S, F', Ns, W] -> [R, Ns, S, F', W, B] -> [R*Ns, S, F', W, B]
	t, err := z.Transpose(1, 4, 2, 3, 5, 0)
	if err != nil {
		return nil, err
	}
	if t, err = t.FlattenDims(0, 2); err != nil {
		return nil, err
	}
	// receiver order -> (tx, stream) order
	if t, err = t.Gather(0, sm.StreamPermutation()); err != nil {
		return nil, err
	}
	// [T*U, S*F', W*B]
	numRE := g.NumOFDMSymbols() * g.NumEffectiveSubcarriers()
	if t, err = t.Reshape(sm.NumTx()*sm.NumStreamsPerTx(), numRE, w*b); err != nil {
		return nil, err
	}

	// per stream gather of the data positions -> [T, U, D, W, B]
	d := g.NumDataSymbols()
	out := tensor.New[float64](sm.NumTx(), sm.NumStreamsPerTx(), d, w, b)
	src, dst := t.Data(), out.Data()
	block := w * b
	for tx := 0; tx < sm.NumTx(); tx++ {
		for u := 0; u < sm.NumStreamsPerTx(); u++ {
			ts := tx*sm.NumStreamsPerTx() + u
			for k, pos := range g.DataSymbolIndices(tx, u) {
				copy(dst[(ts*d+k)*block:(ts*d+k+1)*block], src[(ts*numRE+pos)*block:(ts*numRE+pos+1)*block])
			}
		}
	}
	return out.Transpose(4, 0, 1, 2, 3)
}

// scatter places a compact prior [B, T, U, D, W] onto the detector layout
// [B, R, S, F', Ns, W]. Every receiver receives the prior of the streams it
// detects; non-data positions are zero.
func (l *dataLayout) scatter(prior *tensor.Tensor[float64]) (*tensor.Tensor[float64], error) {
	g, sm := l.grid, l.sm
	b, w := prior.Dim(0), prior.Dim(-1)
	numTS := sm.NumTx() * sm.NumStreamsPerTx()
	d := g.NumDataSymbols()
	nS, fEff := g.NumOFDMSymbols(), g.NumEffectiveSubcarriers()
	numRE := nS * fEff

	// [B, T, U, D, W] -> [T, U, D, B, W]
	t, err := prior.Transpose(1, 2, 3, 0, 4)
	if err != nil {
		return nil, err
	}
	full := tensor.New[float64](numTS, numRE, b, w)
	src, dst := t.Data(), full.Data()
	block := b * w
	for tx := 0; tx < sm.NumTx(); tx++ {
		for u := 0; u < sm.NumStreamsPerTx(); u++ {
			ts := tx*sm.NumStreamsPerTx() + u
			for k, pos := range g.DataSymbolIndices(tx, u) {
				copy(dst[(ts*numRE+pos)*block:(ts*numRE+pos+1)*block], src[(ts*d+k)*block:(ts*d+k+1)*block])
			}
		}
	}

	// (tx, stream) order -> receiver order: [R*Ns, S*F', B, W]
	if full, err = full.Gather(0, l.rxOrder); err != nil {
		return nil, err
	}
	if full, err = full.Reshape(sm.NumRx(), sm.NumStreamsPerRx(), nS, fEff, b, w); err != nil {
		return nil, err
	}
	// [R, Ns, S, F', B, W] -> [B, R, S, F', Ns, W]
	return full.Transpose(4, 0, 2, 3, 1, 5)
}

// priorShape returns the compact prior [B, T, U, D, W] from the user layout:
// [B, T, U, D*Q] in bit mode or [B, T, U, D, P] in symbol mode.
func (l *dataLayout) priorShape(prior *tensor.Tensor[float64], out mimo.Output, width int) (*tensor.Tensor[float64], error) {
	g := l.grid
	d := g.NumDataSymbols()
	if out.Type == mimo.OutputBit {
		if err := checkShape("prior", prior.Shape(), []dim{
			{"batch", -1},
			{"num_tx", g.NumTx()},
			{"num_streams_per_tx", g.NumStreamsPerTx()},
			{"num_data_bits", d * width},
		}); err != nil {
			return nil, err
		}
		return prior.Reshape(prior.Dim(0), g.NumTx(), g.NumStreamsPerTx(), d, width)
	}
	if err := checkShape("prior", prior.Shape(), []dim{
		{"batch", -1},
		{"num_tx", g.NumTx()},
		{"num_streams_per_tx", g.NumStreamsPerTx()},
		{"num_data_symbols", d},
		{"num_points", width},
	}); err != nil {
		return nil, err
	}
	return prior, nil
}

func checkBatch(name string, got, want int) error {
	if got != want {
		return errs.Shapef("%s: dimension 0 (batch) is %d, want %d", name, got, want)
	}
	return nil
}
