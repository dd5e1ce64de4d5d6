package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/fec"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
	"github.com/jeongseonghan/mimo-ofdm/internal/ofdm"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

type fixture struct {
	grid *ofdm.ResourceGrid
	sm   *mimo.StreamManagement
	c    *modem.Constellation
	link *Link
}

func newFixture(t *testing.T, numStreams, numRxAnt int) *fixture {
	t.Helper()
	grid, err := ofdm.NewResourceGrid(ofdm.ResourceGridConfig{
		NumOFDMSymbols:   3,
		FFTSize:          12,
		NumTx:            1,
		NumStreamsPerTx:  numStreams,
		NumGuardCarriers: [2]int{1, 1},
		DCNull:           true,
		Pilots:           ofdm.PilotConfig{Type: "kronecker", Symbols: []int{0}},
	})
	require.NoError(t, err)
	sm, err := mimo.NewSingleLink(numStreams)
	require.NoError(t, err)
	c, err := modem.NewQAM(2)
	require.NoError(t, err)
	link, err := NewLink(grid, sm, c, numRxAnt, 42)
	require.NoError(t, err)
	return &fixture{grid: grid, sm: sm, c: c, link: link}
}

func (f *fixture) lmmse(t *testing.T, out mimo.Output) *ofdm.Detector {
	t.Helper()
	det, err := ofdm.NewLinearDetector(mimo.EqualizerLMMSE, out, modem.APP, f.c, f.grid, f.sm, ofdm.Options{Workers: 2})
	require.NoError(t, err)
	return det
}

func TestTransmit_Noiseless(t *testing.T) {
	f := newFixture(t, 1, 1)
	bits := f.link.RandomBits(2)
	frame, err := f.link.Transmit(bits, 0, 0)
	require.NoError(t, err)

	d := f.grid.NumDataSymbols()
	assert.Equal(t, tensor.Shape{2, 1, 1, d}, frame.Symbols.Shape())
	assert.Equal(t, tensor.Shape{2, 1, 1, 3, 12}, frame.Y.Shape())
	assert.Equal(t, tensor.Shape{2, 1, 1, 1, 1, 3, 9}, frame.HHat.Shape())
	assert.Equal(t, frame.H.Data(), frame.HHat.Data())

	eff := f.grid.EffectiveSubcarrierIndices()
	fEff := f.grid.NumEffectiveSubcarriers()
	for b := 0; b < 2; b++ {
		for k, pos := range f.grid.DataSymbolIndices(0, 0) {
			s, sc := pos/fEff, pos%fEff
			want := frame.H.At(b, 0, 0, 0, 0, s, sc) * f.c.Point(frame.Symbols.At(b, 0, 0, k))
			assert.Equal(t, want, frame.Y.At(b, 0, 0, s, eff[sc]))
		}
		// guard and DC carry nothing without noise
		assert.Equal(t, complex128(0), frame.Y.At(b, 0, 0, 1, 0))
		assert.Equal(t, complex128(0), frame.Y.At(b, 0, 0, 1, 6))
	}
	for i, sym := range frame.Symbols.Data() {
		assert.Equal(t, f.c.Bit(sym, 0), bits.Data()[2*i])
		assert.Equal(t, f.c.Bit(sym, 1), bits.Data()[2*i+1])
	}
}

func TestTransmit_Errors(t *testing.T) {
	f := newFixture(t, 1, 1)
	_, err := f.link.Transmit(f.link.RandomBits(1), -1, 0)
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = f.link.Transmit(tensor.New[int](1, 1, 1, 3), 0.1, 0)
	assert.ErrorIs(t, err, errs.ErrShape)

	bad := f.link.RandomBits(1)
	bad.Data()[0] = 2
	_, err = f.link.Transmit(bad, 0.1, 0)
	assert.ErrorIs(t, err, errs.ErrShape)

	_, err = NewLink(f.grid, f.sm, f.c, 0, 1)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestRun_HighSNR(t *testing.T) {
	f := newFixture(t, 2, 4)
	res, err := f.link.Run(context.Background(), f.lmmse(t, mimo.Output{Type: mimo.OutputBit}), RunConfig{
		Batches:       2,
		BatchSize:     4,
		NoiseVariance: 1e-4,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*4*2*f.link.BitsPerStream(), res.Bits)
	assert.Equal(t, res.Bits/2, res.Symbols)
	assert.Less(t, res.BER, 1e-3)
}

func TestRun_LowSNR(t *testing.T) {
	f := newFixture(t, 2, 2)
	res, err := f.link.Run(context.Background(), f.lmmse(t, mimo.Output{Type: mimo.OutputSymbol, HardOut: true}), RunConfig{
		Batches:       2,
		BatchSize:     8,
		NoiseVariance: 10,
		ErrVar:        0.5,
	})
	require.NoError(t, err)
	assert.Greater(t, res.BER, 0.05)
	assert.GreaterOrEqual(t, res.SER, res.BER)
}

func TestRun_InvalidConfig(t *testing.T) {
	f := newFixture(t, 1, 1)
	_, err := f.link.Run(context.Background(), f.lmmse(t, mimo.Output{Type: mimo.OutputBit}), RunConfig{Batches: 0, BatchSize: 1})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestScore_OutputKinds(t *testing.T) {
	f := newFixture(t, 1, 1)
	bits := tensor.New[int](1, 1, 1, f.link.BitsPerStream())
	frame := &Frame{Bits: bits}
	d := f.grid.NumDataSymbols()

	// every symbol decided as point 3 (label 11)
	sym := tensor.Full(3, 1, 1, 1, d)
	e, err := f.link.Score(frame, &ofdm.Output{Symbols: sym})
	require.NoError(t, err)
	assert.Equal(t, Errors{Bits: 2 * d, BitErrors: 2 * d, Symbols: d, SymbolErrors: d}, e)
	assert.Equal(t, 1.0, e.BER())

	logits := tensor.New[float64](1, 1, 1, d, 4)
	e, err = f.link.Score(frame, &ofdm.Output{Logits: logits})
	require.NoError(t, err)
	assert.Zero(t, e.BitErrors)

	llr := tensor.Full(-1.0, 1, 1, 1, 2*d)
	llr.Set(2, 0, 0, 0, 1)
	e, err = f.link.Score(frame, &ofdm.Output{Bits: llr})
	require.NoError(t, err)
	assert.Equal(t, 1, e.BitErrors)
	assert.Equal(t, 1, e.SymbolErrors)

	_, err = f.link.Score(frame, &ofdm.Output{})
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestSendPayload(t *testing.T) {
	f := newFixture(t, 3, 4)
	codec, err := fec.NewStreamCodec(3, 1)
	require.NoError(t, err)
	payload := []byte("spatial streams carry Reed-Solomon shards")

	res, err := f.link.SendPayload(context.Background(), f.lmmse(t, mimo.Output{Type: mimo.OutputBit, HardOut: true}),
		codec, payload, 1e-4, 0)
	require.NoError(t, err)
	require.True(t, res.Recovered, res.Failure)
	assert.Equal(t, payload, res.Payload)
	assert.GreaterOrEqual(t, res.BatchSize, 1)
	assert.LessOrEqual(t, len(payload), f.link.MaxPayload(codec, res.BatchSize))
	assert.Greater(t, len(payload), f.link.MaxPayload(codec, res.BatchSize-1))

	wrong, err := fec.NewStreamCodec(4, 1)
	require.NoError(t, err)
	_, err = f.link.SendPayload(context.Background(), f.lmmse(t, mimo.Output{Type: mimo.OutputBit}), wrong, payload, 1e-4, 0)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestErrors_Add(t *testing.T) {
	var e Errors
	assert.Zero(t, e.BER())
	assert.Zero(t, e.SER())
	e.Add(Errors{Bits: 10, BitErrors: 1, Symbols: 5, SymbolErrors: 1})
	e.Add(Errors{Bits: 10, BitErrors: 3, Symbols: 5, SymbolErrors: 2})
	assert.InDelta(t, 0.2, e.BER(), 1e-12)
	assert.InDelta(t, 0.3, e.SER(), 1e-12)
}

func TestEbNoToNoiseVariance(t *testing.T) {
	assert.InDelta(t, 0.5, EbNoToNoiseVariance(0, 2, 1), 1e-12)
	assert.InDelta(t, 0.05, EbNoToNoiseVariance(10, 4, 0.5), 1e-12)
}
