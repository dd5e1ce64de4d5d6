package modem

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

func TestParseDemappingMethod(t *testing.T) {
	m, err := ParseDemappingMethod("APP")
	require.NoError(t, err)
	assert.Equal(t, APP, m)
	m, err = ParseDemappingMethod("maxlog")
	require.NoError(t, err)
	assert.Equal(t, MaxLog, m)
	_, err = ParseDemappingMethod("exact")
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestDemapper_LLRSignsMatchLabel(t *testing.T) {
	c := mustQAM(t, 4)
	for _, method := range []DemappingMethod{APP, MaxLog} {
		d := NewDemapper(method, c)
		llr := make([]float64, 4)
		for i, p := range c.Points() {
			d.LLRs(p, 0.01, nil, llr)
			for j, v := range llr {
				if c.Bit(i, j) == 1 {
					assert.Greater(t, v, 0.0, "%s point %d bit %d", method, i, j)
				} else {
					assert.Less(t, v, 0.0, "%s point %d bit %d", method, i, j)
				}
			}
		}
	}
}

func TestDemapper_ZeroNoiseSaturates(t *testing.T) {
	c := mustQAM(t, 2)
	d := NewDemapper(APP, c)
	llr := make([]float64, 2)
	d.LLRs(c.Point(2), 0, nil, llr)

	assert.False(t, math.IsNaN(llr[0]) || math.IsNaN(llr[1]))
	assert.Greater(t, llr[0], 1e6)
	assert.Less(t, llr[1], -1e6)
}

func TestDemapper_MaxLogBPSKIsExact(t *testing.T) {
	c, err := NewPAM(1)
	require.NoError(t, err)
	x := complex(0.3, 0)
	no := 0.5

	// bit 0 -> -1, bit 1 -> +1: LLR = 4x/no for BPSK
	for _, method := range []DemappingMethod{APP, MaxLog} {
		llr := make([]float64, 1)
		NewDemapper(method, c).LLRs(x, no, nil, llr)
		assert.InDelta(t, 4*real(x)/no, llr[0], 1e-12)
	}
}

func TestDemapper_PriorShiftsLLR(t *testing.T) {
	c, err := NewPAM(1)
	require.NoError(t, err)
	d := NewDemapper(APP, c)

	plain := make([]float64, 1)
	withPrior := make([]float64, 1)
	d.LLRs(complex(0.3, 0), 0.5, nil, plain)
	d.LLRs(complex(0.3, 0), 0.5, []float64{1.5}, withPrior)
	assert.InDelta(t, plain[0]+1.5, withPrior[0], 1e-12)
}

func TestDemapper_LLRsFromLogits(t *testing.T) {
	c := mustQAM(t, 4)
	d := NewDemapper(APP, c)
	x := complex(0.2, -0.7)

	direct := make([]float64, 4)
	d.LLRs(x, 0.3, nil, direct)

	logits := make([]float64, c.NumPoints())
	d.Logits(x, 0.3, nil, logits)
	viaLogits := make([]float64, 4)
	d.LLRsFromLogits(logits, viaLogits)

	assert.InDeltaSlice(t, direct, viaLogits, 1e-12)
}

func TestBitPriorLogits_Normalized(t *testing.T) {
	c := mustQAM(t, 4)
	out := make([]float64, c.NumPoints())
	c.BitPriorLogits([]float64{0.5, -2, 3, 0}, out)

	var total float64
	for _, v := range out {
		total += math.Exp(v)
	}
	assert.InDelta(t, 1.0, total, 1e-12)
}

func TestSoftSymbol(t *testing.T) {
	c := mustQAM(t, 2)
	uniform := make([]float64, 4)
	mean, v := c.SoftSymbol(uniform)
	assert.InDelta(t, 0, real(mean), 1e-12)
	assert.InDelta(t, 0, imag(mean), 1e-12)
	assert.InDelta(t, 1, v, 1e-12)

	certain := []float64{-1000, -1000, 0, -1000}
	mean, v = c.SoftSymbol(certain)
	assert.InDelta(t, real(c.Point(2)), real(mean), 1e-9)
	assert.InDelta(t, 0, v, 1e-9)
}

func TestLogSoftmaxAndSigmoid(t *testing.T) {
	out := make([]float64, 3)
	LogSoftmax([]float64{1, 2, 3}, out)
	var total float64
	for _, v := range out {
		total += math.Exp(v)
	}
	assert.InDelta(t, 1.0, total, 1e-12)
	assert.Equal(t, 2, Argmax(out))

	assert.InDelta(t, math.Log(0.5), LogSigmoid(0), 1e-15)
	assert.InDelta(t, -800.0, LogSigmoid(-800), 1e-9)
	assert.InDelta(t, 0, LogSigmoid(800), 1e-15)

	hard := make([]float64, 3)
	HardBits([]float64{-1, 0, 2}, hard)
	assert.Equal(t, []float64{0, 0, 1}, hard)
}
