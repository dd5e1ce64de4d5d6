package mimo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/linalg"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

var (
	softBits    = Output{Type: OutputBit}
	hardBits    = Output{Type: OutputBit, HardOut: true}
	softSymbols = Output{Type: OutputSymbol}
	hardSymbols = Output{Type: OutputSymbol, HardOut: true}
)

func qam(t *testing.T, q int) *modem.Constellation {
	t.Helper()
	c, err := modem.NewQAM(q)
	require.NoError(t, err)
	return c
}

func scaledIdentity(n int, v float64) *mat.CDense {
	m := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, complex(v, 0))
	}
	return m
}

// link draws a random channel and transmitted points and returns the
// received vector for noise covariance no*I.
type link struct {
	h   *mat.CDense
	x   []int
	y   []complex128
	cov *mat.CDense
}

func randomLink(rng *rand.Rand, c *modem.Constellation, a, k int, no float64) link {
	h := mat.NewCDense(a, k, nil)
	for i := 0; i < a; i++ {
		for j := 0; j < k; j++ {
			h.Set(i, j, complex(rng.NormFloat64(), rng.NormFloat64())*complex(math.Sqrt(0.5), 0))
		}
	}
	x := make([]int, k)
	sym := make([]complex128, k)
	for j := range x {
		x[j] = rng.Intn(c.NumPoints())
		sym[j] = c.Point(x[j])
	}
	y := linalg.MulVec(h, sym)
	sd := math.Sqrt(no / 2)
	for i := range y {
		y[i] += complex(sd*rng.NormFloat64(), sd*rng.NormFloat64())
	}
	return link{h: h, x: x, y: y, cov: scaledIdentity(a, no)}
}

func TestLinear_IdentityChannelRoundTrip(t *testing.T) {
	c := qam(t, 4)
	h := scaledIdentity(1, 1)
	s := scaledIdentity(1, 0)
	for _, eq := range []Equalizer{EqualizerLMMSE, EqualizerZF, EqualizerMF} {
		d, err := NewLinearDetector(eq, hardSymbols, modem.APP, c)
		require.NoError(t, err)
		require.Equal(t, 1, d.Width())
		for i, p := range c.Points() {
			out := make([]float64, 1)
			require.NoError(t, d.Detect([]complex128{p}, h, s, out))
			assert.Equal(t, float64(i), out[0], "%s point %d", eq, i)
		}
	}
}

func TestLinear_ZeroNoiseSaturates(t *testing.T) {
	c := qam(t, 2)
	d, err := NewLinearDetector(EqualizerLMMSE, softBits, modem.APP, c)
	require.NoError(t, err)

	for i, p := range c.Points() {
		out := make([]float64, 2)
		require.NoError(t, d.Detect([]complex128{p}, scaledIdentity(1, 1), scaledIdentity(1, 0), out))
		for j, llr := range out {
			require.False(t, math.IsNaN(llr))
			if c.Bit(i, j) == 1 {
				assert.Greater(t, llr, 1e6)
			} else {
				assert.Less(t, llr, -1e6)
			}
		}
	}
}

func TestLinear_EqualizersAgreeOnOrthogonalChannel(t *testing.T) {
	c := qam(t, 4)
	h := mat.NewCDense(2, 2, []complex128{1, 0, 0, complex(0, 2)})
	s := scaledIdentity(2, 1e-3)
	y := []complex128{c.Point(3), complex(0, 2) * c.Point(9)}

	for _, eq := range []Equalizer{EqualizerLMMSE, EqualizerZF, EqualizerMF} {
		xHat, noEff, err := eq.Equalize(y, h, s)
		require.NoError(t, err)
		assert.InDelta(t, real(c.Point(3)), real(xHat[0]), 1e-9, eq.String())
		assert.InDelta(t, imag(c.Point(9)), imag(xHat[1]), 1e-9, eq.String())
		assert.InDelta(t, 1e-3, noEff[0], 1e-6, eq.String())
		assert.InDelta(t, 1e-3/4, noEff[1], 1e-6, eq.String())
	}
}

func TestLinear_MFIncludesInterStreamInterference(t *testing.T) {
	h := mat.NewCDense(2, 2, []complex128{1, 0.5, 0, 1})
	_, noEff, err := EqualizerMF.Equalize([]complex128{0, 0}, h, scaledIdentity(2, 0))
	require.NoError(t, err)
	// stream 0 sees 0.5 of stream 1 through the matched filter
	assert.InDelta(t, 0.25, noEff[0], 1e-12)
}

func TestLinear_ShapeErrors(t *testing.T) {
	d, err := NewLinearDetector(EqualizerZF, softBits, modem.MaxLog, qam(t, 2))
	require.NoError(t, err)
	h := mat.NewCDense(2, 1, []complex128{1, 1})

	err = d.Detect([]complex128{1}, h, scaledIdentity(2, 1), make([]float64, 2))
	assert.ErrorIs(t, err, errs.ErrShape)
	err = d.Detect([]complex128{1, 1}, h, scaledIdentity(1, 1), make([]float64, 2))
	assert.ErrorIs(t, err, errs.ErrShape)
	err = d.Detect([]complex128{1, 1}, h, scaledIdentity(2, 1), make([]float64, 3))
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestML_MatchesKBestWithFullList(t *testing.T) {
	c := qam(t, 2)
	rng := rand.New(rand.NewSource(7))

	ml, err := NewMLDetector(softBits, modem.MaxLog, 2, c)
	require.NoError(t, err)
	kb, err := NewKBestDetector(softBits, 2, 16, false, c)
	require.NoError(t, err)
	kbReal, err := NewKBestDetector(softBits, 2, 16, true, c)
	require.NoError(t, err)

	for trial := 0; trial < 20; trial++ {
		l := randomLink(rng, c, 3, 2, 0.5)
		want := make([]float64, 4)
		require.NoError(t, ml.Detect(l.y, l.h, l.cov, want))
		got := make([]float64, 4)
		require.NoError(t, kb.Detect(l.y, l.h, l.cov, got))
		assert.InDeltaSlice(t, want, got, 1e-9, "trial %d", trial)
		require.NoError(t, kbReal.Detect(l.y, l.h, l.cov, got))
		assert.InDeltaSlice(t, want, got, 1e-9, "trial %d real", trial)
	}
}

func TestML_NeutralPriorLeavesLLRsUnchanged(t *testing.T) {
	c := qam(t, 4)
	rng := rand.New(rand.NewSource(8))
	d, err := NewMLDetector(softBits, modem.APP, 2, c)
	require.NoError(t, err)
	l := randomLink(rng, c, 2, 2, 0.2)

	plain := make([]float64, 8)
	require.NoError(t, d.Detect(l.y, l.h, l.cov, plain))
	withPrior := make([]float64, 8)
	require.NoError(t, d.DetectWithPrior(l.y, l.h, l.cov, make([]float64, 8), withPrior))
	assert.InDeltaSlice(t, plain, withPrior, 1e-9)

	err = d.DetectWithPrior(l.y, l.h, l.cov, make([]float64, 7), withPrior)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestML_StrongPriorWins(t *testing.T) {
	c := qam(t, 2)
	d, err := NewMLDetector(hardSymbols, modem.MaxLog, 1, c)
	require.NoError(t, err)
	prior := []float64{-50, -50, 50, -50}

	out := make([]float64, 1)
	// observation exactly on point 0 with a noisy channel
	require.NoError(t, d.DetectWithPrior([]complex128{c.Point(0)}, scaledIdentity(1, 1), scaledIdentity(1, 1), prior, out))
	assert.Equal(t, 2.0, out[0])
}

func TestML_HardDecisionsAtHighSNR(t *testing.T) {
	c := qam(t, 4)
	rng := rand.New(rand.NewSource(9))
	sym, err := NewMLDetector(hardSymbols, modem.APP, 2, c)
	require.NoError(t, err)
	bits, err := NewMLDetector(hardBits, modem.APP, 2, c)
	require.NoError(t, err)

	for trial := 0; trial < 10; trial++ {
		l := randomLink(rng, c, 4, 2, 1e-4)
		out := make([]float64, 2)
		require.NoError(t, sym.Detect(l.y, l.h, l.cov, out))
		assert.Equal(t, []float64{float64(l.x[0]), float64(l.x[1])}, out)

		hb := make([]float64, 8)
		require.NoError(t, bits.Detect(l.y, l.h, l.cov, hb))
		for k := 0; k < 2; k++ {
			for j, b := range c.Label(l.x[k]) {
				assert.Equal(t, float64(b), hb[k*4+j])
			}
		}
	}
}

func TestML_SymbolLogitsReduceToLLRs(t *testing.T) {
	c := qam(t, 2)
	rng := rand.New(rand.NewSource(10))
	l := randomLink(rng, c, 2, 2, 0.3)

	for _, method := range []modem.DemappingMethod{modem.APP, modem.MaxLog} {
		bitDet, err := NewMLDetector(softBits, method, 2, c)
		require.NoError(t, err)
		symDet, err := NewMLDetector(softSymbols, method, 2, c)
		require.NoError(t, err)

		llr := make([]float64, 4)
		require.NoError(t, bitDet.Detect(l.y, l.h, l.cov, llr))
		logits := make([]float64, 8)
		require.NoError(t, symDet.Detect(l.y, l.h, l.cov, logits))

		dm := modem.NewDemapper(method, c)
		for k := 0; k < 2; k++ {
			got := make([]float64, 2)
			dm.LLRsFromLogits(logits[k*4:(k+1)*4], got)
			assert.InDeltaSlice(t, llr[k*2:(k+1)*2], got, 1e-9)
		}
	}
}

func TestKBest_SmallListStillDecodesAtHighSNR(t *testing.T) {
	c := qam(t, 4)
	rng := rand.New(rand.NewSource(11))
	for _, useRealRep := range []bool{false, true} {
		d, err := NewKBestDetector(hardSymbols, 2, 4, useRealRep, c)
		require.NoError(t, err)
		for trial := 0; trial < 10; trial++ {
			l := randomLink(rng, c, 4, 2, 1e-4)
			out := make([]float64, 2)
			require.NoError(t, d.Detect(l.y, l.h, l.cov, out))
			assert.Equal(t, []float64{float64(l.x[0]), float64(l.x[1])}, out)
		}
	}
}

func TestKBest_MissingBitsAreClipped(t *testing.T) {
	c := qam(t, 2)
	d, err := NewKBestDetector(softBits, 1, 1, false, c)
	require.NoError(t, err)
	out := make([]float64, 2)
	require.NoError(t, d.Detect([]complex128{c.Point(1)}, scaledIdentity(1, 1), scaledIdentity(1, 0.1), out))
	// point 1 has label 01
	assert.Equal(t, []float64{-KBestLLRClip, KBestLLRClip}, out)

	sd, err := NewKBestDetector(softSymbols, 1, 2, false, c)
	require.NoError(t, err)
	logits := make([]float64, 4)
	require.NoError(t, sd.Detect([]complex128{c.Point(1)}, scaledIdentity(1, 1), scaledIdentity(1, 0.1), logits))
	assert.Equal(t, 1, modem.Argmax(logits))
	assert.InDelta(t, logits[1]-KBestLLRClip, logits[2], 1e-12)
}

func TestKBest_ConfigAndShapeErrors(t *testing.T) {
	c := qam(t, 2)
	_, err := NewKBestDetector(softBits, 2, 0, false, c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewKBestDetector(softBits, 2, 17, false, c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	pam, err := modem.NewPAM(2)
	require.NoError(t, err)
	_, err = NewKBestDetector(softBits, 1, 2, true, pam)
	assert.ErrorIs(t, err, errs.ErrConfig)

	d, err := NewKBestDetector(softBits, 2, 4, false, c)
	require.NoError(t, err)
	h := mat.NewCDense(1, 2, []complex128{1, 1})
	err = d.Detect([]complex128{1}, h, scaledIdentity(1, 1), make([]float64, 4))
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestEP_HardDecisionsAtHighSNR(t *testing.T) {
	c := qam(t, 4)
	rng := rand.New(rand.NewSource(12))
	d, err := NewEPDetector(hardSymbols, DefaultEPIterations, DefaultEPBeta, c)
	require.NoError(t, err)
	for trial := 0; trial < 10; trial++ {
		l := randomLink(rng, c, 4, 2, 1e-3)
		out := make([]float64, 2)
		require.NoError(t, d.Detect(l.y, l.h, l.cov, out))
		assert.Equal(t, []float64{float64(l.x[0]), float64(l.x[1])}, out, "trial %d", trial)
	}
}

func TestEP_SoftBitsHaveCorrectSign(t *testing.T) {
	c := qam(t, 2)
	h := mat.NewCDense(2, 2, []complex128{1, complex(0, 0.3), 0.2, 0.9})
	x := []int{2, 1}
	y := linalg.MulVec(h, []complex128{c.Point(x[0]), c.Point(x[1])})

	d, err := NewEPDetector(softBits, 5, 0.5, c)
	require.NoError(t, err)
	out := make([]float64, 4)
	require.NoError(t, d.Detect(y, h, scaledIdentity(2, 0.01), out))
	for k := range x {
		for j, b := range c.Label(x[k]) {
			assert.False(t, math.IsNaN(out[k*2+j]))
			if b == 1 {
				assert.Greater(t, out[k*2+j], 0.0)
			} else {
				assert.Less(t, out[k*2+j], 0.0)
			}
		}
	}
}

func TestEP_ConfigErrors(t *testing.T) {
	c := qam(t, 2)
	_, err := NewEPDetector(softBits, 0, 0.5, c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewEPDetector(softBits, 3, 1.5, c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewEPDetector(softBits, 3, math.NaN(), c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	pam, err := modem.NewPAM(1)
	require.NoError(t, err)
	_, err = NewEPDetector(softBits, 3, 0.5, pam)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestMMSEPIC_SingleIterationEqualsLMMSE(t *testing.T) {
	c := qam(t, 4)
	rng := rand.New(rand.NewSource(13))
	for _, out := range []Output{softBits, softSymbols} {
		lin, err := NewLinearDetector(EqualizerLMMSE, out, modem.APP, c)
		require.NoError(t, err)
		pic, err := NewMMSEPICDetector(out, modem.APP, 1, c)
		require.NoError(t, err)

		for trial := 0; trial < 5; trial++ {
			l := randomLink(rng, c, 3, 2, 0.1)
			want := make([]float64, 2*lin.Width())
			require.NoError(t, lin.Detect(l.y, l.h, l.cov, want))
			got := make([]float64, 2*pic.Width())
			neutral := make([]float64, 2*pic.PriorWidth())
			require.NoError(t, pic.DetectWithPrior(l.y, l.h, l.cov, neutral, got))
			assert.InDeltaSlice(t, want, got, 1e-6)
		}
	}
}

func TestMMSEPIC_CancellationWithCorrectPrior(t *testing.T) {
	c := qam(t, 2)
	// strongly coupled streams
	h := mat.NewCDense(2, 2, []complex128{1, 0.9, 0.9, 1})
	x := []int{0, 3}
	y := linalg.MulVec(h, []complex128{c.Point(x[0]), c.Point(x[1])})
	s := scaledIdentity(2, 0.05)

	prior := make([]float64, 4)
	for k := range x {
		for j, b := range c.Label(x[k]) {
			prior[k*2+j] = 4 * (2*float64(b) - 1)
		}
	}
	one, err := NewMMSEPICDetector(softBits, modem.APP, 1, c)
	require.NoError(t, err)
	three, err := NewMMSEPICDetector(softBits, modem.APP, 3, c)
	require.NoError(t, err)

	llr1 := make([]float64, 4)
	require.NoError(t, one.DetectWithPrior(y, h, s, prior, llr1))
	llr3 := make([]float64, 4)
	require.NoError(t, three.DetectWithPrior(y, h, s, prior, llr3))
	for i, p := range prior {
		assert.Equal(t, p > 0, llr1[i] > 0)
		assert.Equal(t, p > 0, llr3[i] > 0)
	}
}

func TestMMSEPIC_Errors(t *testing.T) {
	c := qam(t, 2)
	_, err := NewMMSEPICDetector(softBits, modem.APP, 0, c)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewMMSEPICDetector(softBits, modem.DemappingMethod(7), 1, c)
	assert.ErrorIs(t, err, errs.ErrConfig)

	d, err := NewMMSEPICDetector(softSymbols, modem.MaxLog, 2, c)
	require.NoError(t, err)
	assert.Equal(t, 4, d.PriorWidth())
	err = d.DetectWithPrior([]complex128{1}, scaledIdentity(1, 1), scaledIdentity(1, 1), make([]float64, 2), make([]float64, 4))
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestParseOptions(t *testing.T) {
	eq, err := ParseEqualizer("ZF")
	require.NoError(t, err)
	assert.Equal(t, EqualizerZF, eq)
	_, err = ParseEqualizer("dfe")
	assert.ErrorIs(t, err, errs.ErrConfig)

	o, err := ParseOutputType("symbol")
	require.NoError(t, err)
	assert.Equal(t, OutputSymbol, o)
	_, err = ParseOutputType("soft")
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = NewLinearDetector(Equalizer(9), softBits, modem.APP, qam(t, 2))
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewLinearDetector(EqualizerZF, softBits, modem.APP, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
	_, err = NewMLDetector(softBits, modem.APP, 0, qam(t, 2))
	assert.ErrorIs(t, err, errs.ErrConfig)
}
