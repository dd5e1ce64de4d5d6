package mimo

import (
	"math"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/linalg"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

// Equalizer selects the linear equalization filter.
type Equalizer int

const (
	EqualizerLMMSE Equalizer = iota
	EqualizerZF
	EqualizerMF
)

// String returns the equalizer name.
func (e Equalizer) String() string {
	switch e {
	case EqualizerLMMSE:
		return "lmmse"
	case EqualizerZF:
		return "zf"
	case EqualizerMF:
		return "mf"
	default:
		return "unknown"
	}
}

// ParseEqualizer parses "lmmse", "zf" or "mf".
func ParseEqualizer(s string) (Equalizer, error) {
	switch strings.ToLower(s) {
	case "lmmse":
		return EqualizerLMMSE, nil
	case "zf":
		return EqualizerZF, nil
	case "mf":
		return EqualizerMF, nil
	}
	return 0, errs.Configf("unknown equalizer %q", s)
}

// Equalize applies the equalizer to one resource element and returns the
// per-stream symbol estimates and effective noise variances.
func (e Equalizer) Equalize(y []complex128, h, s mat.CMatrix) ([]complex128, []float64, error) {
	switch e {
	case EqualizerLMMSE:
		return equalizeLMMSE(y, h, s)
	case EqualizerZF:
		return equalizeZF(y, h, s)
	case EqualizerMF:
		return equalizeMF(y, h, s)
	}
	return nil, nil, errs.Configf("unknown equalizer %d", e)
}

// LinearDetector equalizes with a closed-form filter and demaps every stream
// with its effective noise variance.
type LinearDetector struct {
	outputSpec
	equalizer Equalizer
}

// NewLinearDetector creates a linear detector.
func NewLinearDetector(eq Equalizer, out Output, method modem.DemappingMethod, c *modem.Constellation) (*LinearDetector, error) {
	if eq != EqualizerLMMSE && eq != EqualizerZF && eq != EqualizerMF {
		return nil, errs.Configf("unknown equalizer %d", eq)
	}
	spec, err := newOutputSpec(out, method, c)
	if err != nil {
		return nil, err
	}
	return &LinearDetector{outputSpec: spec, equalizer: eq}, nil
}

// Name returns the equalizer name.
func (d *LinearDetector) Name() string { return d.equalizer.String() }

// Detect implements Detector.
func (d *LinearDetector) Detect(y []complex128, h, s mat.CMatrix, out []float64) error {
	_, k, err := checkDims(y, h, s)
	if err != nil {
		return err
	}
	w := d.Width()
	if err := checkOut(out, k, w); err != nil {
		return err
	}
	xHat, noEff, err := d.equalizer.Equalize(y, h, s)
	if err != nil {
		return err
	}
	d.demapStreams(xHat, noEff, out)
	return nil
}

func (o *outputSpec) demapStreams(xHat []complex128, noEff, out []float64) {
	w := o.Width()
	logits := make([]float64, o.constellation.NumPoints())
	for i, x := range xHat {
		o.demapper.Logits(x, noEff[i], nil, logits)
		o.emitLogits(logits, out[i*w:(i+1)*w])
	}
}

// equalizeLMMSE computes x̂ = diag(GH)⁻¹ G y with G = Hᴴ(HHᴴ + S)⁻¹.
func equalizeLMMSE(y []complex128, h, s mat.CMatrix) ([]complex128, []float64, error) {
	_, k := h.Dims()
	zero := make([]complex128, k)
	one := make([]float64, k)
	for i := range one {
		one[i] = 1
	}
	return softLMMSE(y, h, s, zero, one)
}

// softLMMSE is the unbiased MMSE estimate of every stream given the mean
// xBar and variance v of the transmitted symbols:
//
//	Σ   = H diag(v) Hᴴ + S
//	x̂_k = h_kᴴ Σ⁻¹ (y - H x̄ + h_k x̄_k) / (h_kᴴ Σ⁻¹ h_k)
//	σ²_k = 1/(h_kᴴ Σ⁻¹ h_k) - v_k
func softLMMSE(y []complex128, h, s mat.CMatrix, xBar []complex128, v []float64) ([]complex128, []float64, error) {
	a, k := h.Dims()
	sigma := mat.NewCDense(a, a, nil)
	for i := 0; i < a; i++ {
		for j := 0; j < a; j++ {
			acc := s.At(i, j)
			for l := 0; l < k; l++ {
				acc += complex(v[l], 0) * h.At(i, l) * cmplx.Conj(h.At(j, l))
			}
			sigma.Set(i, j, acc)
		}
	}
	sigmaInv, err := linalg.Inverse(sigma)
	if err != nil {
		return nil, nil, err
	}
	// residual after cancelling every stream's mean
	res := append([]complex128(nil), y...)
	hx := linalg.MulVec(h, xBar)
	for i := range res {
		res[i] -= hx[i]
	}
	// f = Hᴴ Σ⁻¹ holds the filter rows
	f := linalg.Mul(h.H(), sigmaInv)

	xHat := make([]complex128, k)
	noEff := make([]float64, k)
	for l := 0; l < k; l++ {
		var gain, est complex128
		for i := 0; i < a; i++ {
			gain += f.At(l, i) * h.At(i, l)
			est += f.At(l, i) * (res[i] + h.At(i, l)*xBar[l])
		}
		g := real(gain)
		if g <= 0 {
			return nil, nil, errs.Singularf("stream %d has no received energy", l)
		}
		xHat[l] = est / complex(g, 0)
		noEff[l] = 1/g - v[l]
	}
	return xHat, noEff, nil
}

// equalizeZF computes x̂ = (HᴴH)⁻¹Hᴴ y and the noise variances diag(G S Gᴴ).
func equalizeZF(y []complex128, h, s mat.CMatrix) ([]complex128, []float64, error) {
	gram := linalg.Mul(h.H(), h)
	gramInv, err := linalg.Inverse(gram)
	if err != nil {
		return nil, nil, err
	}
	g := linalg.Mul(gramInv, h.H())
	noise := linalg.Mul(linalg.Mul(g, s), g.H())
	return linalg.MulVec(g, y), clampDiag(noise), nil
}

// equalizeMF computes x̂ = D⁻¹Hᴴ y with D = diag(HᴴH). The effective noise
// includes the residual inter-stream interference:
// diag((GH - I)(GH - I)ᴴ + G S Gᴴ).
func equalizeMF(y []complex128, h, s mat.CMatrix) ([]complex128, []float64, error) {
	a, k := h.Dims()
	g := mat.NewCDense(k, a, nil)
	for l := 0; l < k; l++ {
		var d float64
		for i := 0; i < a; i++ {
			v := h.At(i, l)
			d += real(v)*real(v) + imag(v)*imag(v)
		}
		if d == 0 {
			return nil, nil, errs.Singularf("stream %d has no received energy", l)
		}
		for i := 0; i < a; i++ {
			g.Set(l, i, cmplx.Conj(h.At(i, l))/complex(d, 0))
		}
	}
	e := linalg.Mul(g, h)
	for l := 0; l < k; l++ {
		e.Set(l, l, e.At(l, l)-1)
	}
	cov := linalg.OuterSum(e)
	noise := linalg.Mul(linalg.Mul(g, s), g.H())
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			cov.Set(i, j, cov.At(i, j)+noise.At(i, j))
		}
	}
	return linalg.MulVec(g, y), clampDiag(cov), nil
}

func clampDiag(m mat.CMatrix) []float64 {
	d := linalg.Diag(m)
	for i, v := range d {
		d[i] = math.Max(v, 0)
	}
	return d
}
