package mimo

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/linalg"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

const (
	// DefaultEPIterations is the default number of EP iterations.
	DefaultEPIterations = 10
	// DefaultEPBeta is the default EP update smoothing.
	DefaultEPBeta = 0.9

	epMinVariance  = 1e-9
	epMinPrecision = 1e-9
)

// EPDetector runs expectation propagation on the real-valued equivalent
// of the whitened model. Every real dimension carries one PAM symbol of
// the QAM constellation.
type EPDetector struct {
	outputSpec
	numIter int
	beta    float64
	pam     *modem.PAM
	es      float64
}

// NewEPDetector creates an EP detector running numIter iterations with
// update smoothing beta in [0, 1]. The constellation must be QAM.
func NewEPDetector(out Output, numIter int, beta float64, c *modem.Constellation) (*EPDetector, error) {
	spec, err := newOutputSpec(out, modem.APP, c)
	if err != nil {
		return nil, err
	}
	if numIter < 1 {
		return nil, errs.Configf("l must be at least 1, got %d", numIter)
	}
	if !(beta >= 0 && beta <= 1) {
		return nil, errs.Configf("beta must lie in [0, 1], got %g", beta)
	}
	pam, err := c.PAM()
	if err != nil {
		return nil, errs.Configf("ep: %v", err)
	}
	var es float64
	for _, lv := range pam.Levels {
		es += lv * lv
	}
	es /= float64(len(pam.Levels))
	return &EPDetector{outputSpec: spec, numIter: numIter, beta: beta, pam: pam, es: es}, nil
}

// Name returns "ep".
func (d *EPDetector) Name() string { return "ep" }

// Detect implements Detector.
func (d *EPDetector) Detect(y []complex128, h, s mat.CMatrix, out []float64) error {
	_, k, err := checkDims(y, h, s)
	if err != nil {
		return err
	}
	if err := checkOut(out, k, d.Width()); err != nil {
		return err
	}
	yw, hw, err := linalg.Whiten(y, h, s)
	if err != nil {
		return err
	}
	levelLogits, err := d.run(yw, hw)
	if err != nil {
		return err
	}

	w := d.Width()
	logits := make([]float64, d.constellation.NumPoints())
	for l := 0; l < k; l++ {
		for p := range logits {
			logits[p] = levelLogits[l][d.pam.Re[p]] + levelLogits[k+l][d.pam.Im[p]]
		}
		d.emitLogits(logits, out[l*w:(l+1)*w])
	}
	return nil
}

// run returns, per real dimension, the logits of the PAM levels under the
// final cavity distribution.
func (d *EPDetector) run(yw []complex128, hw *mat.CDense) ([][]float64, error) {
	hr := linalg.RealRep(hw)
	yr := mat.NewVecDense(2*len(yw), linalg.RealVec(yw))
	_, n := hr.Dims()
	// whitened complex noise has variance 1/2 per real dimension
	const noise = 0.5

	var gram mat.SymDense
	gram.SymOuterK(1/noise, hr.T())
	var hty mat.VecDense
	hty.MulVec(hr.T(), yr)
	hty.ScaleVec(1/noise, &hty)

	lambda := make([]float64, n)
	gamma := make([]float64, n)
	for i := range lambda {
		lambda[i] = 1 / d.es
	}
	levels := d.pam.Levels
	logits := make([][]float64, n)
	for i := range logits {
		logits[i] = make([]float64, len(levels))
	}
	prob := make([]float64, len(levels))

	for it := 0; it < d.numIter; it++ {
		// Gaussian posterior of the linear model with the current site terms
		prec := mat.NewSymDense(n, nil)
		prec.CopySym(&gram)
		for i := 0; i < n; i++ {
			prec.SetSym(i, i, prec.At(i, i)+lambda[i])
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(prec); !ok {
			return nil, errs.Singularf("ep: posterior precision is not positive definite")
		}
		var cov mat.SymDense
		if err := chol.InverseTo(&cov); err != nil {
			return nil, errs.Singularf("ep: %v", err)
		}
		rhs := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			rhs.SetVec(i, hty.AtVec(i)+gamma[i])
		}
		var mu mat.VecDense
		mu.MulVec(&cov, rhs)

		for i := 0; i < n; i++ {
			s2 := cov.At(i, i)
			// cavity: remove the site term of dimension i
			precC := 1/s2 - lambda[i]
			if !(precC > epMinPrecision) {
				precC = epMinPrecision
			}
			vc := 1 / precC
			mc := vc * (mu.AtVec(i)/s2 - gamma[i])

			// moments of the tilted distribution over the discrete levels
			for j, lv := range levels {
				logits[i][j] = -(lv - mc) * (lv - mc) / (2 * vc)
			}
			modem.LogSoftmax(logits[i], prob)
			var mp, second float64
			for j, lv := range levels {
				p := math.Exp(prob[j])
				mp += p * lv
				second += p * lv * lv
			}
			vp := math.Max(second-mp*mp, epMinVariance)

			lamNew := 1/vp - 1/vc
			gamNew := mp/vp - mc/vc
			if lamNew < 0 {
				continue
			}
			lambda[i] = d.beta*lamNew + (1-d.beta)*lambda[i]
			gamma[i] = d.beta*gamNew + (1-d.beta)*gamma[i]
		}
	}
	return logits, nil
}
