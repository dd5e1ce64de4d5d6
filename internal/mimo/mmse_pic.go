package mimo

import (
	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

// MMSEPICDetector performs linear MMSE detection with parallel interference
// cancellation. Soft symbols derived from the prior (and, after the first
// iteration, from the detector's own output) are subtracted from the
// observation before every stream is re-equalized. The output is extrinsic:
// the prior is not added to the returned LLRs or logits.
type MMSEPICDetector struct {
	outputSpec
	numIter int
}

// NewMMSEPICDetector creates an MMSE-PIC detector running numIter >= 1
// iterations.
func NewMMSEPICDetector(out Output, method modem.DemappingMethod, numIter int, c *modem.Constellation) (*MMSEPICDetector, error) {
	spec, err := newOutputSpec(out, method, c)
	if err != nil {
		return nil, err
	}
	if numIter < 1 {
		return nil, errs.Configf("num_iter must be at least 1, got %d", numIter)
	}
	return &MMSEPICDetector{outputSpec: spec, numIter: numIter}, nil
}

// Name returns "mmse-pic".
func (d *MMSEPICDetector) Name() string { return "mmse-pic" }

// DetectWithPrior implements PriorDetector.
func (d *MMSEPICDetector) DetectWithPrior(y []complex128, h, s mat.CMatrix, prior, out []float64) error {
	_, k, err := checkDims(y, h, s)
	if err != nil {
		return err
	}
	if err := checkOut(out, k, d.Width()); err != nil {
		return err
	}
	if err := checkPrior(prior, k, d.PriorWidth()); err != nil {
		return err
	}

	logPrior := d.pointLogPriors(prior, k)
	xBar := make([]complex128, k)
	v := make([]float64, k)
	for l := range xBar {
		xBar[l], v[l] = d.constellation.SoftSymbol(logPrior[l])
	}

	p := d.constellation.NumPoints()
	extrinsic := make([][]float64, k)
	for l := range extrinsic {
		extrinsic[l] = make([]float64, p)
	}
	posterior := make([]float64, p)
	for it := 0; it < d.numIter; it++ {
		xHat, noEff, err := softLMMSE(y, h, s, xBar, v)
		if err != nil {
			return err
		}
		for l := range xHat {
			d.demapper.Logits(xHat[l], noEff[l], nil, extrinsic[l])
		}
		if it == d.numIter-1 {
			break
		}
		for l := range xBar {
			for q := range posterior {
				posterior[q] = extrinsic[l][q] + logPrior[l][q]
			}
			xBar[l], v[l] = d.constellation.SoftSymbol(posterior)
		}
	}

	w := d.Width()
	for l := 0; l < k; l++ {
		d.emitLogits(extrinsic[l], out[l*w:(l+1)*w])
	}
	return nil
}
