package mimo

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/linalg"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

// maxHypotheses bounds the exhaustive search table.
const maxHypotheses = 1 << 20

// MLDetector evaluates every joint hypothesis of the transmitted points.
// The metric of hypothesis x is -(y-Hx)ᴴS⁻¹(y-Hx), optionally plus the log
// prior of x. APP demapping marginalizes with log-sum-exp, MaxLog with max.
type MLDetector struct {
	outputSpec
	numStreams int
	// hypotheses[n*numStreams+k] is the point of stream k in hypothesis n
	hypotheses []int
}

// NewMLDetector creates a maximum-likelihood detector for numStreams
// streams.
func NewMLDetector(out Output, method modem.DemappingMethod, numStreams int, c *modem.Constellation) (*MLDetector, error) {
	spec, err := newOutputSpec(out, method, c)
	if err != nil {
		return nil, err
	}
	if numStreams < 1 {
		return nil, errs.Configf("num_streams must be positive, got %d", numStreams)
	}
	p := c.NumPoints()
	total := 1
	for i := 0; i < numStreams; i++ {
		total *= p
		if total > maxHypotheses {
			return nil, errs.Configf("%d streams of %d points exceed %d hypotheses", numStreams, p, maxHypotheses)
		}
	}
	d := &MLDetector{outputSpec: spec, numStreams: numStreams}
	d.hypotheses = make([]int, total*numStreams)
	for n := 0; n < total; n++ {
		rem := n
		for k := numStreams - 1; k >= 0; k-- {
			d.hypotheses[n*numStreams+k] = rem % p
			rem /= p
		}
	}
	return d, nil
}

// Name returns "ml".
func (d *MLDetector) Name() string { return "ml" }

// NumStreams returns the number of streams fixed at construction.
func (d *MLDetector) NumStreams() int { return d.numStreams }

// Detect implements Detector.
func (d *MLDetector) Detect(y []complex128, h, s mat.CMatrix, out []float64) error {
	return d.detect(y, h, s, nil, out)
}

// DetectWithPrior implements PriorDetector.
func (d *MLDetector) DetectWithPrior(y []complex128, h, s mat.CMatrix, prior, out []float64) error {
	if err := checkPrior(prior, d.numStreams, d.PriorWidth()); err != nil {
		return err
	}
	return d.detect(y, h, s, prior, out)
}

func (d *MLDetector) detect(y []complex128, h, s mat.CMatrix, prior, out []float64) error {
	_, k, err := checkDims(y, h, s)
	if err != nil {
		return err
	}
	if k != d.numStreams {
		return errs.Shapef("h has %d streams, detector was built for %d", k, d.numStreams)
	}
	if err := checkOut(out, k, d.Width()); err != nil {
		return err
	}
	yw, hw, err := linalg.Whiten(y, h, s)
	if err != nil {
		return err
	}
	var logPrior [][]float64
	if prior != nil {
		logPrior = d.pointLogPriors(prior, k)
	}

	metrics := d.metrics(yw, hw, logPrior)
	logits := d.streamLogits(metrics)
	w := d.Width()
	for l := 0; l < k; l++ {
		d.emitLogits(logits[l], out[l*w:(l+1)*w])
	}
	return nil
}

// metrics returns the score of every hypothesis in the whitened model.
func (d *MLDetector) metrics(yw []complex128, hw *mat.CDense, logPrior [][]float64) []float64 {
	a, k := hw.Dims()
	points := d.constellation.Points()
	p := len(points)

	// cols[(l*p+q)*a+i] = (hw · e_l · point q)_i
	cols := make([]complex128, k*p*a)
	for l := 0; l < k; l++ {
		for q, pt := range points {
			for i := 0; i < a; i++ {
				cols[(l*p+q)*a+i] = hw.At(i, l) * pt
			}
		}
	}

	total := len(d.hypotheses) / k
	out := make([]float64, total)
	r := make([]complex128, a)
	for n := 0; n < total; n++ {
		copy(r, yw)
		hyp := d.hypotheses[n*k : (n+1)*k]
		var lp float64
		for l, q := range hyp {
			c := cols[(l*p+q)*a : (l*p+q+1)*a]
			for i := range r {
				r[i] -= c[i]
			}
			if logPrior != nil {
				lp += logPrior[l][q]
			}
		}
		var dist float64
		for _, v := range r {
			dist += real(v)*real(v) + imag(v)*imag(v)
		}
		out[n] = -dist + lp
	}
	return out
}

// streamLogits reduces the hypothesis metrics to per-stream point logits.
func (d *MLDetector) streamLogits(metrics []float64) [][]float64 {
	k := d.numStreams
	p := d.constellation.NumPoints()
	logits := make([][]float64, k)
	if d.demapper.Method == modem.MaxLog {
		for l := range logits {
			logits[l] = make([]float64, p)
			for q := range logits[l] {
				logits[l][q] = math.Inf(-1)
			}
		}
		for n, m := range metrics {
			for l, q := range d.hypotheses[n*k : (n+1)*k] {
				if m > logits[l][q] {
					logits[l][q] = m
				}
			}
		}
		return logits
	}

	// log-sum-exp in two passes: per (stream, point) maximum, then sum
	peak := make([][]float64, k)
	for l := range peak {
		peak[l] = make([]float64, p)
		for q := range peak[l] {
			peak[l][q] = math.Inf(-1)
		}
	}
	for n, m := range metrics {
		for l, q := range d.hypotheses[n*k : (n+1)*k] {
			peak[l][q] = math.Max(peak[l][q], m)
		}
	}
	sum := make([][]float64, k)
	for l := range sum {
		sum[l] = make([]float64, p)
	}
	for n, m := range metrics {
		for l, q := range d.hypotheses[n*k : (n+1)*k] {
			if !math.IsInf(peak[l][q], -1) {
				sum[l][q] += math.Exp(m - peak[l][q])
			}
		}
	}
	for l := range logits {
		logits[l] = make([]float64, p)
		for q := range logits[l] {
			if sum[l][q] == 0 {
				logits[l][q] = peak[l][q]
				continue
			}
			logits[l][q] = peak[l][q] + math.Log(sum[l][q])
		}
	}
	return logits
}
