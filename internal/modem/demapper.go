package modem

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// MinNoiseVariance is the smallest noise variance the demapper divides by.
// A zero noise variance therefore yields very large, but finite, LLRs.
const MinNoiseVariance = 1e-10

// DemappingMethod selects how symbol likelihoods are combined into LLRs.
type DemappingMethod int

const (
	// APP marginalizes over all points (log-sum-exp).
	APP DemappingMethod = iota
	// MaxLog keeps only the best point per hypothesis (max).
	MaxLog
)

// String returns the method name.
func (m DemappingMethod) String() string {
	switch m {
	case APP:
		return "app"
	case MaxLog:
		return "maxlog"
	default:
		return "unknown"
	}
}

// ParseDemappingMethod parses "app" or "maxlog".
func ParseDemappingMethod(s string) (DemappingMethod, error) {
	switch strings.ToLower(s) {
	case "app":
		return APP, nil
	case "maxlog":
		return MaxLog, nil
	}
	return 0, errs.Configf("unknown demapping method %q", s)
}

// Reduce combines log-domain values: log-sum-exp for APP, max for MaxLog.
func (m DemappingMethod) Reduce(v []float64) float64 {
	if len(v) == 0 {
		return math.Inf(-1)
	}
	if m == MaxLog {
		return floats.Max(v)
	}
	return floats.LogSumExp(v)
}

// Demapper computes soft information about the bits or points of a
// constellation. It is safe for concurrent use.
type Demapper struct {
	Method        DemappingMethod
	Constellation *Constellation
}

// NewDemapper returns a demapper for c.
func NewDemapper(method DemappingMethod, c *Constellation) *Demapper {
	return &Demapper{Method: method, Constellation: c}
}

// Logits writes the unnormalized log-likelihood of every point given the
// symbol estimate x with effective noise variance no into out, which must
// have length NumPoints. prior, if non-nil, holds per-point log-priors.
func (d *Demapper) Logits(x complex128, no float64, prior, out []float64) {
	no = math.Max(no, MinNoiseVariance)
	for i, p := range d.Constellation.points {
		out[i] = -sqAbs(x-p) / no
		if prior != nil {
			out[i] += prior[i]
		}
	}
}

// LLRs writes the bit LLRs ln P(b=1)/P(b=0) for the symbol estimate x into
// out, which must have length BitsPerSymbol. prior, if non-nil, holds
// per-bit prior LLRs.
func (d *Demapper) LLRs(x complex128, no float64, prior, out []float64) {
	logits := make([]float64, d.Constellation.NumPoints())
	var pointPrior []float64
	if prior != nil {
		pointPrior = make([]float64, len(logits))
		d.Constellation.BitPriorLogits(prior, pointPrior)
	}
	d.Logits(x, no, pointPrior, logits)
	d.LLRsFromLogits(logits, out)
}

// LLRsFromLogits converts per-point logits into bit LLRs.
func (d *Demapper) LLRsFromLogits(logits, out []float64) {
	var buf [2][]float64
	for j, sets := range d.Constellation.bitSets {
		var v [2]float64
		for b := 0; b < 2; b++ {
			buf[b] = buf[b][:0]
			for _, i := range sets[b] {
				buf[b] = append(buf[b], logits[i])
			}
			v[b] = d.Method.Reduce(buf[b])
		}
		out[j] = v[1] - v[0]
	}
}

// BitPriorLogits converts per-bit prior LLRs into per-point log-priors:
// log P(point i) = sum_j log sigmoid(±llr_j), with the sign given by bit j of
// the label of point i.
func (c *Constellation) BitPriorLogits(llr, out []float64) {
	for i := range c.points {
		var acc float64
		for j := 0; j < c.bitsPerSymbol; j++ {
			if c.Bit(i, j) == 1 {
				acc += LogSigmoid(llr[j])
			} else {
				acc += LogSigmoid(-llr[j])
			}
		}
		out[i] = acc
	}
}

// LogSoftmax writes the normalized log-probabilities of logits into out.
func LogSoftmax(logits, out []float64) {
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		out[i] = v - lse
	}
}

// LogSigmoid returns log(1/(1+exp(-x))) without overflow.
func LogSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// SoftSymbol returns the mean and variance of a symbol whose points have the
// given log-probabilities (normalized or not).
func (c *Constellation) SoftSymbol(logits []float64) (mean complex128, variance float64) {
	lse := floats.LogSumExp(logits)
	var second float64
	for i, p := range c.points {
		w := math.Exp(logits[i] - lse)
		mean += complex(w, 0) * p
		second += w * sqAbs(p)
	}
	variance = math.Max(second-sqAbs(mean), 0)
	return mean, variance
}

// HardBits writes 1 for every positive LLR and 0 otherwise.
func HardBits(llr, out []float64) {
	for i, v := range llr {
		if v > 0 {
			out[i] = 1
		} else {
			out[i] = 0
		}
	}
}

// Argmax returns the index of the largest logit.
func Argmax(logits []float64) int {
	return floats.MaxIdx(logits)
}
