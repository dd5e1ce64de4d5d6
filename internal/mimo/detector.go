// Package mimo implements MIMO detection for a single resource element.
//
// Every detector consumes the received vector y (num_rx_ant), the channel
// matrix h (num_rx_ant x num_streams) and the noise-plus-interference
// covariance s (num_rx_ant x num_rx_ant), optionally with a prior, and writes
// per-stream results into a flat output slice of num_streams*Width() values.
package mimo

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

// OutputType selects whether detectors produce information about bits or
// about constellation points.
type OutputType int

const (
	OutputBit OutputType = iota
	OutputSymbol
)

// String returns "bit" or "symbol".
func (o OutputType) String() string {
	if o == OutputSymbol {
		return "symbol"
	}
	return "bit"
}

// ParseOutputType parses "bit" or "symbol".
func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(s) {
	case "bit":
		return OutputBit, nil
	case "symbol":
		return OutputSymbol, nil
	}
	return 0, errs.Configf("unknown output type %q", s)
}

// Output describes what a detector writes per stream:
//
//	bit, soft:     num_bits_per_symbol LLRs
//	bit, hard:     num_bits_per_symbol values in {0, 1}
//	symbol, soft:  num_points logits
//	symbol, hard:  one point index
type Output struct {
	Type    OutputType
	HardOut bool
}

// Detector detects the streams of one resource element.
type Detector interface {
	// Name identifies the algorithm, e.g. "lmmse" or "kbest".
	Name() string
	// Output returns the output description the detector was built with.
	Output() Output
	// Width returns the number of output values per stream.
	Width() int
	// Detect writes num_streams*Width() values into out.
	Detect(y []complex128, h, s mat.CMatrix, out []float64) error
}

// PriorDetector detects the streams of one resource element given a prior
// on the transmitted bits or points.
type PriorDetector interface {
	Name() string
	Output() Output
	Width() int
	// PriorWidth returns the number of prior values per stream: bit LLRs in
	// bit mode and point logits in symbol mode.
	PriorWidth() int
	// DetectWithPrior writes num_streams*Width() values into out. prior
	// holds num_streams*PriorWidth() values.
	DetectWithPrior(y []complex128, h, s mat.CMatrix, prior, out []float64) error
}

// outputSpec holds the output handling shared by every detector.
type outputSpec struct {
	out           Output
	constellation *modem.Constellation
	demapper      *modem.Demapper
}

func newOutputSpec(out Output, method modem.DemappingMethod, c *modem.Constellation) (outputSpec, error) {
	if c == nil {
		return outputSpec{}, errs.Configf("constellation is required")
	}
	if out.Type != OutputBit && out.Type != OutputSymbol {
		return outputSpec{}, errs.Configf("unknown output type %d", out.Type)
	}
	if method != modem.APP && method != modem.MaxLog {
		return outputSpec{}, errs.Configf("unknown demapping method %d", method)
	}
	return outputSpec{out: out, constellation: c, demapper: modem.NewDemapper(method, c)}, nil
}

func (o *outputSpec) Output() Output { return o.out }

func (o *outputSpec) Width() int {
	switch {
	case o.out.Type == OutputBit:
		return o.constellation.BitsPerSymbol()
	case o.out.HardOut:
		return 1
	default:
		return o.constellation.NumPoints()
	}
}

func (o *outputSpec) PriorWidth() int {
	if o.out.Type == OutputBit {
		return o.constellation.BitsPerSymbol()
	}
	return o.constellation.NumPoints()
}

// emitLogits writes the output of one stream from its point logits.
func (o *outputSpec) emitLogits(logits, out []float64) {
	switch {
	case o.out.Type == OutputSymbol && o.out.HardOut:
		out[0] = float64(modem.Argmax(logits))
	case o.out.Type == OutputSymbol:
		copy(out, logits)
	default:
		o.demapper.LLRsFromLogits(logits, out)
		if o.out.HardOut {
			modem.HardBits(out, out)
		}
	}
}

// emitLLRs writes the output of one stream in bit mode from its LLRs.
func (o *outputSpec) emitLLRs(llr, out []float64) {
	copy(out, llr)
	if o.out.HardOut {
		modem.HardBits(out, out)
	}
}

// pointLogPriors converts the prior of every stream into per-point
// log-probabilities.
func (o *outputSpec) pointLogPriors(prior []float64, numStreams int) [][]float64 {
	pw := o.PriorWidth()
	p := o.constellation.NumPoints()
	out := make([][]float64, numStreams)
	for k := range out {
		out[k] = make([]float64, p)
		src := prior[k*pw : (k+1)*pw]
		if o.out.Type == OutputBit {
			o.constellation.BitPriorLogits(src, out[k])
		} else {
			modem.LogSoftmax(src, out[k])
		}
	}
	return out
}

// checkDims validates the per resource element inputs and returns
// (num_rx_ant, num_streams).
func checkDims(y []complex128, h, s mat.CMatrix) (int, int, error) {
	a, k := h.Dims()
	if len(y) != a {
		return 0, 0, errs.Shapef("y has %d receive antennas, h has %d", len(y), a)
	}
	sr, sc := s.Dims()
	if sr != a || sc != a {
		return 0, 0, errs.Shapef("s is %dx%d, want %dx%d", sr, sc, a, a)
	}
	return a, k, nil
}

func checkOut(out []float64, numStreams, width int) error {
	if len(out) != numStreams*width {
		return errs.Shapef("output has %d values, want %d", len(out), numStreams*width)
	}
	return nil
}

func checkPrior(prior []float64, numStreams, width int) error {
	if len(prior) != numStreams*width {
		return errs.Shapef("prior has %d values, want %d", len(prior), numStreams*width)
	}
	return nil
}
