package mimo

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/linalg"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
)

// KBestLLRClip is the LLR magnitude reported for a bit whose value does not
// occur in the surviving candidate list.
const KBestLLRClip = 20.0

// KBestDetector searches the hypothesis tree of the QR-decomposed channel
// breadth first, keeping the k best partial paths per level. The surviving
// list is converted to LLRs with the max-log approximation.
type KBestDetector struct {
	outputSpec
	numStreams int
	k          int
	useRealRep bool
	pam        *modem.PAM
}

// NewKBestDetector creates a K-best detector. k must lie in
// [1, num_points^num_streams]. useRealRep searches the real-valued
// equivalent model and requires a QAM constellation.
func NewKBestDetector(out Output, numStreams, k int, useRealRep bool, c *modem.Constellation) (*KBestDetector, error) {
	spec, err := newOutputSpec(out, modem.MaxLog, c)
	if err != nil {
		return nil, err
	}
	if numStreams < 1 {
		return nil, errs.Configf("num_streams must be positive, got %d", numStreams)
	}
	if k < 1 {
		return nil, errs.Configf("k must be positive, got %d", k)
	}
	limit := 1
	for i := 0; i < numStreams && limit < k; i++ {
		limit *= c.NumPoints()
	}
	if k > limit {
		return nil, errs.Configf("k=%d exceeds the %d possible hypotheses", k, limit)
	}
	d := &KBestDetector{outputSpec: spec, numStreams: numStreams, k: k, useRealRep: useRealRep}
	if useRealRep {
		if d.pam, err = c.PAM(); err != nil {
			return nil, errs.Configf("use_real_rep: %v", err)
		}
	}
	return d, nil
}

// Name returns "kbest".
func (d *KBestDetector) Name() string { return "kbest" }

// K returns the list size.
func (d *KBestDetector) K() int { return d.k }

type path struct {
	dist float64
	syms []int
}

// Detect implements Detector.
func (d *KBestDetector) Detect(y []complex128, h, s mat.CMatrix, out []float64) error {
	a, k, err := checkDims(y, h, s)
	if err != nil {
		return err
	}
	if k != d.numStreams {
		return errs.Shapef("h has %d streams, detector was built for %d", k, d.numStreams)
	}
	if a < k {
		return errs.Shapef("k-best needs at least as many receive antennas (%d) as streams (%d)", a, k)
	}
	if err := checkOut(out, k, d.Width()); err != nil {
		return err
	}
	yw, hw, err := linalg.Whiten(y, h, s)
	if err != nil {
		return err
	}

	var list []path
	if d.useRealRep {
		list = d.searchReal(yw, hw)
	} else {
		list = d.searchComplex(yw, hw)
	}
	d.emitList(list, out)
	return nil
}

func (d *KBestDetector) searchComplex(yw []complex128, hw *mat.CDense) []path {
	q, r := linalg.QR(hw)
	z := linalg.MulVec(q.H(), yw)
	n := len(z)
	points := d.constellation.Points()

	list := []path{{syms: make([]int, n)}}
	for i := n - 1; i >= 0; i-- {
		next := make([]path, 0, len(list)*len(points))
		for _, p := range list {
			// interference of the already decided streams
			known := z[i]
			for j := i + 1; j < n; j++ {
				known -= r.At(i, j) * points[p.syms[j]]
			}
			for c, pt := range points {
				e := known - r.At(i, i)*pt
				syms := append([]int(nil), p.syms...)
				syms[i] = c
				next = append(next, path{dist: p.dist + real(e)*real(e) + imag(e)*imag(e), syms: syms})
			}
		}
		list = d.prune(next)
	}
	return list
}

func (d *KBestDetector) searchReal(yw []complex128, hw *mat.CDense) []path {
	hr := linalg.RealRep(hw)
	yr := mat.NewVecDense(2*len(yw), linalg.RealVec(yw))

	var qr mat.QR
	qr.Factorize(hr)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	n := 2 * d.numStreams
	var zFull mat.VecDense
	zFull.MulVec(q.T(), yr)
	levels := d.pam.Levels

	list := []path{{syms: make([]int, n)}}
	for i := n - 1; i >= 0; i-- {
		next := make([]path, 0, len(list)*len(levels))
		for _, p := range list {
			known := zFull.AtVec(i)
			for j := i + 1; j < n; j++ {
				known -= r.At(i, j) * levels[p.syms[j]]
			}
			for c, lv := range levels {
				e := known - r.At(i, i)*lv
				syms := append([]int(nil), p.syms...)
				syms[i] = c
				next = append(next, path{dist: p.dist + e*e, syms: syms})
			}
		}
		list = d.prune(next)
	}

	// real and imaginary levels back to points
	for i, p := range list {
		pts := make([]int, d.numStreams)
		for l := range pts {
			pts[l] = d.pam.PointAt(p.syms[l], p.syms[d.numStreams+l])
		}
		list[i].syms = pts
	}
	return list
}

func (d *KBestDetector) prune(cands []path) []path {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > d.k {
		cands = cands[:d.k]
	}
	return cands
}

// emitList converts the candidate list into the detector output.
func (d *KBestDetector) emitList(list []path, out []float64) {
	w := d.Width()
	p := d.constellation.NumPoints()
	q := d.constellation.BitsPerSymbol()
	for l := 0; l < d.numStreams; l++ {
		dst := out[l*w : (l+1)*w]
		switch {
		case d.out.Type == OutputSymbol && d.out.HardOut:
			dst[0] = float64(list[0].syms[l])
		case d.out.Type == OutputSymbol:
			// list[0] holds the minimum distance
			best := -list[0].dist
			for c := range dst {
				dst[c] = math.Inf(-1)
			}
			for _, pa := range list {
				c := pa.syms[l]
				dst[c] = math.Max(dst[c], -pa.dist)
			}
			for c := 0; c < p; c++ {
				if math.IsInf(dst[c], -1) {
					dst[c] = best - KBestLLRClip
				}
			}
		default:
			llr := make([]float64, q)
			for j := 0; j < q; j++ {
				dmin := [2]float64{math.Inf(1), math.Inf(1)}
				for _, pa := range list {
					b := d.constellation.Bit(pa.syms[l], j)
					dmin[b] = math.Min(dmin[b], pa.dist)
				}
				switch {
				case math.IsInf(dmin[0], 1):
					llr[j] = KBestLLRClip
				case math.IsInf(dmin[1], 1):
					llr[j] = -KBestLLRClip
				default:
					llr[j] = dmin[0] - dmin[1]
				}
			}
			d.emitLLRs(llr, dst)
		}
	}
}
