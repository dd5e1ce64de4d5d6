package modem

import (
	"math"
	"strings"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Type selects how constellation points are generated.
type Type int

const (
	TypeQAM    Type = iota // square Gray-coded QAM
	TypePAM                // real-valued Gray-coded PAM
	TypeCustom             // caller supplied points
)

// String returns the constellation type name.
func (t Type) String() string {
	switch t {
	case TypeQAM:
		return "qam"
	case TypePAM:
		return "pam"
	case TypeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseType parses a constellation type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "qam":
		return TypeQAM, nil
	case "pam":
		return TypePAM, nil
	case "custom":
		return TypeCustom, nil
	}
	return 0, errs.Configf("unknown constellation type %q", s)
}

// Constellation holds the ordered constellation points. Point i carries the
// bit label given by the MSB-first binary representation of i.
type Constellation struct {
	kind          Type
	bitsPerSymbol int
	points        []complex128

	// bitSets[j][b] lists the points whose bit j equals b.
	bitSets [][2][]int

	// PAM decomposition, QAM only.
	levels     []float64
	reLevel    []int
	imLevel    []int
	levelPoint []int
}

// NewQAM creates a square QAM constellation with unit average energy.
// bitsPerSymbol must be a positive even number; the MSB half of a label
// selects the in-phase level and the LSB half the quadrature level.
func NewQAM(bitsPerSymbol int) (*Constellation, error) {
	if bitsPerSymbol <= 0 || bitsPerSymbol%2 != 0 {
		return nil, errs.Configf("qam needs a positive even number of bits per symbol, got %d", bitsPerSymbol)
	}
	half := bitsPerSymbol / 2
	order := 1 << half
	size := order * order
	c := &Constellation{kind: TypeQAM, bitsPerSymbol: bitsPerSymbol}
	c.points = make([]complex128, size)
	c.reLevel = make([]int, size)
	c.imLevel = make([]int, size)

	for i := 0; i < size; i++ {
		// Gray code: adjacent levels differ in one label bit
		re := grayToBinary(i >> half)
		im := grayToBinary(i & (order - 1))
		c.reLevel[i] = re
		c.imLevel[i] = im
		c.points[i] = complex(float64(2*re-order+1), float64(2*im-order+1))
	}
	c.normalize()

	c.levels = make([]float64, order)
	c.levelPoint = make([]int, size)
	for i := 0; i < size; i++ {
		c.levels[c.reLevel[i]] = real(c.points[i])
		c.levelPoint[c.reLevel[i]*order+c.imLevel[i]] = i
	}
	c.buildBitSets()
	return c, nil
}

// NewPAM creates a real-valued PAM constellation with unit average energy.
func NewPAM(bitsPerSymbol int) (*Constellation, error) {
	if bitsPerSymbol <= 0 {
		return nil, errs.Configf("pam needs a positive number of bits per symbol, got %d", bitsPerSymbol)
	}
	size := 1 << bitsPerSymbol
	c := &Constellation{kind: TypePAM, bitsPerSymbol: bitsPerSymbol}
	c.points = make([]complex128, size)
	for i := 0; i < size; i++ {
		c.points[i] = complex(float64(2*grayToBinary(i)-size+1), 0)
	}
	c.normalize()
	c.buildBitSets()
	return c, nil
}

// NewCustom creates a constellation from caller supplied points. The number
// of points must be a power of two, at least 2.
func NewCustom(points []complex128, normalize bool) (*Constellation, error) {
	n := len(points)
	if n < 2 || n&(n-1) != 0 {
		return nil, errs.Configf("custom constellation needs a power of two points (>= 2), got %d", n)
	}
	c := &Constellation{kind: TypeCustom, points: append([]complex128(nil), points...)}
	for 1<<c.bitsPerSymbol < n {
		c.bitsPerSymbol++
	}
	if normalize {
		c.normalize()
	}
	c.buildBitSets()
	return c, nil
}

// New creates a constellation of the given type. points and normalize are
// only used by TypeCustom.
func New(kind Type, bitsPerSymbol int, points []complex128, normalize bool) (*Constellation, error) {
	switch kind {
	case TypeQAM:
		return NewQAM(bitsPerSymbol)
	case TypePAM:
		return NewPAM(bitsPerSymbol)
	case TypeCustom:
		c, err := NewCustom(points, normalize)
		if err != nil {
			return nil, err
		}
		if bitsPerSymbol != 0 && bitsPerSymbol != c.bitsPerSymbol {
			return nil, errs.Configf("custom constellation has %d points, which does not match %d bits per symbol", len(points), bitsPerSymbol)
		}
		return c, nil
	}
	return nil, errs.Configf("unknown constellation type %d", kind)
}

func (c *Constellation) normalize() {
	var avgPower float64
	for _, p := range c.points {
		avgPower += real(p)*real(p) + imag(p)*imag(p)
	}
	avgPower /= float64(len(c.points))
	if avgPower == 0 {
		return
	}
	scale := complex(1/math.Sqrt(avgPower), 0)
	for i := range c.points {
		c.points[i] *= scale
	}
}

func (c *Constellation) buildBitSets() {
	c.bitSets = make([][2][]int, c.bitsPerSymbol)
	for i := range c.points {
		for j := 0; j < c.bitsPerSymbol; j++ {
			b := c.Bit(i, j)
			c.bitSets[j][b] = append(c.bitSets[j][b], i)
		}
	}
}

// Type returns the constellation type.
func (c *Constellation) Type() Type { return c.kind }

// BitsPerSymbol returns the number of bits per constellation symbol.
func (c *Constellation) BitsPerSymbol() int { return c.bitsPerSymbol }

// NumPoints returns the number of constellation points.
func (c *Constellation) NumPoints() int { return len(c.points) }

// Points returns the constellation points. The slice must not be modified.
func (c *Constellation) Points() []complex128 { return c.points }

// Point returns point i.
func (c *Constellation) Point(i int) complex128 { return c.points[i] }

// Bit returns bit j (MSB first) of the label of point i.
func (c *Constellation) Bit(i, j int) int {
	return (i >> (c.bitsPerSymbol - 1 - j)) & 1
}

// Label returns the bit label of point i.
func (c *Constellation) Label(i int) []byte {
	return indexToBits(i, c.bitsPerSymbol)
}

// Map maps bits to a constellation point.
func (c *Constellation) Map(bits []byte) complex128 {
	idx := bitsToIndex(bits)
	if idx >= len(c.points) {
		idx = 0
	}
	return c.points[idx]
}

// Nearest returns the index of the point closest to symbol.
func (c *Constellation) Nearest(symbol complex128) int {
	minDist := math.MaxFloat64
	minIdx := 0
	for i, p := range c.points {
		d := sqAbs(symbol - p)
		if d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minIdx
}

// Demap finds the closest constellation point and returns the bits.
func (c *Constellation) Demap(symbol complex128) []byte {
	return indexToBits(c.Nearest(symbol), c.bitsPerSymbol)
}

// MapBits maps a bit slice to constellation symbols.
// bits are packed as bytes (0 or 1 each).
func (c *Constellation) MapBits(bits []byte) []complex128 {
	bps := c.bitsPerSymbol
	numSymbols := len(bits) / bps
	symbols := make([]complex128, numSymbols)

	for i := 0; i < numSymbols; i++ {
		symbols[i] = c.Map(bits[i*bps : (i+1)*bps])
	}
	return symbols
}

// DemapSymbols demaps constellation symbols back to bits.
func (c *Constellation) DemapSymbols(symbols []complex128) []byte {
	bits := make([]byte, 0, len(symbols)*c.bitsPerSymbol)
	for _, s := range symbols {
		bits = append(bits, c.Demap(s)...)
	}
	return bits
}

// PAM describes a QAM constellation as the product of two identical real
// PAM constellations, one per real dimension.
type PAM struct {
	// Levels are the distinct per-dimension amplitudes in ascending order.
	Levels []float64
	// Re and Im give the level index of each point's real and imaginary part.
	Re, Im []int

	pointAt []int
}

// PointAt returns the point whose real part is level re and imaginary part
// is level im.
func (p *PAM) PointAt(re, im int) int {
	return p.pointAt[re*len(p.Levels)+im]
}

// PAM returns the real decomposition of a QAM constellation.
func (c *Constellation) PAM() (*PAM, error) {
	if c.kind != TypeQAM {
		return nil, errs.Configf("%s constellation has no PAM decomposition", c.kind)
	}
	return &PAM{Levels: c.levels, Re: c.reLevel, Im: c.imLevel, pointAt: c.levelPoint}, nil
}

func sqAbs(v complex128) float64 {
	return real(v)*real(v) + imag(v)*imag(v)
}

func grayToBinary(g int) int {
	b := g
	for s := g >> 1; s != 0; s >>= 1 {
		b ^= s
	}
	return b
}

func bitsToIndex(bits []byte) int {
	idx := 0
	for _, b := range bits {
		idx = (idx << 1) | int(b&1)
	}
	return idx
}

func indexToBits(idx, numBits int) []byte {
	bits := make([]byte, numBits)
	for i := numBits - 1; i >= 0; i-- {
		bits[i] = byte(idx & 1)
		idx >>= 1
	}
	return bits
}
