// Package ofdm runs MIMO detection over an OFDM resource grid: it strips the
// nulled subcarriers, aligns observations and channel estimates per receiver
// and resource element, builds the noise-plus-interference covariance,
// drives a per resource element detector and reorders its output into
// per-stream data symbol sequences.
package ofdm

import (
	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Resource element types.
const (
	REData  = 0
	REPilot = 1
	REGuard = 2
	REDC    = 3
)

// ResourceGridConfig describes the time-frequency layout of one slot.
type ResourceGridConfig struct {
	NumOFDMSymbols   int
	FFTSize          int
	NumTx            int
	NumStreamsPerTx  int
	NumGuardCarriers [2]int // left, right
	DCNull           bool
	Pilots           PilotConfig
}

// ResourceGrid is the immutable layout derived from a ResourceGridConfig.
// All index tables are computed once and shared by every detection call.
type ResourceGrid struct {
	cfg       ResourceGridConfig
	pilots    PilotPattern
	effective []int
	// dataInd[t*num_streams_per_tx+u] lists, in transmission order, the
	// flat (symbol*num_effective_subcarriers + subcarrier) data positions.
	dataInd [][]int
	types   *tensor.Tensor[int]
}

// NewResourceGrid validates cfg and precomputes the data positions.
func NewResourceGrid(cfg ResourceGridConfig) (*ResourceGrid, error) {
	switch {
	case cfg.NumOFDMSymbols < 1:
		return nil, errs.Configf("num_ofdm_symbols must be positive, got %d", cfg.NumOFDMSymbols)
	case cfg.FFTSize < 1:
		return nil, errs.Configf("fft_size must be positive, got %d", cfg.FFTSize)
	case cfg.NumTx < 1:
		return nil, errs.Configf("num_tx must be positive, got %d", cfg.NumTx)
	case cfg.NumStreamsPerTx < 1:
		return nil, errs.Configf("num_streams_per_tx must be positive, got %d", cfg.NumStreamsPerTx)
	case cfg.NumGuardCarriers[0] < 0 || cfg.NumGuardCarriers[1] < 0:
		return nil, errs.Configf("num_guard_carriers must be non-negative, got %v", cfg.NumGuardCarriers)
	}
	pilots, err := NewPilotPattern(cfg.Pilots, cfg.NumTx, cfg.NumStreamsPerTx)
	if err != nil {
		return nil, err
	}
	for _, s := range cfg.Pilots.Symbols {
		if s < 0 || s >= cfg.NumOFDMSymbols {
			return nil, errs.Configf("pilot symbol %d outside [0, %d)", s, cfg.NumOFDMSymbols)
		}
	}

	g := &ResourceGrid{cfg: cfg, pilots: pilots}
	left, right := cfg.NumGuardCarriers[0], cfg.NumGuardCarriers[1]
	dc := -1
	if cfg.DCNull {
		dc = cfg.FFTSize / 2
	}
	for k := left; k < cfg.FFTSize-right; k++ {
		if k != dc {
			g.effective = append(g.effective, k)
		}
	}
	if len(g.effective) == 0 {
		return nil, errs.Configf("no effective subcarriers left out of %d", cfg.FFTSize)
	}

	numStreams := cfg.NumTx * cfg.NumStreamsPerTx
	fEff := len(g.effective)
	g.dataInd = make([][]int, numStreams)
	for t := 0; t < cfg.NumTx; t++ {
		for u := 0; u < cfg.NumStreamsPerTx; u++ {
			ind := make([]int, 0, cfg.NumOFDMSymbols*fEff)
			for s := 0; s < cfg.NumOFDMSymbols; s++ {
				for f := 0; f < fEff; f++ {
					if !pilots.IsPilot(t, u, s, f) {
						ind = append(ind, s*fEff+f)
					}
				}
			}
			g.dataInd[t*cfg.NumStreamsPerTx+u] = ind
		}
	}
	for n := 1; n < numStreams; n++ {
		if len(g.dataInd[n]) != len(g.dataInd[0]) {
			return nil, errs.Configf("pilot pattern %s gives stream %d %d data symbols, stream 0 has %d",
				pilots.Name(), n, len(g.dataInd[n]), len(g.dataInd[0]))
		}
	}

	g.types = tensor.New[int](cfg.NumTx, cfg.NumStreamsPerTx, cfg.NumOFDMSymbols, cfg.FFTSize)
	pos := make(map[int]int, fEff)
	for f, k := range g.effective {
		pos[k] = f
	}
	for t := 0; t < cfg.NumTx; t++ {
		for u := 0; u < cfg.NumStreamsPerTx; u++ {
			for s := 0; s < cfg.NumOFDMSymbols; s++ {
				for k := 0; k < cfg.FFTSize; k++ {
					typ := REGuard
					if f, ok := pos[k]; ok {
						typ = REData
						if pilots.IsPilot(t, u, s, f) {
							typ = REPilot
						}
					} else if k == dc {
						typ = REDC
					}
					g.types.Set(typ, t, u, s, k)
				}
			}
		}
	}
	return g, nil
}

// Config returns the configuration the grid was built from.
func (g *ResourceGrid) Config() ResourceGridConfig { return g.cfg }

// NumTx returns the number of transmitters.
func (g *ResourceGrid) NumTx() int { return g.cfg.NumTx }

// NumStreamsPerTx returns the number of streams per transmitter.
func (g *ResourceGrid) NumStreamsPerTx() int { return g.cfg.NumStreamsPerTx }

// NumOFDMSymbols returns the number of OFDM symbols.
func (g *ResourceGrid) NumOFDMSymbols() int { return g.cfg.NumOFDMSymbols }

// FFTSize returns the number of subcarriers before filtering.
func (g *ResourceGrid) FFTSize() int { return g.cfg.FFTSize }

// NumEffectiveSubcarriers returns the number of subcarriers that are
// neither guard nor DC.
func (g *ResourceGrid) NumEffectiveSubcarriers() int { return len(g.effective) }

// EffectiveSubcarrierIndices returns the FFT bins of the effective
// subcarriers in ascending order.
func (g *ResourceGrid) EffectiveSubcarrierIndices() []int { return g.effective }

// NumDataSymbols returns the number of data symbols every stream carries.
func (g *ResourceGrid) NumDataSymbols() int { return len(g.dataInd[0]) }

// DataSymbolIndices returns the data positions of stream (tx, stream) as
// flat indices into the effective grid [num_ofdm_symbols, num_effective_subcarriers].
func (g *ResourceGrid) DataSymbolIndices(tx, stream int) []int {
	return g.dataInd[tx*g.cfg.NumStreamsPerTx+stream]
}

// ResourceElementTypes returns the type of every resource element as a
// [num_tx, num_streams_per_tx, num_ofdm_symbols, fft_size] tensor of
// REData, REPilot, REGuard and REDC.
func (g *ResourceGrid) ResourceElementTypes() *tensor.Tensor[int] { return g.types }

// PilotPattern returns the pilot pattern.
func (g *ResourceGrid) PilotPattern() PilotPattern { return g.pilots }
