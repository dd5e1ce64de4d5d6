// Package config loads the YAML configuration of a detection pipeline and
// builds the resource grid, stream management, constellation and detector
// it describes.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/fec"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/modem"
	"github.com/jeongseonghan/mimo-ofdm/internal/ofdm"
	"github.com/jeongseonghan/mimo-ofdm/internal/sim"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Detector variants.
const (
	VariantLinear  = "linear"
	VariantML      = "ml"
	VariantMLPrior = "ml-prior"
	VariantKBest   = "kbest"
	VariantEP      = "ep"
	VariantMMSEPIC = "mmse-pic"
)

// Variants lists every detector variant.
var Variants = []string{VariantLinear, VariantML, VariantMLPrior, VariantKBest, VariantEP, VariantMMSEPIC}

// Config is the root of the YAML file.
type Config struct {
	Detector         DetectorConfig         `yaml:"detector"`
	Constellation    ConstellationConfig    `yaml:"constellation"`
	ResourceGrid     ResourceGridConfig     `yaml:"resource_grid"`
	StreamManagement StreamManagementConfig `yaml:"stream_management"`
	Simulation       SimulationConfig       `yaml:"simulation"`
	Server           ServerConfig           `yaml:"server"`
}

// DetectorConfig selects the detection algorithm and its options. Options
// that do not apply to the selected variant are ignored.
type DetectorConfig struct {
	Variant         string  `yaml:"variant"`
	Output          string  `yaml:"output"`
	HardOut         bool    `yaml:"hard_out"`
	DemappingMethod string  `yaml:"demapping_method"`
	Equalizer       string  `yaml:"equalizer"`    // linear
	K               int     `yaml:"k"`            // kbest
	UseRealRep      bool    `yaml:"use_real_rep"` // kbest
	L               int     `yaml:"l"`            // ep
	Beta            float64 `yaml:"beta"`         // ep
	NumIter         int     `yaml:"num_iter"`     // mmse-pic
	Workers         int     `yaml:"workers"`
}

// ConstellationConfig describes the constellation. Points is only used by
// the custom type, as [real, imag] pairs.
type ConstellationConfig struct {
	Type             string       `yaml:"type"`
	NumBitsPerSymbol int          `yaml:"num_bits_per_symbol"`
	Points           [][2]float64 `yaml:"points"`
	Normalize        bool         `yaml:"normalize"`
}

// ResourceGridConfig describes the OFDM grid. The number of transmitters and
// streams comes from the stream management section.
type ResourceGridConfig struct {
	NumOFDMSymbols   int              `yaml:"num_ofdm_symbols"`
	FFTSize          int              `yaml:"fft_size"`
	NumGuardCarriers [2]int           `yaml:"num_guard_carriers"`
	DCNull           bool             `yaml:"dc_null"`
	Pilots           ofdm.PilotConfig `yaml:"pilots"`
}

// StreamManagementConfig describes which transmitters every receiver serves.
type StreamManagementConfig struct {
	RxTxAssociation [][]int `yaml:"rx_tx_association"`
	NumStreamsPerTx int     `yaml:"num_streams_per_tx"`
}

// SimulationConfig describes the link simulator.
type SimulationConfig struct {
	NumRxAnt      int   `yaml:"num_rx_ant"`
	Seed          int64 `yaml:"seed"`
	ParityShards  int   `yaml:"parity_shards"`
	sim.RunConfig `yaml:",inline"`
}

// ServerConfig describes the HTTP service.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// Default returns a single-link 2-stream 16-QAM LMMSE configuration.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Variant:         VariantLinear,
			Output:          "bit",
			DemappingMethod: "app",
			Equalizer:       "lmmse",
			K:               16,
			L:               mimo.DefaultEPIterations,
			Beta:            mimo.DefaultEPBeta,
			NumIter:         1,
		},
		Constellation: ConstellationConfig{Type: "qam", NumBitsPerSymbol: 4},
		ResourceGrid: ResourceGridConfig{
			NumOFDMSymbols:   14,
			FFTSize:          76,
			NumGuardCarriers: [2]int{5, 6},
			DCNull:           true,
			Pilots:           ofdm.PilotConfig{Type: "kronecker", Symbols: []int{2, 11}},
		},
		StreamManagement: StreamManagementConfig{
			RxTxAssociation: [][]int{{1}},
			NumStreamsPerTx: 2,
		},
		Simulation: SimulationConfig{
			NumRxAnt:     4,
			Seed:         1,
			ParityShards: 1,
			RunConfig:    sim.RunConfig{Batches: 10, BatchSize: 8, NoiseVariance: 0.1},
		},
		Server: ServerConfig{Addr: "0.0.0.0:8080", MaxBodyBytes: 64 << 20},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", errs.Configf("%v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the enumerations and the options of the selected variant.
// Geometry is validated when the pipeline is built.
func (c *Config) Validate() error {
	d := c.Detector
	if !isVariant(d.Variant) {
		return errs.Configf("detector.variant %q is not one of %s", d.Variant, strings.Join(Variants, ", "))
	}
	if _, err := mimo.ParseOutputType(d.Output); err != nil {
		return fmt.Errorf("detector.output: %w", err)
	}
	if _, err := modem.ParseDemappingMethod(d.DemappingMethod); err != nil {
		return fmt.Errorf("detector.demapping_method: %w", err)
	}
	if d.Variant == VariantLinear {
		if _, err := mimo.ParseEqualizer(d.Equalizer); err != nil {
			return fmt.Errorf("detector.equalizer: %w", err)
		}
	}
	if d.Workers < 0 {
		return errs.Configf("detector.workers must be non-negative, got %d", d.Workers)
	}
	if _, err := modem.ParseType(c.Constellation.Type); err != nil {
		return fmt.Errorf("constellation.type: %w", err)
	}
	if c.Simulation.NumRxAnt < 1 {
		return errs.Configf("simulation.num_rx_ant must be positive, got %d", c.Simulation.NumRxAnt)
	}
	if err := c.Simulation.RunConfig.Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	if c.Server.MaxBodyBytes < 1 {
		return errs.Configf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	return nil
}

func isVariant(v string) bool {
	for _, known := range Variants {
		if v == known {
			return true
		}
	}
	return false
}

// Pipeline is a fully constructed detection chain.
type Pipeline struct {
	Variant          string
	Output           mimo.Output
	Grid             *ofdm.ResourceGrid
	StreamManagement *mimo.StreamManagement
	Constellation    *modem.Constellation

	// Exactly one of the two is set.
	detector      *ofdm.Detector
	priorDetector *ofdm.DetectorWithPrior
}

// Build constructs the pipeline described by c.
func (c *Config) Build() (*Pipeline, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := c.Detector
	outType, _ := mimo.ParseOutputType(d.Output)
	method, _ := modem.ParseDemappingMethod(d.DemappingMethod)
	out := mimo.Output{Type: outType, HardOut: d.HardOut}

	cons, err := c.constellation()
	if err != nil {
		return nil, fmt.Errorf("constellation: %w", err)
	}
	sm, err := mimo.NewStreamManagement(c.StreamManagement.RxTxAssociation, c.StreamManagement.NumStreamsPerTx)
	if err != nil {
		return nil, fmt.Errorf("stream_management: %w", err)
	}
	rg := c.ResourceGrid
	grid, err := ofdm.NewResourceGrid(ofdm.ResourceGridConfig{
		NumOFDMSymbols:   rg.NumOFDMSymbols,
		FFTSize:          rg.FFTSize,
		NumTx:            sm.NumTx(),
		NumStreamsPerTx:  sm.NumStreamsPerTx(),
		NumGuardCarriers: rg.NumGuardCarriers,
		DCNull:           rg.DCNull,
		Pilots:           rg.Pilots,
	})
	if err != nil {
		return nil, fmt.Errorf("resource_grid: %w", err)
	}

	p := &Pipeline{Variant: d.Variant, Output: out, Grid: grid, StreamManagement: sm, Constellation: cons}
	opts := ofdm.Options{Workers: d.Workers}
	switch d.Variant {
	case VariantLinear:
		eq, _ := mimo.ParseEqualizer(d.Equalizer)
		p.detector, err = ofdm.NewLinearDetector(eq, out, method, cons, grid, sm, opts)
	case VariantML:
		p.detector, err = ofdm.NewMaximumLikelihoodDetector(out, method, cons, grid, sm, opts)
	case VariantMLPrior:
		p.priorDetector, err = ofdm.NewMaximumLikelihoodDetectorWithPrior(out, method, cons, grid, sm, opts)
	case VariantKBest:
		p.detector, err = ofdm.NewKBestDetector(out, d.K, d.UseRealRep, cons, grid, sm, opts)
	case VariantEP:
		p.detector, err = ofdm.NewEPDetector(out, d.L, d.Beta, cons, grid, sm, opts)
	case VariantMMSEPIC:
		p.priorDetector, err = ofdm.NewMMSEPICDetector(out, method, d.NumIter, cons, grid, sm, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", d.Variant, err)
	}
	return p, nil
}

func (c *Config) constellation() (*modem.Constellation, error) {
	cc := c.Constellation
	kind, err := modem.ParseType(cc.Type)
	if err != nil {
		return nil, err
	}
	var points []complex128
	for _, pt := range cc.Points {
		points = append(points, complex(pt[0], pt[1]))
	}
	return modem.New(kind, cc.NumBitsPerSymbol, points, cc.Normalize)
}

// NewLink returns the link simulator of the pipeline.
func (c *Config) NewLink(p *Pipeline) (*sim.Link, error) {
	return sim.NewLink(p.Grid, p.StreamManagement, p.Constellation, c.Simulation.NumRxAnt, c.Simulation.Seed)
}

// NewCodec returns the payload codec with one shard per stream of the
// pipeline.
func (c *Config) NewCodec(p *Pipeline) (*fec.StreamCodec, error) {
	numStreams := p.StreamManagement.NumTx() * p.StreamManagement.NumStreamsPerTx()
	codec, err := fec.NewStreamCodec(numStreams, c.Simulation.ParityShards)
	if err != nil {
		return nil, errs.Configf("simulation.parity_shards: %v", err)
	}
	return codec, nil
}

// AcceptsPrior reports whether the detector takes a prior.
func (p *Pipeline) AcceptsPrior() bool { return p.priorDetector != nil }

// Name returns the name of the underlying detector.
func (p *Pipeline) Name() string {
	if p.priorDetector != nil {
		return p.priorDetector.Name()
	}
	return p.detector.Name()
}

// NumResourceElements returns the number of resource elements one call with
// batch examples processes.
func (p *Pipeline) NumResourceElements(batch int) int {
	return batch * p.StreamManagement.NumRx() * p.Grid.NumOFDMSymbols() * p.Grid.NumEffectiveSubcarriers()
}

// Detect runs the detector. A prior detector receives a neutral prior.
func (p *Pipeline) Detect(ctx context.Context, y, hHat *tensor.Tensor[complex128], errVar, no *tensor.Tensor[float64]) (*ofdm.Output, error) {
	return p.DetectWithPrior(ctx, y, hHat, errVar, no, nil)
}

// DetectWithPrior runs the detector with prior, which may be nil. A prior
// given to a detector that cannot use one is an ErrConfig.
func (p *Pipeline) DetectWithPrior(ctx context.Context, y, hHat *tensor.Tensor[complex128], errVar, no, prior *tensor.Tensor[float64]) (*ofdm.Output, error) {
	if p.priorDetector == nil {
		if prior != nil {
			return nil, errs.Configf("detector %s does not accept a prior", p.Variant)
		}
		return p.detector.Detect(ctx, y, hHat, errVar, no)
	}
	if prior == nil {
		if y == nil || y.Rank() == 0 {
			return nil, errs.Shapef("y: rank is 0, want 5")
		}
		prior = p.priorDetector.NeutralPrior(y.Dim(0))
	}
	return p.priorDetector.Detect(ctx, y, hHat, errVar, no, prior)
}
