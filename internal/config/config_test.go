package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/mimo"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

const smallGrid = `
constellation:
  num_bits_per_symbol: 2
resource_grid:
  num_ofdm_symbols: 3
  fft_size: 12
  num_guard_carriers: [1, 1]
  pilots:
    type: kronecker
    symbols: [0]
simulation:
  batches: 1
  batch_size: 2
  no: 0.0001
`

func TestDefault_Builds(t *testing.T) {
	p, err := Default().Build()
	require.NoError(t, err)
	assert.Equal(t, VariantLinear, p.Variant)
	assert.False(t, p.AcceptsPrior())
	assert.Equal(t, 1, p.Grid.NumTx())
	assert.Equal(t, 2, p.Grid.NumStreamsPerTx())
	assert.Equal(t, 16, p.Constellation.NumPoints())
	assert.Equal(t, 2*1*14*64, p.NumResourceElements(2))
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
detector:
  variant: mmse-pic
  output: symbol
  num_iter: 2
stream_management:
  rx_tx_association: [[1, 0], [0, 1]]
  num_streams_per_tx: 1
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Detector.NumIter)
	assert.Equal(t, "app", cfg.Detector.DemappingMethod)
	assert.Equal(t, int64(1), cfg.Simulation.Seed)

	p, err := cfg.Build()
	require.NoError(t, err)
	assert.True(t, p.AcceptsPrior())
	assert.Equal(t, mimo.Output{Type: mimo.OutputSymbol}, p.Output)
	assert.Equal(t, 2, p.StreamManagement.NumRx())
	assert.Equal(t, 2, p.Grid.NumTx())
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"variant":       "detector: {variant: sphere}",
		"output":        "detector: {output: llr}",
		"method":        "detector: {demapping_method: exact}",
		"equalizer":     "detector: {equalizer: dfe}",
		"workers":       "detector: {workers: -1}",
		"constellation": "constellation: {type: psk}",
		"rx antennas":   "simulation: {num_rx_ant: 0}",
		"batches":       "simulation: {batches: 0}",
		"yaml":          "detector: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	cfg := Default()
	cfg.StreamManagement.NumStreamsPerTx = 0
	_, err := cfg.Build()
	assert.ErrorIs(t, err, errs.ErrConfig)

	cfg = Default()
	cfg.Detector.Variant = VariantKBest
	cfg.Detector.K = 0
	_, err = cfg.Build()
	assert.ErrorIs(t, err, errs.ErrConfig)

	cfg = Default()
	cfg.Constellation = ConstellationConfig{Type: "custom", Points: [][2]float64{{1, 0}, {-1, 0}, {0, 1}}}
	_, err = cfg.Build()
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mimo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector:\n  variant: ep\n  l: 4\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, VariantEP, cfg.Detector.Variant)
	assert.Equal(t, 4, cfg.Detector.L)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPipeline_AllVariants(t *testing.T) {
	for _, variant := range Variants {
		t.Run(variant, func(t *testing.T) {
			cfg, err := Parse([]byte(smallGrid + fmt.Sprintf("detector: {variant: %s}\n", variant)))
			require.NoError(t, err)
			p, err := cfg.Build()
			require.NoError(t, err)
			link, err := cfg.NewLink(p)
			require.NoError(t, err)

			res, err := link.Run(context.Background(), p, cfg.Simulation.RunConfig)
			require.NoError(t, err)
			assert.Greater(t, res.Bits, 0)
			assert.Less(t, res.BER, 0.05)
		})
	}
}

func TestPipeline_PriorRouting(t *testing.T) {
	cfg, err := Parse([]byte(smallGrid))
	require.NoError(t, err)
	p, err := cfg.Build()
	require.NoError(t, err)
	link, err := cfg.NewLink(p)
	require.NoError(t, err)
	frame, err := link.Transmit(link.RandomBits(1), 0.01, 0)
	require.NoError(t, err)
	no := tensor.Full(0.01)

	prior := tensor.New[float64](1, 1, 2, link.BitsPerStream())
	_, err = p.DetectWithPrior(context.Background(), frame.Y, frame.HHat, frame.ErrVar, no, prior)
	assert.ErrorIs(t, err, errs.ErrConfig)

	cfg.Detector.Variant = VariantMLPrior
	p, err = cfg.Build()
	require.NoError(t, err)
	withPrior, err := p.DetectWithPrior(context.Background(), frame.Y, frame.HHat, frame.ErrVar, no, prior)
	require.NoError(t, err)
	neutral, err := p.Detect(context.Background(), frame.Y, frame.HHat, frame.ErrVar, no)
	require.NoError(t, err)
	assert.Equal(t, withPrior.Bits.Data(), neutral.Bits.Data())

	_, err = p.Detect(context.Background(), nil, frame.HHat, frame.ErrVar, no)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestNewCodec(t *testing.T) {
	cfg := Default()
	p, err := cfg.Build()
	require.NoError(t, err)
	codec, err := cfg.NewCodec(p)
	require.NoError(t, err)
	assert.Equal(t, 2, codec.NumShards())
	assert.Equal(t, 1, codec.DataShards())

	cfg.Simulation.ParityShards = 2
	_, err = cfg.NewCodec(p)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load("../../mimo-detect.example.yaml")
	require.NoError(t, err)
	p, err := cfg.Build()
	require.NoError(t, err)
	assert.Equal(t, "kbest", p.Variant)
	assert.Equal(t, 2, p.StreamManagement.NumRx())
	assert.Equal(t, 2, p.StreamManagement.NumInterferingStreamsPerRx())
}
