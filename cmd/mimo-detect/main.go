package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jeongseonghan/mimo-ofdm/internal/config"
	"github.com/jeongseonghan/mimo-ofdm/internal/metrics"
	"github.com/jeongseonghan/mimo-ofdm/internal/server"
	"github.com/jeongseonghan/mimo-ofdm/internal/sim"
)

func main() {
	var (
		configFile = pflag.StringP("config", "c", "", "YAML configuration file (default: built-in)")
		mode       = pflag.StringP("mode", "m", "simulate", "Run mode (simulate, serve)")
		addr       = pflag.String("addr", "", "Server address (serve mode)")
		variant    = pflag.StringP("variant", "d", "", "Detector variant (linear, ml, ml-prior, kbest, ep, mmse-pic)")
		output     = pflag.String("output", "", "Output type (bit, symbol)")
		hardOut    = pflag.Bool("hard-out", false, "Emit hard decisions")
		equalizer  = pflag.String("equalizer", "", "Linear equalizer (lmmse, zf, mf)")
		workers    = pflag.IntP("workers", "w", 0, "Detection goroutines (0 = GOMAXPROCS)")
		batches    = pflag.IntP("batches", "n", 0, "Simulated batches")
		batchSize  = pflag.IntP("batch-size", "b", 0, "Examples per batch")
		noise      = pflag.Float64("no", 0, "Noise variance")
		ebNoDB     = pflag.Float64("ebno-db", 0, "Uncoded Eb/No in dB (overrides --no)")
		errVar     = pflag.Float64("err-var", 0, "Channel estimation error variance")
		seed       = pflag.Int64("seed", 0, "Simulator seed")
		payload    = pflag.StringP("payload", "p", "", "Also send this payload over the link (simulate mode)")
	)
	pflag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	changed := pflag.CommandLine.Changed
	if changed("addr") {
		cfg.Server.Addr = *addr
	}
	if changed("variant") {
		cfg.Detector.Variant = *variant
	}
	if changed("output") {
		cfg.Detector.Output = *output
	}
	if changed("hard-out") {
		cfg.Detector.HardOut = *hardOut
	}
	if changed("equalizer") {
		cfg.Detector.Equalizer = *equalizer
	}
	if changed("workers") {
		cfg.Detector.Workers = *workers
	}
	if changed("batches") {
		cfg.Simulation.Batches = *batches
	}
	if changed("batch-size") {
		cfg.Simulation.BatchSize = *batchSize
	}
	if changed("no") {
		cfg.Simulation.NoiseVariance = *noise
	}
	if changed("ebno-db") {
		cfg.Simulation.NoiseVariance = sim.EbNoToNoiseVariance(*ebNoDB, cfg.Constellation.NumBitsPerSymbol, 1)
	}
	if changed("err-var") {
		cfg.Simulation.ErrVar = *errVar
	}
	if changed("seed") {
		cfg.Simulation.Seed = *seed
	}

	pipeline, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	link, err := cfg.NewLink(pipeline)
	if err != nil {
		log.Fatalf("Failed to create link: %v", err)
	}
	log.Printf("Detector %s: %d tx x %d streams, %d rx antennas, %d data symbols per stream",
		pipeline.Name(), pipeline.StreamManagement.NumTx(), pipeline.StreamManagement.NumStreamsPerTx(),
		link.NumRxAnt(), pipeline.Grid.NumDataSymbols())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "simulate":
		if err := simulate(ctx, cfg, pipeline, link, *payload); err != nil {
			log.Fatalf("Simulation failed: %v", err)
		}
	case "serve":
		codec, err := cfg.NewCodec(pipeline)
		if err != nil {
			log.Printf("Payload transfer disabled: %v", err)
		}
		m := metrics.New()
		handlers := server.NewHandlers(pipeline, link, codec, cfg.Simulation.RunConfig, m, cfg.Server.MaxBodyBytes)
		srv := server.NewServer(cfg.Server.Addr, handlers, m.Handler())
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	default:
		log.Fatalf("Unknown mode %q (want simulate or serve)", *mode)
	}
}

func simulate(ctx context.Context, cfg *config.Config, p *config.Pipeline, link *sim.Link, payload string) error {
	res, err := link.Run(ctx, p, cfg.Simulation.RunConfig)
	if err != nil {
		return err
	}
	fmt.Printf("%s  no=%g  err_var=%g  BER=%.3e (%d/%d)  SER=%.3e (%d/%d)\n",
		p.Name(), res.NoiseVariance, res.ErrVar,
		res.BER, res.BitErrors, res.Bits, res.SER, res.SymbolErrors, res.Symbols)

	if payload == "" {
		return nil
	}
	codec, err := cfg.NewCodec(p)
	if err != nil {
		return err
	}
	sent, err := link.SendPayload(ctx, p, codec, []byte(payload), cfg.Simulation.NoiseVariance, cfg.Simulation.ErrVar)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(sent, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if sent.Recovered {
		fmt.Printf("Recovered: %q\n", sent.Payload)
	}
	return nil
}
