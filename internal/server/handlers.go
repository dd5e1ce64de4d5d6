package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeongseonghan/mimo-ofdm/internal/config"
	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/fec"
	"github.com/jeongseonghan/mimo-ofdm/internal/metrics"
	"github.com/jeongseonghan/mimo-ofdm/internal/sim"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// Handlers holds the HTTP API handlers.
type Handlers struct {
	pipeline *config.Pipeline
	link     *sim.Link
	codec    *fec.StreamCodec // nil if the stream layout cannot carry a payload
	defaults sim.RunConfig
	metrics  *metrics.Metrics
	wsHub    *WSHub
	maxBody  int64

	mu      sync.Mutex // one simulation at a time
	running string     // request ID of the running simulation
}

// NewHandlers creates the API handlers for one pipeline. codec may be nil.
func NewHandlers(p *config.Pipeline, link *sim.Link, codec *fec.StreamCodec, defaults sim.RunConfig,
	m *metrics.Metrics, maxBody int64) *Handlers {
	return &Handlers{
		pipeline: p,
		link:     link,
		codec:    codec,
		defaults: defaults,
		metrics:  m,
		wsHub:    NewWSHub(m.SetWebSocketClients),
		maxBody:  maxBody,
	}
}

// Hub returns the WebSocket hub.
func (h *Handlers) Hub() *WSHub { return h.wsHub }

// HandleWebSocket handles WebSocket upgrade requests.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	h.wsHub.AddClient(conn)

	// Drain client messages until the connection closes
	go func() {
		defer h.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

type detectRequest struct {
	Y      *TensorJSON `json:"y"`
	HHat   *TensorJSON `json:"h_hat"`
	ErrVar *TensorJSON `json:"err_var"`
	No     *TensorJSON `json:"no"`
	Prior  *TensorJSON `json:"prior,omitempty"`
}

type detectResponse struct {
	RequestID string     `json:"requestId"`
	Detector  string     `json:"detector"`
	Kind      string     `json:"kind"`
	Output    TensorJSON `json:"output"`
	ElapsedMs float64    `json:"elapsedMs"`
}

// HandleDetect runs the detector on the tensors of the request body.
func (h *Handlers) HandleDetect(w http.ResponseWriter, r *http.Request) {
	id := requestID(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req detectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		err = fmt.Errorf("parse request: %w", errs.Shapef("%v", err))
		h.metrics.ObserveDetect(h.pipeline.Variant, 0, 0, err)
		h.fail(w, id, "detect", err)
		return
	}
	y, hHat, errVar, no, prior, err := req.decode()
	if err != nil {
		h.metrics.ObserveDetect(h.pipeline.Variant, 0, 0, err)
		h.fail(w, id, "detect", err)
		return
	}

	start := time.Now()
	out, err := h.pipeline.DetectWithPrior(r.Context(), y, hHat, errVar, no, prior)
	elapsed := time.Since(start)
	numRE := 0
	if err == nil {
		numRE = h.pipeline.NumResourceElements(y.Dim(0))
	}
	h.metrics.ObserveDetect(h.pipeline.Variant, numRE, elapsed, err)
	if err != nil {
		h.fail(w, id, "detect", err)
		return
	}

	kind, enc := encodeOutput(out)
	writeJSON(w, http.StatusOK, detectResponse{
		RequestID: id,
		Detector:  h.pipeline.Name(),
		Kind:      kind,
		Output:    enc,
		ElapsedMs: float64(elapsed.Microseconds()) / 1000,
	})
}

func (req *detectRequest) decode() (y, hHat *tensor.Tensor[complex128], errVar, no, prior *tensor.Tensor[float64], err error) {
	if y, err = req.Y.Complex("y"); err != nil {
		return
	}
	if hHat, err = req.HHat.Complex("h_hat"); err != nil {
		return
	}
	if errVar, err = req.ErrVar.Float("err_var"); err != nil {
		return
	}
	if no, err = req.No.Float("no"); err != nil {
		return
	}
	if req.Prior != nil {
		prior, err = req.Prior.Float("prior")
	}
	return
}

type simulateRequest struct {
	Batches       *int     `json:"batches"`
	BatchSize     *int     `json:"batch_size"`
	NoiseVariance *float64 `json:"no"`
	ErrVar        *float64 `json:"err_var"`
	EbNoDB        *float64 `json:"ebno_db"` // overrides no, uncoded
}

func (req *simulateRequest) apply(cfg sim.RunConfig, bitsPerSymbol int) sim.RunConfig {
	if req.Batches != nil {
		cfg.Batches = *req.Batches
	}
	if req.BatchSize != nil {
		cfg.BatchSize = *req.BatchSize
	}
	if req.NoiseVariance != nil {
		cfg.NoiseVariance = *req.NoiseVariance
	}
	if req.ErrVar != nil {
		cfg.ErrVar = *req.ErrVar
	}
	if req.EbNoDB != nil {
		cfg.NoiseVariance = sim.EbNoToNoiseVariance(*req.EbNoDB, bitsPerSymbol, 1)
	}
	return cfg
}

type simulateResponse struct {
	RequestID string `json:"requestId"`
	Detector  string `json:"detector"`
	sim.Result
}

// HandleSimulate runs the link simulator batch by batch, pushing progress
// to WebSocket clients, and returns the error rates.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	id := requestID(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req simulateRequest
	if err := decodeOptional(http.MaxBytesReader(w, r.Body, h.maxBody), &req); err != nil {
		h.fail(w, id, "simulate", errs.Configf("parse request: %v", err))
		return
	}
	cfg := req.apply(h.defaults, h.pipeline.Constellation.BitsPerSymbol())
	if err := cfg.Validate(); err != nil {
		h.fail(w, id, "simulate", err)
		return
	}
	if !h.begin(id) {
		http.Error(w, "Simulation already running", http.StatusConflict)
		return
	}
	defer h.end()

	res, err := h.simulate(r.Context(), id, cfg)
	if err != nil {
		h.wsHub.BroadcastStatus("error", fmt.Sprintf("Simulation %s failed: %v", id, err))
		h.fail(w, id, "simulate", err)
		return
	}
	h.metrics.SetBER(h.pipeline.Variant, res.BER)
	resp := simulateResponse{RequestID: id, Detector: h.pipeline.Name(), Result: res}
	h.wsHub.BroadcastResult("simulation", resp)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) simulate(ctx context.Context, id string, cfg sim.RunConfig) (sim.Result, error) {
	one := cfg
	one.Batches = 1
	total := sim.Result{RunConfig: cfg}
	for i := 0; i < cfg.Batches; i++ {
		start := time.Now()
		res, err := h.link.Run(ctx, h.pipeline, one)
		h.metrics.ObserveDetect(h.pipeline.Variant, h.pipeline.NumResourceElements(cfg.BatchSize), time.Since(start), err)
		if err != nil {
			return sim.Result{}, err
		}
		total.Errors.Add(res.Errors)
		h.wsHub.BroadcastProgress(ProgressPayload{
			RequestID: id,
			Message:   "Simulating",
			Progress:  float64(i+1) / float64(cfg.Batches),
			Batch:     i + 1,
			Batches:   cfg.Batches,
			BER:       total.Errors.BER(),
		})
	}
	total.BER = total.Errors.BER()
	total.SER = total.Errors.SER()
	return total, nil
}

type sendRequest struct {
	Payload       string   `json:"payload"`
	NoiseVariance *float64 `json:"no"`
	ErrVar        *float64 `json:"err_var"`
}

type sendResponse struct {
	RequestID string `json:"requestId"`
	Payload   string `json:"payload,omitempty"`
	*sim.PayloadResult
}

// HandleSend sends a payload through the link, one Reed-Solomon shard per
// spatial stream, and returns what the receiver reconstructed.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	id := requestID(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.codec == nil {
		h.fail(w, id, "send", errs.Configf("payload transfer needs at least two streams"))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		h.fail(w, id, "send", errs.Configf("parse request: %v", err))
		return
	}
	if limit := h.link.MaxPayload(h.codec, h.defaults.BatchSize); len(req.Payload) > limit {
		h.fail(w, id, "send", errs.Configf("payload of %d bytes exceeds the %d bytes a batch of %d examples carries",
			len(req.Payload), limit, h.defaults.BatchSize))
		return
	}
	no, errVar := h.defaults.NoiseVariance, h.defaults.ErrVar
	if req.NoiseVariance != nil {
		no = *req.NoiseVariance
	}
	if req.ErrVar != nil {
		errVar = *req.ErrVar
	}

	h.wsHub.BroadcastStatus("transferring", fmt.Sprintf("Sending %d bytes", len(req.Payload)))
	res, err := h.link.SendPayload(r.Context(), h.pipeline, h.codec, []byte(req.Payload), no, errVar)
	if err != nil {
		h.fail(w, id, "send", err)
		return
	}
	resp := sendResponse{RequestID: id, PayloadResult: res}
	if res.Recovered {
		resp.Payload = string(res.Payload)
		h.wsHub.BroadcastStatus("completed", fmt.Sprintf("Payload recovered, %d streams erased", len(res.Erased)))
	} else {
		h.wsHub.BroadcastStatus("error", "Payload lost: "+res.Failure)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus describes the detector and the service state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	status := "idle"
	if h.running != "" {
		status = "simulating"
	}
	h.mu.Unlock()

	maxPayload := -1
	if h.codec != nil {
		maxPayload = h.link.MaxPayload(h.codec, h.defaults.BatchSize)
	}

	p := h.pipeline
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"variant":          p.Variant,
		"detector":         p.Name(),
		"output":           p.Output.Type.String(),
		"hardOut":          p.Output.HardOut,
		"acceptsPrior":     p.AcceptsPrior(),
		"numRx":            p.StreamManagement.NumRx(),
		"numTx":            p.StreamManagement.NumTx(),
		"numStreamsPerTx":  p.StreamManagement.NumStreamsPerTx(),
		"numRxAnt":         h.link.NumRxAnt(),
		"numOfdmSymbols":   p.Grid.NumOFDMSymbols(),
		"fftSize":          p.Grid.FFTSize(),
		"numDataSymbols":   p.Grid.NumDataSymbols(),
		"numBitsPerSymbol": p.Constellation.BitsPerSymbol(),
		"payload":          h.codec != nil,
		"maxPayload":       maxPayload,
		"clients":          h.wsHub.NumClients(),
	})
}

func (h *Handlers) begin(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running != "" {
		return false
	}
	h.running = id
	return true
}

func (h *Handlers) end() {
	h.mu.Lock()
	h.running = ""
	h.mu.Unlock()
}

// fail logs err and writes it with a status code derived from its kind.
func (h *Handlers) fail(w http.ResponseWriter, id, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrShape), errors.Is(err, errs.ErrConfig):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrSingular):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	log.Printf("[%s] %s failed: %v", id, op, err)
	writeJSON(w, code, map[string]string{
		"requestId": id,
		"status":    metrics.Status(err),
		"error":     err.Error(),
	})
}

func requestID(w http.ResponseWriter) string {
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)
	return id
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Write response: %v", err)
	}
}
