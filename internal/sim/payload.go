package sim

import (
	"context"
	"fmt"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
	"github.com/jeongseonghan/mimo-ofdm/internal/fec"
	"github.com/jeongseonghan/mimo-ofdm/internal/tensor"
)

// PayloadResult reports one payload transfer.
type PayloadResult struct {
	Payload   []byte `json:"-"`
	Recovered bool   `json:"recovered"`
	Erased    []int  `json:"erased_streams"`
	BatchSize int    `json:"batch_size"`
	Errors    Errors `json:"errors"`
	Failure   string `json:"failure,omitempty"`
}

// MaxPayload returns the largest payload SendPayload carries in batch
// examples, or -1 if none fits.
func (l *Link) MaxPayload(codec *fec.StreamCodec, batch int) int {
	return codec.MaxPayload(batch * l.BitsPerStream() / 8)
}

// SendPayload spreads payload over all streams, one sealed Reed-Solomon
// shard per stream, transmits it with hard detection and reconstructs it
// from the shards whose checksum survived. A payload that cannot be
// reconstructed is reported with Recovered false and no error.
func (l *Link) SendPayload(ctx context.Context, det Detector, codec *fec.StreamCodec, payload []byte, no, errVar float64) (*PayloadResult, error) {
	t, u := l.sm.NumTx(), l.sm.NumStreamsPerTx()
	if codec.NumShards() != t*u {
		return nil, errs.Configf("codec has %d shards, the link carries %d streams", codec.NumShards(), t*u)
	}
	per := l.BitsPerStream()
	if per == 0 {
		return nil, errs.Configf("the resource grid carries no data symbols")
	}
	shards, err := codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	shardBits := 8 * len(shards[0])
	batch := (shardBits + per - 1) / per

	// fill the tail of every stream with random bits
	bits := l.RandomBits(batch)
	for ts, shard := range shards {
		for k := 0; k < shardBits; k++ {
			bits.Set(int(shard[k/8]>>(7-k%8))&1, k/per, ts/u, ts%u, k%per)
		}
	}

	f, err := l.Transmit(bits, no, errVar)
	if err != nil {
		return nil, err
	}
	out, err := det.Detect(ctx, f.Y, f.HHat, f.ErrVar, f.No)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	e, err := l.Score(f, out)
	if err != nil {
		return nil, err
	}
	got, err := l.HardBits(out)
	if err != nil {
		return nil, err
	}

	received := make([][]byte, len(shards))
	for ts := range received {
		received[ts] = packShard(got, ts/u, ts%u, per, len(shards[0]))
	}
	res := &PayloadResult{BatchSize: batch, Errors: e}
	res.Payload, res.Erased, err = codec.Decode(received)
	if err != nil {
		res.Failure = err.Error()
		return res, nil
	}
	res.Recovered = true
	return res, nil
}

// packShard reads n bytes of stream (tx, stream) MSB first from bits
// [B, T, U, per].
func packShard(bits *tensor.Tensor[int], tx, stream, per, n int) []byte {
	out := make([]byte, n)
	for k := 0; k < 8*n; k++ {
		if bits.At(k/per, tx, stream, k%per) != 0 {
			out[k/8] |= 1 << (7 - k%8)
		}
	}
	return out
}
