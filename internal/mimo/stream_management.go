package mimo

import (
	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// StreamID identifies one stream of one transmitter.
type StreamID struct {
	Tx, Stream int
}

// StreamManagement describes which transmitter streams every receiver
// detects. It is built once from an rx-tx association matrix and is
// immutable afterwards, so it can be shared by concurrent detections.
type StreamManagement struct {
	numRx, numTx, numStreamsPerTx int
	numTxPerRx                    int

	desired     [][]StreamID
	desiredInd  []int
	undesired   []int
	permutation []int
}

// NewStreamManagement builds the index tables from association, a
// [num_rx][num_tx] 0/1 matrix. Every transmitter must be associated with
// exactly one receiver and every receiver with the same number of
// transmitters.
func NewStreamManagement(association [][]int, numStreamsPerTx int) (*StreamManagement, error) {
	numRx := len(association)
	if numRx == 0 {
		return nil, errs.Configf("rx_tx_association has no receivers")
	}
	numTx := len(association[0])
	if numTx == 0 {
		return nil, errs.Configf("rx_tx_association has no transmitters")
	}
	if numStreamsPerTx < 1 {
		return nil, errs.Configf("num_streams_per_tx must be positive, got %d", numStreamsPerTx)
	}

	owner := make([]int, numTx)
	for t := range owner {
		owner[t] = -1
	}
	perRx := make([]int, numRx)
	for r, row := range association {
		if len(row) != numTx {
			return nil, errs.Configf("rx_tx_association row %d has %d entries, want %d", r, len(row), numTx)
		}
		for t, v := range row {
			switch v {
			case 0:
			case 1:
				if owner[t] >= 0 {
					return nil, errs.Configf("transmitter %d is associated with receivers %d and %d", t, owner[t], r)
				}
				owner[t] = r
				perRx[r]++
			default:
				return nil, errs.Configf("rx_tx_association[%d][%d] is %d, want 0 or 1", r, t, v)
			}
		}
	}
	for t, r := range owner {
		if r < 0 {
			return nil, errs.Configf("transmitter %d is not associated with any receiver", t)
		}
	}
	for r := 1; r < numRx; r++ {
		if perRx[r] != perRx[0] {
			return nil, errs.Configf("receiver %d has %d transmitters, receiver 0 has %d", r, perRx[r], perRx[0])
		}
	}

	sm := &StreamManagement{
		numRx:           numRx,
		numTx:           numTx,
		numStreamsPerTx: numStreamsPerTx,
		numTxPerRx:      perRx[0],
		desired:         make([][]StreamID, numRx),
		permutation:     make([]int, numTx*numStreamsPerTx),
	}
	flat := func(r, t, u int) int { return (r*numTx+t)*numStreamsPerTx + u }
	pos := 0
	for r := 0; r < numRx; r++ {
		for t := 0; t < numTx; t++ {
			for u := 0; u < numStreamsPerTx; u++ {
				if owner[t] == r {
					sm.desired[r] = append(sm.desired[r], StreamID{Tx: t, Stream: u})
					sm.desiredInd = append(sm.desiredInd, flat(r, t, u))
					sm.permutation[t*numStreamsPerTx+u] = pos
					pos++
				} else {
					sm.undesired = append(sm.undesired, flat(r, t, u))
				}
			}
		}
	}
	return sm, nil
}

// NewSingleLink returns the stream management of one receiver and one
// transmitter.
func NewSingleLink(numStreamsPerTx int) (*StreamManagement, error) {
	return NewStreamManagement([][]int{{1}}, numStreamsPerTx)
}

// NumRx returns the number of receivers.
func (sm *StreamManagement) NumRx() int { return sm.numRx }

// NumTx returns the number of transmitters.
func (sm *StreamManagement) NumTx() int { return sm.numTx }

// NumStreamsPerTx returns the number of streams per transmitter.
func (sm *StreamManagement) NumStreamsPerTx() int { return sm.numStreamsPerTx }

// NumStreamsPerRx returns the number of streams every receiver detects.
func (sm *StreamManagement) NumStreamsPerRx() int { return sm.numTxPerRx * sm.numStreamsPerTx }

// NumInterferingStreamsPerRx returns the number of streams every receiver
// treats as interference.
func (sm *StreamManagement) NumInterferingStreamsPerRx() int {
	return (sm.numTx - sm.numTxPerRx) * sm.numStreamsPerTx
}

// Desired returns the (tx, stream) pairs detected by receiver rx, in the
// order the detector sees them.
func (sm *StreamManagement) Desired(rx int) []StreamID { return sm.desired[rx] }

// DesiredIndices returns, receiver by receiver, the flat indices into
// [num_rx, num_tx, num_streams_per_tx] of the detected streams.
func (sm *StreamManagement) DesiredIndices() []int { return sm.desiredInd }

// UndesiredIndices returns, receiver by receiver, the flat indices into
// [num_rx, num_tx, num_streams_per_tx] of the interfering streams.
func (sm *StreamManagement) UndesiredIndices() []int { return sm.undesired }

// StreamPermutation maps the flat (tx, stream) position t*num_streams_per_tx+u
// to its position in the receiver-ordered list of detected streams.
func (sm *StreamManagement) StreamPermutation() []int { return sm.permutation }
