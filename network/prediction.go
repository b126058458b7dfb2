package network

import (
	"github.com/automoto/replica/shared/gamemath"
)

const predictionBufferSize = 64

// InputRecord stores an input alongside the transform predicted after
// applying it.
type InputRecord struct {
	InputID   uint32
	Payload   []byte
	Predicted gamemath.Transform
	valid     bool
}

// PredictionBuffer is a ring buffer of recent inputs and their predicted
// outcomes for one object, kept until the server acknowledges them.
type PredictionBuffer struct {
	history [predictionBufferSize]InputRecord
	nextSeq uint32
}

// Store saves an input and the resulting predicted transform.
func (pb *PredictionBuffer) Store(inputID uint32, payload []byte, predicted gamemath.Transform) {
	idx := inputID % predictionBufferSize
	pb.history[idx] = InputRecord{
		InputID:   inputID,
		Payload:   payload,
		Predicted: predicted,
		valid:     true,
	}
	pb.nextSeq = inputID + 1
}

// Get retrieves a stored record by input id. Returns false if not found
// or if the slot has been overwritten.
func (pb *PredictionBuffer) Get(inputID uint32) (InputRecord, bool) {
	record := pb.history[inputID%predictionBufferSize]
	if !record.valid || record.InputID != inputID {
		return InputRecord{}, false
	}
	return record, true
}

// GetUnacknowledged returns the stored inputs after lastAcked, oldest first.
func (pb *PredictionBuffer) GetUnacknowledged(lastAcked uint32) []InputRecord {
	var results []InputRecord
	for seq := lastAcked + 1; seq < pb.nextSeq; seq++ {
		if record, ok := pb.Get(seq); ok {
			results = append(results, record)
		}
	}
	return results
}

// Latest returns the most recent prediction, if it is still buffered.
func (pb *PredictionBuffer) Latest() (InputRecord, bool) {
	if pb.nextSeq == 0 {
		return InputRecord{}, false
	}
	return pb.Get(pb.nextSeq - 1)
}

// Discard drops every record up to and including inputID.
func (pb *PredictionBuffer) Discard(inputID uint32) {
	for i := range pb.history {
		if pb.history[i].valid && pb.history[i].InputID <= inputID {
			pb.history[i] = InputRecord{}
		}
	}
}

// Rebase shifts every outstanding prediction by delta so later records stay
// consistent after a correction.
func (pb *PredictionBuffer) Rebase(delta gamemath.Vec3) {
	for i := range pb.history {
		if pb.history[i].valid {
			pb.history[i].Predicted.Position = pb.history[i].Predicted.Position.Add(delta)
		}
	}
}

// Len returns the number of live records.
func (pb *PredictionBuffer) Len() int {
	n := 0
	for i := range pb.history {
		if pb.history[i].valid {
			n++
		}
	}
	return n
}

// Reset forgets every prediction.
func (pb *PredictionBuffer) Reset() {
	*pb = PredictionBuffer{}
}
