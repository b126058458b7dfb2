package network

import (
	"testing"

	"github.com/automoto/replica/shared/gamemath"
)

func predictedAt(x float64) gamemath.Transform {
	t := gamemath.IdentityTransform()
	t.Position = gamemath.V3(x, 0, 0)
	return t
}

func TestPredictionBufferStoreAndGet(t *testing.T) {
	var pb PredictionBuffer
	for i := uint32(1); i <= 5; i++ {
		pb.Store(i, nil, predictedAt(float64(i)))
	}
	r, ok := pb.Get(3)
	if !ok || r.Predicted.Position.X != 3 {
		t.Fatalf("expected record 3, got %+v ok=%v", r, ok)
	}
	if _, ok := pb.Get(0); ok {
		t.Fatal("expected empty slot to miss")
	}
	if l, _ := pb.Latest(); l.InputID != 5 {
		t.Fatalf("expected latest 5, got %d", l.InputID)
	}
}

func TestPredictionBufferOverwrite(t *testing.T) {
	var pb PredictionBuffer
	for i := uint32(1); i <= predictionBufferSize+2; i++ {
		pb.Store(i, nil, predictedAt(float64(i)))
	}
	if _, ok := pb.Get(1); ok {
		t.Fatal("expected overwritten record to miss")
	}
	if _, ok := pb.Get(predictionBufferSize + 1); !ok {
		t.Fatal("expected newest record to be present")
	}
	if l, ok := pb.Latest(); !ok || l.InputID != predictionBufferSize+2 {
		t.Fatalf("expected latest %d, got %+v", predictionBufferSize+2, l)
	}
}

func TestPredictionBufferDiscardAndUnacknowledged(t *testing.T) {
	var pb PredictionBuffer
	for i := uint32(1); i <= 6; i++ {
		pb.Store(i, nil, predictedAt(float64(i)))
	}
	pb.Discard(4)
	if pb.Len() != 2 {
		t.Fatalf("expected 2 records left, got %d", pb.Len())
	}
	un := pb.GetUnacknowledged(4)
	if len(un) != 2 || un[0].InputID != 5 || un[1].InputID != 6 {
		t.Fatalf("expected inputs 5 and 6, got %+v", un)
	}

	pb.Rebase(gamemath.V3(1, 0, 0))
	if r, _ := pb.Get(6); r.Predicted.Position.X != 7 {
		t.Fatalf("expected rebased prediction at 7, got %v", r.Predicted.Position.X)
	}
	if l, ok := pb.Latest(); !ok || l.InputID != 6 {
		t.Fatalf("expected latest 6 after the discard, got %+v ok=%v", l, ok)
	}

	pb.Reset()
	if pb.Len() != 0 {
		t.Fatal("expected reset buffer")
	}
	if _, ok := pb.Latest(); ok {
		t.Fatal("expected no latest prediction after reset")
	}
}
