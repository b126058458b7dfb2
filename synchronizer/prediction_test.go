package synchronizer

import (
	"testing"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/replication"
)

// predictedClient returns a client that owns object 1, already spawned at
// the origin from snapshot 1.
func predictedClient(t *testing.T, cfg config.Config) (*StateSynchronizer, *replication.NetworkedObject) {
	t.Helper()
	client := newSync(t, RoleClient, cfg, network.NewManualClock(0))
	client.SetClientID(1)
	src := replication.NewNetworkedObject(netconfig.AuthorityServer)
	_ = src.AssignID(1)
	src.SetOwner(1)
	src.EnableTransformSync(true)
	if err := client.ApplySnapshot(snapshotOf(t, 1, 0, src)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return client, src
}

func TestReconcileMatchingPredictionKeepsPose(t *testing.T) {
	client, src := predictedClient(t, config.Default())
	if err := client.PredictTransform(1, 5, nil, at(10, 0, 0)); err != nil {
		t.Fatalf("predict: %v", err)
	}

	src.SetTransform(at(10, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	corrected, err := client.ReconcileState(1, 5)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if corrected {
		t.Fatalf("expected no correction for a matching prediction")
	}
	obj, _ := client.Object(1)
	if x := obj.Transform().Position.X; x != 10 {
		t.Fatalf("expected x 10, got %v", x)
	}
	if client.Stats().Corrections != 0 {
		t.Fatalf("expected no corrections, got %d", client.Stats().Corrections)
	}
}

func TestReconcileMismatchSnapsToAuthority(t *testing.T) {
	client, src := predictedClient(t, config.Default())
	_ = client.PredictTransform(1, 5, nil, at(10, 0, 0))

	src.SetTransform(at(12, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	obj, _ := client.Object(1)
	if x := obj.Transform().Position.X; x != 10 {
		t.Fatalf("expected predicted pose to survive the snapshot, got x %v", x)
	}

	corrected, err := client.ReconcileState(1, 5)
	if err != nil || !corrected {
		t.Fatalf("expected a correction, got %v, %v", corrected, err)
	}
	if x := obj.Transform().Position.X; x != 12 {
		t.Fatalf("expected x 12 after the correction, got %v", x)
	}
	events := eventsOf(client.Events(), EventCorrection)
	if len(events) != 1 || events[0].Delta.X != 2 {
		t.Fatalf("expected one correction of +2, got %+v", events)
	}

	again, _ := client.ReconcileState(1, 5)
	if again {
		t.Fatalf("expected a repeated acknowledgement to be ignored")
	}
}

func TestReconcileRebasesLaterPredictions(t *testing.T) {
	client, src := predictedClient(t, config.Default())
	_ = client.PredictTransform(1, 5, nil, at(10, 0, 0))
	_ = client.PredictTransform(1, 6, nil, at(11, 0, 0))

	src.SetTransform(at(12, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	if _, err := client.ReconcileState(1, 5); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	obj, _ := client.Object(1)
	if x := obj.Transform().Position.X; x != 13 {
		t.Fatalf("expected the newer prediction to carry the correction to x 13, got %v", x)
	}
	left := client.Predictions(1)
	if len(left) != 1 || left[0].InputID != 6 || left[0].Predicted.Position.X != 13 {
		t.Fatalf("expected input 6 rebased to x 13, got %+v", left)
	}
}

func TestReconcileAfterRingOverrunCorrects(t *testing.T) {
	client, src := predictedClient(t, config.Default())
	for i := uint32(1); i <= 70; i++ {
		_ = client.PredictTransform(1, i, nil, at(float64(i), 0, 0))
	}

	src.SetTransform(at(500, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	corrected, err := client.ReconcileState(1, 5)
	if err != nil || !corrected {
		t.Fatalf("expected a correction for an evicted input, got %v, %v", corrected, err)
	}
	obj, _ := client.Object(1)
	if x := obj.Transform().Position.X; x != 500 {
		t.Fatalf("expected x 500 after the correction, got %v", x)
	}
	if n := len(client.Predictions(1)); n != 0 {
		t.Fatalf("expected outstanding predictions dropped, got %d", n)
	}

	// Acks for inputs sent before the resync are stale.
	if again, _ := client.ReconcileState(1, 6); again {
		t.Fatalf("expected input 6 to be ignored after the resync")
	}
	if x := obj.Transform().Position.X; x != 500 {
		t.Fatalf("expected x to stay 500, got %v", x)
	}

	_ = client.PredictTransform(1, 71, nil, at(501, 0, 0))
	src.SetTransform(at(501, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 3, 0.1, src))
	if again, _ := client.ReconcileState(1, 71); again {
		t.Fatalf("expected predictions after the resync to match")
	}
	if client.Stats().Corrections != 1 {
		t.Fatalf("expected one correction, got %d", client.Stats().Corrections)
	}
}

func TestSmoothCorrectionConverges(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Correction = netconfig.CorrectionSmooth.String()
	cfg.Sync.CorrectionDuration = 0.2
	client, src := predictedClient(t, cfg)
	clock := client.Clock().(*network.ManualClock)
	_ = client.Update()

	_ = client.PredictTransform(1, 5, nil, at(10, 0, 0))
	src.SetTransform(at(12, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	if corrected, _ := client.ReconcileState(1, 5); !corrected {
		t.Fatalf("expected a correction")
	}

	obj, _ := client.Object(1)
	if x := obj.Transform().Position.X; x != 10 {
		t.Fatalf("expected smooth correction to start from the shown pose, got %v", x)
	}
	clock.Advance(0.05)
	_ = client.Update()
	mid := obj.Transform().Position.X
	if mid <= 10 || mid >= 12 {
		t.Fatalf("expected a pose between 10 and 12, got %v", mid)
	}
	for i := 0; i < 5; i++ {
		clock.Advance(0.05)
		_ = client.Update()
	}
	if x := obj.Transform().Position.X; !approx(x, 12) {
		t.Fatalf("expected smooth correction to settle on 12, got %v", x)
	}
}

func TestSmoothCorrectionKeepsPredictionsLogical(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Correction = netconfig.CorrectionSmooth.String()
	cfg.Sync.CorrectionDuration = 1
	client, src := predictedClient(t, cfg)

	_ = client.PredictTransform(1, 5, nil, at(10, 0, 0))
	src.SetTransform(at(12, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 2, 0.05, src))
	_, _ = client.ReconcileState(1, 5)

	// Gameplay moves the shown pose one unit while the correction runs.
	obj, _ := client.Object(1)
	shown := obj.Transform()
	shown.Position.X++
	_ = client.PredictTransform(1, 6, nil, shown)

	src.SetTransform(at(13, 0, 0))
	_ = client.ApplySnapshot(snapshotOf(t, 3, 0.1, src))
	if corrected, _ := client.ReconcileState(1, 6); corrected {
		t.Fatalf("expected the in-flight offset to be ignored when comparing")
	}
}

func TestInputRoundTripReconciles(t *testing.T) {
	h := newHarness(t, config.Default(), network.PipeOptions{})
	obj := replication.NewNetworkedObject(netconfig.AuthorityServer)
	obj.EnableTransformSync(true)
	obj.SetOwner(h.clientID)
	id, _ := h.server.RegisterObject(obj)
	h.step(t, 3)

	// The server moves two units per input; the client predicts one.
	for i := 1; i <= 2; i++ {
		local, _ := h.client.Object(id)
		next := local.Transform()
		next.Position.X++
		if _, err := h.client.SendInput(id, []byte{1}, next); err != nil {
			t.Fatalf("send input: %v", err)
		}
	}
	h.step(t, 1)
	inputs := eventsOf(h.server.Events(), EventInput)
	if len(inputs) != 2 {
		t.Fatalf("expected 2 inputs on the server, got %d", len(inputs))
	}
	for _, in := range inputs {
		if in.Client != h.clientID || in.Object != id {
			t.Fatalf("unexpected input event %+v", in)
		}
		obj.SetPosition(obj.Transform().Position.Add(at(2, 0, 0).Position))
		if err := h.server.AckInput(in.Client, in.Object, in.InputID); err != nil {
			t.Fatalf("ack input: %v", err)
		}
	}
	h.step(t, 3)

	local, _ := h.client.Object(id)
	if x := local.Transform().Position.X; x != 4 {
		t.Fatalf("expected client to be corrected to x 4, got %v", x)
	}
	if h.client.Stats().Corrections != 1 {
		t.Fatalf("expected exactly one correction, got %d", h.client.Stats().Corrections)
	}
	if n := len(h.client.Predictions(id)); n != 0 {
		t.Fatalf("expected all predictions acknowledged, got %d", n)
	}
}

func TestSendInputRequiresOwnership(t *testing.T) {
	h := newHarness(t, config.Default(), network.PipeOptions{})
	obj, _ := newObject(t, netconfig.AuthorityServer, 1)
	id, _ := h.server.RegisterObject(obj)
	h.step(t, 3)
	if _, err := h.client.SendInput(id, nil, at(0, 0, 0)); err == nil {
		t.Fatalf("expected input for an unowned object to fail")
	}
}
