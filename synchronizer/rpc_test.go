package synchronizer

import (
	"errors"
	"testing"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/netconfig"
)

type hitParams struct {
	Damage int
	Source string
}

func TestRPCDispatchesToRegisteredHandler(t *testing.T) {
	s := newSync(t, RoleServer, config.Default(), network.NewManualClock(0))
	obj, _ := newObject(t, netconfig.AuthorityServer, 1)
	id, _ := s.RegisterObject(obj)

	var got []RPCCall
	s.RegisterRPC(id, "hit", func(call RPCCall) { got = append(got, call) })
	params, err := EncodeParams(hitParams{Damage: 7, Source: "spike"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.ReceiveRPC(RPCCall{Object: id, Name: "hit", Params: params, From: 3})
	s.ReceiveRPC(RPCCall{Object: id, Name: "heal"})
	if len(got) != 0 {
		t.Fatalf("expected calls to wait for the tick")
	}
	_ = s.Update()

	if len(got) != 1 || got[0].From != 3 {
		t.Fatalf("expected one hit call from client 3, got %+v", got)
	}
	var decoded hitParams
	if err := DecodeParams(got[0].Params, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Damage != 7 || decoded.Source != "spike" {
		t.Fatalf("expected {7 spike}, got %+v", decoded)
	}
	if s.Stats().DroppedRPCs != 1 {
		t.Fatalf("expected the unhandled call to be dropped, got %d", s.Stats().DroppedRPCs)
	}
}

func TestCallRPCOnUnknownObjectIsNoop(t *testing.T) {
	s := newSync(t, RoleServer, config.Default(), network.NewManualClock(0))
	if err := s.CallRPC(99, "hit", nil, netconfig.Reliable); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestRPCHandlerRegisteredBeforeObjectArrives(t *testing.T) {
	h := newHarness(t, config.Default(), network.PipeOptions{})
	obj, _ := newObject(t, netconfig.AuthorityServer, 1)
	id, _ := h.server.RegisterObject(obj)

	var calls []string
	h.client.RegisterRPC(id, "explode", func(call RPCCall) { calls = append(calls, string(call.Params)) })
	h.step(t, 3)

	if err := h.server.CallRPC(id, "explode", []byte("big"), netconfig.ReliableOrdered); err != nil {
		t.Fatalf("call: %v", err)
	}
	h.step(t, 2)
	if len(calls) != 1 || calls[0] != "big" {
		t.Fatalf("expected one explode call, got %v", calls)
	}
}

func TestClientRPCReachesServer(t *testing.T) {
	h := newHarness(t, config.Default(), network.PipeOptions{})
	obj, _ := newObject(t, netconfig.AuthorityServer, 1)
	id, _ := h.server.RegisterObject(obj)
	h.step(t, 3)

	var from []uint32
	h.server.RegisterRPC(id, "use", func(call RPCCall) { from = append(from, uint32(call.From)) })
	if err := h.client.CallRPC(id, "use", nil, netconfig.Unreliable); err != nil {
		t.Fatalf("call: %v", err)
	}
	h.step(t, 1)
	if len(from) != 1 || from[0] != uint32(h.clientID) {
		t.Fatalf("expected one call from client %d, got %v", h.clientID, from)
	}
}

func TestCallRPCOnTargetsOneClient(t *testing.T) {
	h := newHarness(t, config.Default(), network.PipeOptions{})
	obj, _ := newObject(t, netconfig.AuthorityServer, 1)
	id, _ := h.server.RegisterObject(obj)
	h.step(t, 2)

	n := 0
	h.client.RegisterRPC(id, "ping", func(RPCCall) { n++ })
	if err := h.server.CallRPCOn(h.clientID, id, "ping", nil, netconfig.Reliable); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := h.server.CallRPCOn(99, id, "ping", nil, netconfig.Reliable); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
	h.step(t, 1)
	if n != 1 {
		t.Fatalf("expected one call, got %d", n)
	}
	if err := h.client.CallRPCOn(1, id, "ping", nil, netconfig.Reliable); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole on a client, got %v", err)
	}
}
