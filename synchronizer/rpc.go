package synchronizer

import (
	"fmt"

	"github.com/automoto/replica/shared/messages"
	"github.com/automoto/replica/shared/netconfig"
	"github.com/automoto/replica/shared/replication"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// RPCCall is one remote procedure invocation.
type RPCCall struct {
	Object replication.NetworkID
	Name   string
	Params []byte
	// From is the sending client on the server, NoClient on clients.
	From replication.ClientID
}

// RPCHandler receives the raw parameter bytes of a call.
type RPCHandler func(call RPCCall)

type rpcKey struct {
	object replication.NetworkID
	name   string
}

// RegisterRPC installs the handler for name on an object. Handlers may be
// registered before the object itself arrives.
func (s *StateSynchronizer) RegisterRPC(id replication.NetworkID, name string, h RPCHandler) {
	key := rpcKey{object: id, name: name}
	if h == nil {
		delete(s.rpcs, key)
		return
	}
	s.rpcs[key] = h
}

// CallRPC sends a call on a registered object. A server broadcasts to every
// client that knows the object; a client sends to the server.
func (s *StateSynchronizer) CallRPC(id replication.NetworkID, name string, params []byte, mode netconfig.SyncMode) error {
	if !s.has(id) {
		s.log.Warn("rpc ", name, " on unknown object ", id)
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	p := messages.RPC{ObjectID: id, Name: name, Params: params}.Packet()
	if s.server != nil {
		for _, cc := range s.server.sortedClients() {
			if cc.conn == nil || !cc.known[id] {
				continue
			}
			s.sendTo(cc, p, mode)
		}
		return nil
	}
	return s.sendUpstream(p, mode)
}

// CallRPCOn sends a call to a single client.
func (s *StateSynchronizer) CallRPCOn(client replication.ClientID, id replication.NetworkID, name string, params []byte, mode netconfig.SyncMode) error {
	if s.server == nil {
		return ErrWrongRole
	}
	if !s.has(id) {
		s.log.Warn("rpc ", name, " on unknown object ", id)
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	cc, ok := s.server.clients[client]
	if !ok || cc.conn == nil {
		return fmt.Errorf("%w: %d", ErrUnknownClient, client)
	}
	s.sendTo(cc, messages.RPC{ObjectID: id, Name: name, Params: params}.Packet(), mode)
	return nil
}

// ReceiveRPC queues an incoming call. Calls are dispatched at the end of
// the current Update, in arrival order.
func (s *StateSynchronizer) ReceiveRPC(call RPCCall) {
	s.rpcQueue = append(s.rpcQueue, call)
}

func (s *StateSynchronizer) dispatchRPCs() {
	queue := s.rpcQueue
	s.rpcQueue = nil
	for _, call := range queue {
		h, ok := s.rpcs[rpcKey{object: call.Object, name: call.Name}]
		if !ok {
			s.stats.DroppedRPCs++
			s.log.Debug("dropped rpc ", call.Name, " for object ", call.Object, ": no handler")
			continue
		}
		h(call)
	}
}

// EncodeParams packs RPC parameters with MessagePack.
func EncodeParams(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, fmt.Errorf("encode rpc params: %w", err)
	}
	return b, nil
}

// DecodeParams unpacks parameters produced by EncodeParams.
func DecodeParams(b []byte, v any) error {
	if err := codec.NewDecoderBytes(b, &codec.MsgpackHandle{}).Decode(v); err != nil {
		return fmt.Errorf("decode rpc params: %w", err)
	}
	return nil
}
