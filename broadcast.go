package sio

import (
	"errors"

	"github.com/evelar/sio/parser"
)

// ErrBroadcastAck is returned when an emit targets rooms or sets the
// broadcast flag while carrying an acknowledgement callback.
var ErrBroadcastAck = errors.New("callbacks are not supported when broadcasting")

// BroadcastOperator addresses one broadcast. It is immutable: every modifier
// returns a new operator, so rooms and flags are carried as explicit values
// all the way to the adapter.
type BroadcastOperator struct {
	nsp    *Namespace
	rooms  []Room
	except []SocketID
	flags  BroadcastFlags
}

func newBroadcastOperator(nsp *Namespace) *BroadcastOperator {
	return &BroadcastOperator{nsp: nsp}
}

func (b *BroadcastOperator) clone() *BroadcastOperator {
	out := &BroadcastOperator{nsp: b.nsp, flags: b.flags}
	out.rooms = append(out.rooms, b.rooms...)
	out.except = append(out.except, b.except...)
	return out
}

// To targets additional rooms. Chainable.
func (b *BroadcastOperator) To(rooms ...Room) *BroadcastOperator {
	out := b.clone()
	out.rooms = append(out.rooms, rooms...)
	return out
}

// In is an alias of To.
func (b *BroadcastOperator) In(rooms ...Room) *BroadcastOperator {
	return b.To(rooms...)
}

// Except excludes socket ids from the broadcast.
func (b *BroadcastOperator) Except(ids ...SocketID) *BroadcastOperator {
	out := b.clone()
	out.except = append(out.except, ids...)
	return out
}

// Compress sets the compress flag for the emit.
func (b *BroadcastOperator) Compress(compress bool) *BroadcastOperator {
	out := b.clone()
	out.flags.Compress = compress
	return out
}

// Volatile marks the emit as droppable when a receiver's transport is not
// writable.
func (b *BroadcastOperator) Volatile() *BroadcastOperator {
	out := b.clone()
	out.flags.Volatile = true
	return out
}

// Local keeps the broadcast on this node.
func (b *BroadcastOperator) Local() *BroadcastOperator {
	out := b.clone()
	out.flags.Local = true
	return out
}

// Binary forces or suppresses binary framing for the emit.
func (b *BroadcastOperator) Binary(binary bool) *BroadcastOperator {
	out := b.clone()
	out.flags.Binary = &binary
	return out
}

// Emit broadcasts the event through the namespace adapter. Reserved event
// names are raised on the namespace's local listeners instead; ack callbacks
// are rejected.
func (b *BroadcastOperator) Emit(event string, args ...any) error {
	if isReservedNamespaceEvent(event) {
		b.nsp.EmitLocal(event, args...)
		return nil
	}
	if len(args) > 0 {
		if _, ok := ackOf(args[len(args)-1]); ok {
			return ErrBroadcastAck
		}
	}

	data := append([]any{event}, args...)
	packet := &parser.Packet{
		Type: eventPacketType(b.flags.Binary, data),
		Data: data,
	}
	return b.nsp.Adapter().Broadcast(packet, &BroadcastOptions{
		Rooms:  b.rooms,
		Except: b.except,
		Flags:  b.flags,
	})
}

// Send emits a "message" event.
func (b *BroadcastOperator) Send(args ...any) error {
	return b.Emit("message", args...)
}

// Write is an alias of Send.
func (b *BroadcastOperator) Write(args ...any) error {
	return b.Send(args...)
}

// AllSockets returns the ids of the sockets in the targeted rooms.
func (b *BroadcastOperator) AllSockets() ([]SocketID, error) {
	return b.nsp.Adapter().Sockets(b.rooms)
}

// eventPacketType picks the plain or binary event variant: the explicit flag
// wins, else the payload is inspected.
func eventPacketType(binary *bool, data []any) parser.PacketType {
	if binary != nil {
		if *binary {
			return parser.PacketTypeBinaryEvent
		}
		return parser.PacketTypeEvent
	}
	if parser.HasBinary(data) {
		return parser.PacketTypeBinaryEvent
	}
	return parser.PacketTypeEvent
}

// ackPacketType is the ACK analogue of eventPacketType.
func ackPacketType(data []any) parser.PacketType {
	if parser.HasBinary(data) {
		return parser.PacketTypeBinaryAck
	}
	return parser.PacketTypeAck
}

// ackOf recognizes an acknowledgement callback in an argument position.
func ackOf(v any) (Ack, bool) {
	switch fn := v.(type) {
	case Ack:
		return fn, true
	case func(args ...any):
		return fn, true
	}
	return nil, false
}
