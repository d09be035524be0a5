package sio

import "github.com/evelar/sio/parser"

// Room is an opaque label grouping sockets within one namespace. Every live
// socket is implicitly a member of the room named by its own id.
type Room string

// SocketID identifies a logical socket. It equals the connection id on the
// default namespace and "<namespace>#<connection id>" elsewhere.
type SocketID string

// BroadcastFlags modify a single emit. The zero value means plain delivery.
type BroadcastFlags struct {
	// Compress requests per-message compression on the transport.
	Compress bool
	// Volatile drops the packet for receivers whose transport is not
	// currently writable instead of queueing it.
	Volatile bool
	// Local suppresses forwarding to other nodes of a distributed adapter.
	Local bool
	// Broadcast excludes the originating socket from room fan-out.
	Broadcast bool
	// Binary forces (true) or suppresses (false) binary framing; nil selects
	// it by structural inspection of the payload.
	Binary *bool
}

// BroadcastOptions address one broadcast: the target rooms (all sockets when
// empty), excluded socket ids, and the emit flags.
type BroadcastOptions struct {
	Rooms  []Room
	Except []SocketID
	Flags  BroadcastFlags
}

// Adapter tracks room membership for one namespace and fans packets out to
// the targeted sockets. The in-memory implementation is the reference
// semantics; distributed implementations must preserve them for the local
// node and forward non-local broadcasts to peers.
//
// Membership operations are idempotent and infallible against unknown ids
// and rooms.
type Adapter interface {
	// AddAll adds the socket to every listed room, creating rooms on demand.
	AddAll(id SocketID, rooms []Room)
	// Del removes the socket from the room, deleting the room when empty.
	Del(id SocketID, room Room)
	// DelAll removes the socket from every room it belongs to.
	DelAll(id SocketID)
	// Broadcast encodes the packet once and delivers it to every socket
	// addressed by opts. Delivery to a dead socket is a silent no-op.
	Broadcast(packet *parser.Packet, opts *BroadcastOptions) error
	// Sockets returns the ids present in the given rooms, or every known id
	// when rooms is empty. Distributed adapters aggregate across nodes,
	// which may block up to their request timeout.
	Sockets(rooms []Room) ([]SocketID, error)
	// SocketRooms returns the rooms containing the socket, or nil.
	SocketRooms(id SocketID) []Room
	// Close releases adapter resources.
	Close() error
}

// AdapterFactory builds the adapter for a namespace.
type AdapterFactory func(nsp *Namespace) Adapter
