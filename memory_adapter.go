package sio

import (
	"sync"

	"github.com/evelar/sio/parser"
)

// MemoryAdapter is the in-memory reference implementation of Adapter.
type MemoryAdapter struct {
	mu    sync.RWMutex
	rooms map[Room]map[SocketID]struct{}
	sids  map[SocketID]map[Room]struct{}

	nsp     *Namespace
	encoder parser.Encoder
}

// NewMemoryAdapter creates an in-memory adapter bound to the namespace.
func NewMemoryAdapter(nsp *Namespace) Adapter {
	return &MemoryAdapter{
		rooms: make(map[Room]map[SocketID]struct{}),
		sids:  make(map[SocketID]map[Room]struct{}),
		nsp:   nsp,
	}
}

// AddAll adds the socket to every listed room.
func (a *MemoryAdapter) AddAll(id SocketID, rooms []Room) {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined := a.sids[id]
	if joined == nil {
		joined = make(map[Room]struct{})
		a.sids[id] = joined
	}
	for _, room := range rooms {
		joined[room] = struct{}{}
		members := a.rooms[room]
		if members == nil {
			members = make(map[SocketID]struct{})
			a.rooms[room] = members
		}
		members[id] = struct{}{}
	}
}

// Del removes the socket from the room.
func (a *MemoryAdapter) Del(id SocketID, room Room) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.del(id, room)
}

func (a *MemoryAdapter) del(id SocketID, room Room) {
	if members, ok := a.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}
	if joined, ok := a.sids[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(a.sids, id)
		}
	}
}

// DelAll removes the socket from every room it belongs to.
func (a *MemoryAdapter) DelAll(id SocketID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for room := range a.sids[id] {
		a.del(id, room)
	}
	delete(a.sids, id)
}

// Broadcast pre-encodes the packet once and writes the frames to every
// targeted socket's client.
func (a *MemoryAdapter) Broadcast(packet *parser.Packet, opts *BroadcastOptions) error {
	if opts == nil {
		opts = &BroadcastOptions{}
	}
	packet.Nsp = a.nsp.Name()

	frames, err := a.encoder.Encode(packet)
	if err != nil {
		return err
	}
	writeOpts := &WriteOptions{
		Compress: opts.Flags.Compress,
		Volatile: opts.Flags.Volatile,
	}

	for _, id := range a.targets(opts) {
		if socket, ok := a.nsp.connectedSocket(id); ok {
			socket.client.writeFrames(frames, writeOpts)
		}
	}
	return nil
}

// targets resolves opts to a deduplicated list of socket ids.
func (a *MemoryAdapter) targets(opts *BroadcastOptions) []SocketID {
	excluded := make(map[SocketID]struct{}, len(opts.Except))
	for _, id := range opts.Except {
		excluded[id] = struct{}{}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []SocketID
	if len(opts.Rooms) == 0 {
		for id := range a.sids {
			if _, skip := excluded[id]; !skip {
				ids = append(ids, id)
			}
		}
		return ids
	}

	seen := make(map[SocketID]struct{})
	for _, room := range opts.Rooms {
		for id := range a.rooms[room] {
			if _, skip := excluded[id]; skip {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Sockets returns the ids present in the given rooms, or all known ids when
// rooms is empty.
func (a *MemoryAdapter) Sockets(rooms []Room) ([]SocketID, error) {
	return a.targets(&BroadcastOptions{Rooms: rooms}), nil
}

// SocketRooms returns the rooms containing the socket.
func (a *MemoryAdapter) SocketRooms(id SocketID) []Room {
	a.mu.RLock()
	defer a.mu.RUnlock()
	joined, ok := a.sids[id]
	if !ok {
		return nil
	}
	rooms := make([]Room, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	return rooms
}

// Close drops all membership state.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rooms = make(map[Room]map[SocketID]struct{})
	a.sids = make(map[SocketID]map[Room]struct{})
	return nil
}
