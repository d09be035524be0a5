package sio

import (
	"errors"
	"net/url"
	"sync"

	"github.com/evelar/sio/parser"
)

// Ack is an acknowledgement callback correlated with a previous emit.
type Ack func(args ...any)

// EventMiddleware inspects an inbound event (the event name followed by its
// arguments) before the listeners run. Calling next with an error sends an
// ERROR packet to the peer and suppresses the listeners.
type EventMiddleware func(event []any, next func(error))

// Socket is the logical endpoint of one namespace on one client connection.
type Socket struct {
	*emitter

	id        SocketID
	nsp       *Namespace
	client    *Client
	handshake *Handshake

	mu           sync.Mutex
	stagedRooms  []Room
	flags        BroadcastFlags
	connected    bool
	closing      bool
	disconnected bool

	fnsMu sync.RWMutex
	fns   []EventMiddleware

	acks sync.Map // packet id -> Ack
	data sync.Map
}

func newSocket(nsp *Namespace, client *Client, query url.Values) *Socket {
	id := SocketID(client.ID())
	if nsp.Name() != "/" {
		id = SocketID(nsp.Name() + "#" + client.ID())
	}
	return &Socket{
		emitter:   newEmitter(),
		id:        id,
		nsp:       nsp,
		client:    client,
		handshake: newHandshake(client.conn.Request(), query),
		connected: true,
	}
}

// ID returns the socket id.
func (s *Socket) ID() SocketID {
	return s.id
}

// Nsp returns the owning namespace.
func (s *Socket) Nsp() *Namespace {
	return s.nsp
}

// Client returns the owning connection multiplexer.
func (s *Socket) Client() *Client {
	return s.client
}

// Handshake returns the immutable handshake snapshot.
func (s *Socket) Handshake() *Handshake {
	return s.handshake
}

// Connected reports whether the socket is still attached to its namespace.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnected is the complement of Connected.
func (s *Socket) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Set stores a value in the per-socket data bag.
func (s *Socket) Set(key string, value any) {
	s.data.Store(key, value)
}

// Get retrieves a value from the per-socket data bag.
func (s *Socket) Get(key string) (any, bool) {
	return s.data.Load(key)
}

// Use appends event middleware run for every inbound event, in order, before
// the listeners.
func (s *Socket) Use(fn EventMiddleware) *Socket {
	s.fnsMu.Lock()
	s.fns = append(s.fns, fn)
	s.fnsMu.Unlock()
	return s
}

// To stages a target room for the next emit. Chainable.
func (s *Socket) To(rooms ...Room) *Socket {
	s.mu.Lock()
	s.stagedRooms = append(s.stagedRooms, rooms...)
	s.mu.Unlock()
	return s
}

// In is an alias of To.
func (s *Socket) In(rooms ...Room) *Socket {
	return s.To(rooms...)
}

// Compress sets the compress flag for the next emit.
func (s *Socket) Compress(compress bool) *Socket {
	s.mu.Lock()
	s.flags.Compress = compress
	s.mu.Unlock()
	return s
}

// Binary forces or suppresses binary framing for the next emit.
func (s *Socket) Binary(binary bool) *Socket {
	s.mu.Lock()
	s.flags.Binary = &binary
	s.mu.Unlock()
	return s
}

// Volatile marks the next emit as droppable when the transport is not
// writable.
func (s *Socket) Volatile() *Socket {
	s.mu.Lock()
	s.flags.Volatile = true
	s.mu.Unlock()
	return s
}

// Broadcast makes the next emit fan out to the namespace, excluding this
// socket.
func (s *Socket) Broadcast() *Socket {
	s.mu.Lock()
	s.flags.Broadcast = true
	s.mu.Unlock()
	return s
}

// Local keeps the next emit on this node.
func (s *Socket) Local() *Socket {
	s.mu.Lock()
	s.flags.Local = true
	s.mu.Unlock()
	return s
}

// Emit sends an event to the peer, or fans it out through the adapter when
// rooms are staged or the broadcast flag is set. Reserved event names are
// raised on the local listeners instead of the wire. An Ack callback may be
// passed as the last argument unless broadcasting.
func (s *Socket) Emit(event string, args ...any) error {
	if isReservedEvent(event) {
		s.EmitLocal(event, args...)
		return nil
	}

	s.mu.Lock()
	rooms := s.stagedRooms
	flags := s.flags
	s.stagedRooms = nil
	s.flags = BroadcastFlags{}
	s.mu.Unlock()

	data := append([]any{event}, args...)
	var ack Ack
	if len(args) > 0 {
		if fn, ok := ackOf(args[len(args)-1]); ok {
			ack = fn
			data = data[:len(data)-1]
		}
	}

	broadcasting := len(rooms) > 0 || flags.Broadcast
	if ack != nil && broadcasting {
		return ErrBroadcastAck
	}

	packet := &parser.Packet{
		Type: eventPacketType(flags.Binary, data),
		Data: data,
	}

	if ack != nil {
		id := s.nsp.nextID()
		s.acks.Store(id, ack)
		packet.ID = &id
	}

	if broadcasting {
		return s.nsp.Adapter().Broadcast(packet, &BroadcastOptions{
			Rooms:  rooms,
			Except: []SocketID{s.id},
			Flags:  flags,
		})
	}

	s.packet(packet, &WriteOptions{Compress: flags.Compress, Volatile: flags.Volatile})
	return nil
}

// Send emits a "message" event.
func (s *Socket) Send(args ...any) error {
	return s.Emit("message", args...)
}

// Write is an alias of Send.
func (s *Socket) Write(args ...any) error {
	return s.Send(args...)
}

// Join adds the socket to the given rooms.
func (s *Socket) Join(rooms ...Room) {
	s.nsp.Adapter().AddAll(s.id, rooms)
}

// Leave removes the socket from the room.
func (s *Socket) Leave(room Room) {
	s.nsp.Adapter().Del(s.id, room)
}

// Rooms returns the rooms the socket currently belongs to.
func (s *Socket) Rooms() []Room {
	return s.nsp.Adapter().SocketRooms(s.id)
}

// OnDisconnect registers a listener for the disconnect event.
func (s *Socket) OnDisconnect(fn func(reason string)) {
	s.On("disconnect", func(args ...any) {
		var reason string
		if len(args) > 0 {
			reason, _ = args[0].(string)
		}
		fn(reason)
	})
}

// Disconnect detaches the socket from its namespace. With close the whole
// client connection is torn down; otherwise a DISCONNECT packet is sent and
// only this socket closes.
func (s *Socket) Disconnect(close bool) {
	if !s.Connected() {
		return
	}
	if close {
		s.client.disconnect()
		return
	}
	s.packet(&parser.Packet{Type: parser.PacketTypeDisconnect}, nil)
	s.onclose("server namespace disconnect")
}

// packet stamps the namespace and forwards to the client. Packets on a
// disconnected socket are dropped.
func (s *Socket) packet(p *parser.Packet, opts *WriteOptions) {
	if !s.Connected() {
		return
	}
	p.Nsp = s.nsp.Name()
	s.client.packet(p, opts)
}

// sendError emits an ERROR packet on this namespace.
func (s *Socket) sendError(msg string) {
	s.packet(&parser.Packet{Type: parser.PacketTypeError, Data: msg}, nil)
}

// onconnect registers the approved socket with the namespace, joins its own
// room and acknowledges the connection. The CONNECT ack is elided on the
// default namespace when it was already fused with the transport handshake.
func (s *Socket) onconnect() {
	s.nsp.addConnected(s)
	s.Join(Room(s.id))
	if s.nsp.Name() == "/" && s.nsp.middlewareCount() == 0 && s.client.server.initialPacketEnabled() {
		return
	}
	s.packet(&parser.Packet{Type: parser.PacketTypeConnect}, nil)
}

// onpacket dispatches one inbound packet addressed to this socket.
func (s *Socket) onpacket(p *parser.Packet) {
	switch p.Type {
	case parser.PacketTypeEvent, parser.PacketTypeBinaryEvent:
		s.onevent(p)
	case parser.PacketTypeAck, parser.PacketTypeBinaryAck:
		s.onack(p)
	case parser.PacketTypeDisconnect:
		s.onclose("client namespace disconnect")
	case parser.PacketTypeError:
		msg, _ := p.Data.(string)
		s.onerror(errors.New(msg))
	}
}

func (s *Socket) onevent(p *parser.Packet) {
	args, _ := p.Data.([]any)
	if p.ID != nil {
		args = append(args, s.ackResponder(*p.ID))
	}
	s.run(args, func(err error) {
		if err != nil {
			s.sendError(err.Error())
			return
		}
		s.dispatch(args)
	})
}

func (s *Socket) dispatch(args []any) {
	if len(args) == 0 {
		return
	}
	event, ok := args[0].(string)
	if !ok {
		socketLog.Debug().Str("sid", string(s.id)).Msg("dropping event with non-string name")
		return
	}
	s.EmitLocal(event, args[1:]...)
}

// run executes the event middleware chain over a snapshot taken at entry.
func (s *Socket) run(event []any, fn func(error)) {
	s.fnsMu.RLock()
	fns := append([]EventMiddleware(nil), s.fns...)
	s.fnsMu.RUnlock()

	if len(fns) == 0 {
		fn(nil)
		return
	}
	var next func(i int)
	next = func(i int) {
		fns[i](event, func(err error) {
			if err != nil {
				fn(err)
				return
			}
			if i >= len(fns)-1 {
				fn(nil)
				return
			}
			next(i + 1)
		})
	}
	next(0)
}

// ackResponder builds the single-shot callback handed to listeners of an
// event that expects a response.
func (s *Socket) ackResponder(id uint64) Ack {
	var once sync.Once
	return func(args ...any) {
		once.Do(func() {
			s.packet(&parser.Packet{
				Type: ackPacketType(args),
				ID:   &id,
				Data: args,
			}, nil)
		})
	}
}

func (s *Socket) onack(p *parser.Packet) {
	if p.ID == nil {
		socketLog.Debug().Str("sid", string(s.id)).Msg("ignoring ack without id")
		return
	}
	val, ok := s.acks.LoadAndDelete(*p.ID)
	if !ok {
		socketLog.Debug().Str("sid", string(s.id)).Uint64("id", *p.ID).Msg("ignoring unknown ack")
		return
	}
	args, _ := p.Data.([]any)
	val.(Ack)(args...)
}

// onerror raises the error on local listeners, or logs it when none exist.
func (s *Socket) onerror(err error) {
	if s.ListenerCount("error") > 0 {
		s.EmitLocal("error", err)
		return
	}
	socketLog.Error().Str("sid", string(s.id)).Err(err).Msg("unhandled socket error")
}

// onclose runs the teardown sequence exactly once: disconnecting (rooms
// still queryable), leave all rooms, deregister from namespace and client,
// flip flags, disconnect.
func (s *Socket) onclose(reason string) {
	// claim the teardown while still holding the lock, so two racing close
	// paths cannot both run it
	s.mu.Lock()
	if !s.connected || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	socketLog.Debug().Str("sid", string(s.id)).Str("reason", reason).Msg("closing socket")
	s.EmitLocal("disconnecting", reason)
	s.nsp.Adapter().DelAll(s.id)
	s.nsp.remove(s)
	s.client.remove(s)

	s.mu.Lock()
	s.connected = false
	s.disconnected = true
	s.mu.Unlock()

	s.EmitLocal("disconnect", reason)
}
