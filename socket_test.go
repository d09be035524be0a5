package sio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evelar/sio/parser"
)

func TestSocketConnectElidesAck(t *testing.T) {
	server := NewServer(nil)
	_, conn, _ := connectedSocket(t, server)

	// the CONNECT ack for "/" is fused with the handshake, so nothing is
	// written on the socket itself
	assert.Empty(t, conn.sent(t))
}

func TestSocketEmit(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	require.NoError(t, socket.Emit("greet", "hello", 1.5))

	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeEvent, packets[0].Type)
	assert.Equal(t, []any{"greet", "hello", 1.5}, packets[0].Data)
	assert.Nil(t, packets[0].ID)
}

func TestSocketEmitBinaryAutoDetect(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	require.NoError(t, socket.Emit("file", []byte{1, 2, 3}))

	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeBinaryEvent, packets[0].Type)
	assert.Equal(t, []any{"file", []byte{1, 2, 3}}, packets[0].Data)
}

func TestSocketEmitAckRoundTrip(t *testing.T) {
	server := NewServer(nil)
	socket, conn, client := connectedSocket(t, server)

	var calls atomic.Int64
	var got atomic.Value
	require.NoError(t, socket.Emit("question", "x", Ack(func(args ...any) {
		calls.Add(1)
		got.Store(args)
	})))

	packets := conn.sent(t)
	require.Len(t, packets, 1)
	require.NotNil(t, packets[0].ID)
	id := *packets[0].ID
	// the ack callback must not ride the wire as an argument
	assert.Equal(t, []any{"question", "x"}, packets[0].Data)

	conn.receive(t, &parser.Packet{Type: parser.PacketTypeAck, Nsp: "/", ID: &id, Data: []any{"answer"}})
	settle(t, client)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, []any{"answer"}, got.Load())

	// a duplicate ack for the same id is ignored
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeAck, Nsp: "/", ID: &id, Data: []any{"again"}})
	settle(t, client)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSocketInboundEventWithAck(t *testing.T) {
	server := NewServer(nil)
	socket, conn, client := connectedSocket(t, server)

	socket.On("sum", func(args ...any) {
		ack, ok := args[len(args)-1].(Ack)
		require.True(t, ok)
		ack("ok")
		ack("twice")
	})

	id := uint64(5)
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeEvent, Nsp: "/", ID: &id, Data: []any{"sum", 1.0, 2.0}})
	settle(t, client)

	packets := conn.sent(t)
	require.Len(t, packets, 1, "responder must fire exactly once")
	assert.Equal(t, parser.PacketTypeAck, packets[0].Type)
	require.NotNil(t, packets[0].ID)
	assert.Equal(t, id, *packets[0].ID)
	assert.Equal(t, []any{"ok"}, packets[0].Data)
}

func TestSocketEventMiddlewareRejection(t *testing.T) {
	server := NewServer(nil)
	socket, conn, client := connectedSocket(t, server)

	var dispatched atomic.Bool
	socket.On("secret", func(...any) { dispatched.Store(true) })
	socket.Use(func(event []any, next func(error)) {
		if name, _ := event[0].(string); name == "secret" {
			next(errors.New("not allowed"))
			return
		}
		next(nil)
	})

	conn.receive(t, &parser.Packet{Type: parser.PacketTypeEvent, Nsp: "/", Data: []any{"secret"}})
	settle(t, client)

	assert.False(t, dispatched.Load())
	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeError, packets[0].Type)
	assert.Equal(t, "not allowed", packets[0].Data)
}

func TestSocketJoinLeaveRooms(t *testing.T) {
	server := NewServer(nil)
	socket, _, _ := connectedSocket(t, server)

	// every socket starts in its own room
	assert.Equal(t, []Room{Room(socket.ID())}, socket.Rooms())

	socket.Join("a", "b")
	assert.ElementsMatch(t, []Room{Room(socket.ID()), "a", "b"}, socket.Rooms())

	socket.Leave("a")
	assert.ElementsMatch(t, []Room{Room(socket.ID()), "b"}, socket.Rooms())
}

func TestSocketStagedRoomsResetAfterEmit(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	// staged emit broadcasts, excluding the sender
	require.NoError(t, socket.To("empty-room").Emit("first"))
	assert.Empty(t, conn.sent(t))

	// the staged state must not leak into the next emit
	require.NoError(t, socket.Emit("second"))
	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, []any{"second"}, packets[0].Data)
}

func TestSocketBroadcastWithAckRejected(t *testing.T) {
	server := NewServer(nil)
	socket, _, _ := connectedSocket(t, server)

	err := socket.Broadcast().Emit("e", Ack(func(...any) {}))
	assert.ErrorIs(t, err, ErrBroadcastAck)

	err = socket.To("room").Emit("e", Ack(func(...any) {}))
	assert.ErrorIs(t, err, ErrBroadcastAck)
}

func TestSocketVolatileDroppedWhenNotWritable(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	conn.setWritable(false)
	require.NoError(t, socket.Volatile().Emit("dropped"))
	assert.Empty(t, conn.sent(t))

	conn.setWritable(true)
	require.NoError(t, socket.Volatile().Emit("delivered"))
	require.Len(t, conn.sent(t), 1)
}

func TestSocketDisconnectNamespaceOnly(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	var reason atomic.Value
	socket.OnDisconnect(func(r string) { reason.Store(r) })

	socket.Disconnect(false)

	assert.Equal(t, "server namespace disconnect", reason.Load())
	assert.False(t, socket.Connected())
	assert.True(t, socket.Disconnected())
	assert.Empty(t, socket.Rooms())
	_, ok := server.Of("/").Socket(socket.ID())
	assert.False(t, ok)

	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeDisconnect, packets[0].Type)

	// the transport stays open for other namespaces
	assert.Equal(t, "open", conn.ReadyState())

	// emits after disconnect are dropped
	require.NoError(t, socket.Emit("late"))
	assert.Len(t, conn.sent(t), 1)
}

func TestSocketDisconnectClose(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	socket.Disconnect(true)

	require.Eventually(t, func() bool {
		return conn.ReadyState() == "closed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, socket.Connected())
}

func TestSocketConcurrentCloseRunsOnce(t *testing.T) {
	server := NewServer(nil)
	socket, _, _ := connectedSocket(t, server)

	var disconnects atomic.Int64
	socket.On("disconnect", func(...any) { disconnects.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			socket.onclose("transport close")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), disconnects.Load())
	assert.True(t, socket.Disconnected())
}

func TestSocketClientDisconnectPacket(t *testing.T) {
	server := NewServer(nil)
	socket, conn, client := connectedSocket(t, server)

	var reason atomic.Value
	socket.OnDisconnect(func(r string) { reason.Store(r) })

	conn.receive(t, &parser.Packet{Type: parser.PacketTypeDisconnect, Nsp: "/"})
	settle(t, client)

	assert.Equal(t, "client namespace disconnect", reason.Load())
	assert.False(t, socket.Connected())
}

func TestSocketDataBag(t *testing.T) {
	server := NewServer(nil)
	socket, _, _ := connectedSocket(t, server)

	_, ok := socket.Get("user")
	assert.False(t, ok)
	socket.Set("user", "ada")
	val, ok := socket.Get("user")
	require.True(t, ok)
	assert.Equal(t, "ada", val)
}

func TestSocketHandshakeQuery(t *testing.T) {
	server := NewServer(nil)
	socket, _, _ := connectedSocket(t, server)

	hs := socket.Handshake()
	require.NotNil(t, hs)
	assert.Equal(t, "abc", hs.Query.Get("token"))
	assert.Equal(t, "127.0.0.1:52000", hs.Address)
}

func TestSocketEmitConnectionIsWireEvent(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	require.NoError(t, socket.Emit("connection", "payload"))

	packets := conn.sent(t)
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeEvent, packets[0].Type)
	assert.Equal(t, []any{"connection", "payload"}, packets[0].Data)
}

func TestSocketReservedEventLocal(t *testing.T) {
	server := NewServer(nil)
	socket, conn, _ := connectedSocket(t, server)

	var got atomic.Value
	socket.On("error", func(args ...any) { got.Store(args[0]) })
	require.NoError(t, socket.Emit("error", "boom"))

	assert.Equal(t, "boom", got.Load())
	assert.Empty(t, conn.sent(t))
}
