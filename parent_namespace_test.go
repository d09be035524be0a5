package sio

import (
	"errors"
	"net/url"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evelar/sio/parser"
)

func TestOfRegexpCreatesChildOnDemand(t *testing.T) {
	server := NewServer(nil)
	parent := server.OfRegexp(regexp.MustCompile(`^/team-\w+$`))

	var connected atomic.Int64
	parent.OnConnect(func(socket *Socket) {
		connected.Add(1)
		assert.Equal(t, "/team-go", socket.Nsp().Name())
	})

	_, conn, client := connectedSocket(t, server)
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-go"})
	settle(t, client)

	assert.Equal(t, int64(1), connected.Load())
	assert.True(t, server.hasNamespace("/team-go"))
	require.Len(t, parent.Children(), 1)

	packets := conn.sentTo(t, "/team-go")
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeConnect, packets[0].Type)
}

func TestChildReusedOnSecondConnect(t *testing.T) {
	server := NewServer(nil)
	parent := server.OfRegexp(regexp.MustCompile(`^/team-\w+$`))

	_, conn1, client1 := connectedSocket(t, server)
	conn1.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-go"})
	settle(t, client1)

	conn2 := newFakeConn("second")
	client2 := dial(server, conn2)
	settle(t, client2)
	conn2.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-go"})
	settle(t, client2)

	assert.Len(t, parent.Children(), 1)
	assert.Len(t, server.Of("/team-go").Sockets(), 2)
}

func TestMatcherRejectionSendsInvalidNamespace(t *testing.T) {
	server := NewServer(nil)
	server.OfMatcher(func(name string, _ url.Values, fn func(error, bool)) {
		fn(nil, false)
	})

	_, conn, client := connectedSocket(t, server)
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/denied"})
	settle(t, client)

	packets := conn.sentTo(t, "/denied")
	require.Len(t, packets, 1)
	assert.Equal(t, parser.PacketTypeError, packets[0].Type)
	assert.Equal(t, "Invalid namespace", packets[0].Data)
	assert.False(t, server.hasNamespace("/denied"))
}

func TestMatchersConsultedInRegistrationOrder(t *testing.T) {
	server := NewServer(nil)
	var order orderRecorder
	server.OfMatcher(func(name string, _ url.Values, fn func(error, bool)) {
		order.add("first")
		fn(errors.New("broken matcher"), false)
	})
	second := server.OfMatcher(func(name string, _ url.Values, fn func(error, bool)) {
		order.add("second")
		fn(nil, true)
	})

	_, conn, client := connectedSocket(t, server)
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/anything"})
	settle(t, client)

	assert.Equal(t, []string{"first", "second"}, order.snapshot())
	assert.Len(t, second.Children(), 1)
	assert.True(t, server.hasNamespace("/anything"))
}

func TestChildInheritsParentMiddleware(t *testing.T) {
	server := NewServer(nil)
	parent := server.OfRegexp(regexp.MustCompile(`^/gated-\w+$`))
	parent.Use(func(socket *Socket, next func(error)) {
		if socket.Handshake().Query.Get("token") != "abc" {
			next(errors.New("unauthorized"))
			return
		}
		next(nil)
	})

	// the fake request carries token=abc, so the connect passes
	_, conn, client := connectedSocket(t, server)
	conn.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/gated-x"})
	settle(t, client)

	require.Len(t, server.Of("/gated-x").Sockets(), 1)
}

func TestParentEmitFansOutOverChildren(t *testing.T) {
	server := NewServer(nil)
	parent := server.OfRegexp(regexp.MustCompile(`^/team-\w+$`))

	conn1 := newFakeConn("t1")
	conn2 := newFakeConn("t2")
	client1 := dial(server, conn1)
	client2 := dial(server, conn2)
	settle(t, client1)
	settle(t, client2)
	conn1.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-a"})
	conn2.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-b"})
	settle(t, client1)
	settle(t, client2)

	require.NoError(t, parent.Emit("announce", "hi"))

	for _, tc := range []struct {
		conn *fakeConn
		nsp  string
	}{{conn1, "/team-a"}, {conn2, "/team-b"}} {
		var events []*parser.Packet
		for _, p := range tc.conn.sentTo(t, tc.nsp) {
			if p.Type == parser.PacketTypeEvent {
				events = append(events, p)
			}
		}
		require.Len(t, events, 1)
		assert.Equal(t, []any{"announce", "hi"}, events[0].Data)
	}
}

func TestParentOperatorTargetsRoomsPerChild(t *testing.T) {
	server := NewServer(nil)
	parent := server.OfRegexp(regexp.MustCompile(`^/team-\w+$`))

	conn1 := newFakeConn("t1")
	conn2 := newFakeConn("t2")
	client1 := dial(server, conn1)
	client2 := dial(server, conn2)
	settle(t, client1)
	settle(t, client2)
	conn1.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-a"})
	conn2.receive(t, &parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/team-a"})
	settle(t, client1)
	settle(t, client2)

	s1, ok := server.Of("/team-a").Socket(SocketID("/team-a#t1"))
	require.True(t, ok)
	s1.Join("leads")

	require.NoError(t, parent.To("leads").Emit("meeting"))

	var got int
	for _, p := range conn1.sentTo(t, "/team-a") {
		if p.Type == parser.PacketTypeEvent {
			got++
		}
	}
	assert.Equal(t, 1, got)
	for _, p := range conn2.sentTo(t, "/team-a") {
		assert.NotEqual(t, parser.PacketTypeEvent, p.Type)
	}
}
