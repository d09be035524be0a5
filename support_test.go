package sio

import (
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evelar/sio/engineio"
	"github.com/evelar/sio/parser"
)

// fakeConn is an in-process transport for tests. Writes are recorded as
// frames; inbound traffic is injected through receive.
type fakeConn struct {
	id string

	mu          sync.Mutex
	state       string
	writable    bool
	frames      []parser.Frame
	closeReason string

	onMessage func([]byte, bool)
	onError   func(error)
	onClose   func(string)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, state: "open", writable: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == "open" && c.writable
}

func (c *fakeConn) setWritable(writable bool) {
	c.mu.Lock()
	c.writable = writable
	c.mu.Unlock()
}

func (c *fakeConn) Request() *engineio.Request {
	u, _ := url.Parse("/sio/?transport=websocket&token=abc")
	return &engineio.Request{
		Headers:    http.Header{},
		RemoteAddr: "127.0.0.1:52000",
		URL:        u,
	}
}

func (c *fakeConn) WriteMessage(data []byte, binary, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != "open" {
		return engineio.ErrSessionClosed
	}
	c.frames = append(c.frames, parser.Frame{
		Data:   append([]byte(nil), data...),
		Binary: binary,
	})
	return nil
}

func (c *fakeConn) OnMessage(fn func([]byte, bool)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(fn func(string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	if c.state == "closed" {
		c.mu.Unlock()
		return
	}
	c.state = "closed"
	c.closeReason = reason
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// receive injects an encoded packet as inbound transport frames.
func (c *fakeConn) receive(t *testing.T, p *parser.Packet) {
	t.Helper()
	var enc parser.Encoder
	frames, err := enc.Encode(p)
	require.NoError(t, err)

	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	require.NotNil(t, fn, "no message handler attached")
	for _, f := range frames {
		fn(f.Data, f.Binary)
	}
}

// sent decodes every frame written so far back into packets.
func (c *fakeConn) sent(t *testing.T) []*parser.Packet {
	t.Helper()
	c.mu.Lock()
	frames := append([]parser.Frame(nil), c.frames...)
	c.mu.Unlock()

	d := parser.NewDecoder()
	var out []*parser.Packet
	d.OnDecoded(func(p *parser.Packet) { out = append(out, p) })
	for _, f := range frames {
		require.NoError(t, d.Add(f.Data, f.Binary))
	}
	return out
}

// sentTo filters sent packets by namespace.
func (c *fakeConn) sentTo(t *testing.T, nsp string) []*parser.Packet {
	t.Helper()
	var out []*parser.Packet
	for _, p := range c.sent(t) {
		if p.Nsp == nsp {
			out = append(out, p)
		}
	}
	return out
}

// dial attaches a fake connection to the server the way the transport layer
// would, including the automatic default namespace connect.
func dial(server *Server, conn *fakeConn) *Client {
	client := newClient(server, conn)
	client.enqueue(func() { client.connect("/", nil) })
	return client
}

// settle blocks until the client's dispatch queue has gone idle, including
// continuations enqueued by earlier tasks.
func settle(t *testing.T, client *Client) {
	t.Helper()
	for i := 0; i < 4; i++ {
		done := make(chan struct{})
		client.enqueue(func() { close(done) })
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch queue did not settle")
		}
	}
}

// connectedSocket dials, waits for the default namespace socket and returns
// it together with the connection.
func connectedSocket(t *testing.T, server *Server) (*Socket, *fakeConn, *Client) {
	t.Helper()
	conn := newFakeConn("conn-" + t.Name())
	client := dial(server, conn)
	settle(t, client)
	socket, ok := server.Of("/").Socket(SocketID(conn.ID()))
	require.True(t, ok, "default namespace socket not connected")
	return socket, conn, client
}
