package sio

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/evelar/sio/parser"
)

// WriteOptions qualifies one outbound write on the client connection.
type WriteOptions struct {
	Compress bool
	Volatile bool
}

// taskQueue serializes the work of one client: decoded packets, middleware
// continuations and connection approvals all run on a single goroutine, in
// submission order.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *taskQueue) push(task func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// pushFront schedules a task ahead of everything already queued. Connect
// continuations use it so namespace registration completes before any event
// packet that arrived behind the CONNECT is dispatched.
func (q *taskQueue) pushFront(task func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append([]func(){task}, q.tasks...)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *taskQueue) loop() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

type pendingConnect struct {
	name  string
	query url.Values
}

// Client demultiplexes one transport connection into per-namespace sockets.
// It owns the decoder, the connect timeout and the dispatch queue.
type Client struct {
	server *Server
	conn   Conn
	id     string

	decoder *parser.Decoder
	queue   *taskQueue

	mu             sync.Mutex
	sockets        map[SocketID]*Socket
	nsps           map[string]*Socket
	defaultPending bool
	connectBuffer  []pendingConnect
	closed         bool

	timerMu      sync.Mutex
	connectTimer *time.Timer
}

func newClient(server *Server, conn Conn) *Client {
	c := &Client{
		server:  server,
		conn:    conn,
		id:      conn.ID(),
		decoder: parser.NewDecoder(),
		queue:   newTaskQueue(),
		sockets: make(map[SocketID]*Socket),
		nsps:    make(map[string]*Socket),
	}
	c.setup()
	return c
}

func (c *Client) setup() {
	c.decoder.OnDecoded(c.ondecoded)
	c.conn.OnMessage(c.ondata)
	c.conn.OnError(c.onerror)
	c.conn.OnClose(c.onclose)

	// the peer must join at least one namespace before the timeout, or the
	// connection is considered stray and dropped
	if timeout := c.server.connectTimeout; timeout > 0 {
		c.timerMu.Lock()
		c.connectTimer = time.AfterFunc(timeout, func() {
			c.mu.Lock()
			stray := len(c.nsps) == 0
			c.mu.Unlock()
			if stray {
				clientLog.Debug().Str("client", c.id).Msg("no namespace joined, closing stray connection")
				c.conn.Close("connect timeout")
			}
		})
		c.timerMu.Unlock()
	}
}

// ID returns the underlying connection id.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the transport connection.
func (c *Client) Conn() Conn {
	return c.conn
}

// enqueue submits a task to the client's serialized dispatch queue.
func (c *Client) enqueue(task func()) {
	c.queue.push(task)
}

// enqueueFront submits a task that preempts everything already queued.
func (c *Client) enqueueFront(task func()) {
	c.queue.pushFront(task)
}

func (c *Client) ondata(data []byte, binary bool) {
	if err := c.decoder.Add(data, binary); err != nil {
		c.onerror(err)
	}
}

func (c *Client) ondecoded(p *parser.Packet) {
	if p.Type == parser.PacketTypeConnect {
		name, query := splitNsp(p.Nsp)
		c.enqueue(func() { c.connect(name, query) })
		return
	}

	// the lookup runs on the queue so a pending connect continuation for the
	// same namespace is observed first
	c.enqueue(func() {
		c.mu.Lock()
		socket, ok := c.nsps[p.Nsp]
		c.mu.Unlock()
		if !ok {
			clientLog.Debug().Str("client", c.id).Str("nsp", p.Nsp).Msg("dropping packet for unjoined namespace")
			return
		}
		socket.onpacket(p)
	})
}

// splitNsp separates the namespace name from an inline query string.
func splitNsp(nsp string) (string, url.Values) {
	if nsp == "" {
		return "/", nil
	}
	name, rawQuery, found := strings.Cut(nsp, "?")
	if !found {
		return nsp, nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return name, nil
	}
	return name, query
}

// connect resolves the namespace name, consulting the dynamic matchers when
// no static namespace exists, and rejects unknown names.
func (c *Client) connect(name string, query url.Values) {
	if c.server.hasNamespace(name) {
		c.doConnect(name, query)
		return
	}
	c.server.checkNamespace(name, query, func(nsp *Namespace) {
		if nsp == nil {
			clientLog.Debug().Str("client", c.id).Str("nsp", name).Msg("invalid namespace")
			c.writeError(name, "Invalid namespace")
			return
		}
		c.enqueue(func() { c.doConnect(nsp.Name(), query) })
	})
}

// doConnect hands the client to the namespace. A connect to a non-default
// namespace is buffered until the default namespace has approved the client,
// so middleware on "/" gates the whole connection.
func (c *Client) doConnect(name string, query url.Values) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if name == "/" {
		if c.defaultPending {
			c.mu.Unlock()
			return
		}
		c.defaultPending = true
	} else if _, defaultJoined := c.nsps["/"]; !defaultJoined {
		c.connectBuffer = append(c.connectBuffer, pendingConnect{name: name, query: query})
		initiate := !c.defaultPending
		c.mu.Unlock()
		if initiate {
			c.doConnect("/", nil)
		}
		return
	}
	if _, dup := c.nsps[name]; dup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	nsp := c.server.Of(name)
	nsp.add(c, query, func(socket *Socket) {
		c.mu.Lock()
		c.sockets[socket.id] = socket
		c.nsps[nsp.Name()] = socket
		var buffered []pendingConnect
		if nsp.Name() == "/" {
			buffered = c.connectBuffer
			c.connectBuffer = nil
		}
		c.mu.Unlock()

		c.stopTimer()
		// each replay goes through the queue as its own task; replaying
		// inline would let the front-scheduled continuations stack in
		// reverse of the buffered order
		for _, pending := range buffered {
			pending := pending
			c.enqueue(func() { c.doConnect(pending.name, pending.query) })
		}
	})
}

// connectFailed runs when namespace middleware rejects the client. A
// rejection by the default namespace also fails every buffered connect, each
// with its own ERROR packet.
func (c *Client) connectFailed(nsp *Namespace) {
	if nsp.Name() != "/" {
		return
	}
	c.mu.Lock()
	c.defaultPending = false
	buffered := c.connectBuffer
	c.connectBuffer = nil
	c.mu.Unlock()

	for _, pending := range buffered {
		c.writeError(pending.name, "Invalid namespace")
	}
}

// writeError sends an ERROR packet scoped to the given namespace name.
func (c *Client) writeError(nsp, msg string) {
	c.packet(&parser.Packet{Type: parser.PacketTypeError, Nsp: nsp, Data: msg}, nil)
}

// packet encodes and writes one packet.
func (c *Client) packet(p *parser.Packet, opts *WriteOptions) {
	frames, err := c.server.encoder.Encode(p)
	if err != nil {
		clientLog.Error().Str("client", c.id).Err(err).Msg("encode failed")
		return
	}
	c.writeFrames(frames, opts)
}

// writeFrames pushes pre-encoded frames to the transport. Writes to a
// non-open connection are dropped, and volatile writes are additionally
// dropped when the transport is backlogged.
func (c *Client) writeFrames(frames []parser.Frame, opts *WriteOptions) {
	if opts == nil {
		opts = &WriteOptions{}
	}
	if c.conn.ReadyState() != "open" {
		return
	}
	if opts.Volatile && !c.conn.Writable() {
		clientLog.Debug().Str("client", c.id).Msg("dropping volatile packet, transport not writable")
		return
	}
	for _, frame := range frames {
		if err := c.conn.WriteMessage(frame.Data, frame.Binary, opts.Compress); err != nil {
			clientLog.Debug().Str("client", c.id).Err(err).Msg("write failed")
			return
		}
	}
}

// disconnect closes every socket and then the transport.
func (c *Client) disconnect() {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.mu.Unlock()

	for _, socket := range sockets {
		socket.Disconnect(false)
	}
	c.conn.Close("forced server close")
}

// remove deregisters a socket; idempotent.
func (c *Client) remove(socket *Socket) {
	c.mu.Lock()
	if current, ok := c.sockets[socket.id]; ok && current == socket {
		delete(c.sockets, socket.id)
		delete(c.nsps, socket.nsp.Name())
	}
	c.mu.Unlock()
}

// onerror forwards a transport or decode error to every socket, then drops
// the connection.
func (c *Client) onerror(err error) {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.mu.Unlock()

	for _, socket := range sockets {
		socket.onerror(err)
	}
	c.conn.Close("transport error")
}

// onclose tears the client down after the transport is gone: every socket
// closes with the given reason, then the decoder and queue are released.
func (c *Client) onclose(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.sockets = make(map[SocketID]*Socket)
	c.nsps = make(map[string]*Socket)
	c.connectBuffer = nil
	c.mu.Unlock()

	clientLog.Debug().Str("client", c.id).Str("reason", reason).Msg("client closed")
	c.destroy()
	for _, socket := range sockets {
		socket.onclose(reason)
	}
	c.decoder.Destroy()
	c.queue.close()
}

// destroy detaches the transport callbacks and stops the connect timer.
func (c *Client) destroy() {
	c.conn.OnMessage(nil)
	c.conn.OnError(nil)
	c.conn.OnClose(nil)
	c.stopTimer()
}

func (c *Client) stopTimer() {
	c.timerMu.Lock()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.timerMu.Unlock()
}
