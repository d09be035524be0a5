package sio

import (
	"fmt"
	"net/url"
	"sync"
)

// MatcherFunc decides whether a namespace name is served by a parent
// namespace. It reports the decision through fn, which allows asynchronous
// checks (e.g. a lookup against an external registry).
type MatcherFunc func(name string, query url.Values, fn func(err error, allow bool))

// ParentNamespace is a namespace template registered under a matcher. It
// owns no adapter and no sockets of its own: a CONNECT whose name the
// matcher accepts spawns a concrete child namespace carrying a snapshot of
// the parent's middleware and connection listeners.
type ParentNamespace struct {
	*Namespace

	matcher MatcherFunc

	childrenMu sync.RWMutex
	children   map[*Namespace]struct{}
}

func newParentNamespace(server *Server, matcher MatcherFunc) *ParentNamespace {
	name := fmt.Sprintf("/_%d", server.parentCounter.Add(1))
	return &ParentNamespace{
		Namespace: &Namespace{
			emitter:   newEmitter(),
			name:      name,
			server:    server,
			sockets:   make(map[SocketID]*Socket),
			connected: make(map[SocketID]*Socket),
		},
		matcher:  matcher,
		children: make(map[*Namespace]struct{}),
	}
}

// CreateChild materializes a concrete namespace under the given name,
// copying the parent's middleware snapshot and rebinding its connect and
// connection listeners. The child registers in the server's static map, so
// later CONNECTs to the same name bypass matching.
func (p *ParentNamespace) CreateChild(name string) *Namespace {
	child := newNamespace(p.server, name)

	p.fnsMu.RLock()
	child.fns = append([]ConnectMiddleware(nil), p.fns...)
	p.fnsMu.RUnlock()

	for _, event := range []string{"connect", "connection"} {
		for _, fn := range p.Listeners(event) {
			child.On(event, fn)
		}
	}

	p.childrenMu.Lock()
	p.children[child] = struct{}{}
	p.childrenMu.Unlock()

	p.server.storeNamespace(child)
	namespaceLog.Debug().Str("nsp", name).Str("parent", p.name).Msg("created child namespace")
	return child
}

// Children returns the namespaces spawned so far.
func (p *ParentNamespace) Children() []*Namespace {
	p.childrenMu.RLock()
	defer p.childrenMu.RUnlock()
	out := make([]*Namespace, 0, len(p.children))
	for child := range p.children {
		out = append(out, child)
	}
	return out
}

// To returns a template-level operator targeting rooms across every child.
func (p *ParentNamespace) To(rooms ...Room) *ParentBroadcastOperator {
	return (&ParentBroadcastOperator{parent: p}).To(rooms...)
}

// In is an alias of To.
func (p *ParentNamespace) In(rooms ...Room) *ParentBroadcastOperator {
	return p.To(rooms...)
}

// Emit broadcasts the event through every child namespace's adapter.
func (p *ParentNamespace) Emit(event string, args ...any) error {
	return (&ParentBroadcastOperator{parent: p}).Emit(event, args...)
}

// Send emits a "message" event across every child namespace.
func (p *ParentNamespace) Send(args ...any) error {
	return p.Emit("message", args...)
}

// ParentBroadcastOperator fans one broadcast out over every child of a
// parent namespace, passing rooms and flags as explicit arguments to each
// child's operator rather than staging them on the children.
type ParentBroadcastOperator struct {
	parent *ParentNamespace
	rooms  []Room
	except []SocketID
	flags  BroadcastFlags
}

func (b *ParentBroadcastOperator) clone() *ParentBroadcastOperator {
	out := &ParentBroadcastOperator{parent: b.parent, flags: b.flags}
	out.rooms = append(out.rooms, b.rooms...)
	out.except = append(out.except, b.except...)
	return out
}

// To targets additional rooms.
func (b *ParentBroadcastOperator) To(rooms ...Room) *ParentBroadcastOperator {
	out := b.clone()
	out.rooms = append(out.rooms, rooms...)
	return out
}

// Except excludes socket ids.
func (b *ParentBroadcastOperator) Except(ids ...SocketID) *ParentBroadcastOperator {
	out := b.clone()
	out.except = append(out.except, ids...)
	return out
}

// Volatile marks the broadcast as droppable for non-writable receivers.
func (b *ParentBroadcastOperator) Volatile() *ParentBroadcastOperator {
	out := b.clone()
	out.flags.Volatile = true
	return out
}

// Local keeps the broadcast on this node.
func (b *ParentBroadcastOperator) Local() *ParentBroadcastOperator {
	out := b.clone()
	out.flags.Local = true
	return out
}

// Compress sets the compress flag.
func (b *ParentBroadcastOperator) Compress(compress bool) *ParentBroadcastOperator {
	out := b.clone()
	out.flags.Compress = compress
	return out
}

// Emit broadcasts through each child's adapter; the first error wins but
// every child is attempted.
func (b *ParentBroadcastOperator) Emit(event string, args ...any) error {
	var firstErr error
	for _, child := range b.parent.Children() {
		op := &BroadcastOperator{
			nsp:    child,
			rooms:  b.rooms,
			except: b.except,
			flags:  b.flags,
		}
		if err := op.Emit(event, args...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
