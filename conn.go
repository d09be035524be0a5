package sio

import "github.com/evelar/sio/engineio"

// Conn is the transport connection contract the core consumes. The default
// implementation is *engineio.Session; tests substitute fakes.
//
// The handler setters follow single-callback semantics: registering replaces
// the previous handler, registering nil detaches it.
type Conn interface {
	// ID is unique within the process.
	ID() string
	// ReadyState reports "open", "opening", "closing" or "closed".
	ReadyState() string
	// Writable reports whether a write would be accepted without queueing
	// pressure; volatile sends consult it before dropping.
	Writable() bool
	// Request is the immutable snapshot of the originating HTTP request.
	Request() *engineio.Request
	// WriteMessage writes one frame.
	WriteMessage(data []byte, binary, compress bool) error

	OnMessage(fn func(data []byte, binary bool))
	OnError(fn func(err error))
	OnClose(fn func(reason string))

	Close(reason string)
}

var _ Conn = (*engineio.Session)(nil)
