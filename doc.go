// Package sio implements a bidirectional, event-oriented messaging server on
// top of a WebSocket transport.
//
// A single transport connection is demultiplexed into independent logical
// sockets, one per namespace. Sockets join rooms, and broadcasts address
// rooms through a pluggable adapter; the in-memory adapter serves a single
// node, the redis adapter spans a cluster.
//
//	server := sio.NewServer(nil)
//	server.OnConnect(func(socket *sio.Socket) {
//		socket.Join("lobby")
//		socket.On("chat", func(args ...any) {
//			server.To("lobby").Emit("chat", args...)
//		})
//	})
//	http.ListenAndServe(":8080", server)
package sio
