package sio

import (
	"net/http"
	"net/url"
	"time"

	"github.com/evelar/sio/engineio"
)

// Handshake is the immutable snapshot captured when a socket is constructed.
type Handshake struct {
	// Headers carries the headers of the upgrade request.
	Headers http.Header
	// Time is the creation time in RFC 1123 form.
	Time string
	// Address is the remote address of the transport connection.
	Address string
	// Xdomain reports whether the request declared a cross-site origin.
	Xdomain bool
	// Secure reports whether the transport ran over TLS.
	Secure bool
	// Issued is the creation time in milliseconds since the epoch.
	Issued int64
	// URL is the request URI of the upgrade request.
	URL string
	// Query merges the upgrade request query with the per-socket connect
	// query; the connect query wins on conflicts.
	Query url.Values
}

func newHandshake(request *engineio.Request, connectQuery url.Values) *Handshake {
	now := time.Now()
	h := &Handshake{
		Time:   now.Format(time.RFC1123),
		Issued: now.UnixMilli(),
		Query:  url.Values{},
	}
	if request != nil {
		h.Headers = request.Headers
		h.Address = request.RemoteAddr
		h.Secure = request.Secure
		h.Xdomain = request.Headers.Get("Origin") != ""
		if request.URL != nil {
			h.URL = request.URL.RequestURI()
			for k, v := range request.URL.Query() {
				h.Query[k] = v
			}
		}
	}
	for k, v := range connectQuery {
		h.Query[k] = v
	}
	return h
}
