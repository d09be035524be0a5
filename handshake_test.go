package sio

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evelar/sio/engineio"
)

func TestHandshakeMergesQueries(t *testing.T) {
	u, err := url.Parse("/sio/?transport=websocket&token=from-url&shared=url")
	require.NoError(t, err)
	request := &engineio.Request{
		Headers:    http.Header{"Origin": []string{"https://example.com"}},
		RemoteAddr: "10.0.0.1:9000",
		URL:        u,
		Secure:     true,
	}

	hs := newHandshake(request, url.Values{
		"room":   []string{"lobby"},
		"shared": []string{"connect"},
	})

	assert.Equal(t, "10.0.0.1:9000", hs.Address)
	assert.True(t, hs.Secure)
	assert.True(t, hs.Xdomain)
	assert.Equal(t, "/sio/?transport=websocket&token=from-url&shared=url", hs.URL)
	assert.Equal(t, "from-url", hs.Query.Get("token"))
	assert.Equal(t, "lobby", hs.Query.Get("room"))
	// the connect query wins on conflicts
	assert.Equal(t, "connect", hs.Query.Get("shared"))
	assert.NotEmpty(t, hs.Time)
	assert.Positive(t, hs.Issued)
}

func TestHandshakeNilRequest(t *testing.T) {
	hs := newHandshake(nil, url.Values{"a": []string{"1"}})
	assert.Equal(t, "1", hs.Query.Get("a"))
	assert.Empty(t, hs.Address)
	assert.False(t, hs.Xdomain)
}
