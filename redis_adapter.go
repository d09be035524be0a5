package sio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/evelar/sio/parser"
)

// RedisAdapterConfig configures the distributed adapter. The redis client is
// caller-owned and is not closed by the adapter.
type RedisAdapterConfig struct {
	Client redis.UniversalClient
	// Prefix namespaces the pub/sub channels. Defaults to "sio".
	Prefix string
	// RequestTimeout bounds cross-node queries. Defaults to 5s.
	RequestTimeout time.Duration
}

// redisEnvelope carries one broadcast between nodes.
type redisEnvelope struct {
	UID    string        `msgpack:"uid"`
	Packet parser.Packet `msgpack:"packet"`
	Opts   redisOptions  `msgpack:"opts"`
}

type redisOptions struct {
	Rooms  []Room         `msgpack:"rooms"`
	Except []SocketID     `msgpack:"except"`
	Flags  BroadcastFlags `msgpack:"flags"`
}

type redisRequest struct {
	UID       string `msgpack:"uid"`
	RequestID string `msgpack:"requestId"`
	Rooms     []Room `msgpack:"rooms"`
}

type redisResponse struct {
	RequestID string     `msgpack:"requestId"`
	Sockets   []SocketID `msgpack:"sockets"`
}

type pendingRequest struct {
	remaining int
	sockets   []SocketID
	done      chan struct{}
}

// RedisAdapter extends the in-memory adapter across nodes: room membership
// stays local, broadcasts are relayed over redis pub/sub and socket queries
// aggregate responses from every node.
type RedisAdapter struct {
	*MemoryAdapter

	uid            string
	client         redis.UniversalClient
	requestTimeout time.Duration

	channel         string
	requestChannel  string
	responseChannel string

	ctx    context.Context
	cancel context.CancelFunc
	pubsub *redis.PubSub

	mu       sync.Mutex
	requests map[string]*pendingRequest
}

// NewRedisAdapter returns an adapter factory backed by the given redis
// client. Install it through Config.Adapter or Namespace.SetAdapter.
func NewRedisAdapter(config *RedisAdapterConfig) AdapterFactory {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "sio"
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 5 * time.Second
	}

	return func(nsp *Namespace) Adapter {
		ctx, cancel := context.WithCancel(context.Background())
		a := &RedisAdapter{
			MemoryAdapter:   NewMemoryAdapter(nsp).(*MemoryAdapter),
			uid:             uuid.NewString(),
			client:          config.Client,
			requestTimeout:  requestTimeout,
			channel:         prefix + "#" + nsp.Name() + "#",
			requestChannel:  prefix + "-request#" + nsp.Name() + "#",
			responseChannel: prefix + "-response#" + nsp.Name() + "#",
			ctx:             ctx,
			cancel:          cancel,
			requests:        make(map[string]*pendingRequest),
		}
		a.pubsub = a.client.Subscribe(ctx, a.channel, a.requestChannel, a.responseChannel)
		go a.listen()
		return a
	}
}

// Broadcast delivers locally and, unless the local flag is set, relays the
// packet to the other nodes.
func (a *RedisAdapter) Broadcast(packet *parser.Packet, opts *BroadcastOptions) error {
	if opts == nil {
		opts = &BroadcastOptions{}
	}
	if !opts.Flags.Local {
		packet.Nsp = a.nsp.Name()
		payload, err := msgpack.Marshal(&redisEnvelope{
			UID:    a.uid,
			Packet: *packet,
			Opts: redisOptions{
				Rooms:  opts.Rooms,
				Except: opts.Except,
				Flags:  opts.Flags,
			},
		})
		if err != nil {
			return err
		}
		if err := a.client.Publish(a.ctx, a.channel, payload).Err(); err != nil {
			adapterLog.Error().Str("nsp", a.nsp.Name()).Err(err).Msg("publish failed")
		}
	}
	return a.MemoryAdapter.Broadcast(packet, opts)
}

// Sockets returns the ids in the given rooms across every node. Nodes that
// fail to answer within the request timeout are skipped.
func (a *RedisAdapter) Sockets(rooms []Room) ([]SocketID, error) {
	local, err := a.MemoryAdapter.Sockets(rooms)
	if err != nil {
		return nil, err
	}

	counts, err := a.client.PubSubNumSub(a.ctx, a.requestChannel).Result()
	if err != nil {
		return nil, err
	}
	remaining := int(counts[a.requestChannel]) - 1
	if remaining <= 0 {
		return local, nil
	}

	requestID := uuid.NewString()
	pending := &pendingRequest{remaining: remaining, done: make(chan struct{})}
	a.mu.Lock()
	a.requests[requestID] = pending
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.requests, requestID)
		a.mu.Unlock()
	}()

	payload, err := msgpack.Marshal(&redisRequest{UID: a.uid, RequestID: requestID, Rooms: rooms})
	if err != nil {
		return nil, err
	}
	if err := a.client.Publish(a.ctx, a.requestChannel, payload).Err(); err != nil {
		return nil, err
	}

	select {
	case <-pending.done:
	case <-time.After(a.requestTimeout):
		adapterLog.Debug().Str("nsp", a.nsp.Name()).Msg("socket query timed out, returning partial result")
	case <-a.ctx.Done():
	}

	a.mu.Lock()
	remote := pending.sockets
	a.mu.Unlock()
	return append(local, remote...), nil
}

// Close stops the subscriber and drops local state. The redis client stays
// open.
func (a *RedisAdapter) Close() error {
	a.cancel()
	if err := a.pubsub.Close(); err != nil {
		return err
	}
	return a.MemoryAdapter.Close()
}

func (a *RedisAdapter) listen() {
	for msg := range a.pubsub.Channel() {
		switch msg.Channel {
		case a.channel:
			a.onBroadcast([]byte(msg.Payload))
		case a.requestChannel:
			a.onRequest([]byte(msg.Payload))
		case a.responseChannel:
			a.onResponse([]byte(msg.Payload))
		}
	}
}

// onBroadcast replays a remote broadcast locally. The local flag is forced so
// the replay is not published again.
func (a *RedisAdapter) onBroadcast(payload []byte) {
	var envelope redisEnvelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		adapterLog.Error().Str("nsp", a.nsp.Name()).Err(err).Msg("dropping malformed envelope")
		return
	}
	if envelope.UID == a.uid {
		return
	}
	opts := &BroadcastOptions{
		Rooms:  envelope.Opts.Rooms,
		Except: envelope.Opts.Except,
		Flags:  envelope.Opts.Flags,
	}
	opts.Flags.Local = true
	if err := a.MemoryAdapter.Broadcast(&envelope.Packet, opts); err != nil {
		adapterLog.Error().Str("nsp", a.nsp.Name()).Err(err).Msg("remote broadcast failed")
	}
}

func (a *RedisAdapter) onRequest(payload []byte) {
	var request redisRequest
	if err := msgpack.Unmarshal(payload, &request); err != nil {
		adapterLog.Error().Str("nsp", a.nsp.Name()).Err(err).Msg("dropping malformed request")
		return
	}
	if request.UID == a.uid {
		return
	}
	sockets, err := a.MemoryAdapter.Sockets(request.Rooms)
	if err != nil {
		return
	}
	response, err := msgpack.Marshal(&redisResponse{RequestID: request.RequestID, Sockets: sockets})
	if err != nil {
		return
	}
	if err := a.client.Publish(a.ctx, a.responseChannel, response).Err(); err != nil {
		adapterLog.Error().Str("nsp", a.nsp.Name()).Err(err).Msg("response publish failed")
	}
}

func (a *RedisAdapter) onResponse(payload []byte) {
	var response redisResponse
	if err := msgpack.Unmarshal(payload, &response); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pending, ok := a.requests[response.RequestID]
	if !ok || pending.remaining == 0 {
		return
	}
	pending.sockets = append(pending.sockets, response.Sockets...)
	pending.remaining--
	if pending.remaining == 0 {
		close(pending.done)
	}
}
