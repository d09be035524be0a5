// Package parser implements the wire codec for the sio protocol: it turns
// packet records into transport frames and reassembles incoming frames,
// including binary attachments, back into whole packets.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PacketType identifies the kind of a protocol packet.
type PacketType byte

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// ErrInvalidPacket is returned when a frame cannot be parsed as a packet.
var ErrInvalidPacket = errors.New("invalid packet")

// maxAttachments bounds the attachment count a binary header may declare, so
// a hostile header cannot leave the decoder waiting on frames forever.
const maxAttachments = 255

// ErrDecoderState is returned when frames arrive in an impossible order,
// e.g. a binary attachment without a preceding binary header.
var ErrDecoderState = errors.New("unexpected decoder state")

// Packet is the unit the core dispatches on. Data holds the decoded payload:
// a []any for events and acks, a string for errors, nil for CONNECT and
// DISCONNECT.
type Packet struct {
	Type PacketType `msgpack:"type"`
	Nsp  string     `msgpack:"nsp"`
	ID   *uint64    `msgpack:"id,omitempty"`
	Data any        `msgpack:"data,omitempty"`
}

// Frame is one transport write. Binary frames carry raw attachment bytes,
// text frames carry the encoded packet header and JSON payload.
type Frame struct {
	Data   []byte
	Binary bool
}

func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeError:
		return "error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}

// HasBinary reports whether the value contains []byte content anywhere in
// its structure. The emit path uses it to pick between the plain and binary
// packet variants.
func HasBinary(data any) bool {
	switch v := data.(type) {
	case nil:
		return false
	case []byte:
		return true
	case []any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
	}
	return false
}

type placeholder struct {
	Placeholder bool `json:"_placeholder"`
	Num         int  `json:"num"`
}

// deconstruct replaces every []byte in data with a numbered placeholder and
// returns the collected attachment buffers in placeholder order.
func deconstruct(data any, buffers *[][]byte) any {
	switch v := data.(type) {
	case []byte:
		*buffers = append(*buffers, v)
		return placeholder{Placeholder: true, Num: len(*buffers) - 1}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deconstruct(item, buffers)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deconstruct(item, buffers)
		}
		return out
	default:
		return data
	}
}

// reconstruct resolves placeholders against the received attachments.
func reconstruct(data any, buffers [][]byte) any {
	switch v := data.(type) {
	case []any:
		for i, item := range v {
			v[i] = reconstruct(item, buffers)
		}
		return v
	case map[string]any:
		if ok, _ := v["_placeholder"].(bool); ok && len(v) == 2 {
			if num, isNum := v["num"].(float64); isNum {
				n := int(num)
				if n >= 0 && n < len(buffers) {
					return buffers[n]
				}
			}
			return nil
		}
		for k, item := range v {
			v[k] = reconstruct(item, buffers)
		}
		return v
	default:
		return data
	}
}

// Encoder encodes packets into frames. It is stateless and safe for
// concurrent use.
type Encoder struct{}

// Encode returns the ordered frames for a packet: one text header frame,
// followed by one binary frame per attachment for the binary variants.
func (Encoder) Encode(p *Packet) ([]Frame, error) {
	data := p.Data
	var buffers [][]byte

	binary := p.Type == PacketTypeBinaryEvent || p.Type == PacketTypeBinaryAck
	if binary {
		data = deconstruct(data, &buffers)
	}

	var b strings.Builder
	b.WriteString(strconv.Itoa(int(p.Type)))
	if binary {
		b.WriteString(strconv.Itoa(len(buffers)))
		b.WriteByte('-')
	}
	if p.Nsp != "" && p.Nsp != "/" {
		b.WriteString(p.Nsp)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.FormatUint(*p.ID, 10))
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal packet data: %w", err)
		}
		b.Write(payload)
	}

	frames := make([]Frame, 0, len(buffers)+1)
	frames = append(frames, Frame{Data: []byte(b.String())})
	for _, buf := range buffers {
		frames = append(frames, Frame{Data: buf, Binary: true})
	}
	return frames, nil
}

// Decoder incrementally consumes transport frames and emits whole packets.
// A binary packet is held back until all of its attachments have arrived.
// Decoder is not safe for concurrent use; the owning connection feeds it
// from a single goroutine.
type Decoder struct {
	onDecoded   func(*Packet)
	pending     *Packet
	attachments int
	buffers     [][]byte
	destroyed   bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// OnDecoded registers the callback invoked once per completed packet.
func (d *Decoder) OnDecoded(fn func(*Packet)) {
	d.onDecoded = fn
}

// Add feeds one transport frame to the decoder.
func (d *Decoder) Add(data []byte, binary bool) error {
	if d.destroyed {
		return nil
	}
	if binary {
		if d.pending == nil {
			return fmt.Errorf("%w: attachment without binary header", ErrDecoderState)
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		d.buffers = append(d.buffers, buf)
		if len(d.buffers) == d.attachments {
			d.finishBinary()
		}
		return nil
	}

	if d.pending != nil {
		// a new header frame aborts the half-received binary packet
		d.pending = nil
		d.buffers = nil
		return fmt.Errorf("%w: header while awaiting attachments", ErrDecoderState)
	}

	p, attachments, err := decodeHeader(string(data))
	if err != nil {
		return err
	}
	if attachments > 0 {
		d.pending = p
		d.attachments = attachments
		d.buffers = nil
		return nil
	}
	d.emit(p)
	return nil
}

func (d *Decoder) finishBinary() {
	p := d.pending
	p.Data = reconstruct(p.Data, d.buffers)
	d.pending = nil
	d.buffers = nil
	d.emit(p)
}

func (d *Decoder) emit(p *Packet) {
	if d.onDecoded != nil {
		d.onDecoded(p)
	}
}

// Destroy drops any partial state and detaches the callback. Further Add
// calls are no-ops.
func (d *Decoder) Destroy() {
	d.destroyed = true
	d.pending = nil
	d.buffers = nil
	d.onDecoded = nil
}

func decodeHeader(data string) (*Packet, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty frame", ErrInvalidPacket)
	}

	p := &Packet{Nsp: "/"}
	pos := 0

	if data[pos] < '0' || data[pos] > '6' {
		return nil, 0, fmt.Errorf("%w: bad type %q", ErrInvalidPacket, data[pos])
	}
	p.Type = PacketType(data[pos] - '0')
	pos++

	attachments := 0
	if p.Type == PacketTypeBinaryEvent || p.Type == PacketTypeBinaryAck {
		start := pos
		for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
			pos++
		}
		if pos == start || pos >= len(data) || data[pos] != '-' {
			return nil, 0, fmt.Errorf("%w: missing attachment count", ErrInvalidPacket)
		}
		n, err := strconv.Atoi(data[start:pos])
		if err != nil || n > maxAttachments {
			return nil, 0, fmt.Errorf("%w: bad attachment count %q", ErrInvalidPacket, data[start:pos])
		}
		attachments = n
		pos++
	}

	if pos < len(data) && data[pos] == '/' {
		end := strings.IndexByte(data[pos:], ',')
		if end == -1 {
			p.Nsp = data[pos:]
			return p, attachments, nil
		}
		p.Nsp = data[pos : pos+end]
		pos += end + 1
	}

	if pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		start := pos
		for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
			pos++
		}
		id, err := strconv.ParseUint(data[start:pos], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad id: %v", ErrInvalidPacket, err)
		}
		p.ID = &id
	}

	if pos < len(data) {
		if err := json.Unmarshal([]byte(data[pos:]), &p.Data); err != nil {
			return nil, 0, fmt.Errorf("%w: bad payload: %v", ErrInvalidPacket, err)
		}
	}

	return p, attachments, nil
}
