package engineio

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PacketType represents the engine-level packet types.
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeUpgrade
	PacketTypeNoop
)

// Packet is one engine-level text packet. Binary payloads bypass this
// framing entirely and travel as raw WebSocket binary messages.
type Packet struct {
	Type PacketType
	Data []byte
}

// Encode encodes the packet to its wire form: a single type digit followed
// by the payload.
func (p *Packet) Encode() []byte {
	out := make([]byte, 0, len(p.Data)+1)
	out = append(out, byte('0'+p.Type))
	out = append(out, p.Data...)
	return out
}

// DecodePacket decodes a text frame into a packet.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet")
	}
	if data[0] < '0' || data[0] > '6' {
		return nil, fmt.Errorf("invalid packet type: %c", data[0])
	}
	p := &Packet{Type: PacketType(data[0] - '0')}
	if len(data) > 1 {
		p.Data = data[1:]
	}
	return p, nil
}

type handshakeData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// encodeHandshake builds the open packet sent as the first frame of every
// session.
func encodeHandshake(sid string, cfg *Config) ([]byte, error) {
	data, err := json.Marshal(handshakeData{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: cfg.PingInterval.Milliseconds(),
		PingTimeout:  cfg.PingTimeout.Milliseconds(),
		MaxPayload:   cfg.MaxPayload,
	})
	if err != nil {
		return nil, err
	}
	return (&Packet{Type: PacketTypeOpen, Data: data}).Encode(), nil
}

func (pt PacketType) String() string {
	switch pt {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeUpgrade:
		return "upgrade"
	case PacketTypeNoop:
		return "noop"
	default:
		return "unknown(" + strconv.Itoa(int(pt)) + ")"
	}
}
