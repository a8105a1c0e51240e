// Package coap implements the constrained-device messaging layer: an
// RFC7252-inspired wire codec over UDP with confirmable delivery,
// fixed-interval retransmission and block-wise fragmentation. Exact RFC
// conformance is a non-goal; the framing and option layout follow the RFC
// so constrained peers speak a familiar dialect.
package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"meshsync/protocol"
)

// Version is the protocol version carried in the header's top two bits.
const Version = 1

// MessageType distinguishes delivery semantics.
type MessageType uint8

const (
	Confirmable     MessageType = 0
	NonConfirmable  MessageType = 1
	Acknowledgement MessageType = 2
	Reset           MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return "???"
}

// Code is the request method or response code byte (class.detail).
type Code uint8

const (
	CodeEmpty    Code = 0x00
	CodeGET      Code = 0x01
	CodePOST     Code = 0x02
	CodePUT      Code = 0x03
	CodeDELETE   Code = 0x04
	CodeCreated  Code = 0x41 // 2.01
	CodeChanged  Code = 0x44 // 2.04
	CodeContent  Code = 0x45 // 2.05
	CodeBadReq   Code = 0x80 // 4.00
	CodeNotFound Code = 0x84 // 4.04
)

// Option numbers used by this stack.
const (
	OptionURIPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionBlock1        uint16 = 27
)

// Content-Format codes for application payloads.
const (
	ContentFormatLinkFormat uint16 = 40 // CoRE Link-Format, discovery
	ContentFormatJSON       uint16 = 50 // application payloads
)

// Logical routing paths served by the transport.
const (
	PathGossip    = "/gossip"
	PathRecord    = "/record"
	PathAnnounce  = "/announce"
	PathPing      = "/ping"
	PathDiscovery = "/.well-known/core"
)

// Option is a single CoAP option instance.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a parsed CoAP-style packet.
type Message struct {
	Type      MessageType
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

const (
	maxTokenLength   = 8
	payloadMarker    = 0xFF
	optionNibbleExt1 = 13
	optionNibbleExt2 = 14
	optionReserved   = 15
)

// AddOption appends an option; Encode sorts by number.
func (m *Message) AddOption(number uint16, value []byte) {
	m.Options = append(m.Options, Option{Number: number, Value: value})
}

// SetPath splits a routing path into Uri-Path options.
func (m *Message) SetPath(path string) {
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if segment != "" {
			m.AddOption(OptionURIPath, []byte(segment))
		}
	}
}

// Path reassembles the Uri-Path options into a routing path.
func (m *Message) Path() string {
	var b strings.Builder
	for _, opt := range m.Options {
		if opt.Number == OptionURIPath {
			b.WriteByte('/')
			b.Write(opt.Value)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// SetContentFormat records the payload's Content-Format code.
func (m *Message) SetContentFormat(format uint16) {
	if format < 256 {
		m.AddOption(OptionContentFormat, []byte{byte(format)})
		return
	}
	value := make([]byte, 2)
	binary.BigEndian.PutUint16(value, format)
	m.AddOption(OptionContentFormat, value)
}

// ContentFormat returns the payload's Content-Format code, or -1 when the
// option is absent.
func (m *Message) ContentFormat() int {
	for _, opt := range m.Options {
		if opt.Number != OptionContentFormat {
			continue
		}
		switch len(opt.Value) {
		case 0:
			return 0
		case 1:
			return int(opt.Value[0])
		default:
			return int(binary.BigEndian.Uint16(opt.Value[:2]))
		}
	}
	return -1
}

// Encode serializes the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, fmt.Errorf("%w: token exceeds %d bytes", protocol.ErrSerialization, maxTokenLength)
	}
	var buf bytes.Buffer
	buf.WriteByte(Version<<6 | byte(m.Type)<<4 | byte(len(m.Token)))
	buf.WriteByte(byte(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	opts := append([]Option(nil), m.Options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })
	prev := uint16(0)
	for _, opt := range opts {
		if opt.Number < prev {
			return nil, fmt.Errorf("%w: option order", protocol.ErrSerialization)
		}
		delta := int(opt.Number - prev)
		dn, dext := splitOptionValue(delta)
		ln, lext := splitOptionValue(len(opt.Value))
		buf.WriteByte(dn<<4 | ln)
		buf.Write(dext)
		buf.Write(lext)
		buf.Write(opt.Value)
		prev = opt.Number
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

func splitOptionValue(v int) (byte, []byte) {
	switch {
	case v < optionNibbleExt1:
		return byte(v), nil
	case v < 269:
		return optionNibbleExt1, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return optionNibbleExt2, ext
	}
}

// Decode parses a datagram into a Message.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: datagram shorter than header", protocol.ErrSerialization)
	}
	if raw[0]>>6 != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", protocol.ErrSerialization, raw[0]>>6)
	}
	tkl := int(raw[0] & 0x0F)
	if tkl > maxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", protocol.ErrSerialization, tkl)
	}
	msg := &Message{
		Type:      MessageType(raw[0] >> 4 & 0x03),
		Code:      Code(raw[1]),
		MessageID: binary.BigEndian.Uint16(raw[2:4]),
	}
	rest := raw[4:]
	if len(rest) < tkl {
		return nil, fmt.Errorf("%w: truncated token", protocol.ErrSerialization)
	}
	if tkl > 0 {
		msg.Token = append([]byte(nil), rest[:tkl]...)
	}
	rest = rest[tkl:]

	prev := uint16(0)
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, fmt.Errorf("%w: empty payload after marker", protocol.ErrSerialization)
			}
			msg.Payload = append([]byte(nil), rest[1:]...)
			return msg, nil
		}
		dn := rest[0] >> 4
		ln := rest[0] & 0x0F
		if dn == optionReserved || ln == optionReserved {
			return nil, fmt.Errorf("%w: reserved option nibble", protocol.ErrSerialization)
		}
		rest = rest[1:]
		delta, remaining, err := readOptionValue(dn, rest)
		if err != nil {
			return nil, err
		}
		rest = remaining
		length, remaining, err := readOptionValue(ln, rest)
		if err != nil {
			return nil, err
		}
		rest = remaining
		if len(rest) < length {
			return nil, fmt.Errorf("%w: truncated option value", protocol.ErrSerialization)
		}
		number := prev + uint16(delta)
		msg.Options = append(msg.Options, Option{
			Number: number,
			Value:  append([]byte(nil), rest[:length]...),
		})
		prev = number
		rest = rest[length:]
	}
	return msg, nil
}

func readOptionValue(nibble byte, rest []byte) (int, []byte, error) {
	switch nibble {
	case optionNibbleExt1:
		if len(rest) < 1 {
			return 0, nil, fmt.Errorf("%w: truncated option extension", protocol.ErrSerialization)
		}
		return int(rest[0]) + 13, rest[1:], nil
	case optionNibbleExt2:
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated option extension", protocol.ErrSerialization)
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + 269, rest[2:], nil
	default:
		return int(nibble), rest, nil
	}
}
