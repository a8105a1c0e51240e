package coap

import (
	"bytes"
	"errors"
	"testing"

	"meshsync/protocol"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Type:      Confirmable,
		Code:      CodePOST,
		MessageID: 0xBEEF,
		Token:     []byte{0x01, 0x02, 0x03},
		Payload:   []byte(`{"hello":"world"}`),
	}
	msg.SetPath(PathGossip)
	msg.SetContentFormat(ContentFormatJSON)

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != Confirmable || decoded.Code != CodePOST || decoded.MessageID != 0xBEEF {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Token, msg.Token) {
		t.Fatalf("token mismatch")
	}
	if decoded.Path() != PathGossip {
		t.Fatalf("path mismatch: %s", decoded.Path())
	}
	if decoded.ContentFormat() != int(ContentFormatJSON) {
		t.Fatalf("content format mismatch: %d", decoded.ContentFormat())
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestMessageMultiSegmentPath(t *testing.T) {
	msg := &Message{Type: NonConfirmable, Code: CodeGET, MessageID: 7}
	msg.SetPath(PathDiscovery)
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path() != PathDiscovery {
		t.Fatalf("multi-segment path lost: %s", decoded.Path())
	}
}

func TestMessageLargeOptionDelta(t *testing.T) {
	// Block1 (27) after Uri-Path (11) uses a plain delta; an artificial
	// large option number exercises the extended encodings.
	msg := &Message{Type: NonConfirmable, Code: CodeGET, MessageID: 9}
	msg.AddOption(500, []byte("x"))
	msg.AddOption(OptionURIPath, []byte("gossip"))
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Options) != 2 {
		t.Fatalf("want 2 options, got %d", len(decoded.Options))
	}
	if decoded.Options[0].Number != OptionURIPath || decoded.Options[1].Number != 500 {
		t.Fatalf("options must decode sorted: %+v", decoded.Options)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"short header":    {0x40},
		"bad version":     {0x00, 0x01, 0x00, 0x01},
		"token overrun":   {0x48, 0x01, 0x00, 0x01, 0xAA},
		"empty payload":   {0x40, 0x01, 0x00, 0x01, 0xFF},
		"reserved nibble": {0x40, 0x01, 0x00, 0x01, 0xF0},
	}
	for name, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, protocol.ErrSerialization) {
			t.Fatalf("%s: expected serialization error, got %v", name, err)
		}
	}
}

func TestEmptyAckEncodes(t *testing.T) {
	ack := &Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: 42}
	raw, err := ack.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("empty ack should be exactly a header, got %d bytes", len(raw))
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != Acknowledgement || decoded.MessageID != 42 {
		t.Fatalf("ack mismatch: %+v", decoded)
	}
}
