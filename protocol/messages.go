package protocol

import (
	"encoding/json"
	"fmt"
)

// Constants for the gossip message types carried over the wire.
const (
	MsgTypeBloomSync          byte = 0x01
	MsgTypeRequestRecords     byte = 0x02
	MsgTypeSendRecords        byte = 0x03
	MsgTypeAnnounce           byte = 0x04
	MsgTypeRemoteCall         byte = 0x05
	MsgTypeRemoteCallResponse byte = 0x06
	MsgTypeMeshRelay          byte = 0x07
)

// Message is the tagged envelope exchanged between peers. Type selects the
// payload struct; Payload is its JSON encoding. Seq and Auth are the
// session-layer header: Seq is the sender's per-peer sequence number and
// Auth the authentication tag over Type, Seq and Payload, present only in
// keyed security modes. Both are stamped at send time, so one message can
// be re-stamped for each destination.
type Message struct {
	Type    byte            `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Auth    []byte          `json:"auth,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// BloomSyncPayload carries a serialized Bloom filter for reconciliation.
type BloomSyncPayload struct {
	Filter []byte `json:"filter"`
}

// RequestRecordsPayload asks a peer for the records behind the given hashes.
type RequestRecordsPayload struct {
	Hashes []ContentHash `json:"hashes"`
}

// SendRecordsPayload delivers serialized records.
type SendRecordsPayload struct {
	Records [][]byte `json:"records"`
}

// AnnouncePayload advertises a single newly stored record.
type AnnouncePayload struct {
	Hash ContentHash `json:"hash"`
}

// RemoteCallPayload is a correlated request for a named method on a peer.
type RemoteCallPayload struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// RemoteCallResponsePayload answers a RemoteCallPayload with the same ID.
type RemoteCallResponsePayload struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// MeshRelayPayload wraps an inner message for TTL-bounded multi-hop
// forwarding. MessageID is globally distinguishable for deduplication.
type MeshRelayPayload struct {
	MessageID string   `json:"messageID"`
	Origin    string   `json:"origin"`
	TTL       uint8    `json:"ttl"`
	Inner     *Message `json:"inner"`
}

func newMessage(msgType byte, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode message type 0x%02x: %v", ErrSerialization, msgType, err)
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// NewBloomSyncMessage builds a reconciliation message from filter bytes.
func NewBloomSyncMessage(filter []byte) (*Message, error) {
	return newMessage(MsgTypeBloomSync, BloomSyncPayload{Filter: filter})
}

// NewRequestRecordsMessage builds a fetch request for the given hashes.
func NewRequestRecordsMessage(hashes []ContentHash) (*Message, error) {
	return newMessage(MsgTypeRequestRecords, RequestRecordsPayload{Hashes: hashes})
}

// NewSendRecordsMessage builds a record delivery message.
func NewSendRecordsMessage(records [][]byte) (*Message, error) {
	return newMessage(MsgTypeSendRecords, SendRecordsPayload{Records: records})
}

// NewAnnounceMessage builds an announcement for a freshly stored hash.
func NewAnnounceMessage(hash ContentHash) (*Message, error) {
	return newMessage(MsgTypeAnnounce, AnnouncePayload{Hash: hash})
}

// NewRemoteCallMessage builds a correlated remote call request.
func NewRemoteCallMessage(id, from, method string, payload json.RawMessage) (*Message, error) {
	return newMessage(MsgTypeRemoteCall, RemoteCallPayload{ID: id, From: from, Method: method, Payload: payload})
}

// NewRemoteCallResponseMessage builds the response for a remote call.
func NewRemoteCallResponseMessage(id string, success bool, data json.RawMessage) (*Message, error) {
	return newMessage(MsgTypeRemoteCallResponse, RemoteCallResponsePayload{ID: id, Success: success, Data: data})
}

// NewMeshRelayMessage wraps an inner message for multi-hop forwarding.
func NewMeshRelayMessage(messageID, origin string, ttl uint8, inner *Message) (*Message, error) {
	return newMessage(MsgTypeMeshRelay, MeshRelayPayload{MessageID: messageID, Origin: origin, TTL: ttl, Inner: inner})
}

// Encode serializes the envelope for transport.
func (m *Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", ErrSerialization, err)
	}
	return raw, nil
}

// DecodeMessage parses an envelope and rejects unknown message types.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrSerialization, err)
	}
	if msg.Type < MsgTypeBloomSync || msg.Type > MsgTypeMeshRelay {
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrSerialization, msg.Type)
	}
	return &msg, nil
}

func (m *Message) decodePayload(want byte, out interface{}) error {
	if m.Type != want {
		return fmt.Errorf("%w: message type 0x%02x, want 0x%02x", ErrSerialization, m.Type, want)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%w: decode payload 0x%02x: %v", ErrSerialization, want, err)
	}
	return nil
}

// BloomSync extracts the payload of a BloomSync message.
func (m *Message) BloomSync() (BloomSyncPayload, error) {
	var p BloomSyncPayload
	err := m.decodePayload(MsgTypeBloomSync, &p)
	return p, err
}

// RequestRecords extracts the payload of a RequestRecords message.
func (m *Message) RequestRecords() (RequestRecordsPayload, error) {
	var p RequestRecordsPayload
	err := m.decodePayload(MsgTypeRequestRecords, &p)
	return p, err
}

// SendRecords extracts the payload of a SendRecords message.
func (m *Message) SendRecords() (SendRecordsPayload, error) {
	var p SendRecordsPayload
	err := m.decodePayload(MsgTypeSendRecords, &p)
	return p, err
}

// Announce extracts the payload of an Announce message.
func (m *Message) Announce() (AnnouncePayload, error) {
	var p AnnouncePayload
	err := m.decodePayload(MsgTypeAnnounce, &p)
	return p, err
}

// RemoteCall extracts the payload of a RemoteCall message.
func (m *Message) RemoteCall() (RemoteCallPayload, error) {
	var p RemoteCallPayload
	err := m.decodePayload(MsgTypeRemoteCall, &p)
	return p, err
}

// RemoteCallResponse extracts the payload of a RemoteCallResponse message.
func (m *Message) RemoteCallResponse() (RemoteCallResponsePayload, error) {
	var p RemoteCallResponsePayload
	err := m.decodePayload(MsgTypeRemoteCallResponse, &p)
	return p, err
}

// MeshRelay extracts the payload of a MeshRelay message.
func (m *Message) MeshRelay() (MeshRelayPayload, error) {
	var p MeshRelayPayload
	err := m.decodePayload(MsgTypeMeshRelay, &p)
	return p, err
}
