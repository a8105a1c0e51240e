package coap

import (
	"encoding/binary"
	"fmt"

	"meshsync/protocol"
)

const (
	// MaxMessagePayload is the largest payload carried in a single message.
	MaxMessagePayload = 1024
	// BlockSize is the fixed fragment size for block-wise transfer.
	BlockSize = 256
	// blockSizeExponent tags the fixed 256-byte block size on the wire.
	blockSizeExponent = 2
	// blockMoreFlag marks that further blocks follow.
	blockMoreFlag = 0x08
)

// Block1 describes one fragment of a block-wise transfer.
type Block1 struct {
	Number       uint32
	More         bool
	SizeExponent uint8
}

// EncodeBlock1 packs a block descriptor into its option value:
// (number << 4) | more | size exponent, minimal big-endian bytes.
func EncodeBlock1(b Block1) []byte {
	v := b.Number<<4 | uint32(b.SizeExponent&0x07)
	if b.More {
		v |= blockMoreFlag
	}
	switch {
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(v))
		return out
	default:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, v)
		return out[1:]
	}
}

// DecodeBlock1 unpacks a Block1 option value.
func DecodeBlock1(value []byte) (Block1, error) {
	if len(value) == 0 || len(value) > 3 {
		return Block1{}, fmt.Errorf("%w: block1 option length %d", protocol.ErrSerialization, len(value))
	}
	var v uint32
	for _, b := range value {
		v = v<<8 | uint32(b)
	}
	return Block1{
		Number:       v >> 4,
		More:         v&blockMoreFlag != 0,
		SizeExponent: uint8(v & 0x07),
	}, nil
}

// Block1FromMessage extracts the first Block1 option, if present.
func Block1FromMessage(msg *Message) (Block1, bool, error) {
	for _, opt := range msg.Options {
		if opt.Number == OptionBlock1 {
			block, err := DecodeBlock1(opt.Value)
			return block, err == nil, err
		}
	}
	return Block1{}, false, nil
}

// splitBlocks carves an oversized payload into fixed-size fragments, each
// tagged with its block descriptor.
func splitBlocks(payload []byte) []struct {
	Data  []byte
	Block Block1
} {
	count := (len(payload) + BlockSize - 1) / BlockSize
	out := make([]struct {
		Data  []byte
		Block Block1
	}, 0, count)
	for i := 0; i < count; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, struct {
			Data  []byte
			Block Block1
		}{
			Data: payload[start:end],
			Block: Block1{
				Number:       uint32(i),
				More:         i < count-1,
				SizeExponent: blockSizeExponent,
			},
		})
	}
	return out
}
