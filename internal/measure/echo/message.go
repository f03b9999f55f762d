package echo

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
	"lukechampine.com/uint128"
)

// Wire layout, all fields big-endian:
//
//	[0:8]   index
//	[8:24]  sent time, milliseconds since the epoch
//	[24:40] first 16 bytes of SHA-256(decimal(index) ++ decimal(sent time))
//
// The return-port variant prepends a 2-byte port the echo should be sent to.
const (
	MessageSize           = 40
	ReturnPortSize        = 2
	ReturnPortMessageSize = ReturnPortSize + MessageSize
)

// ErrDecode is returned for datagrams that are not a well-formed message.
var ErrDecode = errors.New("malformed probe message")

// Message is a single probe as exchanged on the wire.
type Message struct {
	// Index is the sender-assigned sequence number
	Index uint64
	// SentTime is the send timestamp in milliseconds since the epoch
	SentTime uint128.Uint128
	// Hash is the integrity digest of Index and SentTime
	Hash uint128.Uint128
}

// Build returns a message with its integrity hash populated.
func Build(index uint64, sentTime uint128.Uint128) Message {
	return Message{
		Index:    index,
		SentTime: sentTime,
		Hash:     digest(index, sentTime),
	}
}

// Verify recomputes the hash and reports whether it matches. The hash only
// detects corruption, anyone can forge it.
func (m Message) Verify() bool {
	return m.Hash == digest(m.Index, m.SentTime)
}

func digest(index uint64, sentTime uint128.Uint128) uint128.Uint128 {
	data := strconv.FormatUint(index, 10) + sentTime.String()
	sum := sha256.Sum256([]byte(data))
	return uint128.FromBytesBE(sum[:16])
}

// Encode serializes m into the 40-byte wire layout.
func Encode(m Message) []byte {
	buf := make([]byte, MessageSize)
	putMessage(buf, m)
	return buf
}

// EncodeWithReturnPort serializes m behind a 2-byte return port.
func EncodeWithReturnPort(port uint16, m Message) []byte {
	buf := make([]byte, ReturnPortMessageSize)
	binary.BigEndian.PutUint16(buf[:ReturnPortSize], port)
	putMessage(buf[ReturnPortSize:], m)
	return buf
}

func putMessage(buf []byte, m Message) {
	binary.BigEndian.PutUint64(buf[0:8], m.Index)
	m.SentTime.PutBytesBE(buf[8:24])
	m.Hash.PutBytesBE(buf[24:40])
}

// Decode parses a 40-byte datagram. It does not verify the hash.
func Decode(b []byte) (Message, error) {
	if len(b) != MessageSize {
		return Message{}, errors.Wrapf(ErrDecode, "expected %d bytes, got %d", MessageSize, len(b))
	}
	return Message{
		Index:    binary.BigEndian.Uint64(b[0:8]),
		SentTime: uint128.FromBytesBE(b[8:24]),
		Hash:     uint128.FromBytesBE(b[24:40]),
	}, nil
}

// DecodeWithReturnPort parses a 42-byte datagram carrying a return port.
func DecodeWithReturnPort(b []byte) (uint16, Message, error) {
	if len(b) != ReturnPortMessageSize {
		return 0, Message{}, errors.Wrapf(ErrDecode, "expected %d bytes, got %d", ReturnPortMessageSize, len(b))
	}
	m, err := Decode(b[ReturnPortSize:])
	if err != nil {
		return 0, Message{}, err
	}
	return binary.BigEndian.Uint16(b[:ReturnPortSize]), m, nil
}

// ReturnPort extracts the return port prefix from any payload of at least 2 bytes.
func ReturnPort(b []byte) (uint16, error) {
	if len(b) < ReturnPortSize {
		return 0, errors.Wrapf(ErrDecode, "payload of %d bytes has no return port", len(b))
	}
	return binary.BigEndian.Uint16(b[:ReturnPortSize]), nil
}
