package media

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the media packet header length: seq uint32, timestamp uint64.
const HeaderSize = 12

// MaxPacketSize bounds one media datagram.
const MaxPacketSize = 1500

// ErrShortPacket indicates a datagram smaller than the header.
var ErrShortPacket = errors.New("media: packet shorter than header")

// Packet is one media frame on the wire.
type Packet struct {
	Seq       uint32
	Timestamp uint64
	Payload   []byte
}

// AppendPacket appends the encoded packet to dst.
func AppendPacket(dst []byte, p Packet) []byte {
	dst = binary.BigEndian.AppendUint32(dst, p.Seq)
	dst = binary.BigEndian.AppendUint64(dst, p.Timestamp)
	return append(dst, p.Payload...)
}

// DecodePacket parses a datagram. Payload aliases b.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		Seq:       binary.BigEndian.Uint32(b[0:4]),
		Timestamp: binary.BigEndian.Uint64(b[4:12]),
		Payload:   b[HeaderSize:],
	}, nil
}
