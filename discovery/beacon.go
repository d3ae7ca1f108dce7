package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// BeaconMagic prefixes every presence datagram ("LANP").
	BeaconMagic uint32 = 0x4C414E50
	// BeaconVersion is the current presence record version.
	BeaconVersion uint8 = 1
	// MaxNameLength bounds the display name carried in a beacon, in bytes.
	MaxNameLength = 64
	// MaxBeaconSize is the largest datagram a valid beacon can produce.
	MaxBeaconSize = beaconHeaderSize + MaxNameLength

	// magic(4) version(1) flags(1) device(16) signal port(2) name length(2)
	beaconHeaderSize = 26
	flagLeaving      = 1 << 0
)

var (
	// ErrMalformedBeacon indicates a datagram that is not a valid presence record.
	ErrMalformedBeacon = errors.New("discovery: malformed beacon")
	// ErrUnsupportedBeaconVersion indicates a presence record from a newer protocol.
	ErrUnsupportedBeaconVersion = errors.New("discovery: unsupported beacon version")
)

// Beacon is one presence announcement.
type Beacon struct {
	DeviceID   uuid.UUID
	Name       string
	SignalPort int
	Leaving    bool
}

// NormalizeName trims a display name and checks it fits in a beacon.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("display name is empty")
	case len(name) > MaxNameLength:
		return "", fmt.Errorf("display name exceeds %d bytes", MaxNameLength)
	case !utf8.ValidString(name):
		return "", errors.New("display name is not valid UTF-8")
	}
	return name, nil
}

// EncodeBeacon serializes b into the versioned wire record.
func EncodeBeacon(b Beacon) ([]byte, error) {
	name, err := NormalizeName(b.Name)
	if err != nil {
		return nil, err
	}
	if b.DeviceID == uuid.Nil {
		return nil, errors.New("beacon device ID is required")
	}
	if b.SignalPort <= 0 || b.SignalPort > 65535 {
		return nil, fmt.Errorf("beacon signal port out of range: %d", b.SignalPort)
	}

	buf := make([]byte, beaconHeaderSize+len(name))
	binary.BigEndian.PutUint32(buf[0:4], BeaconMagic)
	buf[4] = BeaconVersion
	if b.Leaving {
		buf[5] |= flagLeaving
	}
	copy(buf[6:22], b.DeviceID[:])
	binary.BigEndian.PutUint16(buf[22:24], uint16(b.SignalPort))
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(name)))
	copy(buf[beaconHeaderSize:], name)
	return buf, nil
}

// DecodeBeacon parses a presence datagram.
func DecodeBeacon(payload []byte) (Beacon, error) {
	if len(payload) < beaconHeaderSize {
		return Beacon{}, ErrMalformedBeacon
	}
	if binary.BigEndian.Uint32(payload[0:4]) != BeaconMagic {
		return Beacon{}, ErrMalformedBeacon
	}
	if payload[4] != BeaconVersion {
		return Beacon{}, ErrUnsupportedBeaconVersion
	}

	nameLen := int(binary.BigEndian.Uint16(payload[24:26]))
	if nameLen != len(payload)-beaconHeaderSize {
		return Beacon{}, ErrMalformedBeacon
	}

	deviceID, err := uuid.FromBytes(payload[6:22])
	if err != nil || deviceID == uuid.Nil {
		return Beacon{}, ErrMalformedBeacon
	}

	port := int(binary.BigEndian.Uint16(payload[22:24]))
	if port == 0 {
		return Beacon{}, ErrMalformedBeacon
	}

	raw := string(payload[beaconHeaderSize:])
	name, err := NormalizeName(raw)
	if err != nil || name != raw {
		return Beacon{}, ErrMalformedBeacon
	}

	return Beacon{
		DeviceID:   deviceID,
		Name:       name,
		SignalPort: port,
		Leaving:    payload[5]&flagLeaving != 0,
	}, nil
}
