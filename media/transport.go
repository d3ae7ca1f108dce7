// Package media owns the lifecycle of the point-to-point media stream of a
// call. Capture and playback are external collaborators behind Source and Sink.
package media

import (
	"errors"
	"net"
	"time"
)

const (
	// DefaultPort is the UDP port media is received on.
	DefaultPort = 12346
	// DefaultFrameInterval is the send cadence of one media frame.
	DefaultFrameInterval = 20 * time.Millisecond
	// DefaultFrameSize is the payload size SilenceSource produces (20ms of 8kHz 16-bit mono).
	DefaultFrameSize = 320
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("media: transport closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("media: transport already started")
)

// Transport is one call's media stream. It is bound to a local port when
// opened, so the port can be advertised before the peer's port is known.
type Transport interface {
	// LocalPort is the UDP port this side receives media on.
	LocalPort() int
	// Start begins sending to remote and delivering inbound frames.
	Start(remote *net.UDPAddr) error
	// Close stops the stream and releases the socket. Idempotent.
	Close() error
	Stats() Stats
}

// Factory opens a transport bound to localPort (0 picks a free port).
type Factory func(localPort int) (Transport, error)

// Stats counts a transport's traffic.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesLost     uint64
	BytesSent      uint64
	BytesReceived  uint64
}

// Source produces outbound media frames. ReadFrame fills buf and returns the
// number of payload bytes; it is called once per frame interval.
type Source interface {
	ReadFrame(buf []byte) (int, error)
}

// Sink consumes inbound media frames.
type Sink interface {
	WriteFrame(seq uint32, timestamp uint64, payload []byte) error
}

// SilenceSource emits zeroed frames.
type SilenceSource struct {
	FrameSize int
}

// ReadFrame fills buf with FrameSize zero bytes.
func (s SilenceSource) ReadFrame(buf []byte) (int, error) {
	size := s.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}
	size = min(size, len(buf))
	clear(buf[:size])
	return size, nil
}

// DiscardSink drops every frame.
type DiscardSink struct{}

// WriteFrame discards the frame.
func (DiscardSink) WriteFrame(uint32, uint64, []byte) error {
	return nil
}
