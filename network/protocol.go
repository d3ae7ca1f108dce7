package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current signaling protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (64 KiB).
	MaxFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial and invite exchange.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultRingTimeout bounds the wait for an answer to an invite.
	DefaultRingTimeout = 15 * time.Second
	// DefaultKeepAliveInterval is the ping period on an established call.
	DefaultKeepAliveInterval = 2 * time.Second
)

const (
	TypeInvite = "invite"
	TypeAccept = "accept"
	TypeReject = "reject"
	TypeBye    = "bye"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
)

// Reject reasons.
const (
	ReasonBusy               = "busy"
	ReasonDeclined           = "declined"
	ReasonUnsupportedVersion = "unsupported_version"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrRejected indicates the callee answered the invite with a reject.
	ErrRejected = errors.New("network: call rejected")
	// ErrRingTimeout indicates the callee did not answer in time.
	ErrRingTimeout = errors.New("network: no answer before ring timeout")
	// ErrRemoteHangup indicates the peer ended the call with bye.
	ErrRemoteHangup = errors.New("network: remote hung up")
	// ErrAlreadyAnswered indicates Accept or Reject was called twice.
	ErrAlreadyAnswered = errors.New("network: invite already answered")
	// ErrInvalidMediaPort indicates an invite or accept without a usable UDP port.
	ErrInvalidMediaPort = errors.New("network: invalid media port")
)

// RejectedError carries the reason sent by the callee.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("call rejected: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrRejected.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Invite asks the callee to start a call.
type Invite struct {
	Type            string `json:"type"`
	CallID          string `json:"call_id"`
	FromDeviceID    string `json:"from_device_id"`
	FromName        string `json:"from_name"`
	MediaPort       int    `json:"media_port"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// Accept answers an invite positively and names the callee's media port.
type Accept struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	MediaPort int    `json:"media_port"`
	Timestamp int64  `json:"timestamp"`
}

// Reject answers an invite negatively.
type Reject struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Bye ends an established call.
type Bye struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Timestamp int64  `json:"timestamp"`
}

// PingMessage keeps an established call's signaling link alive.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// NewInvite fills the fixed fields of an invite.
func NewInvite(callID, fromDeviceID, fromName string, mediaPort int) Invite {
	return Invite{
		Type:            TypeInvite,
		CallID:          callID,
		FromDeviceID:    fromDeviceID,
		FromName:        fromName,
		MediaPort:       mediaPort,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func decodeInto[T any](payload []byte, kind string) (T, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", kind, err)
	}
	return out, nil
}

func remoteError(payload []byte) error {
	msg, err := decodeInto[ErrorMessage](payload, "remote error response")
	if err != nil {
		return err
	}
	if msg.Code == ReasonUnsupportedVersion {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, msg.Message)
	}
	return fmt.Errorf("remote error [%s]: %s", msg.Code, msg.Message)
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              ReasonUnsupportedVersion,
		Message:           fmt.Sprintf("Protocol version %d is not supported.", got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

// ValidMediaPort reports whether port can receive media.
func ValidMediaPort(port int) bool {
	return port > 0 && port <= 65535
}
