package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// DialOptions controls an outbound invite.
type DialOptions struct {
	ConnectionTimeout time.Duration
	RingTimeout       time.Duration
	KeepAliveInterval time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = DefaultRingTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return out
}

// Dial connects to a peer's signaling address, sends invite and waits for
// the answer. It returns a *RejectedError on reject, ErrRingTimeout when no
// answer arrives within RingTimeout, and ctx.Err() when ctx is cancelled.
func Dial(ctx context.Context, address string, invite Invite, options DialOptions) (*Call, error) {
	opts := options.withDefaults()
	if invite.Type == "" {
		invite.Type = TypeInvite
	}
	if invite.ProtocolVersion == 0 {
		invite.ProtocolVersion = ProtocolVersion
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	// Cancelling ctx closes the socket, unblocking the answer read.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	call, err := exchangeInvite(conn, invite, opts)
	if !stop() {
		if call != nil {
			call.closeWithError(ctx.Err())
		}
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return call, nil
}

func exchangeInvite(conn net.Conn, invite Invite, opts DialOptions) (*Call, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set invite deadline: %w", err)
	}
	if err := writeMessage(conn, invite); err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear invite deadline: %w", err)
	}

	payload, err := ReadFrameWithTimeout(conn, opts.RingTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrRingTimeout
		}
		return nil, fmt.Errorf("read answer: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeAccept:
		accept, err := decodeInto[Accept](payload, "accept")
		if err != nil {
			return nil, err
		}
		if accept.CallID != invite.CallID {
			return nil, fmt.Errorf("accept for call %q, expected %q", accept.CallID, invite.CallID)
		}
		if !ValidMediaPort(accept.MediaPort) {
			return nil, fmt.Errorf("%w: accept carried %d", ErrInvalidMediaPort, accept.MediaPort)
		}
		return newCall(conn, CallOptions{
			CallID:            invite.CallID,
			RemoteMediaPort:   accept.MediaPort,
			KeepAliveInterval: opts.KeepAliveInterval,
		}), nil
	case TypeReject:
		reject, err := decodeInto[Reject](payload, "reject")
		if err != nil {
			return nil, err
		}
		return nil, &RejectedError{Reason: reject.Reason}
	case TypeError:
		return nil, remoteError(payload)
	default:
		return nil, fmt.Errorf("%w: expected answer, got %q", ErrInvalidMessageType, msgType)
	}
}
