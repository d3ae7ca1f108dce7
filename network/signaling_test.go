package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, handler InviteHandlerFunc) *Server {
	t.Helper()
	server, err := Listen("127.0.0.1:0", handler, ServerOptions{
		ConnectionTimeout: 2 * time.Second,
		KeepAliveInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func testDialOptions() DialOptions {
	return DialOptions{
		ConnectionTimeout: 2 * time.Second,
		RingTimeout:       2 * time.Second,
		KeepAliveInterval: 50 * time.Millisecond,
	}
}

func waitDone(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end")
	}
}

func TestDialAcceptExchangesMediaPortsAndHangsUp(t *testing.T) {
	serverCalls := make(chan *Call, 1)
	server := startTestServer(t, func(in *Incoming) {
		assert.Equal(t, "Alice", in.Invite.FromName)
		assert.Equal(t, "127.0.0.1", in.RemoteIP())
		call, err := in.Accept(40002)
		if assert.NoError(t, err) {
			serverCalls <- call
		}
	})

	call, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-1", "dev-a", "Alice", 40001), testDialOptions())
	require.NoError(t, err)
	assert.Equal(t, "call-1", call.ID())
	assert.Equal(t, 40002, call.RemoteMediaPort())

	var remote *Call
	select {
	case remote = <-serverCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	assert.Equal(t, 40001, remote.RemoteMediaPort())

	// Keep-alive pings must not end a healthy call.
	time.Sleep(200 * time.Millisecond)
	select {
	case <-call.Done():
		t.Fatalf("call ended early: %v", call.Err())
	default:
	}

	require.NoError(t, call.Hangup())
	waitDone(t, remote)
	assert.ErrorIs(t, remote.Err(), ErrRemoteHangup)
	assert.NoError(t, call.Err())
	assert.NoError(t, call.Hangup(), "second hangup is a no-op")
}

func TestDialRejectedCarriesReason(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {
		assert.NoError(t, in.Reject(ReasonBusy))
		assert.ErrorIs(t, in.Reject(ReasonBusy), ErrAlreadyAnswered)
	})

	_, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-2", "dev-a", "Alice", 1), testDialOptions())
	require.ErrorIs(t, err, ErrRejected)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonBusy, rejected.Reason)
}

func TestDialRejectsAcceptWithoutMediaPort(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {
		_, _ = in.Accept(0)
	})

	call, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-9", "dev-a", "Alice", 40001), testDialOptions())
	require.ErrorIs(t, err, ErrInvalidMediaPort)
	assert.Nil(t, call)
}

func TestValidMediaPort(t *testing.T) {
	assert.True(t, ValidMediaPort(1))
	assert.True(t, ValidMediaPort(65535))
	assert.False(t, ValidMediaPort(0))
	assert.False(t, ValidMediaPort(-1))
	assert.False(t, ValidMediaPort(65536))
}

func TestUnansweredInviteIsDeclined(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {})

	_, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-3", "dev-a", "Alice", 1), testDialOptions())
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonDeclined, rejected.Reason)
}

func TestDialRingTimeout(t *testing.T) {
	release := make(chan struct{})
	server := startTestServer(t, func(in *Incoming) {
		<-release
	})
	defer close(release)

	opts := testDialOptions()
	opts.RingTimeout = 50 * time.Millisecond
	_, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-4", "dev-a", "Alice", 1), opts)
	assert.ErrorIs(t, err, ErrRingTimeout)
}

func TestDialCancelledWhileRinging(t *testing.T) {
	release := make(chan struct{})
	server := startTestServer(t, func(in *Incoming) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := Dial(ctx, server.Addr().String(), NewInvite("call-5", "dev-a", "Alice", 1), testDialOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialVersionMismatch(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {
		t.Error("handler must not see an unsupported invite")
	})

	invite := NewInvite("call-6", "dev-a", "Alice", 1)
	invite.ProtocolVersion = ProtocolVersion + 1
	_, err := Dial(context.Background(), server.Addr().String(), invite, testDialOptions())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCallEndsWhenLinkDrops(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {
		call, err := in.Accept(1)
		if assert.NoError(t, err) {
			// Drop the link without bye.
			call.closeWithError(nil)
		}
	})

	call, err := Dial(context.Background(), server.Addr().String(), NewInvite("call-7", "dev-a", "Alice", 1), testDialOptions())
	require.NoError(t, err)
	waitDone(t, call)
	assert.Error(t, call.Err())
	assert.NotErrorIs(t, call.Err(), ErrRemoteHangup)
}

func TestCallPongTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		invite, _ := decodeInto[Invite](payload, "invite")
		_ = writeMessage(conn, Accept{Type: TypeAccept, CallID: invite.CallID, MediaPort: 1})
		// Stay silent: never answer pings.
		time.Sleep(2 * time.Second)
	}()

	opts := testDialOptions()
	opts.KeepAliveInterval = 30 * time.Millisecond
	call, err := Dial(context.Background(), listener.Addr().String(), NewInvite("call-8", "dev-a", "Alice", 1), opts)
	require.NoError(t, err)
	waitDone(t, call)
	assert.ErrorIs(t, call.Err(), ErrPongTimeout)
}

func TestServerRejectsNonInviteFirstFrame(t *testing.T) {
	server := startTestServer(t, func(in *Incoming) {
		t.Error("handler must not run")
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeMessage(conn, Bye{Type: TypeBye, CallID: "x"}))
	payload, err := ReadFrameWithTimeout(conn, 2*time.Second)
	require.NoError(t, err)
	msgType, err := DecodeMessageType(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msgType)
}
