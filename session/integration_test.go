package session

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanphone/media"
	"lanphone/models"
	"lanphone/network"
)

func TestCallOverLoopback(t *testing.T) {
	mediaOpts := media.UDPOptions{FrameInterval: 5 * time.Millisecond}
	dialOpts := network.DialOptions{RingTimeout: 2 * time.Second, KeepAliveInterval: 50 * time.Millisecond}

	callee, err := NewManager(Options{
		DeviceID:   "callee",
		Name:       func() string { return "Bob" },
		Peers:      fakePeers{},
		Dial:       NetworkDialer(dialOpts),
		Transports: media.NewUDPFactory(mediaOpts),
		Logger:     log.NewNopLogger(),
	})
	require.NoError(t, err)

	server, err := network.Listen("127.0.0.1:0", callee, network.ServerOptions{KeepAliveInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer server.Close()

	caller, err := NewManager(Options{
		DeviceID: "caller",
		Name:     func() string { return "Alice" },
		Peers: fakePeers{
			"127.0.0.1": {ID: "127.0.0.1", DisplayName: "Bob", SignalPort: server.Port()},
		},
		Dial:       NetworkDialer(dialOpts),
		Transports: media.NewUDPFactory(mediaOpts),
		Logger:     log.NewNopLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, caller.Start(context.Background(), "127.0.0.1"))
	assert.Equal(t, Active, caller.State())
	waitForState(t, callee, Active)

	info, ok := callee.Current()
	require.True(t, ok)
	assert.Equal(t, "Alice", info.PeerName)
	assert.Equal(t, models.CallInbound, info.Direction)

	callerInfo, _ := caller.Current()
	assert.Equal(t, callerInfo.ID, info.ID, "both sides share the call ID")

	caller.Stop()
	assert.Equal(t, Idle, caller.State())
	waitForState(t, callee, Idle)
}

func TestSecondCallerGetsBusyOverLoopback(t *testing.T) {
	dialOpts := network.DialOptions{RingTimeout: 2 * time.Second, KeepAliveInterval: 50 * time.Millisecond}
	mediaOpts := media.UDPOptions{FrameInterval: 5 * time.Millisecond}

	callee, err := NewManager(Options{
		Peers:      fakePeers{},
		Dial:       NetworkDialer(dialOpts),
		Transports: media.NewUDPFactory(mediaOpts),
	})
	require.NoError(t, err)
	server, err := network.Listen("127.0.0.1:0", callee, network.ServerOptions{KeepAliveInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer server.Close()

	newCaller := func(name string) *Manager {
		m, err := NewManager(Options{
			Name:       func() string { return name },
			Peers:      fakePeers{"127.0.0.1": {ID: "127.0.0.1", DisplayName: "Bob", SignalPort: server.Port()}},
			Dial:       NetworkDialer(dialOpts),
			Transports: media.NewUDPFactory(mediaOpts),
		})
		require.NoError(t, err)
		return m
	}

	first := newCaller("Alice")
	second := newCaller("Carol")

	require.NoError(t, first.Start(context.Background(), "127.0.0.1"))
	waitForState(t, callee, Active)

	err = second.Start(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, Idle, second.State())
	assert.Equal(t, Active, callee.State())

	callee.Stop()
	waitForState(t, first, Idle)
}

func TestAcceptWithoutMediaPortFailsOverLoopback(t *testing.T) {
	server, err := network.Listen("127.0.0.1:0", network.InviteHandlerFunc(func(in *network.Incoming) {
		_, _ = in.Accept(0)
	}), network.ServerOptions{KeepAliveInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer server.Close()

	caller, err := NewManager(Options{
		DeviceID: "caller",
		Peers: fakePeers{
			"127.0.0.1": {ID: "127.0.0.1", DisplayName: "Bob", SignalPort: server.Port()},
		},
		Dial:       NetworkDialer(network.DialOptions{RingTimeout: 2 * time.Second}),
		Transports: media.NewUDPFactory(media.UDPOptions{FrameInterval: 5 * time.Millisecond}),
		Logger:     log.NewNopLogger(),
	})
	require.NoError(t, err)

	err = caller.Start(context.Background(), "127.0.0.1")
	require.ErrorIs(t, err, network.ErrInvalidMediaPort)
	assert.Equal(t, Idle, caller.State())
}
