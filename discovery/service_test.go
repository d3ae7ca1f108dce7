package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func loopbackTargets(port int) func(int) []*net.UDPAddr {
	return func(int) []*net.UDPAddr {
		return []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: port}}
	}
}

func TestServicesSeeEachOther(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	a, err := Start(context.Background(), Config{
		DeviceID:         uuid.New(),
		DeviceName:       "Alice",
		SignalPort:       12345,
		Port:             portA,
		AnnounceInterval: 20 * time.Millisecond,
		ListenAddress:    fmt.Sprintf("127.0.0.1:%d", portA),
		Targets:          loopbackTargets(portB),
	}, log.NewNopLogger())
	require.NoError(t, err)
	defer a.Stop()

	b, err := Start(context.Background(), Config{
		DeviceID:         uuid.New(),
		DeviceName:       "Bob",
		SignalPort:       23456,
		Port:             portB,
		AnnounceInterval: 20 * time.Millisecond,
		ListenAddress:    fmt.Sprintf("127.0.0.1:%d", portB),
		Targets:          loopbackTargets(portA),
	}, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, a.Degraded())
	require.NoError(t, b.Degraded())

	waitForCondition(t, 2*time.Second, func() bool {
		rec, ok := a.Registry.Get("127.0.0.1")
		return ok && rec.DisplayName == "Bob" && rec.SignalPort == 23456
	})
	waitForCondition(t, 2*time.Second, func() bool {
		rec, ok := b.Registry.Get("127.0.0.1")
		return ok && rec.DisplayName == "Alice"
	})

	require.NoError(t, b.SetName("Bobby"))
	waitForCondition(t, 2*time.Second, func() bool {
		rec, ok := a.Registry.Get("127.0.0.1")
		return ok && rec.DisplayName == "Bobby"
	})

	// Bob's goodbye beacon removes him from Alice's registry.
	require.NoError(t, b.Stop())
	waitForCondition(t, 2*time.Second, func() bool { return a.Registry.Len() == 0 })
	assert.NoError(t, b.Stop())
}

func TestServiceDegradesWhenPortIsTaken(t *testing.T) {
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.LocalAddr().(*net.UDPAddr).Port

	svc, err := Start(context.Background(), Config{
		DeviceID:      uuid.New(),
		DeviceName:    "Alice",
		SignalPort:    12345,
		Port:          port,
		ListenAddress: fmt.Sprintf("127.0.0.1:%d", port),
		Targets:       loopbackTargets(freeUDPPort(t)),
	}, log.NewNopLogger())
	require.NoError(t, err)

	assert.Error(t, svc.Degraded())
	assert.Empty(t, svc.Registry.Snapshot())
	assert.NoError(t, svc.Stop())
}

func TestServiceConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultDiscoveryPort, cfg.Port)
	assert.Equal(t, DefaultAnnounceInterval, cfg.AnnounceInterval)
	assert.Equal(t, 3*DefaultAnnounceInterval, cfg.PeerTTL)
	assert.Equal(t, ":12347", cfg.ListenAddress)

	_, err := Start(context.Background(), Config{DeviceName: "x", SignalPort: 1}, nil)
	assert.Error(t, err)
}
