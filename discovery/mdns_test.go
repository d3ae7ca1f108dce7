package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanphone/models"
)

func testServiceEntry(deviceID, name string, port int, ip string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(name, DefaultMDNSService, DefaultMDNSDomain)
	entry.Port = port
	entry.Text = []string{"device_id=" + deviceID, "version=1"}
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return entry
}

func noopRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	return nil, nil
}

func TestStartMDNSBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	_, err := StartMDNS(MDNSConfig{
		DeviceID:   "device-123",
		DeviceName: "Alice Laptop",
		SignalPort: 12345,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}, NewRegistry(time.Minute), log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, "Alice Laptop", gotInstance)
	assert.Equal(t, DefaultMDNSService, gotService)
	assert.Equal(t, 12345, gotPort)
	assert.Contains(t, gotTXT, "device_id=device-123")
	assert.Contains(t, gotTXT, "version=1")
}

func TestStartMDNSValidatesIdentity(t *testing.T) {
	_, err := StartMDNS(MDNSConfig{DeviceName: "x", SignalPort: 1, registerFn: noopRegister}, NewRegistry(time.Minute), nil)
	assert.Error(t, err)

	_, err = StartMDNS(MDNSConfig{DeviceID: "d", DeviceName: "x", registerFn: noopRegister}, NewRegistry(time.Minute), nil)
	assert.Error(t, err)
}

func TestMDNSScanUpsertsPeersAndFiltersSelf(t *testing.T) {
	registry := NewRegistry(time.Minute)
	var browseCalls atomic.Int32

	m, err := StartMDNS(MDNSConfig{
		DeviceID:    "self-device",
		DeviceName:  "Self",
		SignalPort:  12345,
		ScanTimeout: 35 * time.Millisecond,
		registerFn:  noopRegister,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := browseCalls.Add(1)
			entries <- testServiceEntry("self-device", "Self", 12345, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 12345, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 23456, "10.0.0.3")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}, registry, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, m.Scan(context.Background()))
	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.NodeID("10.0.0.2"), snapshot[0].ID)
	assert.Equal(t, SourceMDNS, snapshot[0].Source)

	require.NoError(t, m.Scan(context.Background()))
	snapshot = registry.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "Carol", snapshot[1].DisplayName)
	assert.Equal(t, 23456, snapshot[1].SignalPort)
}

func TestMDNSRunStopsOnCancel(t *testing.T) {
	var browseCalls atomic.Int32
	m, err := StartMDNS(MDNSConfig{
		DeviceID:        "self",
		DeviceName:      "Self",
		SignalPort:      1,
		RefreshInterval: 20 * time.Millisecond,
		ScanTimeout:     5 * time.Millisecond,
		registerFn:      noopRegister,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			browseCalls.Add(1)
			<-ctx.Done()
			return nil
		},
	}, NewRegistry(time.Minute), log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitForCondition(t, time.Second, func() bool { return browseCalls.Load() >= 2 })
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mDNS run did not stop")
	}
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	entry := testServiceEntry("peer", "Bob", 12345, "10.0.0.2")
	entry.Text = []string{"device_id=peer", "version=9"}
	_, ok := parseEntry(entry, "self")
	assert.False(t, ok, "wrong version")

	entry = testServiceEntry("peer", "Bob", 12345, "10.0.0.2")
	entry.AddrIPv4 = nil
	_, ok = parseEntry(entry, "self")
	assert.False(t, ok, "no address")

	entry = testServiceEntry("", "Bob", 12345, "10.0.0.2")
	_, ok = parseEntry(entry, "self")
	assert.False(t, ok, "no device id")
}
