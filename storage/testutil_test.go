package storage

import (
	"testing"
	"time"

	"lanphone/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testPeer(ip, name string) models.NodeRecord {
	return models.NodeRecord{
		ID:          models.NodeID(ip),
		DeviceID:    "device-" + ip,
		DisplayName: name,
		SignalPort:  12345,
		LastSeen:    time.Now(),
		Source:      "broadcast",
	}
}
