package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPeerUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)

	first := testPeer("10.0.0.5", "Bob")
	first.LastSeen = time.UnixMilli(1_000_000)
	require.NoError(t, store.UpsertPeer(first))

	renamed := first
	renamed.DisplayName = "Robert"
	renamed.SignalPort = 23456
	renamed.LastSeen = time.UnixMilli(2_000_000)
	require.NoError(t, store.UpsertPeer(renamed))

	got, err := store.GetPeer("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "Robert", got.DisplayName)
	assert.Equal(t, 23456, got.SignalPort)
	assert.Equal(t, int64(1_000_000), got.FirstSeen)
	assert.Equal(t, int64(2_000_000), got.LastSeen)

	rec := got.Record()
	assert.Equal(t, "10.0.0.5", rec.ID.String())
	assert.Equal(t, "device-10.0.0.5", rec.DeviceID)
	assert.Equal(t, time.UnixMilli(2_000_000), rec.LastSeen)

	peers, err := store.ListPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestUpsertPeerKeepsNewestLastSeen(t *testing.T) {
	store := newTestStore(t)

	newer := testPeer("10.0.0.5", "Bob")
	newer.LastSeen = time.UnixMilli(5_000)
	require.NoError(t, store.UpsertPeer(newer))

	older := newer
	older.LastSeen = time.UnixMilli(4_000)
	require.NoError(t, store.UpsertPeer(older))

	got, err := store.GetPeer("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), got.LastSeen)
}

func TestUpsertPeerRejectsEmptyID(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.UpsertPeer(testPeer("", "Nobody")))
	assert.Error(t, store.UpsertPeer(testPeer("   ", "Nobody")))

	peers, err := store.ListPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestGetPeerNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPeer("10.9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPeersMostRecentFirst(t *testing.T) {
	store := newTestStore(t)

	a := testPeer("10.0.0.5", "Bob")
	a.LastSeen = time.UnixMilli(1_000)
	b := testPeer("10.0.0.6", "Carol")
	b.LastSeen = time.UnixMilli(3_000)
	c := testPeer("10.0.0.7", "Dave")
	c.LastSeen = time.UnixMilli(2_000)
	require.NoError(t, store.UpsertPeer(a))
	require.NoError(t, store.UpsertPeer(b))
	require.NoError(t, store.UpsertPeer(c))

	peers, err := store.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 3)
	assert.Equal(t, "10.0.0.6", peers[0].NodeID)
	assert.Equal(t, "10.0.0.7", peers[1].NodeID)
	assert.Equal(t, "10.0.0.5", peers[2].NodeID)
}
