package media

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	seqs   []uint32
	frames [][]byte
}

func (s *recordingSink) WriteFrame(seq uint32, _ uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, seq)
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

type patternSource struct{ b byte }

func (p patternSource) ReadFrame(buf []byte) (int, error) {
	for i := 0; i < 8; i++ {
		buf[i] = p.b
	}
	return 8, nil
}

func loopback(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestUDPTransportsExchangeFrames(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	a, err := ListenUDP(0, UDPOptions{FrameInterval: 5 * time.Millisecond, Source: patternSource{b: 0xAA}, Sink: sinkA})
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP(0, UDPOptions{FrameInterval: 5 * time.Millisecond, Source: patternSource{b: 0xBB}, Sink: sinkB})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Start(loopback(b.LocalPort())))
	require.NoError(t, b.Start(loopback(a.LocalPort())))

	waitFor(t, 2*time.Second, func() bool { return sinkA.count() >= 3 && sinkB.count() >= 3 })

	sinkA.mu.Lock()
	assert.Equal(t, byte(0xBB), sinkA.frames[0][0])
	sinkA.mu.Unlock()
	sinkB.mu.Lock()
	assert.Equal(t, byte(0xAA), sinkB.frames[0][0])
	sinkB.mu.Unlock()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	stats := a.Stats()
	assert.Positive(t, stats.FramesSent)
	assert.Positive(t, stats.FramesReceived)
	assert.Equal(t, stats.FramesSent*8, stats.BytesSent)
}

func TestUDPTransportStartRules(t *testing.T) {
	tr, err := ListenUDP(0, UDPOptions{})
	require.NoError(t, err)

	assert.Error(t, tr.Start(nil))
	require.NoError(t, tr.Start(loopback(9)))
	assert.ErrorIs(t, tr.Start(loopback(9)), ErrAlreadyStarted)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Start(loopback(9)), ErrClosed)
}

func TestUDPTransportCountsLossAndIgnoresStrangers(t *testing.T) {
	sink := &recordingSink{}
	tr, err := ListenUDP(0, UDPOptions{FrameInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	defer tr.Close()

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, tr.Start(loopback(sender.LocalAddr().(*net.UDPAddr).Port)))

	for _, seq := range []uint32{0, 1, 4} {
		_, err := sender.WriteToUDP(AppendPacket(nil, Packet{Seq: seq, Payload: []byte{1}}), loopback(tr.LocalPort()))
		require.NoError(t, err)
	}
	_, err = sender.WriteToUDP([]byte{1, 2, 3}, loopback(tr.LocalPort()))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 3 })
	assert.Equal(t, uint64(2), tr.Stats().FramesLost)
}

func TestPacketCodec(t *testing.T) {
	encoded := AppendPacket(nil, Packet{Seq: 7, Timestamp: 140, Payload: []byte("abc")})
	assert.Len(t, encoded, HeaderSize+3)

	p, err := DecodePacket(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), p.Seq)
	assert.Equal(t, uint64(140), p.Timestamp)
	assert.Equal(t, []byte("abc"), p.Payload)

	_, err = DecodePacket(encoded[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestSilenceSourceAndFactory(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	n, err := SilenceSource{FrameSize: 3}.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 0, 0, 4}, buf)

	tr, err := NewUDPFactory(UDPOptions{})(0)
	require.NoError(t, err)
	assert.Positive(t, tr.LocalPort())
	assert.NoError(t, tr.Close())
}
