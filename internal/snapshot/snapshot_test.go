package snapshot

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/occupancy"
)

func init() {
	monitoring.SetLogger(nil)
}

func testSummary(seq uint64) *occupancy.Summary {
	h := occupancy.NewHistogram()
	h.Add(40, 168)
	h.Add(40, 168)
	h.Add(80, 336)
	return &occupancy.Summary{
		Seq:          seq,
		WindowStart:  1.0,
		WindowEnd:    1.15,
		Duration:     0.15,
		HitCount:     3,
		RateHz:       20,
		HasSpot:      true,
		MedianColumn: 40,
		MedianRow:    168,
		MeanToT:      5,
		Occupancy:    h,
	}
}

func TestEncodeDecode(t *testing.T) {
	payload, err := Encode(testSummary(7))
	require.NoError(t, err)

	f, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, 1.15, f.WindowEnd)
	assert.Equal(t, uint64(3), f.HitCount)
	assert.True(t, f.HasSpot)
	assert.Equal(t, 40.0, f.MedianColumn)
	assert.Equal(t, uint32(2), f.Occupancy.At(40, 168))
	assert.Equal(t, uint32(1), f.Occupancy.At(80, 336))
	assert.Equal(t, uint64(3), f.Occupancy.Sum())
}

func TestEncodeNoSpot(t *testing.T) {
	s := testSummary(1)
	s.HasSpot = false
	payload, err := Encode(s)
	require.NoError(t, err)
	f, err := Decode(payload)
	require.NoError(t, err)
	assert.False(t, f.HasSpot)
}

func TestEncodeRejectsNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
	_, err = Encode(&occupancy.Summary{})
	assert.Error(t, err)
}

func TestDecodeBadFrames(t *testing.T) {
	_, err := Decode([]byte("not zlib"))
	assert.True(t, errors.Is(err, ErrBadFrame), "garbage: %v", err)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte(strings.Repeat("x", 200)))
	require.NoError(t, zw.Close())
	_, err = Decode(buf.Bytes())
	assert.True(t, errors.Is(err, ErrBadFrame), "bad magic: %v", err)

	payload, err := Encode(testSummary(1))
	require.NoError(t, err)
	full, err := zlib.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = raw.ReadFrom(full)
	require.NoError(t, err)

	var trunc bytes.Buffer
	zw = zlib.NewWriter(&trunc)
	_, _ = zw.Write(raw.Bytes()[:headerSize+10])
	require.NoError(t, zw.Close())
	_, err = Decode(trunc.Bytes())
	assert.True(t, errors.Is(err, ErrBadFrame), "truncated: %v", err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:5002", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxClients)
}

func TestNewPublisherFillsDefaults(t *testing.T) {
	pub := NewPublisher(Config{})
	assert.Equal(t, 8, pub.config.MaxClients)
	assert.Equal(t, 64, cap(pub.frameChan))
	assert.False(t, pub.Stats().Running)
}

func TestPublisher_PublishBeforeStartIsNoop(t *testing.T) {
	pub := NewPublisher(DefaultConfig())
	pub.Publish(testSummary(1))
	assert.Equal(t, uint64(0), pub.Stats().FrameCount)
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 2
	pub := NewPublisher(cfg)
	// No broadcast loop: the queue is never drained.
	pub.running.Store(true)

	for i := uint64(1); i <= 3; i++ {
		pub.HandleSummary(testSummary(i))
	}
	st := pub.Stats()
	assert.Equal(t, uint64(2), st.FrameCount)
	assert.Equal(t, uint64(1), st.Dropped)
}

func startPublisher(t *testing.T, cfg Config) *Publisher {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Start())
	t.Cleanup(pub.Stop)
	return pub
}

func TestPublisher_StartTwice(t *testing.T) {
	pub := startPublisher(t, DefaultConfig())
	assert.Error(t, pub.Start())
	assert.NotNil(t, pub.Addr())
}

func TestPublisher_FanOut(t *testing.T) {
	pub := startPublisher(t, DefaultConfig())

	id1, ch1, _, err := pub.Subscribe("test")
	require.NoError(t, err)
	_, ch2, _, err := pub.Subscribe("test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), pub.Stats().ClientCount)

	pub.Publish(testSummary(9))
	for _, ch := range []<-chan *Packet{ch1, ch2} {
		select {
		case pkt := <-ch:
			assert.Equal(t, uint64(9), pkt.Seq)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive frame")
		}
	}

	pub.Unsubscribe(id1)
	pub.Unsubscribe(id1)
	assert.Equal(t, int32(1), pub.Stats().ClientCount)
}

func TestPublisher_SlowSubscriberLosesFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientBuffer = 1
	cfg.QueueDepth = 16
	pub := startPublisher(t, cfg)

	_, ch, _, err := pub.Subscribe("slow")
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		pub.Publish(testSummary(i))
	}
	require.Eventually(t, func() bool { return pub.Stats().Dropped == 4 }, 2*time.Second, 10*time.Millisecond)
	pkt := <-ch
	assert.Equal(t, uint64(1), pkt.Seq)
}

func TestPublisher_MaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	pub := startPublisher(t, cfg)

	_, _, _, err := pub.Subscribe("a")
	require.NoError(t, err)
	_, _, _, err = pub.Subscribe("b")
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestPublisher_StopClosesSubscribers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Start())

	_, _, done, err := pub.Subscribe("test")
	require.NoError(t, err)
	pub.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done channel not closed on Stop")
	}
	assert.False(t, pub.Stats().Running)
	assert.Equal(t, int32(0), pub.Stats().ClientCount)
}

func TestGRPCSubscribe(t *testing.T) {
	pub := startPublisher(t, DefaultConfig())

	client, err := NewClient(pub.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := client.Subscribe(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.Stats().ClientCount == 1 }, 3*time.Second, 10*time.Millisecond)
	pub.Publish(testSummary(42))

	f, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.Seq)
	assert.Equal(t, uint32(2), f.Occupancy.At(40, 168))

	cancel()
	require.Eventually(t, func() bool { return pub.Stats().ClientCount == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	pub := startPublisher(t, DefaultConfig())
	srv := httptest.NewServer(pub.WebSocketHandler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return pub.Stats().ClientCount == 1 }, 3*time.Second, 10*time.Millisecond)
	pub.Publish(testSummary(3))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Seq)
}

func TestWebSocketRejectsOverLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	pub := startPublisher(t, cfg)
	_, _, _, err := pub.Subscribe("holder")
	require.NoError(t, err)

	srv := httptest.NewServer(pub.WebSocketHandler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
