package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/timeutil"
)

type batchSink struct {
	mu      sync.Mutex
	batches []l4perception.PointCloud
	notify  chan struct{}
}

func newBatchSink() *batchSink {
	return &batchSink{notify: make(chan struct{}, 64)}
}

func (s *batchSink) handle(_ context.Context, b l4perception.PointCloud) error {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *batchSink) wait(t *testing.T, n int) []l4perception.PointCloud {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for batch %d of %d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]l4perception.PointCloud(nil), s.batches...)
}

func startListener(t *testing.T, handler BatchHandler) (*UDPListener, func()) {
	t.Helper()
	monitoring.SetLogger(nil)
	monitoring.SetWarnLogger(nil)

	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Handler: handler, LogInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for l.LocalAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return l, func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
		}
	}
}

func TestUDPListener_DeliversBatchesInOrder(t *testing.T) {
	sink := newBatchSink()
	l, stop := startListener(t, sink.handle)
	defer stop()

	sender, err := DialSender(l.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		cloud := sampleCloud()
		cloud.Points[0].X = float64(i)
		n, err := sender.Send(cloud)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	got := sink.wait(t, 3)
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, "velodyne", b.FrameID)
		assert.Equal(t, float64(i), b.Points[0].X)
	}

	snap := l.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.Packets)
	assert.Equal(t, int64(6), snap.Points)
	assert.Zero(t, snap.DecodeErrors)
}

func TestUDPListener_CountsDecodeErrors(t *testing.T) {
	sink := newBatchSink()
	l, stop := startListener(t, sink.handle)
	defer stop()

	conn, err := net.Dial("udp", l.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a batch"))
	require.NoError(t, err)

	// A valid batch behind the garbage proves the loop kept going.
	data, err := EncodeCloud(sampleCloud())
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	sink.wait(t, 1)
	assert.Equal(t, int64(1), l.Stats().Snapshot().DecodeErrors)
}

func TestUDPListener_HandlerErrorDoesNotStop(t *testing.T) {
	calls := make(chan struct{}, 4)
	handler := func(context.Context, l4perception.PointCloud) error {
		calls <- struct{}{}
		return errors.New("pipeline stopped")
	}
	l, stop := startListener(t, handler)
	defer stop()

	sender, err := DialSender(l.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()
	for i := 0; i < 2; i++ {
		_, err := sender.Send(sampleCloud())
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestUDPListener_RequiresHandler(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0"})
	assert.Error(t, l.Start(context.Background()))
}

func TestUDPListener_ListenBindsBeforeStart(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Handler: newBatchSink().handle})
	require.NoError(t, l.Listen())
	addr := l.LocalAddr()
	require.NotNil(t, addr)
	require.NoError(t, l.Listen(), "second Listen keeps the socket")
	assert.Equal(t, addr.String(), l.LocalAddr().String())

	busy := NewUDPListener(UDPListenerConfig{Address: addr.String(), Handler: newBatchSink().handle})
	assert.Error(t, busy.Listen())

	require.NoError(t, l.Close())
	assert.Nil(t, l.LocalAddr())
	assert.NoError(t, l.Close())
}

func TestSender_SplitsLargeClouds(t *testing.T) {
	sink := newBatchSink()
	l, stop := startListener(t, sink.handle)
	defer stop()

	sender, err := DialSender(l.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	per := MaxPointsPerDatagram(len("big"))
	cloud := l4perception.PointCloud{FrameID: "big", Points: make([]l4perception.Point, per+10)}
	n, err := sender.Send(cloud)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := sink.wait(t, 2)
	total := 0
	for _, b := range got {
		total += b.Len()
	}
	assert.Equal(t, per+10, total)
}

func TestPacketStats_LogStats(t *testing.T) {
	var logged []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) { logged = append(logged, format) })
	defer func() { monitoring.Logf = orig }()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ps := NewPacketStats(clock)

	ps.LogStats()
	assert.Empty(t, logged, "no packets, no log line")

	ps.AddPacket(100)
	ps.AddPacket(100)
	ps.AddPoints(3000)
	ps.AddDecodeError()
	clock.Advance(2 * time.Second)
	ps.LogStats()
	require.Len(t, logged, 1)

	snap := ps.Snapshot()
	assert.Equal(t, int64(2), snap.Packets)
	assert.Equal(t, int64(200), snap.Bytes)
	assert.Equal(t, 1.0, snap.PacketsPerSec)
	assert.Equal(t, 1500.0, snap.PointsPerSec)
	assert.Equal(t, int64(1), snap.DecodeErrors)
}
