package visualiser

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	monitoring.SetWarnLogger(nil)
	goleak.VerifyTestMain(m)
}

func mapCloud(xs ...float64) l4perception.PointCloud {
	c := l4perception.PointCloud{FrameID: "/map", Timestamp: time.Unix(1700000000, 0)}
	for _, x := range xs {
		c.Points = append(c.Points, l4perception.Point{X: x, R: 255})
	}
	return c
}

// startPublisher serves p over an in-memory listener and returns a
// connected client. Everything is torn down with the test.
func startPublisher(t *testing.T, cfg Config) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg)
	require.NoError(t, p.Serve(lis))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		p.Stop()
	})
	return p, conn
}

func openStream(t *testing.T, conn *grpc.ClientConn) *MapStreamClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client, err := DialStream(ctx, conn)
	require.NoError(t, err)
	return client
}

func waitForClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ClientCount == n }, 5*time.Second, 5*time.Millisecond)
}

func TestPublisher_StreamsPublishedMaps(t *testing.T) {
	p, conn := startPublisher(t, DefaultConfig())
	client := openStream(t, conn)
	waitForClients(t, p, 1)

	p.Publish(mapCloud(1, 2))
	got, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, "/map", got.FrameID)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, uint8(255), got.Points[0].R)

	p.Publish(mapCloud(1, 2, 3))
	got, err = client.Recv()
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.FrameCount)
	assert.True(t, stats.Running)
}

func TestPublisher_LateClientGetsLatestMap(t *testing.T) {
	p, conn := startPublisher(t, DefaultConfig())
	p.Publish(mapCloud(1))
	p.Publish(mapCloud(1, 2, 3, 4))

	client := openStream(t, conn)
	got, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
}

func TestPublisher_MaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	p, conn := startPublisher(t, cfg)

	openStream(t, conn)
	waitForClients(t, p, 1)

	second := openStream(t, conn)
	_, err := second.Recv()
	require.Error(t, err)
	assert.True(t, IsTooManyClients(err), "got %v", err)
	assert.Equal(t, int32(1), p.Stats().ClientCount)
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	p, conn := startPublisher(t, DefaultConfig())
	client := openStream(t, conn)
	waitForClients(t, p, 1)

	p.Stop()
	_, err := client.Recv()
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
	assert.False(t, p.Stats().Running)

	// Publishing after Stop only updates the latest snapshot.
	p.Publish(mapCloud(9))
	cloud, ok, err := p.latest.Cloud()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9.0, cloud.Points[0].X)
}

func TestPublisher_ClientDisconnectUnregisters(t *testing.T) {
	p, conn := startPublisher(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := DialStream(ctx, conn)
	require.NoError(t, err)
	waitForClients(t, p, 1)

	cancel()
	waitForClients(t, p, 0)
}

func TestPublisher_NeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	p := NewPublisher(cfg)
	// Not serving: the broadcast loop is absent, so the queue stays full.
	p.running.Store(true)
	defer p.running.Store(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			p.Publish(mapCloud(float64(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, uint64(9), p.Stats().DroppedFrames)
	assert.Equal(t, uint64(10), p.Latest().Seq)
}

func TestPublisher_DoubleServe(t *testing.T) {
	p, _ := startPublisher(t, DefaultConfig())
	assert.Error(t, p.Serve(bufconn.Listen(1024)))
}

func TestLatestSnapshot(t *testing.T) {
	s := NewLatestSnapshot()
	_, ok, err := s.Cloud()
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.True(t, s.UpdatedAt().IsZero())

	s.Set(&Frame{Seq: 1, Payload: []byte("junk")})
	_, ok, err = s.Cloud()
	assert.True(t, ok)
	assert.Error(t, err)
	assert.False(t, s.UpdatedAt().IsZero())
}
