// Package visualiser streams the accumulated map to viewer clients over
// gRPC.
//
// Every published cloud is encoded once and fanned out to the connected
// clients. A client that connects late first receives the most recent
// map, so viewers never wait for the next accumulation cycle.
package visualiser

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/lidar/network"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

// Config holds configuration for the map stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients caps concurrent streams; 0 means unlimited.
	MaxClients int

	// QueueSize is the depth of the broadcast queue and of each client's
	// queue. Frames beyond it are dropped.
	QueueSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50051",
		MaxClients: 5,
		QueueSize:  8,
	}
}

// ErrTooManyClients is returned to a stream opened past MaxClients.
var ErrTooManyClients = errors.New("too many map stream clients")

// Frame is one encoded map snapshot.
type Frame struct {
	Seq     uint64
	Points  int
	Payload []byte // network.EncodeCloud layout
}

// Publisher manages the gRPC server and map streaming. It implements
// pipeline.Publisher.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener
	latest   *LatestSnapshot

	frameChan chan *Frame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type clientStream struct {
	id      string
	frameCh chan *Frame
	doneCh  chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Publisher{
		config:    cfg,
		latest:    NewLatestSnapshot(),
		frameChan: make(chan *Frame, cfg.QueueSize),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the listener and serves the MapStream service.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the MapStream service on an existing listener.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("publisher already running")
	}
	p.listener = lis

	// Full maps exceed the 4 MB gRPC default.
	const maxMsgSize = 64 * 1024 * 1024
	p.server = grpc.NewServer(grpc.MaxSendMsgSize(maxMsgSize))
	RegisterMapStreamServer(p.server, &Server{publisher: p})

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[visualiser] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Warnf("[visualiser] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes every stream and stops the server. It is safe to call more
// than once.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stopCh)
		if p.server != nil {
			p.server.GracefulStop()
		}
		p.wg.Wait()
		monitoring.Logf("[visualiser] gRPC server stopped")
	})
}

// Publish encodes cloud and queues it for every client. It never blocks:
// when the queue is full the frame is dropped.
func (p *Publisher) Publish(cloud l4perception.PointCloud) {
	payload, err := network.EncodeCloud(cloud)
	if err != nil {
		monitoring.Warnf("[visualiser] failed to encode map: %v", err)
		return
	}
	frame := &Frame{Seq: p.frameCount.Add(1), Points: cloud.Len(), Payload: payload}
	p.latest.Set(frame)

	if !p.running.Load() {
		return
	}
	select {
	case p.frameChan <- frame:
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Warnf("[visualiser] dropped frame %d (total dropped: %d), queue full, points=%d",
			frame.Seq, dropped, frame.Points)
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					// Slow client: it catches up on the next frame, which
					// carries the whole map anyway.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a stream and preloads it with the latest frame.
func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, ErrTooManyClients
	}
	client := &clientStream{
		id:      fmt.Sprintf("grpc-%d", p.nextID.Add(1)),
		frameCh: make(chan *Frame, p.config.QueueSize),
		doneCh:  make(chan struct{}),
	}
	if f := p.latest.Get(); f != nil {
		client.frameCh <- f
	}
	p.clients[client.id] = client
	p.clientCount.Add(1)
	monitoring.Logf("[visualiser] client connected: %s (total: %d)", client.id, p.clientCount.Load())
	return client, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if client, ok := p.clients[id]; ok {
		close(client.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
		monitoring.Logf("[visualiser] client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// Latest returns the most recently published frame, or nil.
func (p *Publisher) Latest() *Frame { return p.latest.Get() }

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		ClientCount:   p.clientCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	ClientCount   int32  `json:"client_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Running       bool   `json:"running"`
}

// LatestSnapshot holds the most recent frame for late joiners and HTTP
// readers. Safe for concurrent use.
type LatestSnapshot struct {
	frame atomic.Pointer[Frame]
	at    atomic.Int64
}

// NewLatestSnapshot returns an empty LatestSnapshot.
func NewLatestSnapshot() *LatestSnapshot { return &LatestSnapshot{} }

// Set replaces the held frame.
func (s *LatestSnapshot) Set(f *Frame) {
	s.frame.Store(f)
	s.at.Store(time.Now().UnixNano())
}

// Get returns the held frame, or nil.
func (s *LatestSnapshot) Get() *Frame { return s.frame.Load() }

// Cloud decodes the held frame. ok is false when nothing was published.
func (s *LatestSnapshot) Cloud() (l4perception.PointCloud, bool, error) {
	f := s.frame.Load()
	if f == nil {
		return l4perception.PointCloud{}, false, nil
	}
	cloud, err := network.DecodeCloud(f.Payload)
	return cloud, true, err
}

// UpdatedAt returns when Set was last called, or the zero time.
func (s *LatestSnapshot) UpdatedAt() time.Time {
	ns := s.at.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
