package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

// BatchHandler receives each decoded batch. It is called synchronously
// from the reading goroutine, so batches are delivered one at a time and
// in arrival order.
type BatchHandler func(ctx context.Context, batch l4perception.PointCloud) error

// UDPListener receives batch datagrams and hands them to a BatchHandler.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       *PacketStats
	handler     BatchHandler

	mu   sync.Mutex
	conn *net.UDPConn
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string // e.g. ":2370"
	RcvBuf      int    // socket receive buffer, 0 keeps the OS default
	LogInterval time.Duration
	Stats       *PacketStats // optional
	Handler     BatchHandler
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = NewPacketStats(nil)
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		handler:     config.Handler,
	}
}

// Stats returns the listener's packet statistics.
func (l *UDPListener) Stats() *PacketStats { return l.stats }

// LocalAddr returns the bound address once Listen has opened the socket.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Listen opens the socket without reading from it, so bind failures
// surface before anything depends on the listener. Start calls it when
// the socket is not open yet.
func (l *UDPListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	return nil
}

// Close releases the socket. It is safe to call after Start returns.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Start listens until ctx is cancelled. It returns ctx.Err() on
// cancellation and a non-nil error if the socket cannot be opened.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.handler == nil {
		return errors.New("UDP listener requires a batch handler")
	}
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer l.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Warnf("[network] failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[network] UDP listener started on %s", conn.LocalAddr())

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		l.logStatsLoop(ctx)
	}()
	defer func() { <-statsDone }()

	buffer := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			monitoring.Logf("[network] UDP listener stopping due to context cancellation")
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed promptly.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Warnf("[network] UDP read error: %v", err)
			continue
		}
		if err := l.handlePacket(ctx, buffer[:n]); err != nil {
			monitoring.Warnf("[network] error handling datagram from %v: %v", from, err)
		}
	}
}

func (l *UDPListener) logStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handlePacket decodes one datagram and delivers it. The decoded cloud
// owns its memory, so the read buffer may be reused afterwards.
func (l *UDPListener) handlePacket(ctx context.Context, packet []byte) error {
	l.stats.AddPacket(len(packet))
	cloud, err := DecodeCloud(packet)
	if err != nil {
		l.stats.AddDecodeError()
		return err
	}
	l.stats.AddPoints(cloud.Len())
	return l.handler(ctx, cloud)
}

// Sender writes clouds as batch datagrams, splitting clouds that do not
// fit in one datagram.
type Sender struct {
	conn net.Conn
}

// DialSender connects a Sender to a UDP address.
func DialSender(address string) (*Sender, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &Sender{conn: conn}, nil
}

// Send transmits cloud as one or more datagrams and returns how many
// were written.
func (s *Sender) Send(cloud l4perception.PointCloud) (int, error) {
	chunks := SplitCloud(cloud, MaxPointsPerDatagram(len(cloud.FrameID)))
	for i, c := range chunks {
		data, err := EncodeCloud(c)
		if err != nil {
			return i, err
		}
		if _, err := s.conn.Write(data); err != nil {
			return i, fmt.Errorf("failed to send datagram %d: %w", i, err)
		}
	}
	return len(chunks), nil
}

// Close closes the underlying socket.
func (s *Sender) Close() error { return s.conn.Close() }
