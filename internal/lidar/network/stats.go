package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/timeutil"
)

// StatsSnapshot is a point-in-time view of PacketStats.
type StatsSnapshot struct {
	Packets       int64     `json:"packets"`
	Bytes         int64     `json:"bytes"`
	DecodeErrors  int64     `json:"decode_errors"`
	Points        int64     `json:"points"`
	PacketsPerSec float64   `json:"packets_per_sec"`
	PointsPerSec  float64   `json:"points_per_sec"`
	Timestamp     time.Time `json:"timestamp"`
}

// PacketStats counts received datagrams. Totals are cumulative; rates
// cover the interval since the previous LogStats. Safe for concurrent use.
type PacketStats struct {
	clock timeutil.Clock

	mu           sync.Mutex
	packets      int64
	bytes        int64
	decodeErrors int64
	points       int64

	intervalPackets int64
	intervalPoints  int64
	lastReset       time.Time
	latest          *StatsSnapshot
}

// NewPacketStats creates a PacketStats. A nil clock uses the real clock.
func NewPacketStats(clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{clock: clock, lastReset: clock.Now()}
}

// AddPacket records one datagram of n bytes.
func (ps *PacketStats) AddPacket(n int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.intervalPackets++
	ps.bytes += int64(n)
}

// AddDecodeError records a datagram that failed to decode.
func (ps *PacketStats) AddDecodeError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decodeErrors++
}

// AddPoints records count decoded points.
func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.points += int64(count)
	ps.intervalPoints += int64(count)
}

// Snapshot returns the totals and the most recent interval rates.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := StatsSnapshot{
		Packets:      ps.packets,
		Bytes:        ps.bytes,
		DecodeErrors: ps.decodeErrors,
		Points:       ps.points,
		Timestamp:    ps.clock.Now(),
	}
	if ps.latest != nil {
		s.PacketsPerSec = ps.latest.PacketsPerSec
		s.PointsPerSec = ps.latest.PointsPerSec
	}
	return s
}

// LogStats computes rates for the interval since the previous call and
// logs them when any packets arrived.
func (ps *PacketStats) LogStats() {
	ps.mu.Lock()
	now := ps.clock.Now()
	elapsed := now.Sub(ps.lastReset).Seconds()
	packets, points := ps.intervalPackets, ps.intervalPoints
	ps.intervalPackets, ps.intervalPoints = 0, 0
	ps.lastReset = now
	if elapsed <= 0 || packets == 0 {
		ps.mu.Unlock()
		return
	}
	snap := &StatsSnapshot{
		PacketsPerSec: float64(packets) / elapsed,
		PointsPerSec:  float64(points) / elapsed,
		Timestamp:     now,
	}
	ps.latest = snap
	decodeErrors := ps.decodeErrors
	ps.mu.Unlock()

	msg := fmt.Sprintf("[network] batch stats (/sec): %.1f packets, %s points",
		snap.PacketsPerSec, FormatWithCommas(int64(snap.PointsPerSec)))
	if decodeErrors > 0 {
		msg += fmt.Sprintf(", %d decode errors total", decodeErrors)
	}
	monitoring.Logf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	if len(s) > 3 {
		var out []byte
		pre := len(s) % 3
		if pre > 0 {
			out = append(out, s[:pre]...)
		}
		for i := pre; i < len(s); i += 3 {
			if len(out) > 0 {
				out = append(out, ',')
			}
			out = append(out, s[i:i+3]...)
		}
		s = string(out)
	}
	if neg {
		return "-" + s
	}
	return s
}
