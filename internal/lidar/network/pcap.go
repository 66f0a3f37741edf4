package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mapaccum/internal/monitoring"
)

// PCAPReplayConfig configures ReadPCAPFile.
type PCAPReplayConfig struct {
	Path    string
	UDPPort int // destination port filter; 0 accepts every UDP packet
	Stats   *PacketStats
	Handler BatchHandler

	// Speed paces delivery by capture timestamps: 1 is real time, 2 twice
	// as fast. 0 replays as fast as the handler accepts batches.
	Speed float64
}

// PCAPResult summarises a replay.
type PCAPResult struct {
	Packets      int // UDP packets matching the port filter
	Batches      int // packets decoded and delivered
	DecodeErrors int
	Elapsed      time.Duration
}

// ReadPCAPFile replays the batch datagrams captured in a classic pcap
// file. Batches without their own timestamp take the capture time. Each
// batch is delivered synchronously to cfg.Handler, in file order.
func ReadPCAPFile(ctx context.Context, cfg PCAPReplayConfig) (PCAPResult, error) {
	var res PCAPResult
	if cfg.Handler == nil {
		return res, errors.New("PCAP replay requires a batch handler")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return res, fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP header of %s: %w", cfg.Path, err)
	}
	reader.SetSnaplen(MaxDatagramSize + 128)

	stats := cfg.Stats
	if stats == nil {
		stats = NewPacketStats(nil)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	start := time.Now()
	var firstCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[network] PCAP replay stopping due to context cancellation (processed %d packets)", res.Packets)
			res.Elapsed = time.Since(start)
			return res, err
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("failed to read PCAP packet %d: %w", res.Packets+1, err)
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort {
			continue
		}
		res.Packets++
		stats.AddPacket(len(udp.Payload))

		captured := packet.Metadata().Timestamp
		if cfg.Speed > 0 {
			if firstCapture.IsZero() {
				firstCapture = captured
			}
			due := time.Duration(float64(captured.Sub(firstCapture)) / cfg.Speed)
			if wait := due - time.Since(start); wait > 0 {
				select {
				case <-ctx.Done():
					continue
				case <-time.After(wait):
				}
			}
		}

		cloud, err := DecodeCloud(udp.Payload)
		if err != nil {
			res.DecodeErrors++
			stats.AddDecodeError()
			monitoring.Warnf("[network] PCAP packet %d: %v", res.Packets, err)
			continue
		}
		if cloud.Timestamp.IsZero() {
			cloud.Timestamp = captured
		}
		stats.AddPoints(cloud.Len())
		res.Batches++
		if err := cfg.Handler(ctx, cloud); err != nil {
			monitoring.Warnf("[network] PCAP batch %d: %v", res.Batches, err)
		}

		if res.Packets%10000 == 0 {
			elapsed := time.Since(start)
			monitoring.Logf("[network] PCAP progress: %d packets processed in %v (%.0f pkt/s)",
				res.Packets, elapsed, float64(res.Packets)/elapsed.Seconds())
		}
	}

	res.Elapsed = time.Since(start)
	monitoring.Logf("[network] PCAP file reading complete: %d packets, %d batches, %d decode errors in %v",
		res.Packets, res.Batches, res.DecodeErrors, res.Elapsed)
	return res, nil
}
