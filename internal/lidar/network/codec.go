package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// Batch datagram layout (little endian):
//
//	magic     [4]byte "PCB1"
//	frameLen  uint16
//	frameID   [frameLen]byte
//	stampNs   int64   unix nanoseconds, 0 = unset
//	count     uint32
//	points    count * {x, y, z float32; r, g, b uint8}
const (
	batchMagic      = "PCB1"
	batchHeaderSize = 4 + 2 + 8 + 4
	pointWireSize   = 3*4 + 3

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// ErrMalformedBatch is wrapped by every DecodeCloud failure.
var ErrMalformedBatch = errors.New("malformed batch datagram")

// EncodedSize returns the encoded length of a cloud with frameLen bytes of
// frame id and n points.
func EncodedSize(frameLen, n int) int {
	return batchHeaderSize + frameLen + n*pointWireSize
}

// MaxPointsPerDatagram returns how many points fit in one datagram for a
// frame id of frameLen bytes.
func MaxPointsPerDatagram(frameLen int) int {
	return (MaxDatagramSize - batchHeaderSize - frameLen) / pointWireSize
}

// EncodeCloud serialises cloud. Coordinates are narrowed to float32.
func EncodeCloud(cloud l4perception.PointCloud) ([]byte, error) {
	if len(cloud.FrameID) > math.MaxUint16 {
		return nil, fmt.Errorf("frame id too long: %d bytes", len(cloud.FrameID))
	}
	if uint64(len(cloud.Points)) > math.MaxUint32 {
		return nil, fmt.Errorf("too many points: %d", len(cloud.Points))
	}
	buf := make([]byte, 0, EncodedSize(len(cloud.FrameID), len(cloud.Points)))
	buf = append(buf, batchMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(cloud.FrameID)))
	buf = append(buf, cloud.FrameID...)
	var stamp int64
	if !cloud.Timestamp.IsZero() {
		stamp = cloud.Timestamp.UnixNano()
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(stamp))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cloud.Points)))
	for _, p := range cloud.Points {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(p.X)))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(p.Y)))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(p.Z)))
		buf = append(buf, p.R, p.G, p.B)
	}
	return buf, nil
}

// DecodeCloud parses a datagram produced by EncodeCloud. The payload must
// be exactly the encoded length; trailing bytes are rejected.
func DecodeCloud(data []byte) (l4perception.PointCloud, error) {
	if len(data) < batchHeaderSize {
		return l4perception.PointCloud{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedBatch, len(data))
	}
	if string(data[:4]) != batchMagic {
		return l4perception.PointCloud{}, fmt.Errorf("%w: bad magic %q", ErrMalformedBatch, data[:4])
	}
	frameLen := int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) < batchHeaderSize+frameLen {
		return l4perception.PointCloud{}, fmt.Errorf("%w: truncated frame id", ErrMalformedBatch)
	}
	off := 6
	frameID := string(data[off : off+frameLen])
	off += frameLen
	stamp := int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	count := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	if want := uint64(off) + uint64(count)*pointWireSize; uint64(len(data)) != want {
		return l4perception.PointCloud{}, fmt.Errorf("%w: %d points need %d bytes, got %d", ErrMalformedBatch, count, want, len(data))
	}

	cloud := l4perception.PointCloud{FrameID: frameID, Points: make([]l4perception.Point, count)}
	if stamp != 0 {
		cloud.Timestamp = time.Unix(0, stamp)
	}
	for i := range cloud.Points {
		b := data[off : off+pointWireSize]
		cloud.Points[i] = l4perception.Point{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))),
			R: b[12],
			G: b[13],
			B: b[14],
		}
		off += pointWireSize
	}
	return cloud, nil
}

// SplitCloud cuts cloud into consecutive chunks of at most maxPoints,
// each carrying the cloud's frame and timestamp. An empty cloud yields
// one empty chunk.
func SplitCloud(cloud l4perception.PointCloud, maxPoints int) []l4perception.PointCloud {
	if maxPoints <= 0 || len(cloud.Points) <= maxPoints {
		return []l4perception.PointCloud{cloud}
	}
	var out []l4perception.PointCloud
	for start := 0; start < len(cloud.Points); start += maxPoints {
		end := min(start+maxPoints, len(cloud.Points))
		out = append(out, l4perception.PointCloud{
			FrameID:   cloud.FrameID,
			Timestamp: cloud.Timestamp,
			Points:    cloud.Points[start:end],
		})
	}
	return out
}
