package l4perception

import (
	"math"
	"time"
)

// Point represents a single observation with an RGB colour attribute.
// Uncoloured sources leave R, G and B at zero.
type Point struct {
	X, Y, Z float64 // Position (meters) in the cloud's frame
	R, G, B uint8
}

// Valid reports whether all position coordinates are finite.
func (p Point) Valid() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

// PackedRGB returns the colour packed as 0x00RRGGBB, the layout used by
// PCD "rgb" fields.
func (p Point) PackedRGB() uint32 {
	return uint32(p.R)<<16 | uint32(p.G)<<8 | uint32(p.B)
}

// SetPackedRGB unpacks a 0x00RRGGBB value into the colour channels.
func (p *Point) SetPackedRGB(rgb uint32) {
	p.R = uint8(rgb >> 16)
	p.G = uint8(rgb >> 8)
	p.B = uint8(rgb)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// PointCloud is an unordered collection of points sharing a frame and a
// timestamp. An incoming batch is a PointCloud in its sensor frame; the
// accumulated map is a PointCloud in the reference frame.
type PointCloud struct {
	FrameID   string
	Timestamp time.Time
	Points    []Point
}

// NewPointCloud returns an empty cloud tagged with frameID.
func NewPointCloud(frameID string) PointCloud {
	return PointCloud{FrameID: frameID}
}

// Len returns the number of points in the cloud.
func (pc PointCloud) Len() int {
	return len(pc.Points)
}

// Clone returns a deep copy. The returned cloud shares no memory with pc.
func (pc PointCloud) Clone() PointCloud {
	out := PointCloud{FrameID: pc.FrameID, Timestamp: pc.Timestamp}
	if pc.Points != nil {
		out.Points = make([]Point, len(pc.Points))
		copy(out.Points, pc.Points)
	}
	return out
}

// CountInvalid returns the number of points with a non-finite coordinate.
func (pc PointCloud) CountInvalid() int {
	n := 0
	for _, p := range pc.Points {
		if !p.Valid() {
			n++
		}
	}
	return n
}

// Bounds returns the axis-aligned bounding box of the valid points as
// (lo, hi) corners. ok is false when the cloud has no valid points.
// Colour fields of the corners are zero.
func (pc PointCloud) Bounds() (lo, hi Point, ok bool) {
	for _, p := range pc.Points {
		if !p.Valid() {
			continue
		}
		if !ok {
			lo = Point{X: p.X, Y: p.Y, Z: p.Z}
			hi = lo
			ok = true
			continue
		}
		lo.X, hi.X = math.Min(lo.X, p.X), math.Max(hi.X, p.X)
		lo.Y, hi.Y = math.Min(lo.Y, p.Y), math.Max(hi.Y, p.Y)
		lo.Z, hi.Z = math.Min(lo.Z, p.Z), math.Max(hi.Z, p.Z)
	}
	return lo, hi, ok
}
