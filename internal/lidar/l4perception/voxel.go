package l4perception

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrInvalidVoxelSize is returned for a voxel edge length that is not
	// a finite positive number.
	ErrInvalidVoxelSize = errors.New("voxel size must be finite and positive")

	// ErrVoxelIndexOverflow is returned when a coordinate divided by the
	// voxel size does not fit in an int64 grid index.
	ErrVoxelIndexOverflow = errors.New("voxel index overflows int64")
)

// int64 range expressed as float64 bounds (2^63 is exact in float64).
const (
	minIndexFloat = -9223372036854775808.0
	maxIndexFloat = 9223372036854775808.0
)

// VoxelIndex identifies a cubical cell of the grid: floor(coord/size)
// per axis.
type VoxelIndex struct {
	X, Y, Z int64
}

// Compare orders indices lexicographically by X, then Y, then Z.
func (v VoxelIndex) Compare(o VoxelIndex) int {
	if c := cmp.Compare(v.X, o.X); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Y, o.Y); c != 0 {
		return c
	}
	return cmp.Compare(v.Z, o.Z)
}

// ValidateVoxelSize reports whether size can be used as a voxel edge.
func ValidateVoxelSize(size float64) error {
	if !isFinite(size) || size <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidVoxelSize, size)
	}
	return nil
}

// VoxelIndexOf returns the cell containing p. p must be valid.
func VoxelIndexOf(p Point, size float64) (VoxelIndex, error) {
	x, err := axisIndex(p.X, size)
	if err != nil {
		return VoxelIndex{}, err
	}
	y, err := axisIndex(p.Y, size)
	if err != nil {
		return VoxelIndex{}, err
	}
	z, err := axisIndex(p.Z, size)
	if err != nil {
		return VoxelIndex{}, err
	}
	return VoxelIndex{X: x, Y: y, Z: z}, nil
}

func axisIndex(coord, size float64) (int64, error) {
	f := math.Floor(coord / size)
	if math.IsNaN(f) || f < minIndexFloat || f >= maxIndexFloat {
		return 0, fmt.Errorf("%w: coordinate %v with voxel size %v", ErrVoxelIndexOverflow, coord, size)
	}
	return int64(f), nil
}

// voxelEntry pairs a point with its cell for the sort-and-reduce pass.
type voxelEntry struct {
	idx VoxelIndex
	p   Point
}

func compareEntries(a, b voxelEntry) int {
	if c := a.idx.Compare(b.idx); c != 0 {
		return c
	}
	if c := cmp.Compare(a.p.X, b.p.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.p.Y, b.p.Y); c != 0 {
		return c
	}
	if c := cmp.Compare(a.p.Z, b.p.Z); c != 0 {
		return c
	}
	return cmp.Compare(a.p.PackedRGB(), b.p.PackedRGB())
}

// VoxelGrid reduces cloud to one point per occupied voxel of edge size.
// Each output point is the centroid of the valid input points sharing a
// cell; its colour is the per-channel mean rounded half-up. Invalid
// points are skipped.
//
// Points are sorted by (cell, position, colour) before the sums are
// taken, so the floating-point result is identical for every ordering
// of the same input multiset. Output points are ordered by cell.
//
// The input cloud is never modified. On error the returned cloud is
// empty and the caller's cloud should be kept as-is.
func VoxelGrid(cloud PointCloud, size float64) (PointCloud, error) {
	if err := ValidateVoxelSize(size); err != nil {
		return PointCloud{}, err
	}

	entries := make([]voxelEntry, 0, len(cloud.Points))
	for _, p := range cloud.Points {
		if !p.Valid() {
			continue
		}
		idx, err := VoxelIndexOf(p, size)
		if err != nil {
			return PointCloud{}, err
		}
		entries = append(entries, voxelEntry{idx: idx, p: p})
	}
	slices.SortFunc(entries, compareEntries)

	out := PointCloud{
		FrameID:   cloud.FrameID,
		Timestamp: cloud.Timestamp,
		Points:    make([]Point, 0, estimateOccupied(len(entries))),
	}

	for i := 0; i < len(entries); {
		j := i
		var sx, sy, sz float64
		var sr, sg, sb uint64
		for j < len(entries) && entries[j].idx == entries[i].idx {
			p := entries[j].p
			sx += p.X
			sy += p.Y
			sz += p.Z
			sr += uint64(p.R)
			sg += uint64(p.G)
			sb += uint64(p.B)
			j++
		}
		n := uint64(j - i)
		fn := float64(n)
		out.Points = append(out.Points, Point{
			X: sx / fn,
			Y: sy / fn,
			Z: sz / fn,
			R: meanChannel(sr, n),
			G: meanChannel(sg, n),
			B: meanChannel(sb, n),
		})
		i = j
	}
	return out, nil
}

func meanChannel(sum, n uint64) uint8 {
	v := (sum + n/2) / n
	if v > math.MaxUint8 {
		v = math.MaxUint8
	}
	return uint8(v)
}

// estimateOccupied guesses the output capacity; accumulated maps usually
// collapse to well under half of their merged size.
func estimateOccupied(n int) int {
	if n < 64 {
		return n
	}
	return n / 2
}

// DropUnindexable returns cloud without the valid points whose cell at
// size does not fit in a VoxelIndex, and how many were dropped. Invalid
// points pass through untouched. cloud is returned as-is when nothing is
// dropped.
func DropUnindexable(cloud PointCloud, size float64) (PointCloud, int) {
	if ValidateVoxelSize(size) != nil {
		return cloud, 0
	}
	var kept []Point
	dropped := 0
	for i, p := range cloud.Points {
		if !p.Valid() {
			if kept != nil {
				kept = append(kept, p)
			}
			continue
		}
		if _, err := VoxelIndexOf(p, size); err == nil {
			if kept != nil {
				kept = append(kept, p)
			}
			continue
		}
		if kept == nil {
			kept = make([]Point, i, len(cloud.Points)-1)
			copy(kept, cloud.Points[:i])
		}
		dropped++
	}
	if dropped == 0 {
		return cloud, 0
	}
	out := cloud
	out.Points = kept
	return out, dropped
}

// OccupiedVoxels returns the number of distinct cells holding at least one
// valid point of cloud.
func OccupiedVoxels(cloud PointCloud, size float64) (int, error) {
	if err := ValidateVoxelSize(size); err != nil {
		return 0, err
	}
	seen := make(map[VoxelIndex]struct{}, len(cloud.Points))
	for _, p := range cloud.Points {
		if !p.Valid() {
			continue
		}
		idx, err := VoxelIndexOf(p, size)
		if err != nil {
			return 0, err
		}
		seen[idx] = struct{}{}
	}
	return len(seen), nil
}
