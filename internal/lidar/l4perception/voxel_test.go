package l4perception

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestVoxelGrid_Empty(t *testing.T) {
	result, err := VoxelGrid(PointCloud{FrameID: "/map"}, 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 0 {
		t.Errorf("expected empty output, got %d points", result.Len())
	}
	if result.FrameID != "/map" {
		t.Errorf("frame not preserved: %q", result.FrameID)
	}
}

func TestVoxelGrid_InvalidLeafSize(t *testing.T) {
	cloud := PointCloud{Points: []Point{{X: 1, Y: 2, Z: 3}}}
	for _, size := range []float64{0, -0.05, math.NaN(), math.Inf(1)} {
		if _, err := VoxelGrid(cloud, size); !errors.Is(err, ErrInvalidVoxelSize) {
			t.Errorf("size %v: expected ErrInvalidVoxelSize, got %v", size, err)
		}
	}
}

func TestVoxelGrid_SinglePoint(t *testing.T) {
	cloud := PointCloud{Points: []Point{{X: 1.0, Y: 2.0, Z: 3.0, R: 10, G: 20, B: 30}}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 1 {
		t.Fatalf("expected 1 point, got %d", result.Len())
	}
	if diff := cmp.Diff(cloud.Points[0], result.Points[0]); diff != "" {
		t.Errorf("point not preserved (-want +got):\n%s", diff)
	}
}

// Ten red points inside [0,0.05)^3 collapse to their mean with the colour kept.
func TestVoxelGrid_SameCellCentroid(t *testing.T) {
	var pts []Point
	var sx, sy, sz float64
	for i := 0; i < 10; i++ {
		p := Point{
			X: 0.001 + float64(i)*0.0045,
			Y: 0.049 - float64(i)*0.004,
			Z: 0.002 * float64(i+1),
			R: 255,
		}
		pts = append(pts, p)
		sx += p.X
		sy += p.Y
		sz += p.Z
	}
	result, err := VoxelGrid(PointCloud{Points: pts}, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 1 {
		t.Fatalf("expected 1 point, got %d", result.Len())
	}
	got := result.Points[0]
	const eps = 1e-12
	if math.Abs(got.X-sx/10) > eps || math.Abs(got.Y-sy/10) > eps || math.Abs(got.Z-sz/10) > eps {
		t.Errorf("centroid = (%v,%v,%v), want (%v,%v,%v)", got.X, got.Y, got.Z, sx/10, sy/10, sz/10)
	}
	if got.R != 255 || got.G != 0 || got.B != 0 {
		t.Errorf("colour = (%d,%d,%d), want (255,0,0)", got.R, got.G, got.B)
	}
}

func TestVoxelGrid_ColourRounding(t *testing.T) {
	cloud := PointCloud{Points: []Point{
		{X: 0.1, Y: 0.1, Z: 0.1, R: 0, G: 10, B: 255},
		{X: 0.2, Y: 0.2, Z: 0.2, R: 1, G: 11, B: 254},
	}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.Points[0]
	// 0.5 -> 1, 10.5 -> 11, 254.5 -> 255
	if got.R != 1 || got.G != 11 || got.B != 255 {
		t.Errorf("colour = (%d,%d,%d), want (1,11,255)", got.R, got.G, got.B)
	}
}

func TestVoxelGrid_DistinctVoxels(t *testing.T) {
	cloud := PointCloud{Points: []Point{
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: 1.5, Y: 0.5, Z: 0.5},
		{X: 0.5, Y: 1.5, Z: 0.5},
	}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 3 {
		t.Errorf("expected 3 points (distinct voxels), got %d", result.Len())
	}
}

func TestVoxelGrid_NegativeCoordinates(t *testing.T) {
	// floor, not truncation: -0.5 lands in cell -1, 0.5 in cell 0.
	cloud := PointCloud{Points: []Point{
		{X: -0.5, Y: -0.5, Z: 0.0},
		{X: 0.5, Y: 0.5, Z: 0.0},
	}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 2 {
		t.Errorf("expected 2 points (different voxels across origin), got %d", result.Len())
	}
	idx, _ := VoxelIndexOf(Point{X: -0.5, Y: -0.5}, 1.0)
	if idx != (VoxelIndex{X: -1, Y: -1, Z: 0}) {
		t.Errorf("VoxelIndexOf(-0.5,-0.5,0) = %+v", idx)
	}
}

func TestVoxelGrid_SkipsInvalidPoints(t *testing.T) {
	cloud := PointCloud{Points: []Point{
		{X: math.NaN(), Y: 0, Z: 0},
		{X: 0.2, Y: math.Inf(-1), Z: 0},
		{X: 0.3, Y: 0.3, Z: 0.3},
	}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 1 {
		t.Fatalf("expected only the valid point, got %d", result.Len())
	}
	if result.CountInvalid() != 0 {
		t.Errorf("invalid point leaked into output")
	}
}

func TestVoxelGrid_IndexOverflow(t *testing.T) {
	cloud := PointCloud{Points: []Point{{X: 1e300, Y: 0, Z: 0}}}
	if _, err := VoxelGrid(cloud, 1e-9); !errors.Is(err, ErrVoxelIndexOverflow) {
		t.Errorf("expected ErrVoxelIndexOverflow, got %v", err)
	}
}

func TestVoxelGrid_MetadataPreserved(t *testing.T) {
	now := time.Unix(1700000000, 42)
	cloud := PointCloud{FrameID: "/map", Timestamp: now, Points: []Point{{X: 0.5, Y: 0.5, Z: 0.5}}}
	result, err := VoxelGrid(cloud, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FrameID != "/map" || !result.Timestamp.Equal(now) {
		t.Errorf("metadata not preserved: frame=%q ts=%v", result.FrameID, result.Timestamp)
	}
}

func TestVoxelGrid_DoesNotModifyInput(t *testing.T) {
	cloud := PointCloud{Points: []Point{{X: 0.9}, {X: 0.1}, {X: 0.5}}}
	before := cloud.Clone()
	if _, err := VoxelGrid(cloud, 1.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(before, cloud); diff != "" {
		t.Errorf("input modified (-before +after):\n%s", diff)
	}
}

func randomCloud(rng *rand.Rand, n int, span float64) PointCloud {
	pts := make([]Point, n)
	for i := range pts {
		pts[i] = Point{
			X: (rng.Float64() - 0.5) * span,
			Y: (rng.Float64() - 0.5) * span,
			Z: (rng.Float64() - 0.5) * span,
			R: uint8(rng.Intn(256)),
			G: uint8(rng.Intn(256)),
			B: uint8(rng.Intn(256)),
		}
	}
	return PointCloud{FrameID: "/map", Points: pts}
}

func TestVoxelGrid_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cloud := randomCloud(rng, 2000, 1.0)

	want, err := VoxelGrid(cloud, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for trial := 0; trial < 5; trial++ {
		shuffled := cloud.Clone()
		rng.Shuffle(len(shuffled.Points), func(i, j int) {
			shuffled.Points[i], shuffled.Points[j] = shuffled.Points[j], shuffled.Points[i]
		})
		got, err := VoxelGrid(shuffled, 0.05)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("trial %d: output depends on input order (-want +got):\n%s", trial, diff)
		}
	}
}

func TestVoxelGrid_OutputBoundedByOccupancy(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, size := range []float64{0.01, 0.05, 0.2, 1.0} {
		cloud := randomCloud(rng, 1500, 2.0)
		occupied, err := OccupiedVoxels(cloud, size)
		if err != nil {
			t.Fatalf("OccupiedVoxels: %v", err)
		}
		result, err := VoxelGrid(cloud, size)
		if err != nil {
			t.Fatalf("VoxelGrid: %v", err)
		}
		if result.Len() != occupied {
			t.Errorf("size %v: output %d, occupied voxels %d", size, result.Len(), occupied)
		}
		if occupied > cloud.Len() {
			t.Errorf("size %v: occupied %d exceeds input %d", size, occupied, cloud.Len())
		}
	}
}

// displacement sums the distance from each valid input point to the
// output point of its cell.
func displacement(t *testing.T, in, out PointCloud, size float64) float64 {
	t.Helper()
	byCell := make(map[VoxelIndex]Point, out.Len())
	for _, p := range out.Points {
		idx, err := VoxelIndexOf(p, size)
		if err != nil {
			t.Fatalf("output index: %v", err)
		}
		byCell[idx] = p
	}
	total := 0.0
	for _, p := range in.Points {
		if !p.Valid() {
			continue
		}
		idx, err := VoxelIndexOf(p, size)
		if err != nil {
			t.Fatalf("input index: %v", err)
		}
		c, ok := byCell[idx]
		if !ok {
			t.Fatalf("no output point for cell %+v of %+v", idx, p)
		}
		total += math.Sqrt((p.X-c.X)*(p.X-c.X) + (p.Y-c.Y)*(p.Y-c.Y) + (p.Z-c.Z)*(p.Z-c.Z))
	}
	return total
}

// Re-applying the filter is only near-idempotent: the point count never
// grows and later passes move points no further than the first did.
func TestVoxelGrid_NearIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const size = 0.05
	cloud := randomCloud(rng, 3000, 1.0)

	first, err := VoxelGrid(cloud, size)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := VoxelGrid(first, size)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Len() > first.Len() {
		t.Errorf("second pass grew the cloud: %d -> %d", first.Len(), second.Len())
	}
	third, err := VoxelGrid(second, size)
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if third.Len() > second.Len() {
		t.Errorf("third pass grew the cloud: %d -> %d", second.Len(), third.Len())
	}

	const eps = 1e-9
	d1 := displacement(t, cloud, first, size)
	d2 := displacement(t, first, second, size)
	d3 := displacement(t, second, third, size)
	if d1 <= 0 {
		t.Fatalf("first pass moved nothing; the cloud is too sparse to test")
	}
	if d2 > d1+eps {
		t.Errorf("second pass displacement %v exceeds first %v", d2, d1)
	}
	if d3 > d2+eps {
		t.Errorf("third pass displacement %v exceeds second %v", d3, d2)
	}
}

func TestDropUnindexable(t *testing.T) {
	nan := math.NaN()
	cloud := PointCloud{FrameID: "f", Points: []Point{{X: 1}, {X: 1e10}, {X: nan}, {X: 2, G: 7}}}

	got, dropped := DropUnindexable(cloud, 1e-300)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if got.Len() != 3 || got.Points[2].G != 7 || !math.IsNaN(got.Points[1].X) {
		t.Errorf("unexpected points %+v", got.Points)
	}
	if cloud.Points[1].X != 1e10 {
		t.Errorf("input modified: %+v", cloud.Points)
	}
	if got.FrameID != "f" {
		t.Errorf("frame = %q", got.FrameID)
	}

	same, dropped := DropUnindexable(cloud, 1)
	if dropped != 0 || &same.Points[0] != &cloud.Points[0] {
		t.Errorf("nothing to drop should return the cloud as-is")
	}
}

func TestVoxelGrid_Reduction(t *testing.T) {
	points := make([]Point, 100)
	for i := 0; i < 100; i++ {
		points[i] = Point{X: float64(i%10) * 0.1, Y: float64(i/10) * 0.1, Z: 0.5}
	}
	// 0.5m cells over a 1m x 1m patch: 2x2 columns in a single Z layer.
	result, err := VoxelGrid(PointCloud{Points: points}, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Len() != 4 {
		t.Errorf("expected 4 output points for 0.5m voxels on 1m² area, got %d", result.Len())
	}
}

func TestVoxelIndex_Compare(t *testing.T) {
	a := VoxelIndex{X: 0, Y: 1, Z: 2}
	b := VoxelIndex{X: 0, Y: 1, Z: 3}
	c := VoxelIndex{X: -1, Y: 9, Z: 9}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Errorf("Compare on Z broken")
	}
	if c.Compare(a) >= 0 {
		t.Errorf("Compare should order by X first")
	}
}
