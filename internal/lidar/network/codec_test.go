package network

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

func sampleCloud() l4perception.PointCloud {
	return l4perception.PointCloud{
		FrameID:   "velodyne",
		Timestamp: time.Unix(1700000000, 123456789),
		Points: []l4perception.Point{
			{X: 1.5, Y: -2.25, Z: 0.125, R: 255, G: 0, B: 7},
			{X: -0.5, Y: 100, Z: 3, R: 1, G: 2, B: 3},
		},
	}
}

func TestEncodeDecodeCloud(t *testing.T) {
	t.Parallel()
	cloud := sampleCloud()

	data, err := EncodeCloud(cloud)
	require.NoError(t, err)
	assert.Len(t, data, EncodedSize(len("velodyne"), 2))
	assert.Equal(t, "PCB1", string(data[:4]))

	got, err := DecodeCloud(data)
	require.NoError(t, err)
	assert.Equal(t, cloud.FrameID, got.FrameID)
	assert.True(t, got.Timestamp.Equal(cloud.Timestamp))
	// These values are exact in float32.
	assert.Equal(t, cloud.Points, got.Points)
}

func TestEncodeCloud_NarrowsToFloat32(t *testing.T) {
	t.Parallel()
	cloud := l4perception.PointCloud{Points: []l4perception.Point{{X: 0.1}}}
	data, err := EncodeCloud(cloud)
	require.NoError(t, err)
	got, err := DecodeCloud(data)
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), got.Points[0].X)
	assert.True(t, got.Timestamp.IsZero(), "zero timestamp must round-trip as zero")
	assert.Equal(t, "", got.FrameID)
}

func TestEncodeCloud_NonFinitePreserved(t *testing.T) {
	t.Parallel()
	cloud := l4perception.PointCloud{Points: []l4perception.Point{{X: math.NaN(), Y: math.Inf(-1)}}}
	data, err := EncodeCloud(cloud)
	require.NoError(t, err)
	got, err := DecodeCloud(data)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.Points[0].X))
	assert.True(t, math.IsInf(got.Points[0].Y, -1))
	assert.Equal(t, 1, got.CountInvalid())
}

func TestDecodeCloud_Malformed(t *testing.T) {
	t.Parallel()
	good, err := EncodeCloud(sampleCloud())
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "XXXX")

	hugeFrame := append([]byte(nil), good...)
	hugeFrame[4], hugeFrame[5] = 0xff, 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", good[:10]},
		{"bad magic", badMagic},
		{"truncated points", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"frame length past end", hugeFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCloud(tt.data)
			assert.True(t, errors.Is(err, ErrMalformedBatch), "got %v", err)
		})
	}
}

func TestSplitCloud(t *testing.T) {
	t.Parallel()
	cloud := l4perception.PointCloud{FrameID: "f", Timestamp: time.Unix(5, 0), Points: make([]l4perception.Point, 10)}

	chunks := SplitCloud(cloud, 4)
	require.Len(t, chunks, 3)
	assert.Equal(t, 4, chunks[0].Len())
	assert.Equal(t, 2, chunks[2].Len())
	for _, c := range chunks {
		assert.Equal(t, "f", c.FrameID)
		assert.True(t, c.Timestamp.Equal(time.Unix(5, 0)))
	}

	assert.Len(t, SplitCloud(l4perception.PointCloud{}, 4), 1)
	assert.Len(t, SplitCloud(cloud, 0), 1)
}

func TestMaxPointsPerDatagram(t *testing.T) {
	t.Parallel()
	n := MaxPointsPerDatagram(8)
	assert.LessOrEqual(t, EncodedSize(8, n), MaxDatagramSize)
	assert.Greater(t, EncodedSize(8, n+1), MaxDatagramSize)
}

func TestFormatWithCommas(t *testing.T) {
	t.Parallel()
	cases := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		123456:   "123,456",
		1234567:  "1,234,567",
		-9876543: "-9,876,543",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatWithCommas(in))
	}
}
