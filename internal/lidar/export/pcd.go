// Package export writes the accumulated map to disk: ASCII PCD files for
// downstream tools and top-down PNG renders for a quick look.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// ErrInvalidPCD is wrapped by every ReadPCD failure.
var ErrInvalidPCD = errors.New("invalid PCD")

// WritePCDASCII writes cloud as an ASCII PCD v0.7 file with fields
// x y z rgb. Coordinates are written as float32 in their shortest exact
// form; rgb is the packed 0x00RRGGBB value as an unsigned integer.
func WritePCDASCII(w io.Writer, cloud l4perception.PointCloud) error {
	bw := bufio.NewWriter(w)
	n := len(cloud.Points)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\n")
	fmt.Fprintf(bw, "FIELDS x y z rgb\n")
	fmt.Fprintf(bw, "SIZE 4 4 4 4\n")
	fmt.Fprintf(bw, "TYPE F F F U\n")
	fmt.Fprintf(bw, "COUNT 1 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\n", n)
	fmt.Fprintf(bw, "HEIGHT 1\n")
	fmt.Fprintf(bw, "VIEWPOINT 0 0 0 1 0 0 0\n")
	fmt.Fprintf(bw, "POINTS %d\n", n)
	fmt.Fprintf(bw, "DATA ascii\n")

	line := make([]byte, 0, 64)
	for _, p := range cloud.Points {
		line = line[:0]
		line = appendFloat32(line, p.X)
		line = append(line, ' ')
		line = appendFloat32(line, p.Y)
		line = append(line, ' ')
		line = appendFloat32(line, p.Z)
		line = append(line, ' ')
		line = strconv.AppendUint(line, uint64(p.PackedRGB()), 10)
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("failed to write PCD point: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write PCD: %w", err)
	}
	return nil
}

func appendFloat32(b []byte, v float64) []byte {
	return strconv.AppendFloat(b, float64(float32(v)), 'g', -1, 32)
}

// PCDHeader is the parsed header of a PCD file.
type PCDHeader struct {
	Version   string
	Fields    []string
	Size      []int
	Type      []string
	Count     []int
	Width     int
	Height    int
	Viewpoint []float64
	Points    int
	Data      string
}

func (h PCDHeader) fieldIndex(name string) int {
	for i, f := range h.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// ReadPCD reads an ASCII PCD file with at least the fields x, y and z.
// An rgb (or rgba) field is decoded whether it is stored as an unsigned
// integer or, as many tools do, as the float32 reinterpretation of the
// packed value. Other fields are ignored. Binary data is not supported.
func ReadPCD(r io.Reader) (l4perception.PointCloud, PCDHeader, error) {
	var (
		h     PCDHeader
		cloud l4perception.PointCloud
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for h.Data == "" {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return cloud, h, fmt.Errorf("%w: %v", ErrInvalidPCD, err)
			}
			return cloud, h, fmt.Errorf("%w: missing DATA line", ErrInvalidPCD)
		}
		lineNo++
		if err := parseHeaderLine(&h, sc.Text()); err != nil {
			return cloud, h, fmt.Errorf("%w: line %d: %v", ErrInvalidPCD, lineNo, err)
		}
	}
	if h.Data != "ascii" {
		return cloud, h, fmt.Errorf("%w: DATA %s is not supported", ErrInvalidPCD, h.Data)
	}
	if len(h.Count) > len(h.Fields) {
		return cloud, h, fmt.Errorf("%w: COUNT lists %d fields, FIELDS %d", ErrInvalidPCD, len(h.Count), len(h.Fields))
	}
	for i, c := range h.Count {
		if c != 1 {
			return cloud, h, fmt.Errorf("%w: field %s has COUNT %d", ErrInvalidPCD, h.Fields[i], c)
		}
	}
	xi, yi, zi := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	if xi < 0 || yi < 0 || zi < 0 {
		return cloud, h, fmt.Errorf("%w: fields %v lack x y z", ErrInvalidPCD, h.Fields)
	}
	ci := h.fieldIndex("rgb")
	if ci < 0 {
		ci = h.fieldIndex("rgba")
	}
	colourIsFloat := ci >= 0 && ci < len(h.Type) && h.Type[ci] == "F"

	if h.Points > 0 {
		cloud.Points = make([]l4perception.Point, 0, h.Points)
	}
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		cols := strings.Fields(text)
		if len(cols) != len(h.Fields) {
			return cloud, h, fmt.Errorf("%w: line %d has %d values, want %d", ErrInvalidPCD, lineNo, len(cols), len(h.Fields))
		}
		var p l4perception.Point
		var err error
		if p.X, err = strconv.ParseFloat(cols[xi], 64); err != nil {
			return cloud, h, fmt.Errorf("%w: line %d: %v", ErrInvalidPCD, lineNo, err)
		}
		if p.Y, err = strconv.ParseFloat(cols[yi], 64); err != nil {
			return cloud, h, fmt.Errorf("%w: line %d: %v", ErrInvalidPCD, lineNo, err)
		}
		if p.Z, err = strconv.ParseFloat(cols[zi], 64); err != nil {
			return cloud, h, fmt.Errorf("%w: line %d: %v", ErrInvalidPCD, lineNo, err)
		}
		if ci >= 0 {
			rgb, err := parseColour(cols[ci], colourIsFloat)
			if err != nil {
				return cloud, h, fmt.Errorf("%w: line %d: %v", ErrInvalidPCD, lineNo, err)
			}
			p.SetPackedRGB(rgb)
		}
		cloud.Points = append(cloud.Points, p)
	}
	if err := sc.Err(); err != nil {
		return cloud, h, fmt.Errorf("%w: %v", ErrInvalidPCD, err)
	}
	if h.Points != len(cloud.Points) {
		return cloud, h, fmt.Errorf("%w: header declares %d points, found %d", ErrInvalidPCD, h.Points, len(cloud.Points))
	}
	return cloud, h, nil
}

func parseColour(s string, asFloat bool) (uint32, error) {
	if asFloat {
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return math.Float32bits(float32(f)) & 0x00ffffff, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v) & 0x00ffffff, nil
}

func parseHeaderLine(h *PCDHeader, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	cols := strings.Fields(line)
	key, vals := strings.ToUpper(cols[0]), cols[1:]
	var err error
	switch key {
	case "VERSION":
		h.Version = strings.Join(vals, " ")
	case "FIELDS":
		h.Fields = vals
	case "SIZE":
		h.Size, err = parseInts(vals)
	case "TYPE":
		h.Type = vals
	case "COUNT":
		h.Count, err = parseInts(vals)
	case "WIDTH":
		h.Width, err = parseSingleInt(vals)
	case "HEIGHT":
		h.Height, err = parseSingleInt(vals)
	case "VIEWPOINT":
		h.Viewpoint = make([]float64, len(vals))
		for i, v := range vals {
			if h.Viewpoint[i], err = strconv.ParseFloat(v, 64); err != nil {
				break
			}
		}
	case "POINTS":
		h.Points, err = parseSingleInt(vals)
	case "DATA":
		if len(vals) != 1 {
			return fmt.Errorf("DATA needs one value")
		}
		h.Data = strings.ToLower(vals[0])
	default:
		return fmt.Errorf("unknown header key %q", cols[0])
	}
	return err
}

func parseInts(vals []string) ([]int, error) {
	out := make([]int, len(vals))
	for i, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func parseSingleInt(vals []string) (int, error) {
	if len(vals) != 1 {
		return 0, fmt.Errorf("expected one value, got %d", len(vals))
	}
	return strconv.Atoi(vals[0])
}
