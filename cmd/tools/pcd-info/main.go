// Command pcd-info summarises an ASCII PCD map and can re-downsample or
// render it.
//
//	pcd-info -voxel 0.1 -out coarse.pcd -render coarse.png map.pcd
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/mapaccum/internal/lidar/export"
	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

var (
	voxelSize  = flag.Float64("voxel", 0.05, "Voxel edge length used for the occupancy count and -out")
	outPath    = flag.String("out", "", "Write the cloud downsampled at -voxel to this PCD file")
	renderPath = flag.String("render", "", "Render a top-down image of the (downsampled) cloud")
	asJSON     = flag.Bool("json", false, "Print the summary as JSON")
)

// Summary describes one PCD file.
type Summary struct {
	Path           string      `json:"path"`
	Points         int         `json:"points"`
	Fields         []string    `json:"fields"`
	Min            *[3]float64 `json:"min,omitempty"`
	Max            *[3]float64 `json:"max,omitempty"`
	VoxelSize      float64     `json:"voxel_size"`
	OccupiedVoxels int         `json:"occupied_voxels"`
}

func summarise(path string, cloud l4perception.PointCloud, header export.PCDHeader, voxel float64) (Summary, error) {
	s := Summary{Path: path, Points: cloud.Len(), Fields: header.Fields, VoxelSize: voxel}
	if lo, hi, ok := cloud.Bounds(); ok {
		s.Min = &[3]float64{lo.X, lo.Y, lo.Z}
		s.Max = &[3]float64{hi.X, hi.Y, hi.Z}
	}
	n, err := l4perception.OccupiedVoxels(cloud, voxel)
	if err != nil {
		return s, err
	}
	s.OccupiedVoxels = n
	return s, nil
}

func (s Summary) writeText(w io.Writer) {
	fmt.Fprintf(w, "%s\n", s.Path)
	fmt.Fprintf(w, "  points:          %d\n", s.Points)
	fmt.Fprintf(w, "  fields:          %v\n", s.Fields)
	if s.Min != nil {
		fmt.Fprintf(w, "  bounds min:      %.3f %.3f %.3f\n", s.Min[0], s.Min[1], s.Min[2])
		fmt.Fprintf(w, "  bounds max:      %.3f %.3f %.3f\n", s.Max[0], s.Max[1], s.Max[2])
	}
	fmt.Fprintf(w, "  occupied voxels: %d at %gm\n", s.OccupiedVoxels, s.VoxelSize)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] file.pcd\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := runInfo(os.Stdout, flag.Arg(0)); err != nil {
		log.Fatalf("pcd-info: %v", err)
	}
}

func runInfo(w io.Writer, path string) error {
	cloud, header, err := export.ReadPCDFile(path)
	if err != nil {
		return err
	}
	s, err := summarise(path, cloud, header, *voxelSize)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return err
		}
	} else {
		s.writeText(w)
	}

	out := cloud
	if *outPath != "" {
		if out, err = l4perception.VoxelGrid(cloud, *voxelSize); err != nil {
			return err
		}
		if err := (export.PCDFileSink{Path: *outPath}).Persist(context.Background(), out); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d points to %s\n", out.Len(), *outPath)
	}
	if *renderPath != "" {
		opts := export.RenderOptions{Title: fmt.Sprintf("%s (%d points)", path, out.Len())}
		if err := export.RenderTopDown(out, *renderPath, opts); err != nil {
			return err
		}
		fmt.Fprintf(w, "rendered %s\n", *renderPath)
	}
	return nil
}
