package export

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
)

// RenderOptions controls RenderTopDown.
type RenderOptions struct {
	Title     string
	Width     vg.Length // default 10in
	Height    vg.Length // default 10in
	MaxPoints int       // stride-decimate above this; default 200000
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.Width <= 0 {
		o.Width = 10 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 10 * vg.Inch
	}
	if o.MaxPoints <= 0 {
		o.MaxPoints = 200000
	}
	if o.Title == "" {
		o.Title = "Accumulated map (top down)"
	}
	return o
}

// RenderTopDown saves an XY scatter of cloud, coloured by point colour.
// The image format follows the file extension (png, svg, pdf...).
func RenderTopDown(cloud l4perception.PointCloud, path string, opts RenderOptions) error {
	opts = opts.withDefaults()
	p, err := topDownPlot(cloud, opts)
	if err != nil {
		return err
	}
	if err := p.Save(opts.Width, opts.Height, path); err != nil {
		return fmt.Errorf("failed to save render %s: %w", path, err)
	}
	return nil
}

// WriteTopDown writes the same render as RenderTopDown to w in format
// ("png", "svg", ...).
func WriteTopDown(w io.Writer, cloud l4perception.PointCloud, format string, opts RenderOptions) error {
	opts = opts.withDefaults()
	p, err := topDownPlot(cloud, opts)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(opts.Width, opts.Height, strings.TrimPrefix(format, "."))
	if err != nil {
		return fmt.Errorf("unsupported render format %q: %w", format, err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// RenderFormat returns the format RenderTopDown would pick for path.
func RenderFormat(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

func topDownPlot(cloud l4perception.PointCloud, opts RenderOptions) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	stride := 1
	if n := len(cloud.Points); n > opts.MaxPoints {
		stride = (n + opts.MaxPoints - 1) / opts.MaxPoints
	}
	xys := make(plotter.XYs, 0, len(cloud.Points)/stride+1)
	colours := make([]color.RGBA, 0, cap(xys))
	for i := 0; i < len(cloud.Points); i += stride {
		pt := cloud.Points[i]
		if !pt.Valid() {
			continue
		}
		xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
		colours = append(colours, color.RGBA{R: pt.R, G: pt.G, B: pt.B, A: 255})
	}
	if len(xys) == 0 {
		return p, nil
	}

	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("failed to build scatter: %w", err)
	}
	radius := vg.Points(1)
	scatter.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{Color: colours[i], Radius: radius, Shape: draw.CircleGlyph{}}
	}
	p.Add(scatter)
	return p, nil
}
