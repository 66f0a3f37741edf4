package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mapaccum/internal/httputil"
)

const (
	echartsAssetsPrefix   = "https://go-echarts.github.io/go-echarts-assets/assets/"
	defaultCloudMaxPoints = 20000
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleAccumulationChart renders the accumulated cloud size, and the
// input size, per recorded cycle.
func (ws *WebServer) handleAccumulationChart(w http.ResponseWriter, r *http.Request) {
	if ws.cycles == nil {
		httputil.NotFound(w, "cycle log disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "limit must be a positive integer")
		return
	}
	rows, err := ws.cycles.RecentCycles(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	x := make([]string, 0, len(rows))
	accumulated := make([]opts.LineData, 0, len(rows))
	input := make([]opts.LineData, 0, len(rows))
	for _, c := range rows {
		x = append(x, strconv.FormatUint(c.Seq, 10))
		accumulated = append(accumulated, opts.LineData{Value: c.Accumulated})
		input = append(input, opts.LineData{Value: c.Input})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Map accumulation", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Accumulated points per cycle", Subtitle: fmt.Sprintf("frame=%s voxel=%gm cycles=%d", ws.pipeline.ReferenceFrame(), ws.pipeline.VoxelSize(), len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "points"}),
	)
	line.SetXAxis(x).
		AddSeries("accumulated", accumulated).
		AddSeries("input", input)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCloudChart renders a top-down scatter of the current map,
// coloured by height. Large maps are stride-decimated to max_points.
func (ws *WebServer) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	maxPoints := defaultCloudMaxPoints
	if s := r.URL.Query().Get("max_points"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "max_points must be a positive integer")
			return
		}
		maxPoints = n
	}

	cloud := ws.pipeline.Snapshot()
	stride := 1
	if n := cloud.Len(); n > maxPoints {
		stride = (n + maxPoints - 1) / maxPoints
	}

	data := make([]opts.ScatterData, 0, cloud.Len()/stride+1)
	pad := 1.0
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for i := 0; i < cloud.Len(); i += stride {
		p := cloud.Points[i]
		pad = math.Max(pad, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		minZ, maxZ = math.Min(minZ, p.Z), math.Max(maxZ, p.Z)
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Z}})
	}
	if len(data) == 0 {
		minZ, maxZ = 0, 1
	}
	pad = math.Ceil(pad * 1.05)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Accumulated map", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Accumulated map (top down)", Subtitle: fmt.Sprintf("frame=%s points=%d shown=%d stride=%d", cloud.FrameID, cloud.Len(), len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minZ),
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("map", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
