// Package monitor serves the accumulator's HTTP status, JSON API, debug
// charts and Prometheus metrics.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/mapaccum/internal/httputil"
	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/lidar/network"
	"github.com/banshee-data/mapaccum/internal/lidar/pipeline"
	"github.com/banshee-data/mapaccum/internal/lidar/storage/sqlite"
	"github.com/banshee-data/mapaccum/internal/lidar/visualiser"
	"github.com/banshee-data/mapaccum/internal/monitoring"
	"github.com/banshee-data/mapaccum/internal/version"
)

// PipelineSource is the read side of the accumulation pipeline.
type PipelineSource interface {
	Stats() pipeline.Stats
	Snapshot() l4perception.PointCloud
	ReferenceFrame() string
	VoxelSize() float64
}

// TransformWriter accepts transforms posted to /api/transforms.
type TransformWriter interface {
	PutTransform(ctx context.Context, tr l4perception.RigidTransform) error
}

// CycleHistory returns the most recent recorded cycles, oldest first.
type CycleHistory interface {
	RecentCycles(ctx context.Context, limit int) ([]sqlite.CycleRow, error)
}

// WebServer handles the HTTP interface for monitoring the accumulator.
type WebServer struct {
	address    string
	pipeline   PipelineSource
	packets    *network.PacketStats
	publisher  *visualiser.Publisher
	transforms TransformWriter
	cycles     CycleHistory
	gatherer   prometheus.Gatherer
	started    time.Time
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server.
// Only Pipeline is required.
type WebServerConfig struct {
	Address    string
	Pipeline   PipelineSource
	Packets    *network.PacketStats
	Publisher  *visualiser.Publisher
	Transforms TransformWriter
	Cycles     CycleHistory
	Gatherer   prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ws := &WebServer{
		address:    config.Address,
		pipeline:   config.Pipeline,
		packets:    config.Packets,
		publisher:  config.Publisher,
		transforms: config.Transforms,
		cycles:     config.Cycles,
		gatherer:   gatherer,
		started:    time.Now(),
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the route multiplexer.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Serve serves on lis until ctx is cancelled, then shuts the server
// down. The caller binds lis, so address errors surface before Serve.
func (ws *WebServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] HTTP server listening on %s", lis.Addr())
		if err := ws.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("[monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Warnf("[monitor] HTTP server force close error: %v", err)
		}
	}
	<-errCh
	monitoring.Logf("[monitor] HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/transforms", ws.handleTransforms)
	mux.HandleFunc("/api/cycles", ws.handleCycles)
	mux.HandleFunc("/debug/accumulation", ws.handleAccumulationChart)
	mux.HandleFunc("/debug/cloud", ws.handleCloudChart)
	mux.Handle("/metrics", promhttp.HandlerFor(ws.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "mapaccum", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Version           string                     `json:"version"`
	Uptime            string                     `json:"uptime"`
	State             string                     `json:"state"`
	ReferenceFrame    string                     `json:"reference_frame"`
	VoxelSize         float64                    `json:"voxel_size"`
	Cycles            uint64                     `json:"cycles"`
	Accumulated       uint64                     `json:"accumulated_cycles"`
	Dropped           uint64                     `json:"dropped_batches"`
	Failed            uint64                     `json:"failed_batches"`
	Warnings          uint64                     `json:"warnings"`
	InputPoints       uint64                     `json:"input_points"`
	ExcludedPoints    uint64                     `json:"excluded_points"`
	AccumulatedPoints int                        `json:"accumulated_points"`
	LastCycle         *time.Time                 `json:"last_cycle,omitempty"`
	LastDurationMs    float64                    `json:"last_duration_ms"`
	Packets           *network.StatsSnapshot     `json:"packets,omitempty"`
	Publisher         *visualiser.PublisherStats `json:"publisher,omitempty"`
}

func (ws *WebServer) statsResponse() StatsResponse {
	st := ws.pipeline.Stats()
	resp := StatsResponse{
		Version:           version.Version,
		Uptime:            time.Since(ws.started).Round(time.Second).String(),
		State:             st.State.String(),
		ReferenceFrame:    ws.pipeline.ReferenceFrame(),
		VoxelSize:         ws.pipeline.VoxelSize(),
		Cycles:            st.Cycles,
		Accumulated:       st.Accumulated,
		Dropped:           st.DroppedBatches,
		Failed:            st.FailedBatches,
		Warnings:          st.Warnings,
		InputPoints:       st.InputPoints,
		ExcludedPoints:    st.ExcludedPoints,
		AccumulatedPoints: st.AccumulatedPoints,
		LastDurationMs:    float64(st.LastDuration) / float64(time.Millisecond),
	}
	if !st.LastCycle.IsZero() {
		last := st.LastCycle
		resp.LastCycle = &last
	}
	if ws.packets != nil {
		snap := ws.packets.Snapshot()
		resp.Packets = &snap
	}
	if ws.publisher != nil {
		ps := ws.publisher.Stats()
		resp.Publisher = &ps
	}
	return resp
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.statsResponse())
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>mapaccum</title></head>
<body>
<h1>Map accumulator</h1>
<table>
<tr><td>Version</td><td>{{.Version}}</td></tr>
<tr><td>Uptime</td><td>{{.Uptime}}</td></tr>
<tr><td>State</td><td>{{.State}}</td></tr>
<tr><td>Reference frame</td><td>{{.ReferenceFrame}}</td></tr>
<tr><td>Voxel size</td><td>{{.VoxelSize}} m</td></tr>
<tr><td>Cycles</td><td>{{.Cycles}} ({{.Accumulated}} accumulated, {{.Dropped}} dropped, {{.Failed}} failed)</td></tr>
<tr><td>Accumulated points</td><td>{{.AccumulatedPoints}}</td></tr>
<tr><td>Excluded points</td><td>{{.ExcludedPoints}}</td></tr>
</table>
<p><a href="/debug/accumulation">accumulation chart</a> | <a href="/debug/cloud">cloud</a> | <a href="/api/stats">stats</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`))

// handleStatus handles the main status page endpoint
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, ws.statsResponse()); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}
