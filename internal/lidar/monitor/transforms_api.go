package monitor

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/mapaccum/internal/httputil"
	"github.com/banshee-data/mapaccum/internal/lidar/storage/sqlite"
	"github.com/banshee-data/mapaccum/internal/lidar/tf"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
	maxTransformBody = 64 * 1024
)

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

// handleTransforms lists (GET) or inserts (POST) transforms.
//
// POST body: {"source", "target", "stamp_ns", "translation": [x,y,z],
// "rotation": [qx,qy,qz,qw]}. A zero stamp_ns means now.
func (ws *WebServer) handleTransforms(w http.ResponseWriter, r *http.Request) {
	if ws.transforms == nil {
		httputil.NotFound(w, "no transform store configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		ws.listTransforms(w, r)
	case http.MethodPost:
		ws.postTransform(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (ws *WebServer) listTransforms(w http.ResponseWriter, r *http.Request) {
	switch store := ws.transforms.(type) {
	case interface {
		List(ctx context.Context, limit int) ([]sqlite.TransformSample, error)
	}:
		limit, ok := parseLimit(r)
		if !ok {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		samples, err := store.List(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if samples == nil {
			samples = []sqlite.TransformSample{}
		}
		httputil.WriteJSON(w, http.StatusOK, samples)
	case interface{ Edges() []tf.StaticEdge }:
		edges := store.Edges()
		if edges == nil {
			edges = []tf.StaticEdge{}
		}
		httputil.WriteJSON(w, http.StatusOK, edges)
	default:
		httputil.WriteJSONError(w, http.StatusNotImplemented, "transform store cannot list")
	}
}

func (ws *WebServer) postTransform(w http.ResponseWriter, r *http.Request) {
	var sample sqlite.TransformSample
	if err := httputil.DecodeJSON(w, r, maxTransformBody, &sample); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if sample.Source == "" || sample.Target == "" {
		httputil.BadRequest(w, "source and target are required")
		return
	}
	if sample.StampNs == 0 {
		sample.StampNs = time.Now().UnixNano()
	}
	tr, err := sample.Transform()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := ws.transforms.PutTransform(r.Context(), tr); err != nil {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	monitoring.Logf("[monitor] stored transform %s -> %s at %d", sample.Source, sample.Target, sample.StampNs)
	httputil.WriteJSON(w, http.StatusCreated, sample)
}

// handleCycles returns the most recent recorded cycles as JSON.
func (ws *WebServer) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
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
	if rows == nil {
		rows = []sqlite.CycleRow{}
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}
