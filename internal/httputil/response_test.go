package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"points": 3})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"points": 3}`, rec.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "limit") }, http.StatusBadRequest, "limit"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no store") }, http.StatusNotFound, "no store"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type sample struct {
		Source string `json:"source"`
	}
	decode := func(body string, limit int64) (sample, error) {
		var s sample
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(httptest.NewRecorder(), req, limit, &s)
		return s, err
	}

	s, err := decode(`{"source":"velodyne"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, "velodyne", s.Source)

	for name, body := range map[string]string{
		"malformed": `{`,
		"unknown":   `{"source":"a","extra":1}`,
		"trailing":  `{"source":"a"} {"source":"b"}`,
	} {
		_, err := decode(body, 1024)
		assert.Error(t, err, name)
	}

	_, err = decode(`{"source":"`+strings.Repeat("a", 100)+`"}`, 16)
	assert.Error(t, err, "body over limit")
}
