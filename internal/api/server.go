// Package api serves the latest detection results over HTTP and a
// WebSocket stream.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
)

// ANSI escape codes for the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Sensor is the driver surface the API reads and configures.
type Sensor interface {
	Snapshot() sensing.Snapshot
	Sequence() uint64
	Faces() []sensing.Face
	Bodies() []sensing.Body
	Hands() []sensing.Hand
	Image() *image.Gray
	Status() driver.Status

	Features() sensing.Feature
	SetFeatures(sensing.Feature)
	ImageMode() sensing.ImageMode
	SetImageMode(sensing.ImageMode)
	DebugPrint() bool
	SetDebugPrint(bool)
}

// History is the recorded-frame store. It is optional.
type History interface {
	RecentFrames(ctx context.Context, limit int) ([]db.FrameSummary, error)
	Sessions(ctx context.Context, limit int) ([]db.Session, error)
}

type Server struct {
	sensor         Sensor
	history        History
	streamInterval time.Duration
}

// NewServer returns a server over sensor. history may be nil, in which case
// the recording endpoints answer 404.
func NewServer(sensor Sensor, history History, streamInterval time.Duration) *Server {
	if streamInterval <= 0 {
		streamInterval = 100 * time.Millisecond
	}
	return &Server{
		sensor:         sensor,
		history:        history,
		streamInterval: streamInterval,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket upgrade through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/faces", s.get(func() any { return nonNil(s.sensor.Faces()) }))
	mux.HandleFunc("/api/bodies", s.get(func() any { return nonNil(s.sensor.Bodies()) }))
	mux.HandleFunc("/api/hands", s.get(func() any { return nonNil(s.sensor.Hands()) }))
	mux.HandleFunc("/api/snapshot", s.get(func() any { return s.sensor.Snapshot() }))
	mux.HandleFunc("/api/status", s.get(func() any { return s.sensor.Status() }))
	mux.HandleFunc("/api/image.png", s.showImage)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/frames", s.listFrames)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/stream", s.stream)
	return mux
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *Server) get(read func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		httputil.WriteJSONOK(w, read())
	}
}

func (s *Server) showImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	img := s.sensor.Image()
	if img == nil {
		httputil.NotFound(w, "no image captured; set image_mode to qvga or qvga_half")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		monitoring.Logf("api: encode png: %v", err)
	}
}

// ConfigView is the runtime detection configuration.
type ConfigView struct {
	Features   []string `json:"features"`
	ImageMode  string   `json:"image_mode"`
	DebugPrint bool     `json:"debug_print"`
}

// ConfigUpdate changes part of the configuration. Features replaces the
// whole set; Enable and Disable toggle single features on top of it.
type ConfigUpdate struct {
	Features   *[]string `json:"features,omitempty"`
	Enable     []string  `json:"enable,omitempty"`
	Disable    []string  `json:"disable,omitempty"`
	ImageMode  *string   `json:"image_mode,omitempty"`
	DebugPrint *bool     `json:"debug_print,omitempty"`
}

func (s *Server) configView() ConfigView {
	return ConfigView{
		Features:   nonNil(s.sensor.Features().Names()),
		ImageMode:  s.sensor.ImageMode().String(),
		DebugPrint: s.sensor.DebugPrint(),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.configView())
	case http.MethodPut:
		var u ConfigUpdate
		if err := httputil.DecodeJSON(w, r, &u); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.applyConfig(u); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.configView())
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// applyConfig validates the whole update before changing anything.
func (s *Server) applyConfig(u ConfigUpdate) error {
	features := s.sensor.Features()
	if u.Features != nil {
		f, err := sensing.ParseFeatures(*u.Features)
		if err != nil {
			return err
		}
		features = f
	}
	on, err := sensing.ParseFeatures(u.Enable)
	if err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	off, err := sensing.ParseFeatures(u.Disable)
	if err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	if on&off != 0 {
		return fmt.Errorf("features both enabled and disabled: %s", on&off)
	}
	features = features.With(on, true).With(off, false)

	mode := s.sensor.ImageMode()
	if u.ImageMode != nil {
		if mode, err = sensing.ParseImageMode(*u.ImageMode); err != nil {
			return err
		}
	}

	s.sensor.SetFeatures(features)
	s.sensor.SetImageMode(mode)
	if u.DebugPrint != nil {
		s.sensor.SetDebugPrint(*u.DebugPrint)
	}
	monitoring.Logf("api: config now features=%s image=%s debug=%v", features, mode, s.sensor.DebugPrint())
	return nil
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 10000 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	limit, err := limitParam(r, 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frames, err := s.history.RecentFrames(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list frames: %v", err))
		return
	}
	httputil.WriteJSONOK(w, nonNil(frames))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.history == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	limit, err := limitParam(r, 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, nonNil(sessions))
}
