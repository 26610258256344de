package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/pose.report/internal/httputil"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/biomech"
	"github.com/banshee-data/pose.report/internal/pose/cache"
	"github.com/banshee-data/pose.report/internal/pose/scheduler"
	"github.com/banshee-data/pose.report/internal/pose/storage/sqlite"
	"github.com/banshee-data/pose.report/internal/report"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Frame size used for pixel-space metrics when the request does not give one.
const (
	DefaultFrameWidth  = 1280
	DefaultFrameHeight = 720
)

// Catalog lists stored analyses and preprocessing runs without loading
// frames. *sqlite.Store satisfies it.
type Catalog interface {
	ListSummaries(ctx context.Context, videoID string) ([]sqlite.Summary, error)
	ListRuns(ctx context.Context, videoID string) ([]pose.PreprocessRun, error)
}

// LiveSource exposes a running scheduler.
type LiveSource interface {
	Latest() scheduler.Output
	Stats() scheduler.Stats
}

type Server struct {
	cache   *cache.Manager
	catalog Catalog
	live    LiveSource
}

// NewServer creates a Server. catalog and live may be nil.
func NewServer(mgr *cache.Manager, catalog Catalog, live LiveSource) *Server {
	return &Server{
		cache:   mgr,
		catalog: catalog,
		live:    live,
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
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyses", s.listAnalyses)
	mux.HandleFunc("/api/analyses/", s.handleAnalysisByID)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/live", s.showLive)
	return mux
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	videoID := r.URL.Query().Get("video_id")

	if s.catalog != nil {
		sums, err := s.catalog.ListSummaries(r.Context(), videoID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to list analyses: %v", err))
			return
		}
		if sums == nil {
			sums = []sqlite.Summary{}
		}
		httputil.WriteJSONOK(w, sums)
		return
	}

	if videoID == "" {
		httputil.BadRequest(w, "video_id is required")
		return
	}
	as, err := s.cache.ListByVideo(r.Context(), videoID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list analyses: %v", err))
		return
	}
	sums := make([]sqlite.Summary, 0, len(as))
	for _, a := range as {
		sums = append(sums, sqlite.Summary{
			ID:           a.ID,
			VideoID:      a.VideoID,
			ModelVariant: a.ModelVariant,
			TargetFPS:    a.TargetFPS,
			TrimStartMs:  a.TrimStartMs,
			TrimEndMs:    a.TrimEndMs,
			FrameCount:   len(a.Frames),
			CreatedAt:    a.CreatedAt,
		})
	}
	httputil.WriteJSONOK(w, sums)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		httputil.NotFound(w, "run history is not recorded")
		return
	}
	videoID := r.URL.Query().Get("video_id")
	if videoID == "" {
		httputil.BadRequest(w, "video_id is required")
		return
	}
	runs, err := s.catalog.ListRuns(r.Context(), videoID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []pose.PreprocessRun{}
	}
	httputil.WriteJSONOK(w, runs)
}

// handleAnalysisByID serves /api/analyses/{id}[/pose|/metrics|/summary|/chart|/plot.png]
func (s *Server) handleAnalysisByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/analyses/")
	id, action := path, ""
	if i := strings.LastIndex(path, "/"); i >= 0 {
		id, action = path[:i], path[i+1:]
	}
	if id == "" {
		httputil.BadRequest(w, "analysis id is required")
		return
	}

	a, err := s.cache.Get(r.Context(), id)
	if errors.Is(err, cache.ErrNotFound) {
		httputil.NotFound(w, "analysis not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load analysis: %v", err))
		return
	}

	switch action {
	case "":
		httputil.WriteJSONOK(w, a)
	case "pose":
		s.showPose(w, r, a)
	case "metrics":
		s.showMetrics(w, r, a)
	case "summary":
		s.showSummary(w, r, a)
	case "chart":
		s.showChart(w, r, a)
	case "plot.png":
		s.showPlot(w, r, a)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown analysis resource %q", action))
	}
}

type poseResponse struct {
	TimestampMs int64      `json:"timestamp_ms"`
	Mode        string     `json:"mode"`
	Poses       pose.Frame `json:"poses"`
}

func (s *Server) showPose(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) {
	ts, err := httputil.QueryInt64(r, "t", a.TrimStartMs)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	mode := r.URL.Query().Get("mode")
	var (
		f  pose.TimedFrame
		ok bool
	)
	switch mode {
	case "", "interpolated":
		mode = "interpolated"
		f, ok = cache.LookupInterpolated(a.Frames, ts)
	case "nearest":
		f, ok = cache.Lookup(a.Frames, ts)
	default:
		httputil.BadRequest(w, "mode must be nearest or interpolated")
		return
	}
	if !ok {
		httputil.NotFound(w, "analysis has no frames")
		return
	}
	poses := f.Poses
	if poses == nil {
		poses = pose.Frame{}
	}
	httputil.WriteJSONOK(w, poseResponse{TimestampMs: f.TimestampMs, Mode: mode, Poses: poses})
}

func frameSize(r *http.Request) (float64, float64, error) {
	width, err := httputil.QueryFloat(r, "width", DefaultFrameWidth)
	if err != nil {
		return 0, 0, err
	}
	height, err := httputil.QueryFloat(r, "height", DefaultFrameHeight)
	if err != nil {
		return 0, 0, err
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("width and height must be positive")
	}
	return width, height, nil
}

type metricsResponse struct {
	TimestampMs int64            `json:"timestamp_ms"`
	Metrics     *biomech.Metrics `json:"metrics"`
}

// showMetrics derives overlays for the cached frame nearest t. The jump
// tracker is replayed from the start of the analysis so jump height
// matches playback.
func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) {
	ts, err := httputil.QueryInt64(r, "t", a.TrimStartMs)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	width, height, err := frameSize(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	target, ok := cache.Lookup(a.Frames, ts)
	if !ok {
		httputil.NotFound(w, "analysis has no frames")
		return
	}

	resp := metricsResponse{TimestampMs: target.TimestampMs}
	jump := biomech.NewJumpTracker()
	for _, f := range a.Frames {
		if f.TimestampMs > target.TimestampMs {
			break
		}
		if len(f.Poses) == 0 {
			resp.Metrics = nil
			continue
		}
		m := biomech.Analyze(f.Poses[0], width, height, jump, f.TimestampMs)
		resp.Metrics = &m
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) series(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) (*report.Series, bool) {
	width, height, err := frameSize(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	series, err := report.ComputeSeries(a, width, height)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return nil, false
	}
	return series, true
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) {
	series, ok := s.series(w, r, a)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, series.Summarize())
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) {
	series, ok := s.series(w, r, a)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteHTML(&buf, series); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showPlot(w http.ResponseWriter, r *http.Request, a *pose.CachedAnalysis) {
	series, ok := s.series(w, r, a)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WritePNG(&buf, series); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

type liveResponse struct {
	Output scheduler.Output `json:"output"`
	Stats  scheduler.Stats  `json:"stats"`
}

func (s *Server) showLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.live == nil {
		httputil.NotFound(w, "live inference is not running")
		return
	}
	httputil.WriteJSONOK(w, liveResponse{Output: s.live.Latest(), Stats: s.live.Stats()})
}
