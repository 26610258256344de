// Package sidecar implements runtime.Loader against an inference sidecar
// process that hosts the landmark and box-detection models.
//
// Protocol (JSON over HTTP):
//
//	POST   /v1/sessions                          {family, model, delegate, options} -> {session_id}
//	PUT    /v1/sessions/{id}/options             {options}
//	POST   /v1/sessions/{id}/detect?timestamp_ms  JPEG body -> {poses: [{keypoints: [...]}]}
//	DELETE /v1/sessions/{id}
//
// A non-2xx reply to session creation is a load failure, which the runtime
// answers by falling back to the next delegate.
package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/pose.report/internal/httputil"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/runtime"
)

// DefaultJPEGQuality is used when Loader.JPEGQuality is zero.
const DefaultJPEGQuality = 90

// Loader creates sidecar sessions.
type Loader struct {
	BaseURL     string
	Client      httputil.HTTPClient
	JPEGQuality int
}

// NewLoader returns a Loader for the sidecar at baseURL.
func NewLoader(baseURL string, client httputil.HTTPClient) *Loader {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Loader{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type options struct {
	NumPoses               int     `json:"num_poses"`
	MinDetectionConfidence float64 `json:"min_detection_confidence"`
	MinPresenceConfidence  float64 `json:"min_presence_confidence"`
	MinTrackingConfidence  float64 `json:"min_tracking_confidence"`
}

func optionsFrom(cfg pose.RuntimeConfig) options {
	return options{
		NumPoses:               cfg.EffectiveNumPoses(),
		MinDetectionConfidence: cfg.MinDetectionConfidence,
		MinPresenceConfidence:  cfg.MinPresenceConfidence,
		MinTrackingConfidence:  cfg.MinTrackingConfidence,
	}
}

type createRequest struct {
	Family   pose.Family `json:"family"`
	Model    string      `json:"model"`
	Asset    string      `json:"asset"`
	Delegate string      `json:"delegate"`
	Options  options     `json:"options"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

// Load implements runtime.Loader.
func (l *Loader) Load(ctx context.Context, v pose.Variant, d runtime.Delegate, cfg pose.RuntimeConfig) (runtime.Session, error) {
	body, err := httputil.JSONBody(createRequest{
		Family:   v.Family,
		Model:    v.Name,
		Asset:    v.AssetPath,
		Delegate: string(d),
		Options:  optionsFrom(cfg),
	})
	if err != nil {
		return nil, err
	}
	var out createResponse
	if err := httputil.DoJSON(ctx, l.Client, http.MethodPost, l.BaseURL+"/v1/sessions", "application/json", body, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("sidecar returned no session id for %s", v.Name)
	}
	quality := l.JPEGQuality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return &session{
		loader:  l,
		id:      out.SessionID,
		variant: v,
		quality: quality,
	}, nil
}

type session struct {
	loader  *Loader
	id      string
	variant pose.Variant
	quality int

	mu     sync.Mutex
	closed bool
	buf    bytes.Buffer
}

func (s *session) url(suffix string) string {
	return s.loader.BaseURL + "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

type keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

type detectResponse struct {
	Poses []struct {
		Keypoints []keypoint `json:"keypoints"`
	} `json:"poses"`
}

// Detect JPEG-encodes img and posts it to the session.
func (s *session) Detect(ctx context.Context, img image.Image, timestampMs int64) (pose.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, runtime.ErrClosed
	}

	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	target := s.url("/detect?timestamp_ms=" + strconv.FormatInt(timestampMs, 10))
	var out detectResponse
	if err := httputil.DoJSON(ctx, s.loader.Client, http.MethodPost, target, "image/jpeg", bytes.NewReader(s.buf.Bytes()), &out); err != nil {
		return nil, err
	}
	return decodePoses(out)
}

func decodePoses(out detectResponse) (pose.Frame, error) {
	frame := make(pose.Frame, 0, len(out.Poses))
	for i, p := range out.Poses {
		pts := make([]pose.Landmark, len(p.Keypoints))
		for j, k := range p.Keypoints {
			pts[j] = pose.NewLandmark(k.X, k.Y, k.Z, k.Visibility)
		}
		switch len(pts) {
		case pose.NumLandmarks:
			frame = append(frame, pose.FromCanonical(pts))
		case 17:
			frame = append(frame, pose.FromCOCO17(pts))
		case 0:
			// Empty pose slot; nothing detected.
		default:
			return nil, fmt.Errorf("pose %d has %d keypoints, want 17 or 33", i, len(pts))
		}
	}
	return frame, nil
}

// SetOptions pushes changed thresholds to the live session.
func (s *session) SetOptions(ctx context.Context, cfg pose.RuntimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return runtime.ErrClosed
	}
	body, err := httputil.JSONBody(struct {
		Options options `json:"options"`
	}{optionsFrom(cfg)})
	if err != nil {
		return err
	}
	return httputil.DoJSON(ctx, s.loader.Client, http.MethodPut, s.url("/options"), "application/json", body, nil)
}

// Close deletes the remote session. Later calls are no-ops.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return httputil.DoJSON(context.Background(), s.loader.Client, http.MethodDelete, s.url(""), "", nil, nil)
}
