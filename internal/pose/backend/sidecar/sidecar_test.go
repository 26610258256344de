package sidecar

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/httputil"
	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/runtime"
)

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

// fakeSidecar serves the session protocol. GPU sessions are refused when
// noGPU is set; box models answer with 17 keypoints.
type fakeSidecar struct {
	mu       sync.Mutex
	noGPU    bool
	created  []createRequest
	options  []options
	deleted  []string
	detectTs []string
	models   map[string]string
}

func (f *fakeSidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.models == nil {
		f.models = map[string]string{}
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions")
	switch {
	case path == "" && r.Method == http.MethodPost:
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		f.created = append(f.created, req)
		if f.noGPU && req.Delegate == "gpu" {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no gpu")
			return
		}
		id := req.Model + "-" + req.Delegate
		f.models[id] = req.Model
		httputil.WriteJSONOK(w, createResponse{SessionID: id})
	case strings.HasSuffix(path, "/options") && r.Method == http.MethodPut:
		var req struct {
			Options options `json:"options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.options = append(f.options, req.Options)
		httputil.WriteJSONOK(w, map[string]bool{"ok": true})
	case strings.HasSuffix(path, "/detect") && r.Method == http.MethodPost:
		if _, err := jpeg.Decode(r.Body); err != nil {
			httputil.BadRequest(w, "not a jpeg")
			return
		}
		f.detectTs = append(f.detectTs, r.URL.Query().Get("timestamp_ms"))
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/detect")
		n := pose.NumLandmarks
		if strings.HasPrefix(f.models[id], "yolo") {
			n = 17
		}
		kps := make([]keypoint, n)
		for i := range kps {
			kps[i] = keypoint{X: 0.5, Y: 1.4, Z: -0.2, Visibility: 0.9}
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"poses": []map[string]interface{}{{"keypoints": kps}},
		})
	case r.Method == http.MethodDelete:
		f.deleted = append(f.deleted, strings.TrimPrefix(path, "/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.NotFound(w, "unknown route")
	}
}

func newRuntime(t *testing.T, f *fakeSidecar) *runtime.Runtime {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	loader := NewLoader(srv.URL+"/", httputil.NewStandardClient(srv.Client()))
	return runtime.New(loader, runtime.Options{})
}

func frameImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestSidecar_TrackingRoundTrip(t *testing.T) {
	t.Parallel()
	f := &fakeSidecar{}
	rt := newRuntime(t, f)
	ctx := context.Background()
	cfg := pose.DefaultRuntimeConfig()

	frame, err := rt.Detect(ctx, frameImage(), 33, cfg)
	require.NoError(t, err)
	require.Len(t, frame, 1)

	lm := frame[0][pose.LeftKnee]
	assert.Equal(t, 0.5, lm.X)
	assert.Equal(t, 1.0, lm.Y, "y clamped into [0,1]")
	assert.Equal(t, -0.2, lm.Z, "z passes through")

	cfg.MinTrackingConfidence = 0.8
	_, err = rt.Detect(ctx, frameImage(), 66, cfg)
	require.NoError(t, err)

	require.NoError(t, rt.Close())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.created, 1)
	assert.Equal(t, []string{"33", "66"}, f.detectTs)
	require.Len(t, f.options, 1)
	assert.Equal(t, 0.8, f.options[0].MinTrackingConfidence)
	assert.Equal(t, []string{"full-gpu"}, f.deleted)
}

func TestSidecar_GPUFallback(t *testing.T) {
	t.Parallel()
	f := &fakeSidecar{noGPU: true}
	rt := newRuntime(t, f)

	_, err := rt.Detect(context.Background(), frameImage(), 1, pose.DefaultRuntimeConfig())
	require.NoError(t, err)
	assert.Equal(t, "cpu", rt.Snapshot().ActiveDelegate)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 2)
	assert.Equal(t, f.created[0].Options, f.created[1].Options)
}

func TestDecodePoses_COCO(t *testing.T) {
	t.Parallel()
	var out detectResponse
	require.NoError(t, json.Unmarshal([]byte(`{"poses":[{"keypoints":[
		{"x":0.1,"y":0.1,"visibility":1},{"x":0.2,"y":0.1,"visibility":1},{"x":0.3,"y":0.1,"visibility":1},
		{"x":0.1,"y":0.2,"visibility":1},{"x":0.2,"y":0.2,"visibility":1},{"x":0.3,"y":0.2,"visibility":1},
		{"x":0.1,"y":0.3,"visibility":1},{"x":0.2,"y":0.3,"visibility":1},{"x":0.3,"y":0.3,"visibility":1},
		{"x":0.1,"y":0.4,"visibility":1},{"x":0.2,"y":0.4,"visibility":1},{"x":0.3,"y":0.4,"visibility":1},
		{"x":0.1,"y":0.5,"visibility":1},{"x":0.2,"y":0.5,"visibility":1},{"x":0.3,"y":0.5,"visibility":1},
		{"x":0.1,"y":0.6,"visibility":1},{"x":0.2,"y":0.6,"visibility":1}
	]},{"keypoints":[]}]}`), &out))

	frame, err := decodePoses(out)
	require.NoError(t, err)
	require.Len(t, frame, 1, "empty pose slot dropped")

	p := frame[0]
	assert.Equal(t, pose.NewLandmark(0.2, 0.6, 0, 1), p[pose.RightAnkle])
	assert.Equal(t, pose.NewLandmark(0.3, 0.2, 0, 1), p[pose.LeftShoulder])
	assert.Zero(t, p[pose.LeftHeel].Visibility, "unmapped index stays hidden")
}

func TestDecodePoses_BadCount(t *testing.T) {
	t.Parallel()
	out := detectResponse{Poses: []struct {
		Keypoints []keypoint `json:"keypoints"`
	}{{Keypoints: make([]keypoint, 5)}}}
	_, err := decodePoses(out)
	require.Error(t, err)
}

func TestLoad_MissingSessionID(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{}`)
	l := NewLoader("http://sidecar", mock)

	v, err := pose.LookupVariant("lite")
	require.NoError(t, err)
	_, err = l.Load(context.Background(), v, runtime.DelegateGPU, pose.DefaultRuntimeConfig())
	require.Error(t, err)

	req, body := mock.GetRequest(0)
	assert.Equal(t, "http://sidecar/v1/sessions", req.URL.String())
	assert.Contains(t, string(body), `"asset":"pose_landmarker/pose_landmarker_lite.task"`)
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"session_id":"s 1"}`)
	l := NewLoader("http://sidecar", mock)

	v, err := pose.LookupVariant("heavy")
	require.NoError(t, err)
	sess, err := l.Load(context.Background(), v, runtime.DelegateCPU, pose.DefaultRuntimeConfig())
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, 2, mock.RequestCount())

	req, _ := mock.GetRequest(1)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/v1/sessions/s%201", req.URL.EscapedPath())

	_, err = sess.Detect(context.Background(), frameImage(), 1)
	require.ErrorIs(t, err, runtime.ErrClosed)
}
