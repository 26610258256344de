package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/report"
)

const defaultsPath = "../../config/pipeline.defaults.json"

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

// writeFrames writes n solid PNG frames named frame_1.png .. frame_n.png.
func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clip")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for i := 1; i <= n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+3] = uint8(i*40), 0xff
		}
		img.Set(0, 0, color.White)
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return dir
}

// fakeSidecar answers every detect call with one standing COCO-17 pose.
func fakeSidecar(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var detects atomic.Int32
	kp := func(x, y float64) map[string]float64 {
		return map[string]float64{"x": x, "y": y, "z": 0, "visibility": 0.9}
	}
	keypoints := []map[string]float64{
		kp(0.5, 0.1),                   // nose
		kp(0.48, 0.09), kp(0.52, 0.09), // eyes
		kp(0.46, 0.1), kp(0.54, 0.1), // ears
		kp(0.4, 0.2), kp(0.6, 0.2), // shoulders
		kp(0.38, 0.35), kp(0.62, 0.35), // elbows
		kp(0.37, 0.48), kp(0.63, 0.48), // wrists
		kp(0.45, 0.5), kp(0.55, 0.5), // hips
		kp(0.45, 0.7), kp(0.55, 0.7), // knees
		kp(0.45, 0.9), kp(0.55, 0.9), // ankles
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
	})
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/detect") {
			detects.Add(1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"poses": []interface{}{map[string]interface{}{"keypoints": keypoints}},
			})
			return
		}
		w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &detects
}

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, &out)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, out.String(), "Usage: posectl")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "preprocess")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), "posectl dev")

	err = run(context.Background(), []string{"bogus"}, &out)
	assert.ErrorContains(t, err, `unknown command "bogus"`)
}

func TestRun_Migrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pose.db")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"migrate", "-db", dbPath, "up"}, &out))
	assert.Contains(t, out.String(), "Current version:")
	assert.Contains(t, out.String(), "Dirty: false")
}

func TestRun_PreprocessThenPlot(t *testing.T) {
	frames := writeFrames(t, 5)
	sidecarSrv, detects := fakeSidecar(t)
	dbPath := filepath.Join(t.TempDir(), "pose.db")
	ctx := context.Background()

	var out bytes.Buffer
	err := run(ctx, []string{
		"preprocess",
		"-config", defaultsPath,
		"-db", dbPath,
		"-sidecar", sidecarSrv.URL,
		"-frames", frames,
		"-fps", "10",
		"-video-id", "clip",
		"-seek",
	}, &out)
	require.NoError(t, err)

	// 15 fps over a 500 ms clip samples 0, 67, ... 469.
	assert.Contains(t, out.String(), "pose:clip:0-500\t")
	assert.Contains(t, out.String(), "\t8 frames")
	assert.Equal(t, int32(8), detects.Load())

	outDir := t.TempDir()
	jsonOut := filepath.Join(outDir, "summary.json")
	out.Reset()
	require.NoError(t, run(ctx, []string{
		"plot", "-db", dbPath, "-video-id", "clip", "-start", "0", "-end", "500",
		"-width", "100", "-height", "100", "-out", jsonOut,
	}, &out))
	assert.Contains(t, out.String(), "wrote "+jsonOut)

	data, err := os.ReadFile(jsonOut)
	require.NoError(t, err)
	var sum report.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, 8, sum.Frames)
	assert.Equal(t, 8, sum.PosedFrames)

	pngOut := filepath.Join(outDir, "cog.png")
	require.NoError(t, run(ctx, []string{
		"plot", "-db", dbPath, "-id", "pose:clip:0-500", "-out", pngOut,
	}, &out))
	data, err = os.ReadFile(pngOut)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	err = run(ctx, []string{"plot", "-db", dbPath, "-id", "pose:clip:0-500", "-out", "/etc/cog.png"}, &out)
	assert.ErrorContains(t, err, "must be inside")
	err = run(ctx, []string{"plot", "-db", dbPath, "-id", "pose:clip:0-500", "-out", filepath.Join(outDir, "cog.svg")}, &out)
	assert.ErrorContains(t, err, "unsupported output extension")
}

func TestRun_PlotErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pose.db")
	ctx := context.Background()
	var out bytes.Buffer

	err := run(ctx, []string{"plot", "-db", dbPath}, &out)
	assert.ErrorContains(t, err, "-id or -video-id")

	err = run(ctx, []string{"plot", "-db", dbPath, "-id", "pose:none:0-1"}, &out)
	assert.Error(t, err)
}

func TestRun_PreprocessRequiresFrames(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pose.db")
	var out bytes.Buffer
	err := run(context.Background(), []string{"preprocess", "-config", defaultsPath, "-db", dbPath}, &out)
	assert.ErrorContains(t, err, "-frames is required")
}
