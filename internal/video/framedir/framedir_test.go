package framedir

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/fsutil"
	"github.com/banshee-data/pose.report/internal/timeutil"
	"github.com/banshee-data/pose.report/internal/video"
)

// grayPNG encodes a 2x2 frame whose pixels all hold v.
func grayPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestFS(t *testing.T, names ...string) *fsutil.MemoryFileSystem {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	for i, name := range names {
		fs.AddFile("clip/"+name, grayPNG(t, uint8(10*(i+1))))
	}
	fs.AddFile("clip/notes.txt", []byte("ignored"))
	return fs
}

func grayAt(t *testing.T, img image.Image) uint8 {
	t.Helper()
	return color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y
}

func receiveFrame(t *testing.T, ch <-chan video.FrameMeta) video.FrameMeta {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame presented")
		return video.FrameMeta{}
	}
}

func receiveEvent(t *testing.T, ch <-chan video.Event, want video.Event) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestOpen_NaturalOrder(t *testing.T) {
	// frame_10 is added first, so its gray level is 10.
	fs := newTestFS(t, "frame_10.png", "frame_2.png", "frame_1.png")

	c, err := Open("clip", Options{FS: fs, FPS: 30})
	require.NoError(t, err)
	assert.Equal(t, 3, c.FrameCount())
	assert.Equal(t, "clip", c.ID())
	assert.Equal(t, int64(100), c.DurationMs())

	w, h := c.Size()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)

	want := []uint8{30, 20, 10}
	for i, ms := range []int64{0, 40, 70} {
		<-c.Seek(ms)
		img, err := c.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, want[i], grayAt(t, img), "frame at %dms", ms)
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open("missing", Options{FS: fsutil.NewMemoryFileSystem()})
	assert.Error(t, err)

	fs := fsutil.NewMemoryFileSystem()
	fs.AddFile("clip/readme.txt", []byte("x"))
	_, err = Open("clip", Options{FS: fs})
	assert.Error(t, err)

	fs.AddFile("clip/frame_1.png", []byte("not a png"))
	_, err = Open("clip", Options{FS: fs})
	assert.Error(t, err)
}

func TestSeek_Clamps(t *testing.T) {
	c, err := Open("clip", Options{FS: newTestFS(t, "a_1.png", "a_2.png"), FPS: 10})
	require.NoError(t, err)

	<-c.Seek(-50)
	assert.Equal(t, int64(0), c.CurrentTimeMs())
	<-c.Seek(5000)
	assert.Equal(t, int64(200), c.CurrentTimeMs())
	<-c.Seek(150)
	assert.Equal(t, int64(150), c.CurrentTimeMs())
}

func TestPlayback_PresentsFramesAndEnds(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c, err := Open("clip", Options{FS: newTestFS(t, "f1.png", "f2.png", "f3.png"), FPS: 30, Clock: clock})
	require.NoError(t, err)

	frames, cancelFrames := c.SubscribeFrames()
	defer cancelFrames()
	events, cancelEvents := c.SubscribeEvents()
	defer cancelEvents()

	require.NoError(t, c.Play())
	assert.False(t, c.Paused())
	receiveEvent(t, events, video.EventPlay)

	m := receiveFrame(t, frames)
	assert.Equal(t, int64(0), m.MediaTimeMs)
	assert.Equal(t, uint64(1), m.PresentedFrames)
	require.NotNil(t, m.Image)
	assert.Equal(t, uint8(10), grayAt(t, m.Image))

	clock.Advance(34 * time.Millisecond)
	m = receiveFrame(t, frames)
	assert.Equal(t, int64(33), m.MediaTimeMs)
	assert.Equal(t, uint8(20), grayAt(t, m.Image))

	clock.Advance(34 * time.Millisecond)
	m = receiveFrame(t, frames)
	assert.Equal(t, int64(67), m.MediaTimeMs)

	clock.Advance(34 * time.Millisecond)
	receiveEvent(t, events, video.EventEnded)
	assert.True(t, c.Paused())
	assert.Equal(t, int64(100), c.CurrentTimeMs())

	// Playing from the end restarts the clip.
	require.NoError(t, c.Play())
	m = receiveFrame(t, frames)
	assert.Equal(t, int64(0), m.MediaTimeMs)
	c.Pause()
	receiveEvent(t, events, video.EventPause)
	assert.True(t, c.Paused())
}

func TestPlayback_Loops(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c, err := Open("clip", Options{FS: newTestFS(t, "f1.png", "f2.png"), FPS: 10, Loop: true, Clock: clock})
	require.NoError(t, err)
	defer c.Close()

	frames, cancel := c.SubscribeFrames()
	defer cancel()
	require.NoError(t, c.Play())

	var got []int64
	got = append(got, receiveFrame(t, frames).MediaTimeMs)
	for i := 0; i < 3; i++ {
		clock.Advance(100 * time.Millisecond)
		got = append(got, receiveFrame(t, frames).MediaTimeMs)
	}
	assert.Equal(t, []int64{0, 100, 0, 100}, got)
	assert.False(t, c.Paused())
}

func TestPlaybackRate(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c, err := Open("clip", Options{FS: newTestFS(t, "f1.png", "f2.png", "f3.png"), FPS: 10, Clock: clock})
	require.NoError(t, err)
	defer c.Close()

	c.SetPlaybackRate(0)
	assert.Equal(t, 1.0, c.PlaybackRate(), "non-positive rates are ignored")
	c.SetPlaybackRate(4)
	c.SetMuted(true)
	assert.True(t, c.Muted())

	frames, cancel := c.SubscribeFrames()
	defer cancel()
	require.NoError(t, c.Play())
	receiveFrame(t, frames)

	clock.Advance(25 * time.Millisecond)
	assert.Equal(t, int64(100), receiveFrame(t, frames).MediaTimeMs)
}
