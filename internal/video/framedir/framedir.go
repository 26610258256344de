// Package framedir plays a directory of numbered still images as a video
// element. Frames are decoded lazily; playback is driven by a timeutil.Clock
// so tests can step it frame by frame.
package framedir

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/banshee-data/pose.report/internal/fsutil"
	"github.com/banshee-data/pose.report/internal/timeutil"
	"github.com/banshee-data/pose.report/internal/video"
)

// DefaultFPS is the frame rate assumed when Options.FPS is unset.
const DefaultFPS = 30

var frameExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

var digits = regexp.MustCompile(`\d+`)

// Options configures a Clip.
type Options struct {
	// ID defaults to the directory's base name.
	ID    string
	FPS   float64
	Loop  bool
	FS    fsutil.FileSystem
	Clock timeutil.Clock
}

// Clip is a video.Element over an image sequence. It also implements
// video.FrameNotifier and video.EventSource.
type Clip struct {
	mu      sync.Mutex
	id      string
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	files   []string
	frameMs float64
	loop    bool
	size    image.Point

	index     int
	currentMs int64
	paused    bool
	rate      float64
	muted     bool
	presented uint64

	decodedIndex int
	decoded      image.Image

	subs    map[int]chan video.FrameMeta
	evSubs  map[int]chan video.Event
	nextSub int

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open lists dir and decodes its first frame.
func Open(dir string, opts Options) (*Clip, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.ID == "" {
		opts.ID = filepath.Base(filepath.Clean(dir))
	}

	entries, err := opts.FS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image frames in %s", dir)
	}
	sort.SliceStable(files, func(i, j int) bool {
		return lessFrameName(filepath.Base(files[i]), filepath.Base(files[j]))
	})

	c := &Clip{
		id:           opts.ID,
		fs:           opts.FS,
		clock:        opts.Clock,
		files:        files,
		frameMs:      1000 / opts.FPS,
		loop:         opts.Loop,
		paused:       true,
		rate:         1,
		decodedIndex: -1,
		subs:         make(map[int]chan video.FrameMeta),
		evSubs:       make(map[int]chan video.Event),
	}
	img, err := c.frameLocked(0)
	if err != nil {
		return nil, err
	}
	c.size = img.Bounds().Size()
	return c, nil
}

// lessFrameName orders by the last run of digits in the name, so frame_9
// sorts before frame_10.
func lessFrameName(a, b string) bool {
	na, oka := frameNumber(a)
	nb, okb := frameNumber(b)
	if oka && okb && na != nb {
		return na < nb
	}
	return a < b
}

func frameNumber(name string) (int, bool) {
	all := digits.FindAllString(strings.TrimSuffix(name, filepath.Ext(name)), -1)
	if len(all) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(all[len(all)-1])
	return n, err == nil
}

// FrameCount is the number of images in the clip.
func (c *Clip) FrameCount() int { return len(c.files) }

func (c *Clip) ID() string { return c.id }

func (c *Clip) DurationMs() int64 {
	return int64(math.Round(float64(len(c.files)) * c.frameMs))
}

func (c *Clip) CurrentTimeMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentMs
}

func (c *Clip) Size() (int, int) { return c.size.X, c.size.Y }

func (c *Clip) HasEnoughData() bool { return true }

func (c *Clip) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Clip) PlaybackRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetPlaybackRate takes effect on the next Play.
func (c *Clip) SetPlaybackRate(rate float64) {
	if rate <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rate
}

func (c *Clip) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Clip) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

// frameTimeMs is the presentation time of frame i.
func (c *Clip) frameTimeMs(i int) int64 {
	return int64(math.Round(float64(i) * c.frameMs))
}

func (c *Clip) indexAt(ms int64) int {
	i := int(float64(ms) / c.frameMs)
	if i < 0 {
		return 0
	}
	if i >= len(c.files) {
		return len(c.files) - 1
	}
	return i
}

// Play starts presenting frames from the current position. The current
// frame is presented immediately.
func (c *Clip) Play() error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	if c.currentMs >= c.DurationMs() {
		c.index = 0
		c.currentMs = 0
	}
	c.paused = false
	interval := time.Duration(c.frameMs / c.rate * float64(time.Millisecond))
	stop := make(chan struct{})
	c.stop = stop
	c.emitLocked(video.EventPlay)
	c.presentLocked()
	c.mu.Unlock()

	ticker := c.clock.NewTicker(interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				if !c.advance(stop) {
					return
				}
			}
		}
	}()
	return nil
}

// advance steps one frame. It returns false once playback has ended.
func (c *Clip) advance(stop chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != stop {
		return false
	}
	c.index++
	if c.index >= len(c.files) {
		if !c.loop {
			c.index = len(c.files) - 1
			c.currentMs = c.DurationMs()
			c.paused = true
			c.stop = nil
			c.emitLocked(video.EventEnded)
			return false
		}
		c.index = 0
	}
	c.currentMs = c.frameTimeMs(c.index)
	c.presentLocked()
	return true
}

// Pause stops playback at the current frame.
func (c *Clip) Pause() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = true
	stop := c.stop
	c.stop = nil
	c.emitLocked(video.EventPause)
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
}

// Seek moves to ms, clamped to the clip. Image sequences seek
// synchronously, so the returned channel is already closed.
func (c *Clip) Seek(ms int64) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms < 0 {
		ms = 0
	}
	if d := c.DurationMs(); ms > d {
		ms = d
	}
	c.index = c.indexAt(ms)
	c.currentMs = ms
	c.emitLocked(video.EventSeeked)

	done := make(chan struct{})
	close(done)
	return done
}

// Snapshot decodes the frame at the current position.
func (c *Clip) Snapshot() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameLocked(c.index)
}

func (c *Clip) frameLocked(i int) (image.Image, error) {
	if i == c.decodedIndex && c.decoded != nil {
		return c.decoded, nil
	}
	data, err := c.fs.ReadFile(c.files[i])
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", i, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.files[i], err)
	}
	c.decodedIndex, c.decoded = i, img
	return img, nil
}

// presentLocked notifies frame subscribers. Frames are decoded only when
// someone is listening.
func (c *Clip) presentLocked() {
	c.presented++
	if len(c.subs) == 0 {
		return
	}
	meta := video.FrameMeta{MediaTimeMs: c.currentMs, PresentedFrames: c.presented}
	if img, err := c.frameLocked(c.index); err == nil {
		meta.Image = img
	}
	for _, ch := range c.subs {
		select {
		case ch <- meta:
		default:
		}
	}
}

func (c *Clip) emitLocked(ev video.Event) {
	for _, ch := range c.evSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscribeFrames implements video.FrameNotifier.
func (c *Clip) SubscribeFrames() (<-chan video.FrameMeta, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan video.FrameMeta, 1)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// SubscribeEvents implements video.EventSource.
func (c *Clip) SubscribeEvents() (<-chan video.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan video.Event, 8)
	c.evSubs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.evSubs, id)
	}
}

// Close stops playback.
func (c *Clip) Close() error {
	c.Pause()
	return nil
}
