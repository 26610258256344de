// Command posectl runs the pose pipeline against a directory of numbered
// frames: cached preprocessing, live inference, the HTTP API and reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pose.report/internal/api"
	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/db"
	"github.com/banshee-data/pose.report/internal/diagnostics"
	"github.com/banshee-data/pose.report/internal/httputil"
	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/backend/sidecar"
	"github.com/banshee-data/pose.report/internal/pose/cache"
	"github.com/banshee-data/pose.report/internal/pose/pipeline"
	"github.com/banshee-data/pose.report/internal/pose/preprocess"
	"github.com/banshee-data/pose.report/internal/pose/runtime"
	"github.com/banshee-data/pose.report/internal/pose/scheduler"
	"github.com/banshee-data/pose.report/internal/pose/storage/sqlite"
	"github.com/banshee-data/pose.report/internal/report"
	"github.com/banshee-data/pose.report/internal/security"
	"github.com/banshee-data/pose.report/internal/version"
	"github.com/banshee-data/pose.report/internal/video"
	"github.com/banshee-data/pose.report/internal/video/framedir"
)

var logf = monitoring.Tagged("posectl")

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		log.Fatalf("posectl: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return errUsage
	}
	switch args[0] {
	case "preprocess":
		return runPreprocess(ctx, args[1:], stdout)
	case "live":
		return runLive(ctx, args[1:], stdout)
	case "serve":
		return runServe(ctx, args[1:], stdout)
	case "plot":
		return runPlot(ctx, args[1:], stdout)
	case "migrate":
		return runMigrate(args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: posectl <command> [flags]

Commands:
  preprocess  Analyse a frame directory once and store the result
  live        Play a frame directory with live inference, printing outputs as JSON lines
  serve       Serve the HTTP API over stored analyses (optionally with live inference)
  plot        Render a stored analysis as a PNG plot, HTML chart or JSON summary
  migrate     Manage database schema migrations
  version     Print build information

Run 'posectl <command> -h' for command flags.
`)
}

// commonFlags are shared by every command that touches the pipeline.
type commonFlags struct {
	configPath string
	dbPath     string
	sidecarURL string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", config.DefaultConfigPath, "Pipeline config JSON file")
	fs.StringVar(&c.dbPath, "db", "pose.db", "SQLite database path")
	fs.StringVar(&c.sidecarURL, "sidecar", "", "Inference sidecar URL (overrides config)")
}

func (c *commonFlags) loadConfig() (*config.PipelineConfig, error) {
	cfg, err := config.LoadPipelineConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *commonFlags) openStore() (*db.DB, *sqlite.Store, error) {
	database, err := db.NewDB(c.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return database, sqlite.NewStore(database.DB), nil
}

func (c *commonFlags) newRuntime(cfg *config.PipelineConfig) *runtime.Runtime {
	url := c.sidecarURL
	if url == "" {
		url = cfg.GetSidecarURL()
	}
	client := httputil.NewStandardClient(&http.Client{Timeout: cfg.GetSidecarTimeout()})
	return runtime.New(sidecar.NewLoader(url, client), runtime.Options{ModelDir: cfg.GetModelDir()})
}

// clipFlags select the frame directory.
type clipFlags struct {
	dir     string
	fps     float64
	videoID string
	loop    bool
}

func (c *clipFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.dir, "frames", "", "Directory of numbered frame images")
	fs.Float64Var(&c.fps, "fps", framedir.DefaultFPS, "Frame rate of the frame directory")
	fs.StringVar(&c.videoID, "video-id", "", "Video ID (defaults to the directory name)")
}

func (c *clipFlags) open() (*framedir.Clip, error) {
	if c.dir == "" {
		return nil, fmt.Errorf("-frames is required")
	}
	return framedir.Open(c.dir, framedir.Options{ID: c.videoID, FPS: c.fps, Loop: c.loop})
}

func sessionOptions(cfg *config.PipelineConfig) pipeline.Options {
	return pipeline.Options{
		Runtime:          cfg.RuntimeConfig(),
		TargetFPS:        cfg.GetTargetFPS(),
		ExactFrameSync:   cfg.GetExactFrameSync(),
		Smoothing:        cfg.GetSmoothingEnabled(),
		SmoothingParams:  cfg.SmoothingParams(),
		SeekTimeout:      cfg.GetSeekTimeout(),
		FrameWaitTimeout: cfg.GetFrameWaitTimeout(),
		PlaybackRate:     cfg.GetPreprocessPlaybackRate(),
	}
}

func runPreprocess(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("preprocess", flag.ContinueOnError)
	var common commonFlags
	var clip clipFlags
	common.register(fs)
	clip.register(fs)
	start := fs.Int64("start", 0, "Trim start in milliseconds")
	end := fs.Int64("end", 0, "Trim end in milliseconds (0 = clip duration)")
	forceSeek := fs.Bool("seek", false, "Seek to every sample instead of following decoded frames")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	database, store, err := common.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	c, err := clip.open()
	if err != nil {
		return err
	}
	defer c.Close()

	rt := common.newRuntime(cfg)
	defer rt.Close()

	opts := sessionOptions(cfg)
	opts.ForceSeek = *forceSeek
	opts.Recorder = store
	opts.OnProgress = func(p preprocess.Progress) {
		logf("%s %s %3.0f%% frames=%d eta=%.1fs", c.ID(), p.Status, p.Fraction*100, p.Frames, p.ETASeconds)
	}
	sess := pipeline.New(c, rt, cache.NewManager(store), opts)
	defer sess.Close()

	a, err := sess.Preprocess(ctx, *start, *end)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\t%s\t%d frames\n", a.ID, a.RunID, len(a.Frames))
	return nil
}

// outputWriter serialises scheduler outputs as JSON lines.
type outputWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (o *outputWriter) write(out scheduler.Output) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.Encode(out); err != nil {
		logf("write output: %v", err)
	}
}

// startLive enables live inference on a clip and starts playback. The
// returned channel is closed when playback ends.
func startLive(ctx context.Context, c *framedir.Clip, sess *pipeline.Session) (<-chan struct{}, error) {
	events, cancel := c.SubscribeEvents()
	ended := make(chan struct{})
	go func() {
		defer cancel()
		defer close(ended)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok || ev == video.EventEnded {
					return
				}
			}
		}
	}()
	if err := sess.EnableLive(ctx); err != nil {
		return nil, fmt.Errorf("enable live inference: %w", err)
	}
	if err := c.Play(); err != nil {
		return nil, fmt.Errorf("play %s: %w", c.ID(), err)
	}
	return ended, nil
}

func startHealth(addr string, reporter *diagnostics.Reporter) error {
	if addr == "" {
		return nil
	}
	return reporter.Start(addr)
}

func runLive(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("live", flag.ContinueOnError)
	var common commonFlags
	var clip clipFlags
	common.register(fs)
	clip.register(fs)
	fs.BoolVar(&clip.loop, "loop", false, "Loop playback")
	healthAddr := fs.String("health-addr", "", "gRPC health listen address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	c, err := clip.open()
	if err != nil {
		return err
	}
	defer c.Close()

	rt := common.newRuntime(cfg)
	defer rt.Close()

	reporter := diagnostics.NewReporter()
	if err := startHealth(*healthAddr, reporter); err != nil {
		return err
	}
	defer reporter.Stop()

	w := &outputWriter{enc: json.NewEncoder(stdout)}
	opts := sessionOptions(cfg)
	opts.OnOutput = func(out scheduler.Output) {
		reporter.Observe(out)
		w.write(out)
	}
	// Live inference does not read the cache.
	sess := pipeline.New(c, rt, cache.NewManager(cache.NewMemoryStore()), opts)
	defer sess.Close()

	ended, err := startLive(ctx, c, sess)
	if err != nil {
		return err
	}
	<-ended
	stats := sess.Scheduler().Stats()
	logf("live session on %s finished: %+v", c.ID(), stats)
	return nil
}

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	var clip clipFlags
	common.register(fs)
	clip.register(fs)
	listen := fs.String("listen", ":8080", "HTTP listen address")
	healthAddr := fs.String("health-addr", "", "gRPC health listen address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("listen address is required")
	}

	database, store, err := common.openStore()
	if err != nil {
		return err
	}
	defer database.Close()
	mgr := cache.NewManager(store)

	reporter := diagnostics.NewReporter()
	if err := startHealth(*healthAddr, reporter); err != nil {
		return err
	}
	defer reporter.Stop()

	var live api.LiveSource
	if clip.dir != "" {
		cfg, err := common.loadConfig()
		if err != nil {
			return err
		}
		clip.loop = true
		c, err := clip.open()
		if err != nil {
			return err
		}
		defer c.Close()
		rt := common.newRuntime(cfg)
		defer rt.Close()

		opts := sessionOptions(cfg)
		opts.OnOutput = reporter.Observe
		opts.Recorder = store
		sess := pipeline.New(c, rt, mgr, opts)
		defer sess.Close()
		if _, err := startLive(ctx, c, sess); err != nil {
			return err
		}
		live = sess.Scheduler()
	}

	mux := api.NewServer(mgr, store, live).ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("attach admin routes: %w", err)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		b, err := reporter.HealthJSON(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	fmt.Fprintf(stdout, "serving on %s\n", *listen)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

func loadAnalysis(ctx context.Context, mgr *cache.Manager, id, videoID string, start, end int64) (*pose.CachedAnalysis, error) {
	switch {
	case id != "":
		return mgr.Get(ctx, id)
	case videoID != "":
		return mgr.Load(ctx, videoID, start, end)
	default:
		return nil, fmt.Errorf("one of -id or -video-id is required")
	}
}

func runPlot(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	id := fs.String("id", "", "Analysis ID")
	videoID := fs.String("video-id", "", "Video ID, used with -start and -end when -id is empty")
	start := fs.Int64("start", 0, "Trim start in milliseconds")
	end := fs.Int64("end", 0, "Trim end in milliseconds")
	width := fs.Float64("width", 1280, "Frame width in pixels")
	height := fs.Float64("height", 720, "Frame height in pixels")
	out := fs.String("out", "", "Output file: .png, .html or .json (default <video-id>.html)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, store, err := common.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	a, err := loadAnalysis(ctx, cache.NewManager(store), *id, *videoID, *start, *end)
	if err != nil {
		return err
	}
	series, err := report.ComputeSeries(a, *width, *height)
	if err != nil {
		return err
	}

	if *out == "" {
		*out = security.ReportFilename(a.VideoID, ".html")
	}
	if err := security.ValidateReportPath(*out); err != nil {
		return err
	}

	var write func(io.Writer) error
	switch ext := strings.ToLower(filepath.Ext(*out)); ext {
	case ".png":
		write = func(w io.Writer) error { return report.WritePNG(w, series) }
	case ".html":
		write = func(w io.Writer) error { return report.WriteHTML(w, series) }
	case ".json":
		write = func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(series.Summarize())
		}
	default:
		return fmt.Errorf("unsupported output extension %q", ext)
	}

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

func runMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "pose.db", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, stdout)
}
