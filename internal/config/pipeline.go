package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/smoothing"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// PipelineConfig is the root configuration for the pose pipeline. Every
// field is optional; the Get* methods supply defaults for omitted keys so
// partial files are safe.
type PipelineConfig struct {
	// Runtime params
	ModelVariant           *string  `json:"model_variant,omitempty"`
	NumPoses               *int     `json:"num_poses,omitempty"`
	AllowMultiPerson       *bool    `json:"allow_multi_person,omitempty"`
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`
	MinPresenceConfidence  *float64 `json:"min_presence_confidence,omitempty"`
	MinTrackingConfidence  *float64 `json:"min_tracking_confidence,omitempty"`

	// Scheduler params
	TargetFPS      *float64 `json:"target_fps,omitempty"`
	ExactFrameSync *bool    `json:"exact_frame_sync,omitempty"`

	// Smoothing params
	SmoothingEnabled          *bool    `json:"smoothing_enabled,omitempty"`
	SmoothingMinCutoff        *float64 `json:"smoothing_min_cutoff,omitempty"`
	SmoothingBeta             *float64 `json:"smoothing_beta,omitempty"`
	SmoothingDerivativeCutoff *float64 `json:"smoothing_derivative_cutoff,omitempty"`

	// Preprocessing params
	SeekTimeout            *string  `json:"seek_timeout,omitempty"`       // duration string like "2s"
	FrameWaitTimeout       *string  `json:"frame_wait_timeout,omitempty"` // duration string like "3s"
	PreprocessPlaybackRate *float64 `json:"preprocess_playback_rate,omitempty"`

	// Backend params
	ModelDir       *string `json:"model_dir,omitempty"`
	SidecarURL     *string `json:"sidecar_url,omitempty"`
	SidecarTimeout *string `json:"sidecar_timeout,omitempty"`
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/pose/scheduler/
		"../../../../" + DefaultConfigPath, // from internal/pose/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.ModelVariant != nil {
		if _, err := pose.LookupVariant(*c.ModelVariant); err != nil {
			return err
		}
	}
	if c.NumPoses != nil && *c.NumPoses < 1 {
		return fmt.Errorf("num_poses must be at least 1, got %d", *c.NumPoses)
	}
	for name, v := range map[string]*float64{
		"min_detection_confidence": c.MinDetectionConfidence,
		"min_presence_confidence":  c.MinPresenceConfidence,
		"min_tracking_confidence":  c.MinTrackingConfidence,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	if c.TargetFPS != nil && (*c.TargetFPS <= 0 || *c.TargetFPS > 240) {
		return fmt.Errorf("target_fps must be in (0, 240], got %f", *c.TargetFPS)
	}
	for name, v := range map[string]*float64{
		"smoothing_min_cutoff":        c.SmoothingMinCutoff,
		"smoothing_derivative_cutoff": c.SmoothingDerivativeCutoff,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if c.SmoothingBeta != nil && *c.SmoothingBeta < 0 {
		return fmt.Errorf("smoothing_beta must be non-negative, got %f", *c.SmoothingBeta)
	}
	if c.PreprocessPlaybackRate != nil && (*c.PreprocessPlaybackRate <= 0 || *c.PreprocessPlaybackRate > 16) {
		return fmt.Errorf("preprocess_playback_rate must be in (0, 16], got %f", *c.PreprocessPlaybackRate)
	}
	for name, v := range map[string]*string{
		"seek_timeout":       c.SeekTimeout,
		"frame_wait_timeout": c.FrameWaitTimeout,
		"sidecar_timeout":    c.SidecarTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetModelVariant returns the model_variant value or the default.
func (c *PipelineConfig) GetModelVariant() string {
	if c.ModelVariant == nil {
		return "full"
	}
	return *c.ModelVariant
}

// GetNumPoses returns the num_poses value or the default.
func (c *PipelineConfig) GetNumPoses() int {
	if c.NumPoses == nil {
		return 1
	}
	return *c.NumPoses
}

// GetAllowMultiPerson returns the allow_multi_person value or the default.
func (c *PipelineConfig) GetAllowMultiPerson() bool {
	if c.AllowMultiPerson == nil {
		return false
	}
	return *c.AllowMultiPerson
}

// GetMinDetectionConfidence returns the min_detection_confidence value or the default.
func (c *PipelineConfig) GetMinDetectionConfidence() float64 {
	if c.MinDetectionConfidence == nil {
		return 0.5
	}
	return *c.MinDetectionConfidence
}

// GetMinPresenceConfidence returns the min_presence_confidence value or the default.
func (c *PipelineConfig) GetMinPresenceConfidence() float64 {
	if c.MinPresenceConfidence == nil {
		return 0.5
	}
	return *c.MinPresenceConfidence
}

// GetMinTrackingConfidence returns the min_tracking_confidence value or the default.
func (c *PipelineConfig) GetMinTrackingConfidence() float64 {
	if c.MinTrackingConfidence == nil {
		return 0.5
	}
	return *c.MinTrackingConfidence
}

// GetTargetFPS returns the target_fps value or the default.
func (c *PipelineConfig) GetTargetFPS() float64 {
	if c.TargetFPS == nil {
		return 15
	}
	return *c.TargetFPS
}

// GetExactFrameSync returns the exact_frame_sync value or the default.
func (c *PipelineConfig) GetExactFrameSync() bool {
	if c.ExactFrameSync == nil {
		return false
	}
	return *c.ExactFrameSync
}

// GetSmoothingEnabled returns the smoothing_enabled value or the default.
func (c *PipelineConfig) GetSmoothingEnabled() bool {
	if c.SmoothingEnabled == nil {
		return true
	}
	return *c.SmoothingEnabled
}

// GetSeekTimeout parses and returns the seek_timeout as a time.Duration.
func (c *PipelineConfig) GetSeekTimeout() time.Duration {
	return durationOr(c.SeekTimeout, 2*time.Second)
}

// GetFrameWaitTimeout parses and returns the frame_wait_timeout as a time.Duration.
func (c *PipelineConfig) GetFrameWaitTimeout() time.Duration {
	return durationOr(c.FrameWaitTimeout, 3*time.Second)
}

// GetPreprocessPlaybackRate returns the preprocess_playback_rate value or the default.
func (c *PipelineConfig) GetPreprocessPlaybackRate() float64 {
	if c.PreprocessPlaybackRate == nil {
		return 1
	}
	return *c.PreprocessPlaybackRate
}

// GetModelDir returns the model_dir value or the default.
func (c *PipelineConfig) GetModelDir() string {
	if c.ModelDir == nil {
		return "models"
	}
	return *c.ModelDir
}

// GetSidecarURL returns the sidecar_url value or the default.
func (c *PipelineConfig) GetSidecarURL() string {
	if c.SidecarURL == nil {
		return "http://127.0.0.1:8765"
	}
	return *c.SidecarURL
}

// GetSidecarTimeout parses and returns the sidecar_timeout as a time.Duration.
func (c *PipelineConfig) GetSidecarTimeout() time.Duration {
	return durationOr(c.SidecarTimeout, 10*time.Second)
}

// RuntimeConfig assembles the per-call inference configuration.
func (c *PipelineConfig) RuntimeConfig() pose.RuntimeConfig {
	return pose.RuntimeConfig{
		ModelVariant:           c.GetModelVariant(),
		NumPoses:               c.GetNumPoses(),
		AllowMultiPerson:       c.GetAllowMultiPerson(),
		MinDetectionConfidence: c.GetMinDetectionConfidence(),
		MinPresenceConfidence:  c.GetMinPresenceConfidence(),
		MinTrackingConfidence:  c.GetMinTrackingConfidence(),
	}
}

// SmoothingParams assembles the landmark filter parameters.
func (c *PipelineConfig) SmoothingParams() smoothing.Params {
	p := smoothing.DefaultParams()
	if c.SmoothingMinCutoff != nil {
		p.MinCutoff = *c.SmoothingMinCutoff
	}
	if c.SmoothingBeta != nil {
		p.Beta = *c.SmoothingBeta
	}
	if c.SmoothingDerivativeCutoff != nil {
		p.DerivativeCutoff = *c.SmoothingDerivativeCutoff
	}
	return p
}
