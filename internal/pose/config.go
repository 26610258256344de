package pose

import (
	"fmt"
	"hash/fnv"
	"math"
)

// RuntimeConfig selects a model and its detection thresholds. It is passed
// by value on every detect call; changing ModelVariant forces a backend
// re-initialisation, other fields are applied in place.
type RuntimeConfig struct {
	ModelVariant           string  `json:"model_variant"`
	NumPoses               int     `json:"num_poses"`
	AllowMultiPerson       bool    `json:"allow_multi_person"`
	MinDetectionConfidence float64 `json:"min_detection_confidence"`
	MinPresenceConfidence  float64 `json:"min_presence_confidence"`
	MinTrackingConfidence  float64 `json:"min_tracking_confidence"`
}

// DefaultRuntimeConfig returns the single-person full-model configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ModelVariant:           "full",
		NumPoses:               1,
		MinDetectionConfidence: 0.5,
		MinPresenceConfidence:  0.5,
		MinTrackingConfidence:  0.5,
	}
}

// EffectiveNumPoses is the pose count requested from the backend.
func (c RuntimeConfig) EffectiveNumPoses() int {
	if !c.AllowMultiPerson || c.NumPoses < 1 {
		return 1
	}
	return c.NumPoses
}

// Validate checks thresholds and the model variant name.
func (c RuntimeConfig) Validate() error {
	if _, err := LookupVariant(c.ModelVariant); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"min_detection_confidence": c.MinDetectionConfidence,
		"min_presence_confidence":  c.MinPresenceConfidence,
		"min_tracking_confidence":  c.MinTrackingConfidence,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}
	if c.NumPoses < 0 {
		return fmt.Errorf("num_poses must be non-negative, got %d", c.NumPoses)
	}
	return nil
}

// OptionsHash fingerprints the numeric options that can be updated on a
// live session without reloading the model.
func (c RuntimeConfig) OptionsHash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%.6f|%.6f|%.6f",
		c.EffectiveNumPoses(),
		c.MinDetectionConfidence,
		c.MinPresenceConfidence,
		c.MinTrackingConfidence,
	)
	return h.Sum64()
}
