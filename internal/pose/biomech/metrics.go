package biomech

import "github.com/banshee-data/pose.report/internal/pose"

// Metrics bundles every overlay derived from one pose. Optional signals are
// nil when their landmarks were not visible.
type Metrics struct {
	CenterOfGravity *Point       `json:"center_of_gravity,omitempty"`
	Joints          []JointAngle `json:"joints"`
	BodyLeanDeg     *float64     `json:"body_lean_deg,omitempty"`
	JumpHeightPx    *float64     `json:"jump_height_px,omitempty"`
}

// Analyze projects p into a width x height frame and derives all overlays.
// jump may be nil, in which case no jump height is computed.
func Analyze(p pose.Pose, width, height float64, jump *JumpTracker, timestampMs int64) Metrics {
	pts := ToPixels(p, width, height)
	m := Metrics{Joints: JointAngles(pts)}

	if cog, ok := CenterOfGravity(pts); ok {
		m.CenterOfGravity = &cog
		if jump != nil {
			if h, ok := jump.Push(timestampMs, cog.Y, height); ok {
				m.JumpHeightPx = &h
			}
		}
	}
	if lean, ok := BodyLean(pts); ok {
		m.BodyLeanDeg = &lean
	}
	return m
}
