package biomech

import (
	"math"

	"github.com/banshee-data/pose.report/internal/pose"
)

// degenerateRay is the ray length (px) below which an angle is undefined.
const degenerateRay = 1e-6

// Joint names a measured joint.
type Joint string

const (
	LeftKnee   Joint = "left_knee"
	RightKnee  Joint = "right_knee"
	LeftHip    Joint = "left_hip"
	RightHip   Joint = "right_hip"
	LeftElbow  Joint = "left_elbow"
	RightElbow Joint = "right_elbow"
)

type jointDef struct {
	joint        Joint
	a, vertex, c int
}

var jointDefs = []jointDef{
	{LeftKnee, pose.LeftHip, pose.LeftKnee, pose.LeftAnkle},
	{RightKnee, pose.RightHip, pose.RightKnee, pose.RightAnkle},
	{LeftHip, pose.LeftShoulder, pose.LeftHip, pose.LeftKnee},
	{RightHip, pose.RightShoulder, pose.RightHip, pose.RightKnee},
	{LeftElbow, pose.LeftShoulder, pose.LeftElbow, pose.LeftWrist},
	{RightElbow, pose.RightShoulder, pose.RightElbow, pose.RightWrist},
}

// Arc describes the minor arc between the two rays of a joint, for
// renderers. Angles are radians in screen coordinates.
type Arc struct {
	StartAngle float64 `json:"start_angle"`
	SweepAngle float64 `json:"sweep_angle"`
}

// JointAngle is one measured joint.
type JointAngle struct {
	Joint   Joint   `json:"joint"`
	Degrees float64 `json:"degrees"`
	Vertex  Point   `json:"vertex"`
	Arc     Arc     `json:"arc"`
}

// JointAngles measures every joint whose three landmarks are visible.
func JointAngles(pts Points) []JointAngle {
	out := make([]JointAngle, 0, len(jointDefs))
	for _, d := range jointDefs {
		a, b, c := pts[d.a], pts[d.vertex], pts[d.c]
		if !a.visible() || !b.visible() || !c.visible() {
			continue
		}
		deg, arc := AngleAt(a, b, c)
		out = append(out, JointAngle{Joint: d.joint, Degrees: deg, Vertex: b, Arc: arc})
	}
	return out
}

// AngleAt returns the angle ABC in degrees and the arc from ray BA to BC.
// Degenerate rays give zero angle and zero sweep.
func AngleAt(a, b, c Point) (float64, Arc) {
	bax, bay := a.X-b.X, a.Y-b.Y
	bcx, bcy := c.X-b.X, c.Y-b.Y
	la := math.Hypot(bax, bay)
	lc := math.Hypot(bcx, bcy)
	if la < degenerateRay || lc < degenerateRay {
		return 0, Arc{}
	}

	cos := (bax*bcx + bay*bcy) / (la * lc)
	cos = math.Max(-1, math.Min(1, cos))
	deg := math.Acos(cos) * 180 / math.Pi

	start := math.Atan2(bay, bax)
	end := math.Atan2(bcy, bcx)
	return deg, Arc{StartAngle: start, SweepAngle: normalizeAngle(end - start)}
}

// normalizeAngle folds an angle into (-π, π].
func normalizeAngle(a float64) float64 {
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// BodyLean returns the trunk angle from vertical in degrees, positive when
// the shoulders sit right of the hips.
func BodyLean(pts Points) (float64, bool) {
	shoulders := shoulderMid(&pts)
	hips := hipMid(&pts)
	if !shoulders.visible() || !hips.visible() {
		return 0, false
	}
	dx := shoulders.X - hips.X
	dy := hips.Y - shoulders.Y
	if math.Hypot(dx, dy) < degenerateRay {
		return 0, false
	}
	return math.Atan2(dx, dy) * 180 / math.Pi, true
}
