package biomech

import "github.com/banshee-data/pose.report/internal/pose"

// minMassFraction is the share of body mass that must be visible for a
// centre of gravity estimate.
const minMassFraction = 0.3

// Anthropometric segment mass fractions.
const (
	massHead     = 0.081
	massTrunk    = 0.432
	massUpperArm = 0.027
	massForearm  = 0.023
	massThigh    = 0.100
	massShank    = 0.059
)

type limb struct {
	from, to int
	mass     float64
}

var limbs = []limb{
	{pose.LeftShoulder, pose.LeftElbow, massUpperArm},
	{pose.RightShoulder, pose.RightElbow, massUpperArm},
	{pose.LeftElbow, pose.LeftWrist, massForearm},
	{pose.RightElbow, pose.RightWrist, massForearm},
	{pose.LeftHip, pose.LeftKnee, massThigh},
	{pose.RightHip, pose.RightKnee, massThigh},
	{pose.LeftKnee, pose.LeftAnkle, massShank},
	{pose.RightKnee, pose.RightAnkle, massShank},
}

// CenterOfGravity returns the segment-mass-weighted body centre. It returns
// false when either torso midpoint is hidden or less than 30% of body mass
// is visible.
func CenterOfGravity(pts Points) (Point, bool) {
	shoulders := shoulderMid(&pts)
	hips := hipMid(&pts)
	if !shoulders.visible() || !hips.visible() {
		return Point{}, false
	}

	var sumX, sumY, mass float64
	add := func(p Point, m float64) {
		sumX += p.X * m
		sumY += p.Y * m
		mass += m
	}

	if nose := pts[pose.Nose]; nose.visible() {
		add(nose, massHead)
	}
	add(midpoint(shoulders, hips), massTrunk)
	for _, l := range limbs {
		a, b := pts[l.from], pts[l.to]
		if a.visible() && b.visible() {
			add(midpoint(a, b), l.mass)
		}
	}

	if mass < minMassFraction {
		return Point{}, false
	}
	return Point{X: sumX / mass, Y: sumY / mass, Visibility: 1}, true
}
