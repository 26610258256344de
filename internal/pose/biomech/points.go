package biomech

import (
	"math"

	"github.com/banshee-data/pose.report/internal/pose"
)

// MinVisibility is the confidence a landmark needs to take part in any
// derivation.
const MinVisibility = 0.1

// Point is a landmark in pixel space.
type Point struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

// Points is one pose in pixel space, canonical index order.
type Points [pose.NumLandmarks]Point

// ToPixels projects normalized landmarks into a width x height frame.
func ToPixels(p pose.Pose, width, height float64) Points {
	var out Points
	for i, lm := range p {
		out[i] = Point{X: lm.X * width, Y: lm.Y * height, Visibility: lm.Visibility}
	}
	return out
}

func (p Point) visible() bool { return p.Visibility >= MinVisibility }

// midpoint carries the weaker visibility of its two inputs, so a midpoint
// is only as trustworthy as its worst endpoint.
func midpoint(a, b Point) Point {
	return Point{
		X:          (a.X + b.X) / 2,
		Y:          (a.Y + b.Y) / 2,
		Visibility: math.Min(a.Visibility, b.Visibility),
	}
}

func shoulderMid(pts *Points) Point {
	return midpoint(pts[pose.LeftShoulder], pts[pose.RightShoulder])
}

func hipMid(pts *Points) Point {
	return midpoint(pts[pose.LeftHip], pts[pose.RightHip])
}
