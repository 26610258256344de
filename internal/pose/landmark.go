package pose

// NumLandmarks is the size of the canonical skeleton. Backends producing
// fewer points map into a subset of these indices.
const NumLandmarks = 33

// Canonical landmark indices (BlazePose topology).
const (
	Nose = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex
)

// coco17ToCanonical maps COCO keypoint order (nose, eyes, ears, shoulders,
// elbows, wrists, hips, knees, ankles) onto canonical indices.
var coco17ToCanonical = [17]int{
	Nose,
	LeftEye, RightEye,
	LeftEar, RightEar,
	LeftShoulder, RightShoulder,
	LeftElbow, RightElbow,
	LeftWrist, RightWrist,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
}

// Landmark is one normalized keypoint. X, Y and Visibility live in [0,1];
// Z is the backend's relative depth and is not normalized.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// NewLandmark builds a Landmark, clamping X, Y and visibility into [0,1].
func NewLandmark(x, y, z, visibility float64) Landmark {
	return Landmark{
		X:          clamp01(x),
		Y:          clamp01(y),
		Z:          z,
		Visibility: clamp01(visibility),
	}
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Pose is the landmark set for one detected person.
type Pose [NumLandmarks]Landmark

// Frame is one detection result for one instant, one Pose per person.
type Frame []Pose

// FromCanonical builds a Pose from up to 33 landmarks in canonical order.
// Extra landmarks are ignored; missing ones stay zeroed with visibility 0.
func FromCanonical(points []Landmark) Pose {
	var p Pose
	for i := 0; i < len(points) && i < NumLandmarks; i++ {
		pt := points[i]
		p[i] = NewLandmark(pt.X, pt.Y, pt.Z, pt.Visibility)
	}
	return p
}

// FromCOCO17 maps 17 COCO-ordered keypoints into the canonical skeleton.
func FromCOCO17(points []Landmark) Pose {
	var p Pose
	for i := 0; i < len(points) && i < len(coco17ToCanonical); i++ {
		pt := points[i]
		p[coco17ToCanonical[i]] = NewLandmark(pt.X, pt.Y, pt.Z, pt.Visibility)
	}
	return p
}

// Clone returns a deep copy of the frame. Pose is an array, so copying the
// slice elements copies every landmark.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}
