package pose

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

// Family groups model variants by how they behave across frames.
type Family string

const (
	// FamilyTracking models keep optical-flow state between calls and need
	// strictly increasing timestamps.
	FamilyTracking Family = "tracking"
	// FamilyBox models detect every frame independently.
	FamilyBox Family = "box"
)

// ErrUnknownVariant is returned for model names missing from the registry.
var ErrUnknownVariant = errors.New("unknown model variant")

// Variant describes one model build.
type Variant struct {
	Name      string
	Family    Family
	AssetPath string // relative to the model directory
	// Keypoints is the native keypoint count; 17-point output is mapped
	// into the canonical skeleton.
	Keypoints int
}

var variants = map[string]Variant{}

func register(v Variant) { variants[v.Name] = v }

func init() {
	for _, name := range []string{"lite", "full", "heavy"} {
		register(Variant{
			Name:      name,
			Family:    FamilyTracking,
			AssetPath: path.Join("pose_landmarker", fmt.Sprintf("pose_landmarker_%s.task", name)),
			Keypoints: NumLandmarks,
		})
	}
	for _, size := range []string{"n", "s", "m", "l", "x"} {
		name := "yolo26" + size
		register(Variant{
			Name:      name,
			Family:    FamilyBox,
			AssetPath: path.Join("yolo26", name+"-pose.onnx"),
			Keypoints: 17,
		})
	}
}

// LookupVariant resolves a model variant by name.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// VariantNames lists registered variants in sorted order.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
