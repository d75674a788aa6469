package plan

import "fmt"

// Variant selects which pipeline stages a task runs
type Variant string

const (
	Detection       Variant = "detection"
	Segmentation    Variant = "segmentation"
	Biometry        Variant = "biometry"
	BiometryFromSeg Variant = "biometry_from_seg"
)

// Capabilities is the set of stages enabled for a task. Every stage is a
// no-op when its flag is unset.
type Capabilities struct {
	NeedsMask         bool
	NeedsLandmarkFile bool
	NormalizeMask     bool
	ExtractClusters   bool
	DeriveLandmarks   bool
	ComputeBiometrics bool
	ComputeBBox       bool
	LabelStats        bool
}

// Capabilities returns the stage set of the variant.
func (v Variant) Capabilities() Capabilities {
	switch v {
	case Detection:
		return Capabilities{NeedsMask: true, NormalizeMask: true, ComputeBBox: true}
	case Segmentation:
		return Capabilities{NeedsMask: true, NormalizeMask: true, LabelStats: true}
	case Biometry:
		return Capabilities{NeedsLandmarkFile: true, ComputeBiometrics: true}
	case BiometryFromSeg:
		return Capabilities{
			NeedsMask:         true,
			NormalizeMask:     true,
			ExtractClusters:   true,
			DeriveLandmarks:   true,
			ComputeBiometrics: true,
			ComputeBBox:       true,
		}
	}
	return Capabilities{}
}

// resolveVariant returns the declared variant or infers it from the layout.
func resolveVariant(raw *TaskSpec) (Variant, error) {
	if raw.Variant != "" {
		v := Variant(raw.Variant)
		switch v {
		case Detection, Segmentation, Biometry, BiometryFromSeg:
			return v, nil
		}
		return "", fmt.Errorf("unknown variant %q", raw.Variant)
	}

	switch {
	case raw.TargetLabel != nil:
		return BiometryFromSeg, nil
	case raw.LandmarkFolder != "" && raw.MaskFolder == "":
		return Biometry, nil
	case raw.MaskFolder != "":
		return Segmentation, nil
	}
	return "", fmt.Errorf("cannot infer variant: declare variant, mask_folder or landmark_folder")
}
