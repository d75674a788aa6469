// Package masknorm canonicalizes image and mask volumes: reorientation to
// RAS+ and re-encoding of label masks as uint16 with identity scaling. Both
// steps are idempotent and check the current state before acting.
package masknorm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"biometricvqa/internal/models"
	"biometricvqa/pkg/nifti"
)

// Codec reads and writes volumes
type Codec interface {
	Read(path string) (*models.Volume, error)
	Write(path string, vol *models.Volume) error
}

// axisCodes indexed by world axis, negative then positive direction
var axisCodes = [3][2]byte{{'L', 'R'}, {'P', 'A'}, {'I', 'S'}}

// axisMap maps a voxel axis to a world axis and direction
type axisMap struct {
	world int
	sign  int
}

// orientation assigns each voxel axis the world axis it is closest to. The
// largest remaining direction cosine is taken first so oblique affines still
// yield a permutation.
func orientation(affine [4][4]float64) [3]axisMap {
	var rs [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rs[i][j] = affine[i][j]
		}
	}

	var out [3]axisMap
	var usedRow, usedCol [3]bool
	for n := 0; n < 3; n++ {
		bi, bj, best := -1, -1, -1.0
		for i := 0; i < 3; i++ {
			if usedRow[i] {
				continue
			}
			for j := 0; j < 3; j++ {
				if usedCol[j] {
					continue
				}
				if v := math.Abs(rs[i][j]); v > best {
					bi, bj, best = i, j, v
				}
			}
		}
		usedRow[bi], usedCol[bj] = true, true
		sign := 1
		if rs[bi][bj] < 0 {
			sign = -1
		}
		out[bj] = axisMap{world: bi, sign: sign}
	}
	return out
}

// Orientation returns the axis codes of a volume, e.g. "RAS" or "LPS".
func Orientation(vol *models.Volume) string {
	ornt := orientation(vol.Affine)
	codes := make([]byte, 3)
	for j, m := range ornt {
		if m.sign > 0 {
			codes[j] = axisCodes[m.world][1]
		} else {
			codes[j] = axisCodes[m.world][0]
		}
	}
	return string(codes)
}

// IsCanonical reports whether the volume is already RAS+.
func IsCanonical(vol *models.Volume) bool {
	return Orientation(vol) == "RAS"
}

// Reorient rewrites vol in place to RAS+ voxel order, remapping voxel data
// and affine together so each physical location keeps its value. It returns
// false without touching vol when it is already canonical.
func Reorient(vol *models.Volume) bool {
	if IsCanonical(vol) {
		return false
	}
	ornt := orientation(vol.Affine)
	oldDims := vol.Dims()
	oldSpacing := vol.Spacing()

	var newDims [3]int
	var newSpacing [3]float64
	for j, m := range ornt {
		newDims[m.world] = oldDims[j]
		newSpacing[m.world] = oldSpacing[j]
	}

	// T maps new voxel indices to old ones: old = T * new
	t := mat.NewDense(4, 4, nil)
	t.Set(3, 3, 1)
	for j, m := range ornt {
		t.Set(j, m.world, float64(m.sign))
		if m.sign < 0 {
			t.Set(j, 3, float64(oldDims[j]-1))
		}
	}
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.Set(i, j, vol.Affine[i][j])
		}
	}
	var na mat.Dense
	na.Mul(a, t)

	data := make([]float64, len(vol.Data))
	var n, o [3]int
	for n[2] = 0; n[2] < newDims[2]; n[2]++ {
		for n[1] = 0; n[1] < newDims[1]; n[1]++ {
			for n[0] = 0; n[0] < newDims[0]; n[0]++ {
				for j, m := range ornt {
					if m.sign > 0 {
						o[j] = n[m.world]
					} else {
						o[j] = oldDims[j] - 1 - n[m.world]
					}
				}
				dst := n[2]*newDims[0]*newDims[1] + n[1]*newDims[0] + n[0]
				data[dst] = vol.Data[vol.Index(o[0], o[1], o[2])]
			}
		}
	}

	vol.Data = data
	vol.Width, vol.Height, vol.Depth = newDims[0], newDims[1], newDims[2]
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = newSpacing[0], newSpacing[1], newSpacing[2]
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			vol.Affine[i][j] = na.At(i, j)
		}
	}
	return true
}

// IsUint16Labels reports whether a mask already stores labels verbatim.
func IsUint16Labels(vol *models.Volume) bool {
	return vol.Datatype == nifti.DTUint16 && (vol.Slope == 0 || vol.Slope == 1) && vol.Intercept == 0
}

// ToUint16 re-encodes mask labels as uint16 with slope 1 and intercept 0.
// Scaled values are rounded to the nearest integer and clamped to the
// uint16 range. It returns false when the mask is already in that form.
func ToUint16(vol *models.Volume) bool {
	if IsUint16Labels(vol) {
		return false
	}
	for i := range vol.Data {
		v := math.Round(vol.Value(i))
		switch {
		case math.IsNaN(v) || v < 0:
			v = 0
		case v > math.MaxUint16:
			v = math.MaxUint16
		}
		vol.Data[i] = v
	}
	vol.Datatype = nifti.DTUint16
	vol.Slope = 1
	vol.Intercept = 0
	return true
}

// Normalizer applies the enabled normalizations to files in place.
type Normalizer struct {
	Codec         Codec
	ForceUint16   bool
	ReorientToRAS bool
}

// Result reports which steps modified a file
type Result struct {
	Reoriented bool
	Reencoded  bool
}

// Changed reports whether the file was rewritten.
func (r Result) Changed() bool {
	return r.Reoriented || r.Reencoded
}

// NormalizeMask reorients and re-encodes a mask file as configured.
func (n *Normalizer) NormalizeMask(path string) (Result, error) {
	return n.normalize(path, true)
}

// NormalizeImage reorients an image file as configured. Image intensities are
// never re-encoded.
func (n *Normalizer) NormalizeImage(path string) (Result, error) {
	return n.normalize(path, false)
}

func (n *Normalizer) normalize(path string, isMask bool) (Result, error) {
	var res Result
	if !n.ReorientToRAS && !(isMask && n.ForceUint16) {
		return res, nil
	}

	vol, err := n.Codec.Read(path)
	if err != nil {
		return res, err
	}
	if n.ReorientToRAS {
		res.Reoriented = Reorient(vol)
	}
	if isMask && n.ForceUint16 {
		res.Reencoded = ToUint16(vol)
	}
	if !res.Changed() {
		return res, nil
	}
	if err := n.Codec.Write(path, vol); err != nil {
		return res, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	return res, nil
}
