// Package visualization renders annotated 2-D sections of a volume for the
// benchmark figures.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"biometricvqa/internal/models"
	"biometricvqa/pkg/geometry"
)

// maxWindowSamples bounds the number of voxels sorted to find the window.
const maxWindowSamples = 1 << 18

// Viewer extracts display-ready sections from a volume
type Viewer struct {
	// vol holds the volume data and spacing
	vol *models.Volume

	// lo and hi are the intensities mapped to black and white
	lo float64
	hi float64
}

// NewViewer creates a viewer whose display window spans the 1st to 99th
// percentile of the volume intensities.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	v.lo, v.hi = window(vol)
	return v
}

// Window returns the intensity range mapped to the grey scale.
func (v *Viewer) Window() (lo, hi float64) {
	return v.lo, v.hi
}

func window(vol *models.Volume) (float64, float64) {
	n := vol.Len()
	if n == 0 {
		return 0, 1
	}
	stride := 1
	if n > maxWindowSamples {
		stride = n / maxWindowSamples
	}
	samples := make([]float64, 0, n/stride+1)
	for idx := 0; idx < n; idx += stride {
		samples = append(samples, vol.Value(idx))
	}
	sort.Float64s(samples)

	lo := stat.Quantile(0.01, stat.Empirical, samples, nil)
	hi := stat.Quantile(0.99, stat.Empirical, samples, nil)
	if hi <= lo {
		lo, hi = samples[0], samples[len(samples)-1]
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// ExtractSlice returns the section at position along plane (0 sagittal,
// 1 coronal, 2 axial). Pixel (i, j) is voxel (u=i, v=j) of the two in-plane
// axes, so the first row holds the lowest v index.
func (v *Viewer) ExtractSlice(plane, position int) (*image.Gray, error) {
	if plane < 0 || plane > 2 {
		return nil, fmt.Errorf("invalid plane %d (must be 0, 1 or 2)", plane)
	}
	dims := v.vol.Dims()
	if position < 0 || position >= dims[plane] {
		return nil, fmt.Errorf("position %d outside [0,%d)", position, dims[plane])
	}

	ua, va := geometry.InPlaneAxes(plane)
	img := image.NewGray(image.Rect(0, 0, dims[ua], dims[va]))
	scale := 255 / (v.hi - v.lo)

	var p [3]int
	p[plane] = position
	for j := 0; j < dims[va]; j++ {
		for i := 0; i < dims[ua]; i++ {
			p[ua], p[va] = i, j
			value := (v.vol.Value(v.vol.Index(p[0], p[1], p[2])) - v.lo) * scale
			img.SetGray(i, j, color.Gray{Y: uint8(math.Max(0, math.Min(255, math.Round(value))))})
		}
	}
	return img, nil
}
