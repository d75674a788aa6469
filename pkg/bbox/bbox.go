// Package bbox computes axis-aligned bounding boxes of mask structures and
// their scaled variants.
package bbox

import (
	"math"

	"biometricvqa/internal/models"
	"biometricvqa/pkg/cluster"
)

// Set is a box with its shrunk and enlarged variants
type Set struct {
	Original models.BoundingBox `json:"original"`
	Shrunk   models.BoundingBox `json:"shrunk"`
	Enlarged models.BoundingBox `json:"enlarged"`
}

// FromIndices returns the inclusive box of the given linear indices. It
// reports false for an empty index list.
func FromIndices(vol *models.Volume, indices []int) (models.BoundingBox, bool) {
	if len(indices) == 0 {
		return models.BoundingBox{}, false
	}
	b := models.BoundingBox{
		Min: [3]int{math.MaxInt, math.MaxInt, math.MaxInt},
		Max: [3]int{-1, -1, -1},
	}
	for _, idx := range indices {
		x, y, z := vol.Coords(idx)
		b = extend(b, [3]int{x, y, z})
	}
	return b, true
}

// ForLabel returns the box of every voxel carrying label.
func ForLabel(vol *models.Volume, label int) (models.BoundingBox, bool) {
	b := models.BoundingBox{
		Min: [3]int{math.MaxInt, math.MaxInt, math.MaxInt},
		Max: [3]int{-1, -1, -1},
	}
	found := false
	for idx := 0; idx < vol.Len(); idx++ {
		if !cluster.HasLabel(vol, idx, label) {
			continue
		}
		x, y, z := vol.Coords(idx)
		b = extend(b, [3]int{x, y, z})
		found = true
	}
	return b, found
}

func extend(b models.BoundingBox, p [3]int) models.BoundingBox {
	for a := 0; a < 3; a++ {
		if p[a] < b.Min[a] {
			b.Min[a] = p[a]
		}
		if p[a] > b.Max[a] {
			b.Max[a] = p[a]
		}
	}
	return b
}

// Scale resizes b about its centre by factor on every axis and clips the
// result to the grid [0, dims-1]. Shrinking rounds both faces inward and
// enlarging rounds them outward, so a factor of 1 returns b unchanged and a
// shrunk box never reaches past the original faces. A shrunk box keeps at
// least the centre voxel.
func Scale(b models.BoundingBox, factor float64, dims [3]int) models.BoundingBox {
	var out models.BoundingBox
	for a := 0; a < 3; a++ {
		c := float64(b.Min[a]+b.Max[a]) / 2
		lo := snap(c - (c-float64(b.Min[a]))*factor)
		hi := snap(c + (float64(b.Max[a])-c)*factor)

		var l, h int
		if factor < 1 {
			l, h = int(math.Ceil(lo)), int(math.Floor(hi))
			if l > h {
				l = int(math.Floor(c))
				h = l
			}
		} else {
			l, h = int(math.Floor(lo)), int(math.Ceil(hi))
		}
		out.Min[a] = clamp(l, 0, dims[a]-1)
		out.Max[a] = clamp(h, 0, dims[a]-1)
	}
	return out
}

// snap removes floating point noise around whole voxel positions.
func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-9 {
		return r
	}
	return v
}

// Compute returns the box with its shrunk and enlarged variants.
func Compute(b models.BoundingBox, shrunk, enlarged float64, dims [3]int) Set {
	return Set{
		Original: b,
		Shrunk:   Scale(b, shrunk, dims),
		Enlarged: Scale(b, enlarged, dims),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
