// Package cluster extracts connected components of a label from a
// segmentation mask and selects the dominant one.
package cluster

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
)

// DefaultConnectivity is the neighbourhood used when none is configured.
const DefaultConnectivity = 26

// Cluster is one connected component of a label
type Cluster struct {
	Label int

	// Indices are the linear voxel indices in ascending order
	Indices []int

	Count     int
	VolumeMM3 float64

	// Centroid is the mean voxel coordinate in index space
	Centroid r3.Vector
}

// Result describes the components of one label in a mask
type Result struct {
	Label     int
	Threshold int

	// Components counts every component before thresholding
	Components int

	// Kept holds the components meeting the threshold, dominant first
	Kept []*Cluster
}

// Dominant returns the selected cluster, or nil when none survived.
func (r *Result) Dominant() *Cluster {
	if len(r.Kept) == 0 {
		return nil
	}
	return r.Kept[0]
}

// Extractor labels connected components
type Extractor struct {
	offsets [][3]int
}

// NewExtractor returns an extractor for 6, 18 or 26 connectivity.
func NewExtractor(connectivity int) (*Extractor, error) {
	var maxManhattan int
	switch connectivity {
	case 6:
		maxManhattan = 1
	case 18:
		maxManhattan = 2
	case 26:
		maxManhattan = 3
	default:
		return nil, fmt.Errorf("unsupported connectivity %d (want 6, 18 or 26)", connectivity)
	}

	e := &Extractor{}
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dx) + abs(dy) + abs(dz)
				if n == 0 || n > maxManhattan {
					continue
				}
				e.offsets = append(e.offsets, [3]int{dx, dy, dz})
			}
		}
	}
	return e, nil
}

// Connectivity returns the neighbourhood size.
func (e *Extractor) Connectivity() int {
	return len(e.offsets)
}

// HasLabel reports whether the voxel value encodes label.
func HasLabel(vol *models.Volume, idx, label int) bool {
	return int(math.Round(vol.Value(idx))) == label
}

// Extract finds every component of label, drops those smaller than
// threshold voxels and orders the rest so the dominant cluster comes first:
// largest count, ties broken by the lexicographically smallest centroid.
// When nothing survives the result is returned together with an
// *diag.EmptyClusterError.
func (e *Extractor) Extract(vol *models.Volume, label, threshold int) (*Result, error) {
	res := &Result{Label: label, Threshold: threshold}

	n := vol.Len()
	visited := make([]bool, n)
	queue := make([]int, 0, 1024)
	voxelVolume := vol.VoxelVolume()

	for start := 0; start < n; start++ {
		if visited[start] || !HasLabel(vol, start, label) {
			continue
		}

		// Breadth-first flood fill from the first unvisited voxel
		visited[start] = true
		queue = append(queue[:0], start)
		var indices []int
		var sx, sy, sz float64
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			indices = append(indices, idx)

			x, y, z := vol.Coords(idx)
			sx += float64(x)
			sy += float64(y)
			sz += float64(z)

			for _, o := range e.offsets {
				nx, ny, nz := x+o[0], y+o[1], z+o[2]
				if nx < 0 || ny < 0 || nz < 0 || nx >= vol.Width || ny >= vol.Height || nz >= vol.Depth {
					continue
				}
				ni := vol.Index(nx, ny, nz)
				if visited[ni] || !HasLabel(vol, ni, label) {
					continue
				}
				visited[ni] = true
				queue = append(queue, ni)
			}
		}

		res.Components++
		if len(indices) < threshold {
			continue
		}
		sort.Ints(indices)
		count := float64(len(indices))
		res.Kept = append(res.Kept, &Cluster{
			Label:     label,
			Indices:   indices,
			Count:     len(indices),
			VolumeMM3: count * voxelVolume,
			Centroid:  r3.Vector{X: sx / count, Y: sy / count, Z: sz / count},
		})
	}

	sort.SliceStable(res.Kept, func(i, j int) bool {
		a, b := res.Kept[i], res.Kept[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return lessVector(a.Centroid, b.Centroid)
	})

	if len(res.Kept) == 0 {
		return res, &diag.EmptyClusterError{Label: label, Threshold: threshold, Components: res.Components}
	}
	return res, nil
}

func lessVector(a, b r3.Vector) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
