// Package geometry derives the four axis landmarks of a cluster by fitting
// principal axes on its largest cross-section.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/cluster"
	"biometricvqa/pkg/plan"
)

// PlaneNames maps a slicing axis to its anatomical plane.
var PlaneNames = [3]string{"sagittal", "coronal", "axial"}

// Axes is the result of fitting one cluster
type Axes struct {
	// Landmarks holds P1..P4 in voxel index space
	Landmarks [4]models.Landmark

	// Plane is the slicing axis and Slice the index of the fitted section
	Plane int
	Slice int

	// Lengths of the major and minor axis in mm
	MajorMM float64
	MinorMM float64
}

// Positions returns the landmarks keyed by name.
func (a *Axes) Positions() map[string]r3.Vector {
	out := make(map[string]r3.Vector, 4)
	for _, l := range a.Landmarks {
		out[l.Key] = l.Position
	}
	return out
}

type point struct {
	voxel r3.Vector
	u, v  float64 // in-plane physical coordinates
}

// InPlaneAxes returns the two voxel axes spanning the plane orthogonal to
// the given slicing axis.
func InPlaneAxes(plane int) (int, int) {
	switch plane {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	}
	return 0, 1
}

// FitAxes selects the section of c along plane with the most voxels and
// places P1/P2 on the extremes of its major principal axis and P3/P4 on the
// extremes of the minor one. Each axis direction is oriented so that its
// dominant component is positive, P1 and P3 being the positive ends.
// Equal projections keep the voxel with the lowest linear index. A
// section with fewer than two distinct voxels yields a
// *diag.DegenerateGeometryError.
//
// The fit uses that single largest section, not the projection of the whole
// cluster onto the plane, so every landmark is a voxel of the cluster lying
// in one slice that a figure can show.
func FitAxes(vol *models.Volume, c *cluster.Cluster, plane int) (*Axes, error) {
	if c == nil || c.Count == 0 {
		return nil, &diag.DegenerateGeometryError{}
	}
	dims := vol.Dims()
	spacing := vol.Spacing()
	ua, va := InPlaneAxes(plane)

	// Largest section, lowest slice on ties
	counts := make([]int, dims[plane])
	for _, idx := range c.Indices {
		counts[coord(vol, idx)[plane]]++
	}
	slice := 0
	for s, n := range counts {
		if n > counts[slice] {
			slice = s
		}
	}

	var pts []point
	for _, idx := range c.Indices {
		p := coord(vol, idx)
		if p[plane] != slice {
			continue
		}
		pts = append(pts, point{
			voxel: r3.Vector{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])},
			u:     float64(p[ua]) * spacing[ua],
			v:     float64(p[va]) * spacing[va],
		})
	}
	if len(pts) < 2 {
		return nil, &diag.DegenerateGeometryError{DistinctPoints: len(pts)}
	}

	data := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		data = append(data, p.u, p.v)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, mat.NewDense(len(pts), 2, data), nil)

	var es mat.EigenSym
	if !es.Factorize(&cov, true) {
		return nil, &diag.DegenerateGeometryError{DistinctPoints: len(pts)}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// Eigenvalues are ascending: column 1 is the major axis
	major := orient(vecs.At(0, 1), vecs.At(1, 1))
	minor := orient(vecs.At(0, 0), vecs.At(1, 0))

	p1, p2 := extremes(pts, major)
	p3, p4 := extremes(pts, minor)

	dist := func(a, b point) float64 {
		return math.Hypot(a.u-b.u, a.v-b.v)
	}
	majorLen, minorLen := dist(p1, p2), dist(p3, p4)
	if minorLen > majorLen {
		p1, p2, p3, p4 = p3, p4, p1, p2
		majorLen, minorLen = minorLen, majorLen
	}

	axes := &Axes{Plane: plane, Slice: slice, MajorMM: majorLen, MinorMM: minorLen}
	for i, p := range []point{p1, p2, p3, p4} {
		axes.Landmarks[i] = models.Landmark{
			Key:        plan.DerivedLandmarkKeys[i],
			Position:   p.voxel,
			Provenance: models.FromCluster,
		}
	}
	return axes, nil
}

func coord(vol *models.Volume, idx int) [3]int {
	x, y, z := vol.Coords(idx)
	return [3]int{x, y, z}
}

// orient flips the direction so that its largest component is positive.
func orient(a, b float64) [2]float64 {
	if math.Abs(a) >= math.Abs(b) {
		if a < 0 {
			return [2]float64{-a, -b}
		}
	} else if b < 0 {
		return [2]float64{-a, -b}
	}
	return [2]float64{a, b}
}

// extremes returns the points with the largest and smallest projection on dir.
func extremes(pts []point, dir [2]float64) (hi, lo point) {
	maxProj, minProj := math.Inf(-1), math.Inf(1)
	for _, p := range pts {
		proj := p.u*dir[0] + p.v*dir[1]
		if proj > maxProj {
			maxProj, hi = proj, p
		}
		if proj < minProj {
			minProj, lo = proj, p
		}
	}
	return hi, lo
}
