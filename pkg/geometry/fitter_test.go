package geometry

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/cluster"
)

func newVolume(w, h, d int, sx, sy, sz float64) *models.Volume {
	v := &models.Volume{Data: make([]float64, w*h*d), Width: w, Height: h, Depth: d, Slope: 1}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = sx, sy, sz
	return v
}

// plus draws a cross with a horizontal arm x=0..10 and a vertical arm
// y=3..7 centred on (5,5) in slice z.
func plus(v *models.Volume, z int) {
	for x := 0; x <= 10; x++ {
		v.Data[v.Index(x, 5, z)] = 1
	}
	for y := 3; y <= 7; y++ {
		v.Data[v.Index(5, y, z)] = 1
	}
}

func dominant(t *testing.T, v *models.Volume) *cluster.Cluster {
	t.Helper()
	e, _ := cluster.NewExtractor(26)
	res, err := e.Extract(v, 1, 0)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return res.Dominant()
}

func checkPoint(t *testing.T, name string, got, want r3.Vector) {
	t.Helper()
	if got != want {
		t.Errorf("%s: expected %v, got %v", name, want, got)
	}
}

// TestFitAxesUsesLargestSection verifies that the axes follow the largest
// section even when the rest of the cluster, seen from above, is longer in
// another direction.
func TestFitAxesUsesLargestSection(t *testing.T) {
	v := newVolume(12, 16, 5, 1, 1, 1)
	for z := 0; z <= 1; z++ {
		for y := 0; y < 16; y++ {
			v.Data[v.Index(5, y, z)] = 1
		}
	}
	v.Data[v.Index(5, 6, 2)] = 1
	for y := 6; y <= 7; y++ {
		for x := 0; x <= 9; x++ {
			v.Data[v.Index(x, y, 3)] = 1
		}
	}

	axes, err := FitAxes(v, dominant(t, v), 2)
	if err != nil {
		t.Fatalf("FitAxes failed: %v", err)
	}
	if axes.Slice != 3 {
		t.Fatalf("Expected the largest section z=3, got %d", axes.Slice)
	}
	for i, l := range axes.Landmarks {
		if l.Position.Z != 3 {
			t.Errorf("Landmark %d at %v lies outside the fitted section", i, l.Position)
		}
	}
	if axes.Landmarks[0].Position.X != 9 || axes.Landmarks[1].Position.X != 0 {
		t.Errorf("Expected the major axis along x, got %v / %v", axes.Landmarks[0].Position, axes.Landmarks[1].Position)
	}
	if axes.MajorMM < 9-1e-9 || axes.MajorMM > math.Sqrt(82)+1e-9 {
		t.Errorf("Expected a major axis spanning the 10 voxel row, got %f mm", axes.MajorMM)
	}
}

func TestFitAxesPlus(t *testing.T) {
	v := newVolume(12, 10, 6, 1, 1, 1)
	plus(v, 3)
	v.Data[v.Index(5, 5, 4)] = 1
	v.Data[v.Index(6, 5, 4)] = 1

	axes, err := FitAxes(v, dominant(t, v), 2)
	if err != nil {
		t.Fatalf("FitAxes failed: %v", err)
	}
	if axes.Slice != 3 {
		t.Errorf("Expected the largest section z=3, got %d", axes.Slice)
	}

	checkPoint(t, "P1", axes.Landmarks[0].Position, r3.Vector{X: 10, Y: 5, Z: 3})
	checkPoint(t, "P2", axes.Landmarks[1].Position, r3.Vector{X: 0, Y: 5, Z: 3})
	checkPoint(t, "P3", axes.Landmarks[2].Position, r3.Vector{X: 5, Y: 7, Z: 3})
	checkPoint(t, "P4", axes.Landmarks[3].Position, r3.Vector{X: 5, Y: 3, Z: 3})

	if math.Abs(axes.MajorMM-10) > 1e-9 || math.Abs(axes.MinorMM-4) > 1e-9 {
		t.Errorf("Expected axes 10/4 mm, got %f/%f", axes.MajorMM, axes.MinorMM)
	}
	for i, l := range axes.Landmarks {
		if l.Provenance != models.FromCluster || l.Key == "" {
			t.Errorf("Landmark %d has unexpected metadata %+v", i, l)
		}
	}
	if p := axes.Positions(); len(p) != 4 || p["P1"] != axes.Landmarks[0].Position {
		t.Errorf("Positions does not match landmarks")
	}
}

func TestFitAxesUsesSpacing(t *testing.T) {
	// x spacing halves the horizontal arm, y spacing doubles the vertical one
	v := newVolume(12, 10, 6, 0.5, 2, 1)
	plus(v, 3)

	axes, err := FitAxes(v, dominant(t, v), 2)
	if err != nil {
		t.Fatalf("FitAxes failed: %v", err)
	}
	checkPoint(t, "P1", axes.Landmarks[0].Position, r3.Vector{X: 5, Y: 7, Z: 3})
	checkPoint(t, "P2", axes.Landmarks[1].Position, r3.Vector{X: 5, Y: 3, Z: 3})
	checkPoint(t, "P3", axes.Landmarks[2].Position, r3.Vector{X: 10, Y: 5, Z: 3})
	checkPoint(t, "P4", axes.Landmarks[3].Position, r3.Vector{X: 0, Y: 5, Z: 3})
	if math.Abs(axes.MajorMM-8) > 1e-9 || math.Abs(axes.MinorMM-5) > 1e-9 {
		t.Errorf("Expected axes 8/5 mm, got %f/%f", axes.MajorMM, axes.MinorMM)
	}
}

func TestFitAxesSagittal(t *testing.T) {
	v := newVolume(6, 12, 10, 1, 1, 1)
	for y := 0; y <= 10; y++ {
		v.Data[v.Index(2, y, 5)] = 1
	}
	for z := 3; z <= 7; z++ {
		v.Data[v.Index(2, 5, z)] = 1
	}

	axes, err := FitAxes(v, dominant(t, v), 0)
	if err != nil {
		t.Fatalf("FitAxes failed: %v", err)
	}
	if axes.Plane != 0 || axes.Slice != 2 {
		t.Errorf("Expected sagittal slice 2, got plane %d slice %d", axes.Plane, axes.Slice)
	}
	checkPoint(t, "P1", axes.Landmarks[0].Position, r3.Vector{X: 2, Y: 10, Z: 5})
	checkPoint(t, "P3", axes.Landmarks[2].Position, r3.Vector{X: 2, Y: 5, Z: 7})
}

func TestFitAxesMajorNotShorter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		v := newVolume(16, 16, 3, 1+rng.Float64(), 1+rng.Float64(), 1)
		cx, cy := 8.0, 8.0
		a, b := 2+rng.Float64()*5, 2+rng.Float64()*5
		theta := rng.Float64() * math.Pi
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				rx := dx*math.Cos(theta) + dy*math.Sin(theta)
				ry := -dx*math.Sin(theta) + dy*math.Cos(theta)
				if rx*rx/(a*a)+ry*ry/(b*b) <= 1 {
					v.Data[v.Index(x, y, 1)] = 1
				}
			}
		}

		axes, err := FitAxes(v, dominant(t, v), 2)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if axes.MajorMM < axes.MinorMM {
			t.Errorf("trial %d: major %f shorter than minor %f", trial, axes.MajorMM, axes.MinorMM)
		}
		for _, l := range axes.Landmarks {
			if !v.Contains(l.Position) || v.Data[v.Index(int(l.Position.X), int(l.Position.Y), int(l.Position.Z))] != 1 {
				t.Errorf("trial %d: landmark %s at %v is not a cluster voxel", trial, l.Key, l.Position)
			}
		}
	}
}

func TestFitAxesDegenerate(t *testing.T) {
	v := newVolume(4, 4, 4, 1, 1, 1)
	v.Data[v.Index(1, 1, 1)] = 1

	_, err := FitAxes(v, dominant(t, v), 2)
	var degenerate *diag.DegenerateGeometryError
	if !errors.As(err, &degenerate) {
		t.Fatalf("Expected DegenerateGeometryError, got %v", err)
	}
	if degenerate.DistinctPoints != 1 {
		t.Errorf("Expected 1 distinct point, got %d", degenerate.DistinctPoints)
	}

	// a column along z has one voxel in every axial section
	v.Data[v.Index(1, 1, 2)] = 1
	if _, err := FitAxes(v, dominant(t, v), 2); !errors.As(err, &degenerate) {
		t.Errorf("Expected degenerate axial section, got %v", err)
	}
	if _, err := FitAxes(v, dominant(t, v), 0); err != nil {
		t.Errorf("Sagittal section has two voxels, got %v", err)
	}
}
