package cluster

import (
	"errors"
	"math"
	"testing"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
)

func newMask(w, h, d int) *models.Volume {
	v := &models.Volume{Data: make([]float64, w*h*d), Width: w, Height: h, Depth: d, Slope: 1}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 2
	return v
}

func fillBox(v *models.Volume, x0, y0, z0, x1, y1, z1 int, label float64) {
	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				v.Data[v.Index(x, y, z)] = label
			}
		}
	}
}

func TestConnectivity(t *testing.T) {
	for conn, want := range map[int]int{6: 6, 18: 18, 26: 26} {
		e, err := NewExtractor(conn)
		if err != nil {
			t.Fatal(err)
		}
		if e.Connectivity() != want {
			t.Errorf("Connectivity %d has %d offsets", conn, e.Connectivity())
		}
	}
	if _, err := NewExtractor(8); err == nil {
		t.Errorf("Expected error for connectivity 8")
	}
}

func TestDiagonalNeighbours(t *testing.T) {
	v := newMask(4, 4, 4)
	v.Data[v.Index(0, 0, 0)] = 1
	v.Data[v.Index(1, 1, 0)] = 1 // edge neighbour
	v.Data[v.Index(2, 2, 1)] = 1 // corner neighbour of (1,1,0)

	cases := []struct {
		conn       int
		components int
	}{
		{6, 3},
		{18, 2},
		{26, 1},
	}
	for _, c := range cases {
		e, _ := NewExtractor(c.conn)
		res, err := e.Extract(v, 1, 0)
		if err != nil {
			t.Fatalf("conn %d: %v", c.conn, err)
		}
		if res.Components != c.components {
			t.Errorf("conn %d: expected %d components, got %d", c.conn, c.components, res.Components)
		}
	}
}

func TestDominantCluster(t *testing.T) {
	v := newMask(10, 10, 10)
	fillBox(v, 0, 0, 0, 1, 1, 1, 2) // 8 voxels
	fillBox(v, 5, 5, 5, 7, 7, 7, 2) // 27 voxels
	fillBox(v, 9, 0, 0, 9, 0, 0, 2) // 1 voxel
	fillBox(v, 3, 3, 3, 3, 3, 3, 1) // other label

	e, _ := NewExtractor(26)
	res, err := e.Extract(v, 2, 5)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.Components != 3 || len(res.Kept) != 2 {
		t.Fatalf("Expected 3 components with 2 kept, got %d/%d", res.Components, len(res.Kept))
	}

	d := res.Dominant()
	if d.Count != 27 {
		t.Errorf("Dominant cluster has %d voxels, want 27", d.Count)
	}
	if d.VolumeMM3 != 54 {
		t.Errorf("Expected 54 mm³, got %f", d.VolumeMM3)
	}
	if d.Centroid.X != 6 || d.Centroid.Y != 6 || d.Centroid.Z != 6 {
		t.Errorf("Unexpected centroid %v", d.Centroid)
	}
	for i := 1; i < len(d.Indices); i++ {
		if d.Indices[i] <= d.Indices[i-1] {
			t.Fatalf("Indices not sorted")
		}
	}
}

func TestTieBreakByCentroid(t *testing.T) {
	v := newMask(10, 4, 4)
	fillBox(v, 7, 0, 0, 8, 1, 1, 1)
	fillBox(v, 1, 0, 0, 2, 1, 1, 1)

	e, _ := NewExtractor(6)
	res, err := e.Extract(v, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Dominant().Centroid.X; got != 1.5 {
		t.Errorf("Expected the cluster nearest the origin, got centroid x=%f", got)
	}
}

func TestAllBelowThreshold(t *testing.T) {
	v := newMask(6, 6, 6)
	fillBox(v, 0, 0, 0, 1, 0, 0, 1)
	fillBox(v, 4, 4, 4, 4, 4, 4, 1)

	e, _ := NewExtractor(26)
	res, err := e.Extract(v, 1, 10)

	var empty *diag.EmptyClusterError
	if !errors.As(err, &empty) {
		t.Fatalf("Expected EmptyClusterError, got %v", err)
	}
	if diag.IsFatal(err) {
		t.Errorf("Empty cluster must not be fatal")
	}
	if empty.Components != 2 || res.Dominant() != nil || len(res.Kept) != 0 {
		t.Errorf("Unexpected result %+v", res)
	}

	// label absent entirely
	res, err = e.Extract(newMask(3, 3, 3), 1, 0)
	if !errors.As(err, &empty) || res.Components != 0 {
		t.Errorf("Expected empty result for missing label, got %v", err)
	}
}

func TestScaledLabels(t *testing.T) {
	v := newMask(3, 1, 1)
	v.Slope, v.Intercept = 0.5, 0
	v.Data[0], v.Data[1] = 4, 4.02

	e, _ := NewExtractor(6)
	res, err := e.Extract(v, 2, 0)
	if err != nil || res.Dominant().Count != 2 {
		t.Errorf("Expected scaled values to match label 2, got %v", err)
	}
}

func TestComputeLabelStats(t *testing.T) {
	mask := newMask(4, 4, 1)
	img := newMask(4, 4, 1)
	fillBox(mask, 0, 0, 0, 1, 0, 0, 1)
	img.Data[mask.Index(0, 0, 0)] = 10
	img.Data[mask.Index(1, 0, 0)] = 20
	fillBox(mask, 3, 3, 0, 3, 3, 0, 2)
	img.Data[mask.Index(3, 3, 0)] = 7

	stats := ComputeLabelStats(mask, img, []int{1, 2, 3})
	if len(stats) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(stats))
	}
	if stats[0].Voxels != 2 || stats[0].VolumeMM3 != 4 || stats[0].Mean != 15 {
		t.Errorf("Unexpected label 1 stats %+v", stats[0])
	}
	if math.Abs(stats[0].StdDev-math.Sqrt(50)) > 1e-9 {
		t.Errorf("Expected std %f, got %f", math.Sqrt(50), stats[0].StdDev)
	}
	if stats[1].Voxels != 1 || stats[1].Mean != 7 {
		t.Errorf("Unexpected label 2 stats %+v", stats[1])
	}
	if stats[2].Voxels != 0 {
		t.Errorf("Label 3 should be empty")
	}

	noImage := ComputeLabelStats(mask, nil, []int{1})
	if noImage[0].Voxels != 2 || noImage[0].Mean != 0 {
		t.Errorf("Unexpected stats without image %+v", noImage[0])
	}
}
