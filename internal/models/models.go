package models

import (
	"github.com/golang/geo/r3"
)

// Volume represents a 3D scalar volume (image or segmentation mask) read from
// disk together with the spatial metadata needed to rewrite it losslessly.
type Volume struct {
	// Data holds the stored (unscaled) voxel values as a 1D array in
	// x-fastest order: idx = z*Width*Height + y*Width + x
	Data []float64

	// Width is the size of the first voxel axis
	Width int

	// Height is the size of the second voxel axis
	Height int

	// Depth is the size of the third voxel axis
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices (i, j, k, 1) to world millimetres (RAS+)
	Affine [4][4]float64

	// Datatype is the on-disk NIfTI datatype code
	Datatype int16

	// Slope and Intercept are the linear scaling applied to stored values
	Slope     float64
	Intercept float64
}

// Dims returns the volume dimensions as an array.
func (v *Volume) Dims() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Spacing returns the voxel size per axis in mm.
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates to the linear data index.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coords converts a linear data index back to voxel coordinates.
func (v *Volume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	y = rem / v.Width
	x = rem % v.Width
	return x, y, z
}

// Value returns the scaled value stored at a linear index.
func (v *Volume) Value(idx int) float64 {
	slope := v.Slope
	if slope == 0 {
		slope = 1
	}
	return v.Data[idx]*slope + v.Intercept
}

// Contains reports whether the point lies inside the voxel grid.
func (v *Volume) Contains(p r3.Vector) bool {
	return p.X >= 0 && p.Y >= 0 && p.Z >= 0 &&
		p.X <= float64(v.Width-1) && p.Y <= float64(v.Height-1) && p.Z <= float64(v.Depth-1)
}

// VoxelVolume returns the physical volume of a single voxel in mm³.
func (v *Volume) VoxelVolume() float64 {
	return v.VoxelSize.X * v.VoxelSize.Y * v.VoxelSize.Z
}

// Split is the benchmark partition a case belongs to
type Split string

const (
	Train Split = "train"
	Test  Split = "test"
)

// Case is one subject/scan resolved for a single task
type Case struct {
	ID           string
	ImagePath    string
	MaskPath     string
	LandmarkPath string
	Split        Split
}

// Provenance records where a landmark came from
type Provenance string

const (
	FromFile    Provenance = "file"
	FromCluster Provenance = "derived"
)

// Landmark is a named point in voxel index space
type Landmark struct {
	Key        string
	Position   r3.Vector
	Provenance Provenance
}

// BoundingBox is an inclusive axis-aligned box in voxel index space
type BoundingBox struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}
