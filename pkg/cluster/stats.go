package cluster

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"biometricvqa/internal/models"
)

// LabelStats summarises one label of a mask, optionally against the
// intensities of the paired image.
type LabelStats struct {
	Label     int     `json:"label"`
	Name      string  `json:"name"`
	Voxels    int     `json:"voxels"`
	VolumeMM3 float64 `json:"volume_mm3"`
	Mean      float64 `json:"mean_intensity,omitempty"`
	StdDev    float64 `json:"std_intensity,omitempty"`
}

// ComputeLabelStats counts the voxels of every label in labels. When image
// has the same grid as mask the intensity mean and standard deviation inside
// each label are reported too.
func ComputeLabelStats(mask, image *models.Volume, labels []int) []LabelStats {
	want := make(map[int]int, len(labels))
	for i, l := range labels {
		want[l] = i
	}

	withImage := image != nil && image.Dims() == mask.Dims()
	values := make([][]float64, len(labels))
	out := make([]LabelStats, len(labels))
	for i, l := range labels {
		out[i].Label = l
	}

	for idx := 0; idx < mask.Len(); idx++ {
		i, ok := want[int(math.Round(mask.Value(idx)))]
		if !ok {
			continue
		}
		out[i].Voxels++
		if withImage {
			values[i] = append(values[i], image.Value(idx))
		}
	}

	voxelVolume := mask.VoxelVolume()
	for i := range out {
		out[i].VolumeMM3 = float64(out[i].Voxels) * voxelVolume
		if len(values[i]) > 1 {
			out[i].Mean, out[i].StdDev = stat.MeanStdDev(values[i], nil)
		} else if len(values[i]) == 1 {
			out[i].Mean = values[i][0]
		}
	}
	return out
}
