// Package manifest defines the benchmark record and the JSON Lines writer
// that persists one record per (case, task).
package manifest

import (
	"biometricvqa/internal/models"
	"biometricvqa/pkg/bbox"
	"biometricvqa/pkg/biometrics"
	"biometricvqa/pkg/cluster"
	"biometricvqa/pkg/plan"
)

// Status summarises how much of a record could be computed
type Status string

const (
	StatusOK       Status = "ok"
	StatusPartial  Status = "partial"
	StatusExcluded Status = "excluded"
)

// Landmark is a landmark as exposed in the manifest
type Landmark struct {
	Key         string            `json:"key"`
	Description string            `json:"description,omitempty"`
	Position    [3]float64        `json:"position"`
	Provenance  models.Provenance `json:"provenance"`
}

// LabelBox is the bounding box set of one labelled structure
type LabelBox struct {
	Label string `json:"label"`
	ID    int    `json:"label_id"`
	bbox.Set
}

// ClusterInfo describes the selected cluster of a derived-landmark task
type ClusterInfo struct {
	Label      string     `json:"label"`
	Voxels     int        `json:"voxels"`
	VolumeMM3  float64    `json:"volume_mm3"`
	Centroid   [3]float64 `json:"centroid"`
	Components int        `json:"components"`
	Kept       int        `json:"kept"`
	Plane      string     `json:"fit_plane,omitempty"`
	Slice      int        `json:"fit_slice"`
}

// Record is one manifest line
type Record struct {
	plan.DatasetInfo

	CaseID      string       `json:"case_id"`
	Task        int          `json:"task"`
	Variant     plan.Variant `json:"variant"`
	Split       models.Split `json:"split"`
	Status      Status       `json:"status"`
	Modality    string       `json:"modality,omitempty"`
	Description string       `json:"description,omitempty"`

	ImagePath    string   `json:"image_path"`
	MaskPath     string   `json:"mask_path,omitempty"`
	LandmarkPath string   `json:"landmark_path,omitempty"`
	FigurePaths  []string `json:"figure_paths,omitempty"`

	Labels      []plan.Label `json:"labels,omitempty"`
	TargetLabel string       `json:"target_label,omitempty"`

	Landmarks  []Landmark               `json:"landmarks,omitempty"`
	Biometrics []biometrics.Measurement `json:"biometrics,omitempty"`
	BBoxes     []LabelBox               `json:"bboxes,omitempty"`
	Cluster    *ClusterInfo             `json:"cluster,omitempty"`
	LabelStats []cluster.LabelStats     `json:"label_stats,omitempty"`

	// Omitted lists the outputs that could not be computed, e.g. biometric
	// keys or "bbox"
	Omitted []string `json:"omitted,omitempty"`

	// Problems holds the messages of the case-scoped conditions hit
	Problems []string `json:"problems,omitempty"`
}

// NewRecord returns a record carrying the dataset, case and task metadata.
func NewRecord(info plan.DatasetInfo, task *plan.Task, c models.Case) *Record {
	r := &Record{
		DatasetInfo:  info,
		CaseID:       c.ID,
		Task:         task.Index,
		Variant:      task.Variant,
		Split:        c.Split,
		Status:       StatusOK,
		Modality:     task.Modality,
		Description:  task.Description,
		ImagePath:    c.ImagePath,
		MaskPath:     c.MaskPath,
		LandmarkPath: c.LandmarkPath,
		Labels:       task.Labels,
	}
	if task.TargetLabel != nil {
		r.TargetLabel = task.TargetLabel.Name
	}
	return r
}

// SetLandmarks converts resolved landmarks, attaching their descriptions.
func (r *Record) SetLandmarks(task *plan.Task, lms []models.Landmark) {
	desc := make(map[string]string, len(task.Landmarks))
	for _, d := range task.Landmarks {
		desc[d.Key] = d.Description
	}
	r.Landmarks = r.Landmarks[:0]
	for _, l := range lms {
		r.Landmarks = append(r.Landmarks, Landmark{
			Key:         l.Key,
			Description: desc[l.Key],
			Position:    [3]float64{l.Position.X, l.Position.Y, l.Position.Z},
			Provenance:  l.Provenance,
		})
	}
}

// Omit marks an output as not computed and downgrades the status.
func (r *Record) Omit(keys ...string) {
	if len(keys) == 0 {
		return
	}
	r.Omitted = append(r.Omitted, keys...)
	if r.Status == StatusOK {
		r.Status = StatusPartial
	}
}

// Problem records a case-scoped condition message.
func (r *Record) Problem(msg string) {
	r.Problems = append(r.Problems, msg)
}

// Exclude marks the record as not processed.
func (r *Record) Exclude(msg string) {
	r.Status = StatusExcluded
	r.Problem(msg)
}
