// Package plan loads and validates declarative benchmark plans. A plan is
// read once, checked for reference integrity, and compiled into strongly
// typed tasks before any dataset file is touched.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"biometricvqa/internal/diag"
)

// DatasetInfo is the descriptive header carried into every record
type DatasetInfo struct {
	Dataset        string   `yaml:"dataset" json:"dataset"`
	DatasetWebsite string   `yaml:"dataset_website" json:"dataset_website,omitempty"`
	DatasetData    []string `yaml:"dataset_data" json:"dataset_data,omitempty"`
	License        []string `yaml:"license" json:"license,omitempty"`
	Paper          []string `yaml:"paper" json:"paper,omitempty"`
}

// ElementSpec is a line or angle declaration referencing two elements of
// another map.
type ElementSpec struct {
	Name           string   `yaml:"name"`
	ElementKeys    []string `yaml:"element_keys"`
	ElementMapName string   `yaml:"element_map_name"`
}

// MetricSpec is one biometrics_map entry
type MetricSpec struct {
	MetricType    string `yaml:"metric_type"`
	MetricMapName string `yaml:"metric_map_name"`
	MetricKey     string `yaml:"metric_key"`
	SliceDim      *int   `yaml:"slice_dim"`
}

// TaskSpec is a task exactly as declared in the plan file
type TaskSpec struct {
	Variant string `yaml:"variant"`

	ImageModality    string `yaml:"image_modality"`
	ImageDescription string `yaml:"image_description"`

	ImageFolder          string `yaml:"image_folder"`
	MaskFolder           string `yaml:"mask_folder"`
	LandmarkFolder       string `yaml:"landmark_folder"`
	LandmarkFigureFolder string `yaml:"landmark_figure_folder"`

	ImagePrefix    string `yaml:"image_prefix"`
	ImageSuffix    string `yaml:"image_suffix"`
	MaskPrefix     string `yaml:"mask_prefix"`
	MaskSuffix     string `yaml:"mask_suffix"`
	LandmarkPrefix string `yaml:"landmark_prefix"`
	LandmarkSuffix string `yaml:"landmark_suffix"`

	LabelsMap     OrderedMap[string]      `yaml:"labels_map"`
	LandmarksMap  OrderedMap[string]      `yaml:"landmarks_map"`
	LinesMap      OrderedMap[ElementSpec] `yaml:"lines_map"`
	AnglesMap     OrderedMap[ElementSpec] `yaml:"angles_map"`
	BiometricsMap []MetricSpec            `yaml:"biometrics_map"`

	TargetLabel          *int `yaml:"target_label"`
	ClusterSizeThreshold int  `yaml:"cluster_size_threshold"`

	ShrunkBBoxScale   *float64 `yaml:"shrunk_bbox_scale"`
	EnlargedBBoxScale *float64 `yaml:"enlarged_bbox_scale"`
}

// BenchmarkPlan is the plan file document
type BenchmarkPlan struct {
	DatasetInfo DatasetInfo `yaml:"dataset_info"`
	Tasks       []TaskSpec  `yaml:"tasks"`
}

// Load reads a plan document (YAML or JSON) from path.
func Load(path string) (*BenchmarkPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a plan document.
func Parse(data []byte) (*BenchmarkPlan, error) {
	var p BenchmarkPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &diag.SchemaError{Problems: []string{err.Error()}}
	}
	return &p, nil
}
