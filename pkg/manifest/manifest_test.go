package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/bbox"
	"biometricvqa/pkg/biometrics"
	"biometricvqa/pkg/plan"
)

func testTask(t *testing.T) *plan.Task {
	t.Helper()
	bp, err := plan.Parse([]byte(`
tasks:
  - image_modality: CT
    image_description: abdominal CT
    image_folder: Images
    mask_folder: Masks
    landmark_folder: Landmarks
    labels_map: {1: kidney, 2: tumor}
    landmarks_map: {P1: a, P2: b, P3: c, P4: d}
    lines_map:
      L-1-2: {name: major axis, element_keys: [P1, P2]}
    biometrics_map:
      - {metric_type: distance, metric_key: L-1-2}
    target_label: 2
`))
	if err != nil {
		t.Fatal(err)
	}
	p, err := plan.Compile(bp)
	if err != nil {
		t.Fatal(err)
	}
	return p.Tasks[0]
}

func TestRecordStatus(t *testing.T) {
	task := testTask(t)
	c := models.Case{ID: "case_001", ImagePath: "img.nii.gz", MaskPath: "seg.nii.gz", Split: models.Train}
	r := NewRecord(plan.DatasetInfo{Dataset: "KiTS23"}, task, c)

	if r.Status != StatusOK || r.TargetLabel != "tumor" || r.Variant != plan.BiometryFromSeg {
		t.Fatalf("Unexpected new record %+v", r)
	}
	r.Omit()
	if r.Status != StatusOK {
		t.Errorf("Omitting nothing must keep status ok")
	}
	r.Omit("L-1-2")
	if r.Status != StatusPartial || len(r.Omitted) != 1 {
		t.Errorf("Expected partial status, got %s", r.Status)
	}
	r.Exclude("corrupt")
	r.Omit("bbox")
	if r.Status != StatusExcluded {
		t.Errorf("Excluded status must not be downgraded, got %s", r.Status)
	}

	r.SetLandmarks(task, []models.Landmark{{Key: "P2", Position: r3.Vector{X: 1, Y: 2, Z: 3}, Provenance: models.FromCluster}})
	if len(r.Landmarks) != 1 || r.Landmarks[0].Description != "b" || r.Landmarks[0].Position != [3]float64{1, 2, 3} {
		t.Errorf("Unexpected landmarks %+v", r.Landmarks)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	task := testTask(t)
	path := filepath.Join(t.TempDir(), "out", "manifest.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		r := NewRecord(plan.DatasetInfo{Dataset: "KiTS23", License: []string{"CC BY-NC-SA 4.0"}}, task, models.Case{ID: id, Split: models.Test})
		r.Biometrics = []biometrics.Measurement{{Key: "L-1-2", Name: "major axis", Type: plan.Distance, Value: 12.5, Unit: biometrics.UnitMM}}
		r.BBoxes = []LabelBox{{Label: "tumor", ID: 2, Set: bbox.Set{Original: models.BoundingBox{Min: [3]int{1, 2, 3}, Max: [3]int{4, 5, 6}}}}}
		if err := w.Write(r); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if w.Count() != 3 {
		t.Errorf("Expected 3 records written, got %d", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	for _, field := range []string{`"dataset":"KiTS23"`, `"case_id":"a"`, `"split":"test"`, `"unit":"mm"`, `"original":{"min":[1,2,3],"max":[4,5,6]}`, `"labels":[{"id":1,"name":"kidney"}`} {
		if !strings.Contains(lines[0], field) {
			t.Errorf("Expected %s in %s", field, lines[0])
		}
	}

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 3 || records[2].CaseID != "c" || records[1].Biometrics[0].Value != 12.5 || records[0].Dataset != "KiTS23" {
		t.Errorf("Unexpected records %+v", records)
	}
	if records[0].BBoxes[0].Original.Max[2] != 6 {
		t.Errorf("Bounding box not decoded")
	}
}

func TestCreateUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	os.WriteFile(blocker, nil, 0644)

	_, err := Create(filepath.Join(blocker, "manifest.jsonl"))
	var out *diag.OutputError
	if !errors.As(err, &out) || !diag.IsFatal(err) {
		t.Errorf("Expected fatal OutputError, got %v", err)
	}
}
