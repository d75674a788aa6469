package plan

import (
	"fmt"
	"strconv"
	"strings"

	"biometricvqa/internal/diag"
)

// DerivedLandmarkKeys are the landmarks emitted by axis fitting: major axis
// endpoints first, minor axis endpoints second.
var DerivedLandmarkKeys = [4]string{"P1", "P2", "P3", "P4"}

// MaxLabelID is the largest label storable in a uint16 mask.
const MaxLabelID = 65535

// MetricType is the kind of a biometric measurement
type MetricType string

const (
	Distance MetricType = "distance"
	Angle    MetricType = "angle"
)

// NoSliceDim marks a metric without a declared slicing plane.
const NoSliceDim = -1

// Naming is a folder plus the filename decoration around a case id
type Naming struct {
	Folder string
	Prefix string
	Suffix string
}

// FileName returns the decorated filename of a case.
func (n Naming) FileName(caseID string) string {
	return n.Prefix + caseID + n.Suffix
}

// Label is a mask value with its semantic name
type Label struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// LandmarkDef declares a landmark key
type LandmarkDef struct {
	Key         string
	Description string
}

// Line joins two landmarks
type Line struct {
	Key  string
	Name string
	From string
	To   string
}

// AngleDef measures the angle between two lines
type AngleDef struct {
	Key    string
	Name   string
	First  string
	Second string
}

// Metric is one entry of the ordered biometrics list
type Metric struct {
	Type     MetricType
	Key      string
	Name     string
	SliceDim int
}

// Task is a validated task with every reference resolved
type Task struct {
	Index        int
	Variant      Variant
	Capabilities Capabilities

	Modality    string
	Description string

	Image        Naming
	Mask         Naming
	Landmark     Naming
	FigureFolder string

	Labels      []Label
	Landmarks   []LandmarkDef
	Lines       []Line
	Angles      []AngleDef
	Metrics     []Metric
	TargetLabel *Label

	ClusterSizeThreshold int

	ShrunkBBoxScale   *float64
	EnlargedBBoxScale *float64

	lines  map[string]Line
	angles map[string]AngleDef
	labels map[int]string
}

// Plan is a validated benchmark plan
type Plan struct {
	Info  DatasetInfo
	Tasks []*Task
}

// Line returns the line declared under key.
func (t *Task) Line(key string) (Line, bool) {
	l, ok := t.lines[key]
	return l, ok
}

// Angle returns the angle declared under key.
func (t *Task) Angle(key string) (AngleDef, bool) {
	a, ok := t.angles[key]
	return a, ok
}

// LabelName returns the semantic name of a label id.
func (t *Task) LabelName(id int) (string, bool) {
	n, ok := t.labels[id]
	return n, ok
}

// FitPlane returns the slicing plane used for axis fitting: the first
// declared metric plane, or axial when none is declared.
func (t *Task) FitPlane() int {
	for _, m := range t.Metrics {
		if m.SliceDim != NoSliceDim {
			return m.SliceDim
		}
	}
	return 2
}

// Compile validates the plan and resolves every reference. All problems are
// reported together as a *diag.SchemaError.
func Compile(bp *BenchmarkPlan) (*Plan, error) {
	var problems []string
	if len(bp.Tasks) == 0 {
		problems = append(problems, "plan declares no tasks")
	}

	p := &Plan{Info: bp.DatasetInfo}
	for i := range bp.Tasks {
		task, errs := compileTask(i, &bp.Tasks[i])
		for _, e := range errs {
			problems = append(problems, fmt.Sprintf("task[%d]: %s", i, e))
		}
		if task != nil {
			p.Tasks = append(p.Tasks, task)
		}
	}

	if len(problems) > 0 {
		return nil, &diag.SchemaError{Problems: problems}
	}
	return p, nil
}

// LoadAndCompile reads and validates a plan file.
func LoadAndCompile(path string) (*Plan, error) {
	bp, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Compile(bp)
}

func compileTask(index int, raw *TaskSpec) (*Task, []string) {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	variant, err := resolveVariant(raw)
	if err != nil {
		return nil, []string{err.Error()}
	}
	caps := variant.Capabilities()

	t := &Task{
		Index:        index,
		Variant:      variant,
		Capabilities: caps,
		Modality:     raw.ImageModality,
		Description:  raw.ImageDescription,
		Image:        Naming{raw.ImageFolder, raw.ImagePrefix, raw.ImageSuffix},
		Mask:         Naming{raw.MaskFolder, raw.MaskPrefix, raw.MaskSuffix},
		Landmark:     Naming{raw.LandmarkFolder, raw.LandmarkPrefix, raw.LandmarkSuffix},
		FigureFolder: raw.LandmarkFigureFolder,

		ClusterSizeThreshold: raw.ClusterSizeThreshold,
		ShrunkBBoxScale:      raw.ShrunkBBoxScale,
		EnlargedBBoxScale:    raw.EnlargedBBoxScale,

		lines:  make(map[string]Line),
		angles: make(map[string]AngleDef),
		labels: make(map[int]string),
	}

	// File layout
	if raw.ImageFolder == "" {
		fail("image_folder is required")
	}
	if caps.NeedsMask && raw.MaskFolder == "" {
		fail("variant %s requires mask_folder", variant)
	}
	if (caps.NeedsLandmarkFile || caps.DeriveLandmarks) && raw.LandmarkFolder == "" {
		fail("variant %s requires landmark_folder", variant)
	}
	for _, field := range [][2]string{
		{"image_prefix", raw.ImagePrefix},
		{"image_suffix", raw.ImageSuffix},
		{"mask_prefix", raw.MaskPrefix},
		{"mask_suffix", raw.MaskSuffix},
		{"landmark_prefix", raw.LandmarkPrefix},
		{"landmark_suffix", raw.LandmarkSuffix},
	} {
		if strings.ContainsAny(field[1], "/\\\x00") {
			fail("%s %q must not contain path separators", field[0], field[1])
		}
	}

	// Labels
	for _, key := range raw.LabelsMap.Keys {
		id, err := strconv.Atoi(key)
		if err != nil || id <= 0 || id > MaxLabelID {
			fail("label id %q is not an integer in [1,%d]", key, MaxLabelID)
			continue
		}
		if _, dup := t.labels[id]; dup {
			fail("duplicate label id %d", id)
			continue
		}
		name := raw.LabelsMap.Values[key]
		if name == "" {
			fail("label %d has no name", id)
		}
		t.labels[id] = name
		t.Labels = append(t.Labels, Label{ID: id, Name: name})
	}
	if caps.NeedsMask && len(t.Labels) == 0 {
		fail("variant %s requires a non-empty labels_map", variant)
	}

	if raw.TargetLabel != nil {
		name, ok := t.labels[*raw.TargetLabel]
		if !ok {
			fail("target_label %d is not declared in labels_map", *raw.TargetLabel)
		} else {
			t.TargetLabel = &Label{ID: *raw.TargetLabel, Name: name}
		}
	} else if caps.ExtractClusters {
		fail("variant %s requires target_label", variant)
	}
	if raw.ClusterSizeThreshold < 0 {
		fail("cluster_size_threshold must be non-negative")
	}

	// Landmarks, lines, angles
	for _, key := range raw.LandmarksMap.Keys {
		if key == "" {
			fail("empty landmark key")
			continue
		}
		t.Landmarks = append(t.Landmarks, LandmarkDef{Key: key, Description: raw.LandmarksMap.Values[key]})
	}
	if caps.DeriveLandmarks {
		for _, key := range DerivedLandmarkKeys {
			if !raw.LandmarksMap.Has(key) {
				fail("variant %s requires landmark %s in landmarks_map", variant, key)
			}
		}
	}

	for _, key := range raw.LinesMap.Keys {
		ls := raw.LinesMap.Values[key]
		if ls.ElementMapName != "" && ls.ElementMapName != "landmarks_map" {
			fail("line %s: element_map_name must be landmarks_map, got %q", key, ls.ElementMapName)
			continue
		}
		if len(ls.ElementKeys) != 2 {
			fail("line %s: expected 2 element_keys, got %d", key, len(ls.ElementKeys))
			continue
		}
		ok := true
		for _, ref := range ls.ElementKeys {
			if !raw.LandmarksMap.Has(ref) {
				fail("line %s: landmark %q is not declared", key, ref)
				ok = false
			}
		}
		if ok {
			l := Line{Key: key, Name: ls.Name, From: ls.ElementKeys[0], To: ls.ElementKeys[1]}
			t.lines[key] = l
			t.Lines = append(t.Lines, l)
		}
	}

	for _, key := range raw.AnglesMap.Keys {
		as := raw.AnglesMap.Values[key]
		if as.ElementMapName != "" && as.ElementMapName != "lines_map" {
			fail("angle %s: element_map_name must be lines_map, got %q", key, as.ElementMapName)
			continue
		}
		if len(as.ElementKeys) != 2 {
			fail("angle %s: expected 2 element_keys, got %d", key, len(as.ElementKeys))
			continue
		}
		ok := true
		for _, ref := range as.ElementKeys {
			if !raw.LinesMap.Has(ref) {
				fail("angle %s: line %q is not declared", key, ref)
				ok = false
			}
		}
		if ok {
			a := AngleDef{Key: key, Name: as.Name, First: as.ElementKeys[0], Second: as.ElementKeys[1]}
			t.angles[key] = a
			t.Angles = append(t.Angles, a)
		}
	}

	// Biometrics
	for i, ms := range raw.BiometricsMap {
		m := Metric{Type: MetricType(ms.MetricType), Key: ms.MetricKey, SliceDim: NoSliceDim}
		if ms.SliceDim != nil {
			if *ms.SliceDim < 0 || *ms.SliceDim > 2 {
				fail("biometrics_map[%d]: slice_dim must be 0, 1 or 2", i)
				continue
			}
			m.SliceDim = *ms.SliceDim
		}
		switch m.Type {
		case Distance:
			if ms.MetricMapName != "" && ms.MetricMapName != "lines_map" {
				fail("biometrics_map[%d]: distance must reference lines_map", i)
				continue
			}
			l, ok := raw.LinesMap.Get(ms.MetricKey)
			if !ok {
				fail("biometrics_map[%d]: line %q is not declared", i, ms.MetricKey)
				continue
			}
			m.Name = l.Name
		case Angle:
			if ms.MetricMapName != "" && ms.MetricMapName != "angles_map" {
				fail("biometrics_map[%d]: angle must reference angles_map", i)
				continue
			}
			a, ok := raw.AnglesMap.Get(ms.MetricKey)
			if !ok {
				fail("biometrics_map[%d]: angle %q is not declared", i, ms.MetricKey)
				continue
			}
			m.Name = a.Name
		default:
			fail("biometrics_map[%d]: unknown metric_type %q", i, ms.MetricType)
			continue
		}
		if m.Name == "" {
			m.Name = m.Key
		}
		t.Metrics = append(t.Metrics, m)
	}
	if caps.ComputeBiometrics && len(raw.BiometricsMap) == 0 {
		fail("variant %s requires a non-empty biometrics_map", variant)
	}

	if s := raw.ShrunkBBoxScale; s != nil && !(*s > 0 && *s <= 1) {
		fail("shrunk_bbox_scale must be in (0,1], got %g", *s)
	}
	if s := raw.EnlargedBBoxScale; s != nil && *s < 1 {
		fail("enlarged_bbox_scale must be >= 1, got %g", *s)
	}

	return t, errs
}
