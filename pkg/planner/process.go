package planner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang/geo/r3"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/bbox"
	"biometricvqa/pkg/biometrics"
	"biometricvqa/pkg/cluster"
	"biometricvqa/pkg/geometry"
	"biometricvqa/pkg/landmarks"
	"biometricvqa/pkg/manifest"
	"biometricvqa/pkg/masknorm"
	"biometricvqa/pkg/plan"
)

// caseState carries the intermediate results of one pair through the stages
type caseState struct {
	task      *plan.Task
	c         models.Case
	rec       *manifest.Record
	image     *models.Volume
	mask      *models.Volume
	positions map[string]r3.Vector
}

// processCase runs the stages enabled for the task on one case. Case-scoped
// conditions are recorded on the returned record; the error is non-nil only
// for fatal conditions.
func (p *Planner) processCase(info plan.DatasetInfo, task *plan.Task, c models.Case) (*manifest.Record, error) {
	rec := manifest.NewRecord(info, task, c)
	if rec.Dataset == "" {
		rec.Dataset = p.params.DatasetName
	}
	st := &caseState{task: task, c: c, rec: rec}
	caps := task.Capabilities

	// Normalization
	if caps.NormalizeMask {
		if err := p.normalize(c.MaskPath, true); err != nil {
			return p.exclude(st, "normalize", err), nil
		}
		if p.params.ReorientToRAS {
			if err := p.normalize(c.ImagePath, false); err != nil {
				return p.exclude(st, "normalize", err), nil
			}
		}
	}

	// Volumes
	var err error
	if st.image, err = p.readVolume(c.ImagePath); err != nil {
		return p.exclude(st, "read", err), nil
	}
	if caps.NeedsMask {
		if st.mask, err = p.readVolume(c.MaskPath); err != nil {
			return p.exclude(st, "read", err), nil
		}
		if st.mask.Dims() != st.image.Dims() {
			err := &diag.CorruptVolumeError{
				Path: c.MaskPath,
				Err:  fmt.Errorf("mask dimensions %v do not match image dimensions %v", st.mask.Dims(), st.image.Dims()),
			}
			return p.exclude(st, "read", err), nil
		}
	}

	if caps.LabelStats {
		p.labelStats(st)
	}
	if caps.ComputeBBox && !caps.ExtractClusters {
		p.labelBoxes(st)
	}
	if caps.NeedsLandmarkFile {
		if err := p.fileLandmarks(st); err != nil {
			return p.exclude(st, "landmarks", err), nil
		}
	}
	if caps.ExtractClusters {
		if err := p.derivedLandmarks(st); err != nil {
			return nil, err
		}
	}
	if caps.ComputeBiometrics {
		res := biometrics.NewComputer(st.image.Spacing()).Compute(task, st.positions)
		rec.Biometrics = res.Measurements
		rec.Omit(res.Omitted...)
	}
	if p.params.Visualization {
		p.figures(st)
	}

	return rec, nil
}

// normalize runs the mask normalizer once per file and run.
func (p *Planner) normalize(path string, isMask bool) error {
	p.normMu.Lock()
	entry, ok := p.normalized[path]
	if !ok {
		entry = &normalizeEntry{}
		p.normalized[path] = entry
	}
	p.normMu.Unlock()

	entry.once.Do(func() {
		var res masknorm.Result
		var err error
		if isMask {
			res, err = p.normalizer.NormalizeMask(path)
		} else {
			res, err = p.normalizer.NormalizeImage(path)
		}
		if err != nil {
			entry.err = &diag.CorruptVolumeError{Path: path, Err: err}
			return
		}
		entry.res = res
		if res.Changed() && p.params.Verbose {
			p.log.Printf("Normalized %s (reoriented: %t, re-encoded: %t)", path, res.Reoriented, res.Reencoded)
		}
	})
	return entry.err
}

func (p *Planner) readVolume(path string) (*models.Volume, error) {
	vol, err := p.codec.Read(path)
	if err != nil {
		var corrupt *diag.CorruptVolumeError
		if errors.As(err, &corrupt) {
			return nil, err
		}
		return nil, &diag.CorruptVolumeError{Path: path, Err: err}
	}
	return vol, nil
}

// exclude marks the record as not processed and reports why.
func (p *Planner) exclude(st *caseState, stage string, err error) *manifest.Record {
	p.warn(st, stage, err)
	st.rec.Exclude(err.Error())
	return st.rec
}

// warn reports a case-scoped condition without excluding the record.
func (p *Planner) warn(st *caseState, stage string, err error) {
	p.report.Add(st.c.ID, st.task.Index, stage, err)
	p.log.Printf("Warning: case %s task %d: %s: %v", st.c.ID, st.task.Index, stage, err)
}

func (p *Planner) scales(task *plan.Task) (float64, float64) {
	shrunk, enlarged := p.params.ShrunkScale, p.params.EnlargedScale
	if task.ShrunkBBoxScale != nil {
		shrunk = *task.ShrunkBBoxScale
	}
	if task.EnlargedBBoxScale != nil {
		enlarged = *task.EnlargedBBoxScale
	}
	return shrunk, enlarged
}

// labelStats records voxel counts and intensities of every label present.
func (p *Planner) labelStats(st *caseState) {
	ids := make([]int, len(st.task.Labels))
	for i, l := range st.task.Labels {
		ids[i] = l.ID
	}
	for _, s := range cluster.ComputeLabelStats(st.mask, st.image, ids) {
		if s.Voxels == 0 {
			continue
		}
		s.Name, _ = st.task.LabelName(s.Label)
		st.rec.LabelStats = append(st.rec.LabelStats, s)
	}
	if len(st.rec.LabelStats) == 0 {
		st.rec.Omit("label_stats")
		p.warn(st, "labels", fmt.Errorf("no declared label present in mask"))
	}
}

// labelBoxes records the box of every label present in the mask.
func (p *Planner) labelBoxes(st *caseState) {
	shrunk, enlarged := p.scales(st.task)
	dims := st.mask.Dims()
	for _, l := range st.task.Labels {
		b, ok := bbox.ForLabel(st.mask, l.ID)
		if !ok {
			continue
		}
		st.rec.BBoxes = append(st.rec.BBoxes, manifest.LabelBox{
			Label: l.Name,
			ID:    l.ID,
			Set:   bbox.Compute(b, shrunk, enlarged, dims),
		})
	}
	if len(st.rec.BBoxes) == 0 {
		st.rec.Omit("bbox")
		p.warn(st, "bbox", fmt.Errorf("no declared label present in mask"))
	}
}

// fileLandmarks loads the case's landmark file. An unreadable file excludes
// the case; invalid entries only drop the affected landmarks.
func (p *Planner) fileLandmarks(st *caseState) error {
	file, err := landmarks.ReadFile(st.c.LandmarkPath)
	if err != nil {
		return err
	}
	res := landmarks.Resolve(st.task, file, st.image)
	for _, problem := range res.Problems {
		st.rec.Problem(problem)
		p.warn(st, "landmarks", fmt.Errorf("%s: %s", st.c.LandmarkPath, problem))
	}
	st.rec.SetLandmarks(st.task, res.Landmarks)
	st.positions = res.Positions()
	return nil
}

// dropDerivedLandmarks clears the landmark output of a case whose landmarks
// could not be derived. A file left by an earlier run is removed.
func (p *Planner) dropDerivedLandmarks(st *caseState) error {
	if !st.task.Capabilities.DeriveLandmarks {
		return nil
	}
	st.rec.LandmarkPath = ""
	st.rec.Omit("landmarks")
	if st.c.LandmarkPath == "" {
		return nil
	}
	if err := os.Remove(st.c.LandmarkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &diag.OutputError{Path: st.c.LandmarkPath, Err: err}
	}
	return nil
}

// derivedLandmarks extracts the target cluster, fits its axes, stores the
// derived landmark file and the cluster box. Empty clusters and degenerate
// sections leave the dependent outputs omitted. Only failures to write or
// remove the landmark file are returned.
func (p *Planner) derivedLandmarks(st *caseState) error {
	task, rec := st.task, st.rec
	target := task.TargetLabel

	res, err := p.extractor.Extract(st.mask, target.ID, task.ClusterSizeThreshold)
	if err != nil {
		p.warn(st, "cluster", err)
		rec.Problem(err.Error())
		rec.Omit("cluster")
		if task.Capabilities.ComputeBBox {
			rec.Omit("bbox")
		}
		return p.dropDerivedLandmarks(st)
	}
	dom := res.Dominant()
	rec.Cluster = &manifest.ClusterInfo{
		Label:      target.Name,
		Voxels:     dom.Count,
		VolumeMM3:  dom.VolumeMM3,
		Centroid:   [3]float64{dom.Centroid.X, dom.Centroid.Y, dom.Centroid.Z},
		Components: res.Components,
		Kept:       len(res.Kept),
	}

	if task.Capabilities.ComputeBBox {
		if b, ok := bbox.FromIndices(st.mask, dom.Indices); ok {
			shrunk, enlarged := p.scales(task)
			rec.BBoxes = append(rec.BBoxes, manifest.LabelBox{
				Label: target.Name,
				ID:    target.ID,
				Set:   bbox.Compute(b, shrunk, enlarged, st.mask.Dims()),
			})
		}
	}

	if !task.Capabilities.DeriveLandmarks {
		return nil
	}
	axes, err := geometry.FitAxes(st.mask, dom, task.FitPlane())
	if err != nil {
		p.warn(st, "geometry", err)
		rec.Problem(err.Error())
		return p.dropDerivedLandmarks(st)
	}
	rec.Cluster.Plane = geometry.PlaneNames[axes.Plane]
	rec.Cluster.Slice = axes.Slice

	lms := axes.Landmarks[:]
	rec.SetLandmarks(task, lms)
	st.positions = axes.Positions()

	if err := landmarks.WriteFile(st.c.LandmarkPath, lms); err != nil {
		return err
	}
	return nil
}
