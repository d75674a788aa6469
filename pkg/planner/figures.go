package planner

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"

	"biometricvqa/internal/models"
	"biometricvqa/pkg/plan"
	"biometricvqa/pkg/visualization"
)

// figureDir returns the task's figure folder.
func (p *Planner) figureDir(task *plan.Task) string {
	if task.FigureFolder == "" {
		return filepath.Join(p.params.FigureDir, fmt.Sprintf("task_%d", task.Index))
	}
	if filepath.IsAbs(task.FigureFolder) {
		return task.FigureFolder
	}
	return filepath.Join(p.params.DatasetDir, task.FigureFolder)
}

// figures renders one figure per computed biometric and, for tasks without
// biometrics, one axial figure per bounding box. Failures are reported and
// never affect the record's measurements.
func (p *Planner) figures(st *caseState) {
	dir := p.figureDir(st.task)
	viewer := visualization.NewViewer(st.image)

	var boxes []models.BoundingBox
	for _, b := range st.rec.BBoxes {
		boxes = append(boxes, b.Original)
	}

	render := func(name string, fig visualization.Figure) {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", st.c.ID, sanitize(name)))
		if err := p.renderer.RenderFile(viewer, fig, path); err != nil {
			p.warn(st, "figure", err)
			return
		}
		st.rec.FigurePaths = append(st.rec.FigurePaths, path)
	}

	for _, m := range st.rec.Biometrics {
		segments := p.metricSegments(st, m.Key, m.Type)
		if len(segments) == 0 {
			continue
		}
		plane := st.task.FitPlane()
		if m.SliceDim != nil {
			plane = *m.SliceDim
		}

		var lms []models.Landmark
		var sum float64
		for _, s := range segments {
			lms = append(lms,
				models.Landmark{Key: s.fromKey, Position: s.From},
				models.Landmark{Key: s.toKey, Position: s.To})
			sum += axis(s.From, plane) + axis(s.To, plane)
		}
		segs := make([]visualization.Segment, len(segments))
		for i, s := range segments {
			segs[i] = s.Segment
		}

		render(m.Key, visualization.Figure{
			Plane:     plane,
			Slice:     clampInt(int(math.Round(sum/float64(2*len(segments)))), 0, st.image.Dims()[plane]-1),
			Title:     fmt.Sprintf("%s: %.1f %s", m.Name, m.Value, m.Unit),
			Landmarks: lms,
			Segments:  segs,
			Boxes:     boxes,
		})
	}

	if st.task.Capabilities.ComputeBiometrics {
		return
	}
	for _, b := range st.rec.BBoxes {
		render(b.Label, visualization.Figure{
			Plane: 2,
			Slice: (b.Original.Min[2] + b.Original.Max[2]) / 2,
			Title: b.Label,
			Boxes: []models.BoundingBox{b.Original},
		})
	}
}

type namedSegment struct {
	visualization.Segment
	fromKey, toKey string
}

// metricSegments returns the lines drawn for a biometric.
func (p *Planner) metricSegments(st *caseState, key string, typ plan.MetricType) []namedSegment {
	var lines []plan.Line
	switch typ {
	case plan.Distance:
		if l, ok := st.task.Line(key); ok {
			lines = append(lines, l)
		}
	case plan.Angle:
		if a, ok := st.task.Angle(key); ok {
			for _, k := range []string{a.First, a.Second} {
				if l, ok := st.task.Line(k); ok {
					lines = append(lines, l)
				}
			}
		}
	}

	var out []namedSegment
	for _, l := range lines {
		from, ok1 := st.positions[l.From]
		to, ok2 := st.positions[l.To]
		if !ok1 || !ok2 {
			return nil
		}
		out = append(out, namedSegment{
			Segment: visualization.Segment{From: from, To: to},
			fromKey: l.From,
			toKey:   l.To,
		})
	}
	return out
}

func axis(v r3.Vector, dim int) float64 {
	switch dim {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, name)
}
