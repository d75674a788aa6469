// Package biometrics evaluates the distance and angle measurements declared
// by a task over a set of landmarks.
package biometrics

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"biometricvqa/pkg/plan"
)

const (
	UnitMM      = "mm"
	UnitDegrees = "deg"
)

// Measurement is one evaluated biometrics_map entry
type Measurement struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	Type     plan.MetricType `json:"type"`
	Value    float64         `json:"value"`
	Unit     string          `json:"unit"`
	SliceDim *int            `json:"slice_dim,omitempty"`
}

// Result holds the measurements in declaration order and the keys of the
// entries that could not be evaluated.
type Result struct {
	Measurements []Measurement
	Omitted      []string
}

// Computer evaluates biometrics in physical units. Landmark positions are
// voxel indices and are scaled by Spacing.
type Computer struct {
	Spacing [3]float64
}

// NewComputer returns a computer for the given voxel spacing in mm.
func NewComputer(spacing [3]float64) *Computer {
	return &Computer{Spacing: spacing}
}

// Compute walks the task's biometrics in order. An entry whose landmarks are
// not all available is left out of Measurements and listed in Omitted.
func (c *Computer) Compute(task *plan.Task, positions map[string]r3.Vector) *Result {
	res := &Result{}
	for _, m := range task.Metrics {
		var value float64
		var unit string
		var err error

		switch m.Type {
		case plan.Distance:
			unit = UnitMM
			value, err = c.distance(task, m.Key, positions)
		case plan.Angle:
			unit = UnitDegrees
			value, err = c.angle(task, m.Key, positions)
		default:
			err = fmt.Errorf("unknown metric type %q", m.Type)
		}
		if err != nil {
			res.Omitted = append(res.Omitted, m.Key)
			continue
		}

		out := Measurement{Key: m.Key, Name: m.Name, Type: m.Type, Value: value, Unit: unit}
		if m.SliceDim != plan.NoSliceDim {
			dim := m.SliceDim
			out.SliceDim = &dim
		}
		res.Measurements = append(res.Measurements, out)
	}
	return res
}

// Vector returns the physical direction of a line from its first to its
// second landmark.
func (c *Computer) Vector(line plan.Line, positions map[string]r3.Vector) (r3.Vector, error) {
	a, ok := positions[line.From]
	if !ok {
		return r3.Vector{}, fmt.Errorf("line %s: landmark %s unavailable", line.Key, line.From)
	}
	b, ok := positions[line.To]
	if !ok {
		return r3.Vector{}, fmt.Errorf("line %s: landmark %s unavailable", line.Key, line.To)
	}
	d := b.Sub(a)
	return r3.Vector{X: d.X * c.Spacing[0], Y: d.Y * c.Spacing[1], Z: d.Z * c.Spacing[2]}, nil
}

func (c *Computer) distance(task *plan.Task, key string, positions map[string]r3.Vector) (float64, error) {
	line, ok := task.Line(key)
	if !ok {
		return 0, fmt.Errorf("line %s is not declared", key)
	}
	v, err := c.Vector(line, positions)
	if err != nil {
		return 0, err
	}
	return v.Norm(), nil
}

func (c *Computer) angle(task *plan.Task, key string, positions map[string]r3.Vector) (float64, error) {
	def, ok := task.Angle(key)
	if !ok {
		return 0, fmt.Errorf("angle %s is not declared", key)
	}
	first, ok := task.Line(def.First)
	if !ok {
		return 0, fmt.Errorf("angle %s: line %s is not declared", key, def.First)
	}
	second, ok := task.Line(def.Second)
	if !ok {
		return 0, fmt.Errorf("angle %s: line %s is not declared", key, def.Second)
	}
	u, err := c.Vector(first, positions)
	if err != nil {
		return 0, err
	}
	v, err := c.Vector(second, positions)
	if err != nil {
		return 0, err
	}
	return AxisAngle(u, v)
}

// AxisAngle returns arccos(|u·v|/(|u||v|)) in degrees, always within
// [0, 90]. The sign of each direction is ignored. It is evaluated as
// atan2(|u×v|, |u·v|) so that parallel lines give exactly 0.
func AxisAngle(u, v r3.Vector) (float64, error) {
	if u.Norm() == 0 || v.Norm() == 0 {
		return 0, fmt.Errorf("zero-length line")
	}
	deg := math.Atan2(u.Cross(v).Norm(), math.Abs(u.Dot(v))) * 180 / math.Pi
	return math.Min(deg, 90), nil
}
