// Package diag defines the failure taxonomy of a benchmark run and the report
// that aggregates case-scoped conditions.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure
type Kind string

const (
	KindSchema             Kind = "SchemaError"
	KindMissingFile        Kind = "MissingFileError"
	KindEmptyCluster       Kind = "EmptyClusterError"
	KindDegenerateGeometry Kind = "DegenerateGeometryError"
	KindCorruptVolume      Kind = "CorruptVolumeError"
	KindOutput             Kind = "OutputError"
	KindUnknown            Kind = "Error"
)

// Fatal reports whether a failure of this kind terminates the run.
func (k Kind) Fatal() bool {
	return k == KindSchema || k == KindOutput
}

// SchemaError reports a malformed benchmark plan. It lists every problem
// found, not just the first.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid benchmark plan: " + strings.Join(e.Problems, "; ")
}

func (e *SchemaError) Kind() Kind { return KindSchema }

// MissingFileError reports a declared artifact absent for a case.
type MissingFileError struct {
	CaseID   string
	Artifact string
	Path     string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("case %s: missing %s file %s", e.CaseID, e.Artifact, e.Path)
}

func (e *MissingFileError) Kind() Kind { return KindMissingFile }

// EmptyClusterError reports that no component of the target label survived
// the size threshold.
type EmptyClusterError struct {
	Label      int
	Threshold  int
	Components int
}

func (e *EmptyClusterError) Error() string {
	return fmt.Sprintf("no cluster of label %d with at least %d voxels (%d components found)",
		e.Label, e.Threshold, e.Components)
}

func (e *EmptyClusterError) Kind() Kind { return KindEmptyCluster }

// DegenerateGeometryError reports a point set that cannot define an axis.
type DegenerateGeometryError struct {
	DistinctPoints int
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("cannot fit axes: %d distinct projected points", e.DistinctPoints)
}

func (e *DegenerateGeometryError) Kind() Kind { return KindDegenerateGeometry }

// CorruptVolumeError reports an unreadable or inconsistent artifact.
type CorruptVolumeError struct {
	Path string
	Err  error
}

func (e *CorruptVolumeError) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %v", e.Path, e.Err)
}

func (e *CorruptVolumeError) Unwrap() error { return e.Err }

func (e *CorruptVolumeError) Kind() Kind { return KindCorruptVolume }

// OutputError reports that results could not be persisted.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("cannot write %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

func (e *OutputError) Kind() Kind { return KindOutput }

type kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}
