// Package landmarks reads and writes per-case landmark files and resolves
// their entries against a task declaration.
//
// A landmark file is a JSON object mapping landmark keys to [x, y, z] voxel
// index coordinates. Files ending in .gz are gzip-compressed and files
// ending in .zst are zstd-compressed.
package landmarks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/plan"
)

// File is the decoded content of a landmark file
type File map[string][]float64

// ReadFile decodes the landmark file at path. Any failure is reported as a
// *diag.CorruptVolumeError.
func ReadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &diag.CorruptVolumeError{Path: path, Err: err}
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, &diag.CorruptVolumeError{Path: path, Err: err}
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, &diag.CorruptVolumeError{Path: path, Err: err}
		}
		defer zr.Close()
		r = zr
	}

	var file File
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, &diag.CorruptVolumeError{Path: path, Err: fmt.Errorf("invalid landmark JSON: %w", err)}
	}
	return file, nil
}

// WriteFile stores landmarks at path, replacing any previous file atomically.
func WriteFile(path string, lms []models.Landmark) error {
	file := make(File, len(lms))
	for _, l := range lms {
		file[l.Key] = []float64{l.Position.X, l.Position.Y, l.Position.Z}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &diag.OutputError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".landmarks-*")
	if err != nil {
		return &diag.OutputError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, path, file); err != nil {
		tmp.Close()
		return &diag.OutputError{Path: path, Err: err}
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return &diag.OutputError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &diag.OutputError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &diag.OutputError{Path: path, Err: err}
	}
	return nil
}

func encode(w io.Writer, path string, file File) error {
	bw := bufio.NewWriter(w)
	var out io.Writer = bw
	var closer io.Closer

	switch {
	case strings.HasSuffix(path, ".gz"):
		gz := gzip.NewWriter(bw)
		out, closer = gz, gz
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			return err
		}
		out, closer = zw, zw
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Resolution is the outcome of matching a file against a task
type Resolution struct {
	// Landmarks holds the valid declared landmarks in declaration order
	Landmarks []models.Landmark

	// Problems describes every declared landmark that was dropped
	Problems []string
}

// Positions returns the resolved landmarks keyed by name.
func (r *Resolution) Positions() map[string]r3.Vector {
	out := make(map[string]r3.Vector, len(r.Landmarks))
	for _, l := range r.Landmarks {
		out[l.Key] = l.Position
	}
	return out
}

// Resolve keeps the declared landmarks of task that are present in file
// with three finite coordinates inside the voxel grid of vol. A nil vol
// skips the bounds check. Undeclared keys in the file are ignored.
func Resolve(task *plan.Task, file File, vol *models.Volume) *Resolution {
	res := &Resolution{}
	for _, def := range task.Landmarks {
		coords, ok := file[def.Key]
		if !ok {
			res.Problems = append(res.Problems, fmt.Sprintf("landmark %s is missing", def.Key))
			continue
		}
		if len(coords) != 3 {
			res.Problems = append(res.Problems, fmt.Sprintf("landmark %s has %d coordinates, want 3", def.Key, len(coords)))
			continue
		}
		p := r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]}
		if !finite(p) {
			res.Problems = append(res.Problems, fmt.Sprintf("landmark %s is not finite", def.Key))
			continue
		}
		if vol != nil && !vol.Contains(p) {
			res.Problems = append(res.Problems, fmt.Sprintf("landmark %s at %v lies outside the volume", def.Key, coords))
			continue
		}
		res.Landmarks = append(res.Landmarks, models.Landmark{Key: def.Key, Position: p, Provenance: models.FromFile})
	}
	return res
}

func finite(p r3.Vector) bool {
	for _, c := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
