// Package cases discovers per-case artifact sets and assigns the dataset-wide
// train/test split.
package cases

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"biometricvqa/internal/diag"
	"biometricvqa/internal/models"
	"biometricvqa/pkg/plan"
)

// Pairing is the outcome of pairing one task
type Pairing struct {
	Task *plan.Task

	// Complete cases, sorted by id, without split assignment yet
	Cases []models.Case

	// Missing lists every excluded case with the artifact that was absent
	Missing []*diag.MissingFileError
}

// Pairer resolves artifact paths below a dataset root
type Pairer struct {
	DatasetDir string
}

// NewPairer creates a pairer rooted at datasetDir.
func NewPairer(datasetDir string) *Pairer {
	return &Pairer{DatasetDir: datasetDir}
}

func (p *Pairer) resolve(folder string) string {
	if filepath.IsAbs(folder) {
		return folder
	}
	return filepath.Join(p.DatasetDir, folder)
}

// Pair lists the task's image folder and keeps every case whose required
// artifacts all exist. A mask is required whenever the task declares a mask
// folder. An unreadable image folder is reported as a missing file for the
// whole task.
func (p *Pairer) Pair(task *plan.Task) *Pairing {
	res := &Pairing{Task: task}

	imageDir := p.resolve(task.Image.Folder)
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		res.Missing = append(res.Missing, &diag.MissingFileError{Artifact: "image folder", Path: imageDir})
		return res
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, task.Image.Prefix) || !strings.HasSuffix(name, task.Image.Suffix) {
			continue
		}
		if len(name) <= len(task.Image.Prefix)+len(task.Image.Suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, task.Image.Prefix), task.Image.Suffix))
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := models.Case{
			ID:        id,
			ImagePath: filepath.Join(imageDir, task.Image.FileName(id)),
		}

		complete := true
		if task.Capabilities.NeedsMask || task.Mask.Folder != "" {
			c.MaskPath = filepath.Join(p.resolve(task.Mask.Folder), task.Mask.FileName(id))
			if !isFile(c.MaskPath) {
				res.Missing = append(res.Missing, &diag.MissingFileError{CaseID: id, Artifact: "mask", Path: c.MaskPath})
				complete = false
			}
		}
		if task.Landmark.Folder != "" {
			c.LandmarkPath = filepath.Join(p.resolve(task.Landmark.Folder), task.Landmark.FileName(id))
			// derived landmarks are written there later, so only inputs are checked
			if task.Capabilities.NeedsLandmarkFile && !isFile(c.LandmarkPath) {
				res.Missing = append(res.Missing, &diag.MissingFileError{CaseID: id, Artifact: "landmark", Path: c.LandmarkPath})
				complete = false
			}
		}
		if complete {
			res.Cases = append(res.Cases, c)
		}
	}

	return res
}

// PairAll pairs every task of the plan.
func (p *Pairer) PairAll(pl *plan.Plan) []*Pairing {
	out := make([]*Pairing, 0, len(pl.Tasks))
	for _, task := range pl.Tasks {
		out = append(out, p.Pair(task))
	}
	return out
}

// CaseIDs returns the sorted, deduplicated ids across all pairings.
func CaseIDs(pairings []*Pairing) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, pr := range pairings {
		for _, c := range pr.Cases {
			if !seen[c.ID] {
				seen[c.ID] = true
				ids = append(ids, c.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
