package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry is one excluded or partial unit of work
type Entry struct {
	CaseID  string `yaml:"case_id,omitempty"`
	Task    int    `yaml:"task"`
	Kind    Kind   `yaml:"kind"`
	Stage   string `yaml:"stage"`
	Message string `yaml:"message"`
}

// Report collects case-scoped diagnostics from concurrent workers.
type Report struct {
	mu      sync.Mutex
	entries []Entry
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{}
}

// Add records err against a case/task/stage.
func (r *Report) Add(caseID string, task int, stage string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{
		CaseID:  caseID,
		Task:    task,
		Kind:    KindOf(err),
		Stage:   stage,
		Message: err.Error(),
	})
}

// Entries returns the collected entries ordered by task, case and stage.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		if out[i].CaseID != out[j].CaseID {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

// Counts returns the number of entries per kind.
func (r *Report) Counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Kind]int)
	for _, e := range r.entries {
		counts[e.Kind]++
	}
	return counts
}

// Len returns the number of entries.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type reportFile struct {
	Summary map[string]any `yaml:"summary,omitempty"`
	Counts  map[Kind]int   `yaml:"counts"`
	Entries []Entry        `yaml:"entries"`
}

// Save writes the report, with an optional run summary, as YAML.
func (r *Report) Save(path string, summary map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &OutputError{Path: path, Err: err}
	}

	data, err := yaml.Marshal(reportFile{
		Summary: summary,
		Counts:  r.Counts(),
		Entries: r.Entries(),
	})
	if err != nil {
		return &OutputError{Path: path, Err: fmt.Errorf("error marshaling diagnostics: %w", err)}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return &OutputError{Path: path, Err: err}
	}
	return nil
}
