package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("stage cluster: %w", &EmptyClusterError{Label: 2, Threshold: 200})

	cases := []struct {
		err   error
		kind  Kind
		fatal bool
	}{
		{&SchemaError{Problems: []string{"x"}}, KindSchema, true},
		{&MissingFileError{CaseID: "a"}, KindMissingFile, false},
		{wrapped, KindEmptyCluster, false},
		{&DegenerateGeometryError{DistinctPoints: 1}, KindDegenerateGeometry, false},
		{&CorruptVolumeError{Path: "p", Err: errors.New("bad")}, KindCorruptVolume, false},
		{&OutputError{Path: "p", Err: errors.New("denied")}, KindOutput, true},
		{errors.New("plain"), KindUnknown, false},
	}

	for _, c := range cases {
		if got := KindOf(c.err); got != c.kind {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.kind)
		}
		if got := IsFatal(c.err); got != c.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", c.err, got, c.fatal)
		}
	}

	if KindOf(nil) != "" {
		t.Errorf("KindOf(nil) should be empty")
	}
}

func TestCorruptVolumeUnwrap(t *testing.T) {
	cause := os.ErrNotExist
	err := fmt.Errorf("read: %w", &CorruptVolumeError{Path: "x.nii.gz", Err: cause})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected cause to be reachable through the chain")
	}
}

func TestReportConcurrentAdd(t *testing.T) {
	r := NewReport()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add(fmt.Sprintf("case_%02d", i), i%3, "cluster", &EmptyClusterError{Label: 1})
		}(i)
	}
	wg.Wait()
	r.Add("ignored", 0, "x", nil)

	if r.Len() != 50 {
		t.Fatalf("Expected 50 entries, got %d", r.Len())
	}
	if r.Counts()[KindEmptyCluster] != 50 {
		t.Errorf("Expected 50 EmptyClusterError entries, got %v", r.Counts())
	}

	entries := r.Entries()
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if prev.Task > cur.Task || (prev.Task == cur.Task && prev.CaseID > cur.CaseID) {
			t.Fatalf("Entries not ordered at %d: %+v before %+v", i, prev, cur)
		}
	}
}

func TestReportSave(t *testing.T) {
	r := NewReport()
	r.Add("case_01", 0, "pairing", &MissingFileError{CaseID: "case_01", Artifact: "mask", Path: "/m"})

	path := filepath.Join(t.TempDir(), "out", "diag.yaml")
	if err := r.Save(path, map[string]any{"records": 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	if !strings.Contains(string(data), "MissingFileError") {
		t.Errorf("Report does not mention the entry kind:\n%s", data)
	}

	var decoded reportFile
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Report is not valid YAML: %v", err)
	}
	if len(decoded.Entries) != 1 || decoded.Entries[0].CaseID != "case_01" {
		t.Errorf("Unexpected entries: %+v", decoded.Entries)
	}
}
