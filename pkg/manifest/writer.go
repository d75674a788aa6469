package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"biometricvqa/internal/diag"
)

// Writer appends records to a JSON Lines file. It is not safe for
// concurrent use; the pipeline owns it from a single goroutine.
type Writer struct {
	path  string
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	count int
}

// Create truncates or creates the manifest at path.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &diag.OutputError{Path: path, Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &diag.OutputError{Path: path, Err: err}
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, file: f, buf: buf, enc: enc}, nil
}

// Path returns the manifest location.
func (w *Writer) Path() string {
	return w.path
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	return w.count
}

// Write appends one record and flushes it to the file.
func (w *Writer) Write(rec *Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return &diag.OutputError{Path: w.path, Err: fmt.Errorf("encoding record %s/%d: %w", rec.CaseID, rec.Task, err)}
	}
	if err := w.buf.Flush(); err != nil {
		return &diag.OutputError{Path: w.path, Err: err}
	}
	w.count++
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return &diag.OutputError{Path: w.path, Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &diag.OutputError{Path: w.path, Err: err}
	}
	return nil
}

// ReadFile loads every record of a manifest.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}
