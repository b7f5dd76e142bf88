package detlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the CSV log name inside the log directory.
const FileName = "detections.csv"

// CSVLog appends entries to <dir>/detections.csv.
type CSVLog struct {
	path string
	mu   sync.Mutex
}

// OpenCSV prepares the log directory and file. The header is written only
// when the file does not exist yet; an existing log is never truncated, so
// calling OpenCSV repeatedly is harmless.
func OpenCSV(dir string) (*CSVLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "create log dir", Path: dir, Err: err}
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case errors.Is(err, os.ErrExist):
		// already initialised
	case err != nil:
		return nil, &PersistenceError{Op: "create log", Path: path, Err: err}
	default:
		w := csv.NewWriter(f)
		_ = w.Write(Header)
		w.Flush()
		werr := w.Error()
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return nil, &PersistenceError{Op: "write header", Path: path, Err: err}
		}
	}

	return &CSVLog{path: path}, nil
}

// Path of the CSV file.
func (l *CSVLog) Path() string { return l.path }

// Append writes one row. The file is opened in append mode for every call so
// rows written by other processes are never overwritten.
func (l *CSVLog) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &PersistenceError{Op: "open log", Path: l.path, Err: err}
	}

	w := csv.NewWriter(f)
	_ = w.Write(e.row())
	w.Flush()
	if err := errors.Join(w.Error(), f.Close()); err != nil {
		return &PersistenceError{Op: "append", Path: l.path, Err: err}
	}
	return nil
}

// Record is Append for callers holding a TimestampLayout string instead of
// a time value.
func (l *CSVLog) Record(timestamp, label, value string, valid bool, paths []string) error {
	t, err := ParseTimestamp(timestamp)
	if err != nil {
		return &PersistenceError{Op: "record", Path: l.path, Err: err}
	}
	return l.Append(Entry{Time: t, Label: label, Value: value, Valid: valid, ImagePaths: paths})
}

// Entries reads the whole log back.
func (l *CSVLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	return ReadEntries(f)
}

// ReadEntries parses CSV log content, skipping the header row.
func ReadEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	var out []Entry
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read log line %d: %w", line, err)
		}
		if line == 1 && row[0] == Header[0] {
			continue
		}
		e, err := entryFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("log line %d: %w", line, err)
		}
		out = append(out, e)
	}
}

// Recent returns up to limit of the newest entries, newest first.
func (l *CSVLog) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	all, err := l.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
