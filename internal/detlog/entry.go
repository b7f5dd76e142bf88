// Package detlog persists recognised container codes: an append-only CSV log,
// an optional SQLite mirror and the Recorder that gates writes through the
// rate limiter.
package detlog

import (
	"fmt"
	"strings"
	"time"
)

const (
	// TimestampLayout is the compact capture timestamp, e.g. 20240115_093000.
	// It is also used in evidence file names.
	TimestampLayout = "20060102_150405"

	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
	pathSep    = "|"
)

// Header is the first row of a new CSV log.
var Header = []string{"date", "time", "label", "value", "valid", "image_paths"}

// Entry is one persisted finding. Entries are only ever appended.
type Entry struct {
	Time       time.Time `json:"time"`
	Camera     string    `json:"camera,omitempty"`
	Label      string    `json:"label"`
	Value      string    `json:"value"`
	Valid      bool      `json:"valid"`
	ImagePaths []string  `json:"image_paths,omitempty"`
}

// ParseTimestamp reads a TimestampLayout string in the local time zone.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return t, nil
}

func (e Entry) row() []string {
	return []string{
		e.Time.Format(dateLayout),
		e.Time.Format(timeLayout),
		e.Label,
		e.Value,
		validity(e.Valid),
		strings.Join(e.ImagePaths, pathSep),
	}
}

func validity(v bool) string {
	if v {
		return "valid"
	}
	return "invalid"
}

func entryFromRow(row []string) (Entry, error) {
	if len(row) != len(Header) {
		return Entry{}, fmt.Errorf("row has %d columns, want %d", len(row), len(Header))
	}
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, row[0]+" "+row[1], time.Local)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid date/time %q %q: %w", row[0], row[1], err)
	}
	var paths []string
	if row[5] != "" {
		paths = strings.Split(row[5], pathSep)
	}
	return Entry{
		Time:       t,
		Label:      row[2],
		Value:      row[3],
		Valid:      row[4] == "valid",
		ImagePaths: paths,
	}, nil
}

// PersistenceError reports a failed write to the detection log or to an
// evidence file. It is never swallowed: callers surface it as an error event.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("detlog: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("detlog: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
