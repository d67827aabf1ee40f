// Session transcripts: a CSV record of each bootload phase's status
// and duration, adapted from the teacher's src/log.go (which writes
// received APRS packets to daily CSV files via encoding/csv). We keep
// the same "open once, append per event, never reopen" shape and the
// same daily-name convention, but generalize the filename pattern to
// a configurable strftime layout via lestrrat-go/strftime instead of
// the teacher's hand-built time.Format call, and the row shape to
// (timestamp, phase, status, duration_seconds) instead of APRS fields.
package logging

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lestrrat-go/strftime"
)

// DefaultTranscriptPattern names one transcript file per calendar day,
// matching the teacher's "daily names" log_init mode.
const DefaultTranscriptPattern = "mbloader-%Y%m%d.csv"

// Transcript appends (timestamp, phase, status, duration) rows for
// one bootload attempt. It is not safe for concurrent use from
// multiple goroutines, matching the engine's single-producer event
// model.
type Transcript struct {
	dir     string
	pattern *strftime.Strftime
	file    *os.File
	writer  *csv.Writer
	name    string
}

// OpenTranscript creates (or appends to) the transcript file for
// "now" under dir, using namePattern (a strftime layout; empty means
// DefaultTranscriptPattern).
func OpenTranscript(dir, namePattern string, now time.Time) (*Transcript, error) {
	if namePattern == "" {
		namePattern = DefaultTranscriptPattern
	}
	pattern, err := strftime.New(namePattern)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid transcript name pattern %q: %w", namePattern, err)
	}

	name := pattern.FormatString(now)
	path := filepath.Join(dir, name)

	needsHeader := true
	if stat, statErr := os.Stat(path); statErr == nil && stat.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open transcript %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	t := &Transcript{dir: dir, pattern: pattern, file: f, writer: w, name: name}

	if needsHeader {
		if err := w.Write([]string{"timestamp", "phase", "status", "duration_seconds"}); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
	}

	return t, nil
}

// Record appends one phase transition row and flushes immediately —
// transcripts are meant to survive a crash mid-session.
func (t *Transcript) Record(now time.Time, phase, status string, duration time.Duration) error {
	row := []string{
		now.Format(time.RFC3339Nano),
		phase,
		status,
		fmt.Sprintf("%.3f", duration.Seconds()),
	}
	if err := t.writer.Write(row); err != nil {
		return err
	}
	t.writer.Flush()
	return t.writer.Error()
}

// Close closes the underlying file.
func (t *Transcript) Close() error {
	t.writer.Flush()
	return t.file.Close()
}
