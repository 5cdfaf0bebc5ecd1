package bulk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/medscanhq/segpipe/pkg/models"
)

// logRecord is one line of the processing log. The log is append-only JSONL
// so an interrupted batch can resume without reprocessing finished studies.
type logRecord struct {
	Path  string             `json:"path"`
	Entry models.ReportEntry `json:"entry"`
}

// ProcessLog persists one record per processed study and lets a restarted
// batch skip the ones already done.
type ProcessLog struct {
	path    string
	f       *os.File
	entries []logRecord
	done    map[string]bool
}

// OpenProcessLog loads any existing log at path and opens it for appending.
func OpenProcessLog(path string) (*ProcessLog, error) {
	pl := &ProcessLog{path: path, done: make(map[string]bool)}

	if data, err := os.ReadFile(path); err == nil {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec logRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("corrupt processing log %s: %w", path, err)
			}
			pl.entries = append(pl.entries, rec)
			pl.done[rec.Path] = true
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read processing log: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open processing log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open processing log for append: %w", err)
	}
	pl.f = f
	return pl, nil
}

// Done reports whether a study path already has a logged result.
func (pl *ProcessLog) Done(path string) bool {
	return pl.done[path]
}

// Append records one finished study. The line is synced before returning so
// a crash cannot lose an acknowledged result.
func (pl *ProcessLog) Append(path string, entry models.ReportEntry) error {
	rec := logRecord{Path: path, Entry: entry}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := pl.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	if err := pl.f.Sync(); err != nil {
		return fmt.Errorf("sync processing log: %w", err)
	}
	pl.entries = append(pl.entries, rec)
	pl.done[path] = true
	return nil
}

// Entries returns all logged report entries in processing order.
func (pl *ProcessLog) Entries() []models.ReportEntry {
	out := make([]models.ReportEntry, len(pl.entries))
	for i, rec := range pl.entries {
		out[i] = rec.Entry
	}
	return out
}

func (pl *ProcessLog) Close() error {
	return pl.f.Close()
}
