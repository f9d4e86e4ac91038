// Package history keeps the JSON-lines execution log and the retention
// janitor that prunes old records and output files.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scholarlab/lectern/pkg/models"
)

// Log appends one RunRecord per workflow invocation to history.jsonl.
type Log struct {
	mu   sync.Mutex
	path string
}

// NewLog opens (or will create on first append) the history file at path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the history file location.
func (l *Log) Path() string { return l.path }

// Append writes one record as a JSON line.
func (l *Log) Append(rec models.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// List returns up to limit most recent records, newest last. Unparseable
// lines are skipped; limit <= 0 returns everything.
func (l *Log) List(limit int) ([]models.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (l *Log) readAll() ([]models.RunRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var records []models.RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec models.RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed history line")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return records, nil
}

// pruneBefore rewrites the history file keeping only records at or after
// cutoff. Returns the number of records dropped.
func (l *Log) pruneBefore(cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	kept := records[:0]
	for _, rec := range records {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	dropped := len(records) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create history tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range kept {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("marshal history record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("flush history tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close history tmp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace history: %w", err)
	}
	return dropped, nil
}

// ── Retention janitor ────────────────────────────────────────

// DefaultRetentionDays is how long history records and output files are
// kept when no retention window is configured.
const DefaultRetentionDays = 30

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	RecordsPruned int
	FilesPruned   int
	Errors        []error
}

// Janitor periodically prunes expired history records and persona output
// files.
type Janitor struct {
	log           *Log
	outputDirs    []string
	retentionDays int
	interval      time.Duration
}

// NewJanitor creates a janitor over the history log and the persona output
// directories. retentionDays <= 0 falls back to DefaultRetentionDays; an
// interval under a minute is raised to one hour.
func NewJanitor(l *Log, outputDirs []string, retentionDays int, interval time.Duration) *Janitor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		log:           l,
		outputDirs:    outputDirs,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// Start runs the janitor until ctx is canceled, with one sweep immediately
// on startup.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle()
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle() CycleStats {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -j.retentionDays)

	var stats CycleStats

	dropped, err := j.log.pruneBefore(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: prune history failed")
		stats.Errors = append(stats.Errors, err)
	}
	stats.RecordsPruned = dropped

	for _, dir := range j.outputDirs {
		n, errs := pruneDir(dir, cutoff)
		stats.FilesPruned += n
		stats.Errors = append(stats.Errors, errs...)
	}

	if stats.RecordsPruned > 0 || stats.FilesPruned > 0 {
		log.Info().
			Int("pruned_records", stats.RecordsPruned).
			Int("pruned_files", stats.FilesPruned).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// pruneDir removes regular files under dir whose modification time is
// before cutoff. A missing directory is not an error.
func pruneDir(dir string, cutoff time.Time) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []error{err}
	}

	pruned := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to delete expired output file")
			errs = append(errs, err)
			continue
		}
		pruned++
	}
	return pruned, errs
}
