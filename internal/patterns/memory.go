package patterns

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// snapshot is the JSON shape written to disk.
type snapshot struct {
	Patterns []models.ReasoningPattern `json:"patterns"`
}

// MemoryStore keeps patterns in an append-only slice with optional
// file-based snapshot persistence so patterns survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns []models.ReasoningPattern

	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a pattern store persisted to dataDir. An empty
// dataDir disables persistence.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "patterns.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, pattern persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Pattern store configured")
	return m
}

// Store appends a new immutable pattern when score clears MinScore.
func (m *MemoryStore) Store(_ context.Context, query, text string, score float64, feedback string) (*models.ReasoningPattern, error) {
	if score < MinScore {
		log.Debug().Float64("score", score).Msg("Score too low to store pattern")
		return nil, nil
	}

	pattern := models.ReasoningPattern{
		ID:         uuid.NewString(),
		Query:      query,
		Summary:    Summarize(text),
		Score:      score,
		KeyTerms:   ExtractKeyTerms(query),
		Strategies: ExtractStrategies(text, feedback),
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.patterns = append(m.patterns, pattern)
	m.mu.Unlock()
	m.requestSave()

	log.Info().Float64("score", score).Int("key_terms", len(pattern.KeyTerms)).Msg("Pattern stored")
	return &pattern, nil
}

// Retrieve ranks stored patterns against the query's term set.
func (m *MemoryStore) Retrieve(_ context.Context, query string, topK int) ([]models.PatternMatch, error) {
	queryTerms := ExtractKeyTerms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	candidates := make([]models.ReasoningPattern, len(m.patterns))
	copy(candidates, m.patterns)
	m.mu.RUnlock()

	return rankMatches(queryTerms, candidates, topK), nil
}

// Count reports how many patterns are stored.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns), nil
}

// requestSave signals the background goroutine to persist patterns.
// Non-blocking: coalesces rapid stores into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all patterns to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{Patterns: m.patterns}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal pattern snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write pattern snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename pattern snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Pattern snapshot saved")
}

// loadSnapshot reads patterns from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No pattern snapshot found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read pattern snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse pattern snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	m.patterns = snap.Patterns
	m.mu.Unlock()

	log.Info().Int("patterns", len(snap.Patterns)).Str("path", m.snapshotPath).Msg("Pattern snapshot loaded")
}

// Close stops the background goroutine and flushes a final snapshot.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
