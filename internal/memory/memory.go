// Package memory is the session-scoped shared store workflow stages use
// to pass facts, decisions and feedback between each other. One Memory
// per session, discarded when the session ends.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// Compression caps: at most this many entries survive compression, and
// each value is truncated to this many characters.
const (
	defaultCompressEntries = 20
	compressedValueLength  = 200
)

// Memory stores typed, importance-weighted entries keyed by string.
// Entries with the same key overwrite the previous value; expired
// entries are pruned lazily on read.
type Memory struct {
	mu              sync.Mutex
	entries         map[string]*models.MemoryEntry
	byType          map[models.MemoryType][]string
	byAgent         map[string][]string
	currentPersona  string
	workflowContext map[string]string
	now             func() time.Time
}

// CompressedMemory is the bounded summary produced for prompt inclusion.
type CompressedMemory struct {
	Persona     string            `json:"persona,omitempty"`
	Workflow    map[string]string `json:"workflow,omitempty"`
	KeyMemories []CompressedEntry `json:"key_memories"`
}

// CompressedEntry is one truncated memory inside a CompressedMemory.
type CompressedEntry struct {
	Type       models.MemoryType `json:"type"`
	Value      string            `json:"value"`
	Importance int               `json:"importance"`
}

// Summary reports entry counts for logging and the status endpoint.
type Summary struct {
	TotalEntries    int                       `json:"total_entries"`
	ByType          map[models.MemoryType]int `json:"by_type"`
	ByAgent         map[string]int            `json:"by_agent"`
	CurrentPersona  string                    `json:"current_persona,omitempty"`
	WorkflowContext []string                  `json:"workflow_context_keys"`
}

// New creates an empty Memory.
func New() *Memory {
	return &Memory{
		entries:         make(map[string]*models.MemoryEntry),
		byType:          make(map[models.MemoryType][]string),
		byAgent:         make(map[string][]string),
		workflowContext: make(map[string]string),
		now:             time.Now,
	}
}

// Store records an entry, replacing any previous entry under the same
// key. An expiresIn of zero means the entry never expires. Importance
// is clamped to [1,10].
func (m *Memory) Store(key, value string, typ models.MemoryType, sourceAgent string, importance int, expiresIn time.Duration) models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(key, value, typ, sourceAgent, importance, expiresIn, nil)
}

func (m *Memory) storeLocked(key, value string, typ models.MemoryType, sourceAgent string, importance int, expiresIn time.Duration, metadata map[string]string) models.MemoryEntry {
	if importance < 1 {
		importance = 1
	}
	if importance > 10 {
		importance = 10
	}

	entry := models.MemoryEntry{
		Key:         key,
		Value:       value,
		Type:        typ,
		SourceAgent: sourceAgent,
		Importance:  importance,
		Timestamp:   m.now(),
		Metadata:    metadata,
	}
	if expiresIn > 0 {
		exp := entry.Timestamp.Add(expiresIn)
		entry.ExpiresAt = &exp
	}

	if prev, ok := m.entries[key]; ok {
		m.unindexLocked(key, prev)
	}
	m.entries[key] = &entry
	m.byType[typ] = append(m.byType[typ], key)
	m.byAgent[sourceAgent] = append(m.byAgent[sourceAgent], key)

	log.Debug().Str("key", key).Str("type", string(typ)).Str("source", sourceAgent).Msg("Memory stored")
	return entry
}

// Get returns the value under key, or false if absent or expired.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.getLocked(key)
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// GetEntry returns the full entry under key, or false if absent or expired.
func (m *Memory) GetEntry(key string) (models.MemoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.getLocked(key)
	if !ok {
		return models.MemoryEntry{}, false
	}
	return *entry, true
}

// getLocked returns the live entry, pruning it if expired.
func (m *Memory) getLocked(key string) (*models.MemoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(m.now()) {
		m.deleteLocked(key)
		return nil, false
	}
	return entry, true
}

// GetByType returns all live entries of the given type, in store order.
func (m *Memory) GetByType(typ models.MemoryType) []models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byType[typ])
}

// GetByAgent returns all live entries stored by the given agent.
func (m *Memory) GetByAgent(agentID string) []models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byAgent[agentID])
}

func (m *Memory) collectLocked(keys []string) []models.MemoryEntry {
	var result []models.MemoryEntry
	// Copy: getLocked may prune and mutate the index we are ranging.
	snapshot := make([]string, len(keys))
	copy(snapshot, keys)
	for _, k := range snapshot {
		if entry, ok := m.getLocked(k); ok {
			result = append(result, *entry)
		}
	}
	return result
}

// GetImportant returns live entries at or above the importance floor,
// ordered by key for determinism.
func (m *Memory) GetImportant(minImportance int) []models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.MemoryEntry
	now := m.now()
	for _, e := range m.entries {
		if e.Importance >= minImportance && !e.Expired(now) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

// Delete removes an entry and its indexes.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key)
}

func (m *Memory) deleteLocked(key string) bool {
	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	m.unindexLocked(key, entry)
	return true
}

func (m *Memory) unindexLocked(key string, entry *models.MemoryEntry) {
	m.byType[entry.Type] = removeKey(m.byType[entry.Type], key)
	m.byAgent[entry.SourceAgent] = removeKey(m.byAgent[entry.SourceAgent], key)
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// CleanupExpired eagerly removes expired entries, returning the count.
func (m *Memory) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for k, e := range m.entries {
		if e.Expired(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		m.deleteLocked(k)
	}
	return len(expired)
}

// SetPersona records the active persona as a max-importance entry.
func (m *Memory) SetPersona(name, context string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPersona = name
	m.storeLocked("persona:"+name, context, models.MemoryPersona, "system", 10, 0, nil)
}

// PersonaContext returns the active persona's stored context.
func (m *Memory) PersonaContext() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentPersona == "" {
		return "", false
	}
	entry, ok := m.getLocked("persona:" + m.currentPersona)
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// SetWorkflowContext merges key/value pairs into the workflow context.
func (m *Memory) SetWorkflowContext(context map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range context {
		m.workflowContext[k] = v
	}
}

// WorkflowContext returns a copy of the workflow context.
func (m *Memory) WorkflowContext() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workflowContextLocked()
}

func (m *Memory) workflowContextLocked() map[string]string {
	out := make(map[string]string, len(m.workflowContext))
	for k, v := range m.workflowContext {
		out[k] = v
	}
	return out
}

// AddFact stores a fact keyed by its content hash, deduplicating
// identical facts from different agents.
func (m *Memory) AddFact(fact, source string, importance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("fact:%x", hashString(fact))
	m.storeLocked(key, fact, models.MemoryFact, source, importance, 0, nil)
}

// Facts returns all live fact values.
func (m *Memory) Facts() []string {
	entries := m.GetByType(models.MemoryFact)
	facts := make([]string, len(entries))
	for i, e := range entries {
		facts[i] = e.Value
	}
	return facts
}

// AddFeedback stores reviewer feedback at high importance.
func (m *Memory) AddFeedback(feedback, source, targetSection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("feedback:%d", m.now().UnixNano())
	var metadata map[string]string
	if targetSection != "" {
		metadata = map[string]string{"target_section": targetSection}
	}
	m.storeLocked(key, feedback, models.MemoryFeedback, source, 8, 0, metadata)
}

// Feedback returns all live feedback entries.
func (m *Memory) Feedback() []models.MemoryEntry {
	return m.GetByType(models.MemoryFeedback)
}

// Compress produces a bounded summary of the store for prompt
// inclusion, keeping the highest-importance (then most recent) entries
// with values truncated. maxEntries <= 0 falls back to the default cap.
func (m *Memory) Compress(maxEntries int) CompressedMemory {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxEntries <= 0 {
		maxEntries = defaultCompressEntries
	}

	now := m.now()
	var live []*models.MemoryEntry
	for _, e := range m.entries {
		if !e.Expired(now) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Importance != live[j].Importance {
			return live[i].Importance > live[j].Importance
		}
		return live[i].Timestamp.After(live[j].Timestamp)
	})
	if len(live) > maxEntries {
		live = live[:maxEntries]
	}

	key := make([]CompressedEntry, len(live))
	for i, e := range live {
		value := e.Value
		if len(value) > compressedValueLength {
			value = value[:compressedValueLength]
		}
		key[i] = CompressedEntry{Type: e.Type, Value: value, Importance: e.Importance}
	}

	return CompressedMemory{
		Persona:     m.currentPersona,
		Workflow:    m.workflowContextLocked(),
		KeyMemories: key,
	}
}

// Stats returns entry counts by type and agent.
func (m *Memory) Stats() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[models.MemoryType]int)
	for t, keys := range m.byType {
		byType[t] = len(keys)
	}
	byAgent := make(map[string]int)
	for a, keys := range m.byAgent {
		byAgent[a] = len(keys)
	}
	keys := make([]string, 0, len(m.workflowContext))
	for k := range m.workflowContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Summary{
		TotalEntries:    len(m.entries),
		ByType:          byType,
		ByAgent:         byAgent,
		CurrentPersona:  m.currentPersona,
		WorkflowContext: keys,
	}
}

// ExportJSON serializes all entries plus session context, for diagnostics.
func (m *Memory) ExportJSON() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]models.MemoryEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, *m.entries[k])
	}

	data, err := json.MarshalIndent(struct {
		Entries         []models.MemoryEntry `json:"entries"`
		CurrentPersona  string               `json:"current_persona,omitempty"`
		WorkflowContext map[string]string    `json:"workflow_context"`
	}{entries, m.currentPersona, m.workflowContext}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("memory export: %w", err)
	}
	return string(data), nil
}

// Clear drops every entry and the workflow context.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*models.MemoryEntry)
	m.byType = make(map[models.MemoryType][]string)
	m.byAgent = make(map[string][]string)
	m.workflowContext = make(map[string]string)
	log.Debug().Msg("Memory cleared")
}

// hashString is FNV-1a, enough to key facts by content.
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
