// Package tokenguard tracks cumulative token consumption for a single
// workflow session against a configured budget, classifies usage into
// status bands, and performs lossy context reconstruction when usage
// climbs too high. One Guard per session; state is never shared.
package tokenguard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// Default band fractions of the token budget.
const (
	DefaultMaxTokens            = 10000
	DefaultWarningFraction      = 0.60
	DefaultThresholdFraction    = 0.70
	DefaultCriticalFraction     = 0.85
	DefaultReconstructionTarget = 0.30
)

// Caps applied during context reconstruction.
const (
	maxKeyFacts      = 10
	maxReferences    = 10
	maxSummaryLength = 500
	maxSnapshots     = 5
)

// Estimator converts text to an approximate token count. The default is
// a fixed chars/4 heuristic; swap it for a real tokenizer without
// touching the guard's control logic.
type Estimator func(text string) int

// DefaultEstimator approximates tokens as len(text)/4.
func DefaultEstimator(text string) int { return len(text) / 4 }

// Config holds the guard's budget and band fractions. Zero values fall
// back to the package defaults.
type Config struct {
	MaxTokens            int
	WarningFraction      float64
	ThresholdFraction    float64
	CriticalFraction     float64
	ReconstructionTarget float64
}

// DefaultConfig returns the stock 60/70/85 banding over a 10k budget.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            DefaultMaxTokens,
		WarningFraction:      DefaultWarningFraction,
		ThresholdFraction:    DefaultThresholdFraction,
		CriticalFraction:     DefaultCriticalFraction,
		ReconstructionTarget: DefaultReconstructionTarget,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.WarningFraction <= 0 {
		c.WarningFraction = DefaultWarningFraction
	}
	if c.ThresholdFraction <= 0 {
		c.ThresholdFraction = DefaultThresholdFraction
	}
	if c.CriticalFraction <= 0 {
		c.CriticalFraction = DefaultCriticalFraction
	}
	if c.ReconstructionTarget <= 0 {
		c.ReconstructionTarget = DefaultReconstructionTarget
	}
	return c
}

// Guard monitors token usage for one session. Methods are safe for
// concurrent use, though sessions are single-threaded in practice.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	estimate Estimator

	cumulative  int
	agentTokens map[string]int
	history     []models.TokenUsageRecord
	alerts      []models.Alert
	snapshots   []models.ContextSnapshot
	listeners   []func(models.Alert)
	lastStatus  models.TokenStatus
}

// New creates a Guard with the given config. A nil estimator falls back
// to DefaultEstimator.
func New(cfg Config, estimate Estimator) *Guard {
	cfg = cfg.withDefaults()
	if estimate == nil {
		estimate = DefaultEstimator
	}
	log.Debug().
		Int("max_tokens", cfg.MaxTokens).
		Float64("threshold", cfg.ThresholdFraction).
		Float64("warning", cfg.WarningFraction).
		Msg("Token guard initialized")
	return &Guard{
		cfg:         cfg,
		estimate:    estimate,
		agentTokens: make(map[string]int),
		lastStatus:  models.TokenStatusGreen,
	}
}

// EstimateText runs the guard's estimator over text.
func (g *Guard) EstimateText(text string) int { return g.estimate(text) }

// MaxTokens returns the configured budget.
func (g *Guard) MaxTokens() int { return g.cfg.MaxTokens }

// CumulativeTokens returns the current cumulative counter.
func (g *Guard) CumulativeTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cumulative
}

// Percentage returns cumulative usage as a fraction of the budget.
func (g *Guard) Percentage() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.percentageLocked()
}

func (g *Guard) percentageLocked() float64 {
	return float64(g.cumulative) / float64(g.cfg.MaxTokens)
}

// Status returns the band the current usage falls in.
func (g *Guard) Status() models.TokenStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusFor(g.percentageLocked())
}

func (g *Guard) statusFor(pct float64) models.TokenStatus {
	switch {
	case pct >= g.cfg.CriticalFraction:
		return models.TokenStatusCritical
	case pct >= g.cfg.ThresholdFraction:
		return models.TokenStatusRed
	case pct >= g.cfg.WarningFraction:
		return models.TokenStatusYellow
	default:
		return models.TokenStatusGreen
	}
}

// RegisterAlertListener adds a listener invoked synchronously whenever
// usage transitions into the red or critical band.
func (g *Guard) RegisterAlertListener(fn func(models.Alert)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// RecordUsage adds tokensUsed to the cumulative counter, appends a
// history record, and fires an alert if the status band transitions
// into red or critical. Alerts fire on band entry only, not on every
// record while usage stays inside the band.
func (g *Guard) RecordUsage(agentID, operation string, tokensUsed int) models.TokenUsageRecord {
	g.mu.Lock()

	g.cumulative += tokensUsed
	g.agentTokens[agentID] += tokensUsed

	pct := g.percentageLocked()
	status := g.statusFor(pct)

	rec := models.TokenUsageRecord{
		AgentID:          agentID,
		Operation:        operation,
		TokensUsed:       tokensUsed,
		CumulativeTokens: g.cumulative,
		MaxTokens:        g.cfg.MaxTokens,
		Percentage:       pct,
		Status:           status,
		Timestamp:        time.Now().UTC(),
	}
	g.history = append(g.history, rec)

	var fired *models.Alert
	entered := status != g.lastStatus
	g.lastStatus = status
	if entered && (status == models.TokenStatusRed || status == models.TokenStatusCritical) {
		alert := g.buildAlert(agentID, pct, status)
		g.alerts = append(g.alerts, alert)
		fired = &alert
	}
	listeners := g.listeners
	g.mu.Unlock()

	log.Info().
		Str("agent", agentID).
		Str("operation", operation).
		Int("used", tokensUsed).
		Int("cumulative", rec.CumulativeTokens).
		Str("status", string(status)).
		Msg("Token usage recorded")

	if status == models.TokenStatusYellow {
		log.Warn().
			Float64("pct", pct*100).
			Float64("threshold_pct", g.cfg.ThresholdFraction*100).
			Msg("Token usage approaching threshold")
	}

	if fired != nil {
		log.Warn().Str("severity", string(fired.Severity)).Msg(fired.Message)
		for _, fn := range listeners {
			g.notify(fn, *fired)
		}
	}

	return rec
}

// notify shields the guard from a panicking listener.
func (g *Guard) notify(fn func(models.Alert), alert models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Alert listener panicked")
		}
	}()
	fn(alert)
}

func (g *Guard) buildAlert(agentID string, pct float64, status models.TokenStatus) models.Alert {
	var (
		severity models.AlertSeverity
		message  string
		action   string
	)
	if status == models.TokenStatusCritical {
		severity = models.AlertCritical
		message = fmt.Sprintf("CRITICAL: token usage at %.1f%%, immediate context reconstruction required", pct*100)
		action = models.ActionImmediateReconstruct
	} else {
		severity = models.AlertWarning
		message = fmt.Sprintf("token threshold breached: %.1f%% (threshold %.0f%%), context reconstruction recommended",
			pct*100, g.cfg.ThresholdFraction*100)
		action = models.ActionReconstruct
	}
	return models.Alert{
		AgentID:             agentID,
		CurrentPercentage:   pct,
		ThresholdPercentage: g.cfg.ThresholdFraction,
		Message:             message,
		Severity:            severity,
		RecommendedAction:   action,
		Timestamp:           time.Now().UTC(),
	}
}

// ShouldReconstruct reports whether usage has reached the threshold band.
func (g *Guard) ShouldReconstruct() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.percentageLocked() >= g.cfg.ThresholdFraction
}

// EstimateImpact projects cumulative usage after a planned operation
// without mutating guard state or firing alerts.
func (g *Guard) EstimateImpact(estimatedTokens int) models.ImpactEstimate {
	g.mu.Lock()
	current := g.cumulative
	g.mu.Unlock()

	projected := current + estimatedTokens
	projectedPct := float64(projected) / float64(g.cfg.MaxTokens)
	currentPct := float64(current) / float64(g.cfg.MaxTokens)

	return models.ImpactEstimate{
		EstimatedTokens:     estimatedTokens,
		CurrentTokens:       current,
		ProjectedTotal:      projected,
		ProjectedPercentage: projectedPct,
		CurrentPercentage:   currentPct,
		WillBreachWarning:   projectedPct >= g.cfg.WarningFraction,
		WillBreachThreshold: projectedPct >= g.cfg.ThresholdFraction,
		WillBreachCritical:  projectedPct >= g.cfg.CriticalFraction,
		Recommendation:      g.recommendation(projectedPct),
	}
}

func (g *Guard) recommendation(projectedPct float64) string {
	switch {
	case projectedPct >= g.cfg.CriticalFraction:
		return "ABORT: operation would exceed critical threshold, reconstruct context first"
	case projectedPct >= g.cfg.ThresholdFraction:
		return "CAUTION: operation would breach threshold, consider reconstructing context first"
	case projectedPct >= g.cfg.WarningFraction:
		return "WARNING: operation would approach threshold, monitor closely"
	default:
		return "PROCEED: operation within safe limits"
	}
}

var (
	urlPattern  = regexp.MustCompile(`https?://\S+`)
	pathPattern = regexp.MustCompile(`[\w/]+\.\w{2,4}`)
)

// Reconstruct compresses the given context into an essential summary
// and rebases the cumulative counter to the token estimate of the
// compressed artifact. After a reconstruction the counter reflects only
// the compressed context, not history. A nil summarizer falls back to
// head+tail truncation.
func (g *Guard) Reconstruct(currentContext string, summarize func(string) string) models.EssentialContext {
	originalTokens := g.estimate(currentContext)

	keyFacts := extractKeyFacts(currentContext)
	refs := extractReferences(currentContext)
	activeTask := extractActiveTask(currentContext)

	var summary string
	if summarize != nil {
		summary = summarize(currentContext)
	} else {
		summary = truncateSummary(currentContext)
	}

	compressed := buildCompressedContext(summary, keyFacts, activeTask, refs)
	newTokens := g.estimate(compressed)

	var ratio float64
	if originalTokens > 0 {
		ratio = 1 - float64(newTokens)/float64(originalTokens)
	}

	g.mu.Lock()
	g.cumulative = newTokens
	g.lastStatus = g.statusFor(g.percentageLocked())
	g.mu.Unlock()

	log.Info().
		Int("before", originalTokens).
		Int("after", newTokens).
		Float64("compression", ratio*100).
		Msg("Context reconstruction complete")

	return models.EssentialContext{
		Summary:             summary,
		KeyFacts:            keyFacts,
		ActiveTask:          activeTask,
		ImportantReferences: refs,
		TokenCount:          newTokens,
		OriginalTokenCount:  originalTokens,
		CompressionRatio:    ratio,
	}
}

// extractKeyFacts pulls bulleted and numbered lines out of the context.
func extractKeyFacts(context string) []string {
	var facts []string
	for _, line := range strings.Split(context, "\n") {
		line = strings.TrimSpace(line)
		isBullet := strings.HasPrefix(line, "- ") ||
			strings.HasPrefix(line, "* ") ||
			strings.HasPrefix(line, "• ")
		isNumbered := len(line) > 2 && line[0] >= '0' && line[0] <= '9' &&
			(line[1] == '.' || line[1] == ')')
		if isBullet || isNumbered {
			facts = append(facts, strings.TrimLeft(line, "-*•0123456789.) "))
			if len(facts) == maxKeyFacts {
				break
			}
		}
	}
	return facts
}

// extractReferences pulls URL- and path-like substrings out of the context.
func extractReferences(context string) []string {
	var refs []string
	urls := urlPattern.FindAllString(context, 5)
	refs = append(refs, urls...)
	paths := pathPattern.FindAllString(context, 5)
	refs = append(refs, paths...)
	if len(refs) > maxReferences {
		refs = refs[:maxReferences]
	}
	return refs
}

var taskLabels = []string{"current task:", "working on:", "active:", "todo:"}

// extractActiveTask finds the first line carrying a task label.
func extractActiveTask(context string) string {
	for _, line := range strings.Split(context, "\n") {
		lower := strings.ToLower(line)
		for _, label := range taskLabels {
			if strings.Contains(lower, label) {
				if idx := strings.Index(line, ":"); idx >= 0 {
					return strings.TrimSpace(line[idx+1:])
				}
			}
		}
	}
	return ""
}

// truncateSummary keeps the head and tail of long context.
func truncateSummary(context string) string {
	if len(context) <= maxSummaryLength {
		return context
	}
	half := maxSummaryLength / 2
	return context[:half] + "\n...[truncated]...\n" + context[len(context)-half:]
}

func buildCompressedContext(summary string, keyFacts []string, activeTask string, refs []string) string {
	parts := []string{"## Context Summary", summary, ""}
	if activeTask != "" {
		parts = append(parts, "## Active Task", activeTask, "")
	}
	if len(keyFacts) > 0 {
		parts = append(parts, "## Key Facts")
		for _, fact := range keyFacts {
			parts = append(parts, "- "+fact)
		}
		parts = append(parts, "")
	}
	if len(refs) > 0 {
		parts = append(parts, "## References")
		for _, ref := range refs {
			parts = append(parts, "- "+ref)
		}
	}
	return strings.Join(parts, "\n")
}

// SaveSnapshot keeps the raw context for potential recovery. Only the
// most recent snapshots are retained.
func (g *Guard) SaveSnapshot(content, agentID, operation string) {
	snap := models.ContextSnapshot{
		Content:    content,
		TokenCount: g.estimate(content),
		AgentID:    agentID,
		Operation:  operation,
		Timestamp:  time.Now().UTC(),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots = append(g.snapshots, snap)
	if len(g.snapshots) > maxSnapshots {
		g.snapshots = g.snapshots[len(g.snapshots)-maxSnapshots:]
	}
}

// LatestSnapshot returns the most recent snapshot, if any.
func (g *Guard) LatestSnapshot() (models.ContextSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.snapshots) == 0 {
		return models.ContextSnapshot{}, false
	}
	return g.snapshots[len(g.snapshots)-1], true
}

// Reset clears the cumulative counter and per-agent breakdown for a new
// session. History, alerts and snapshots are kept for reporting.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.cumulative = 0
	g.agentTokens = make(map[string]int)
	g.lastStatus = models.TokenStatusGreen
	g.mu.Unlock()
	log.Debug().Msg("Token tracking reset")
}

// Report is the comprehensive status summary exposed over the API and CLI.
type Report struct {
	CumulativeTokens     int            `json:"cumulative_tokens"`
	MaxTokens            int            `json:"max_tokens"`
	Percentage           float64        `json:"percentage"`
	Status               string         `json:"status"`
	TokensRemaining      int            `json:"tokens_remaining"`
	TokensUntilThreshold int            `json:"tokens_until_threshold"`
	ThresholdPercentage  float64        `json:"threshold_percentage"`
	WarningPercentage    float64        `json:"warning_percentage"`
	AgentBreakdown       map[string]int `json:"agent_breakdown"`
	TotalOperations      int            `json:"total_operations"`
	TotalAlerts          int            `json:"total_alerts"`
	RecentAlerts         []models.Alert `json:"recent_alerts"`
}

// StatusReport snapshots the guard's full state.
func (g *Guard) StatusReport() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	pct := g.percentageLocked()
	thresholdTokens := int(float64(g.cfg.MaxTokens) * g.cfg.ThresholdFraction)
	untilThreshold := thresholdTokens - g.cumulative
	if untilThreshold < 0 {
		untilThreshold = 0
	}

	breakdown := make(map[string]int, len(g.agentTokens))
	for k, v := range g.agentTokens {
		breakdown[k] = v
	}

	recent := g.alerts
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	alerts := make([]models.Alert, len(recent))
	copy(alerts, recent)

	return Report{
		CumulativeTokens:     g.cumulative,
		MaxTokens:            g.cfg.MaxTokens,
		Percentage:           pct * 100,
		Status:               string(g.statusFor(pct)),
		TokensRemaining:      g.cfg.MaxTokens - g.cumulative,
		TokensUntilThreshold: untilThreshold,
		ThresholdPercentage:  g.cfg.ThresholdFraction * 100,
		WarningPercentage:    g.cfg.WarningFraction * 100,
		AgentBreakdown:       breakdown,
		TotalOperations:      len(g.history),
		TotalAlerts:          len(g.alerts),
		RecentAlerts:         alerts,
	}
}
