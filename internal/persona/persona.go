// Package persona loads persona definitions from YAML.
//
// A persona directory holds persona.yaml (identity, behaviors, guidelines,
// knowledge base layout) and prompts.yaml (system prompt, per-workflow
// prompts, response templates). The loaded Persona is treated as immutable;
// the loader caches by name.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scholarlab/lectern/pkg/models"
	"gopkg.in/yaml.v3"
)

// Identity is the persona's self-description used in system prompts.
type Identity struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Institution string `yaml:"institution,omitempty"`
	Style       string `yaml:"style,omitempty"`
}

// Persona holds everything a workflow run needs from its persona.
type Persona struct {
	Name        string
	Domain      string
	Description string
	Identity    Identity
	Behaviors   map[string]any

	SystemPrompt string
	// Prompts maps workflow name to prompt kind (e.g. "initial", "system").
	Prompts   map[string]map[string]string
	Templates map[string]string

	Guidelines []string
	Ethics     []string

	Dir          string
	KnowledgeDir string
	OutputDir    string
}

// Prompt returns the named prompt for a workflow, or "" when absent.
func (p *Persona) Prompt(workflow, kind string) string {
	if wp, ok := p.Prompts[workflow]; ok {
		return wp[kind]
	}
	return ""
}

// Template returns the named response template, or "" when absent.
func (p *Persona) Template(name string) string {
	return p.Templates[name]
}

// Summary reports the loaded persona's shape for the CLI and API.
type Summary struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Identity     string   `json:"identity"`
	Description  string   `json:"description"`
	Workflows    []string `json:"workflows"`
	Guidelines   int      `json:"guidelines"`
	KnowledgeDir string   `json:"knowledge_dir"`
}

// Summarize builds a Summary of the persona.
func (p *Persona) Summarize() Summary {
	workflows := make([]string, 0, len(p.Prompts))
	for name := range p.Prompts {
		workflows = append(workflows, name)
	}
	sort.Strings(workflows)
	return Summary{
		Name:         p.Name,
		Domain:       p.Domain,
		Identity:     p.Identity.Name,
		Description:  p.Description,
		Workflows:    workflows,
		Guidelines:   len(p.Guidelines),
		KnowledgeDir: p.KnowledgeDir,
	}
}

// ── Loader ───────────────────────────────────────────────────

// Loader reads personas from a base directory and caches them by name.
type Loader struct {
	baseDir string

	mu    sync.Mutex
	cache map[string]*Persona
}

// NewLoader creates a loader rooted at baseDir (typically ./personas).
func NewLoader(baseDir string) *Loader {
	return &Loader{
		baseDir: baseDir,
		cache:   make(map[string]*Persona),
	}
}

// ListAvailable returns the names of directories containing a persona.yaml.
func (l *Loader) ListAvailable() []string {
	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.baseDir, e.Name(), "persona.yaml")); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Load reads and validates the named persona, returning the cached copy on
// repeat calls.
func (l *Loader) Load(name string) (*Persona, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.cache[name]; ok {
		return p, nil
	}

	dir := filepath.Join(l.baseDir, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, models.NewConfigError("persona not found: %s", name)
	}

	p, err := l.loadDir(name, dir)
	if err != nil {
		return nil, err
	}

	l.cache[name] = p
	log.Info().
		Str("persona", name).
		Str("identity", p.Identity.Name).
		Int("workflows", len(p.Prompts)).
		Msg("Loaded persona")
	return p, nil
}

type personaFile struct {
	Name            string         `yaml:"name"`
	Domain          string         `yaml:"domain"`
	Description     string         `yaml:"description"`
	PersonaIdentity Identity       `yaml:"persona_identity"`
	Behaviors       map[string]any `yaml:"behaviors"`
	Guidelines      []string       `yaml:"guidelines"`
	Ethics          []string       `yaml:"ethics"`
	KnowledgeBase   struct {
		SourcesDir string `yaml:"sources_dir"`
	} `yaml:"knowledge_base"`
}

func (l *Loader) loadDir(name, dir string) (*Persona, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "persona.yaml"))
	if err != nil {
		return nil, models.NewConfigError("persona %s: read persona.yaml: %v", name, err)
	}

	var pf personaFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, models.NewConfigError("persona %s: parse persona.yaml: %v", name, err)
	}

	systemPrompt, prompts, templates, err := l.loadPrompts(name, dir)
	if err != nil {
		return nil, err
	}

	if pf.PersonaIdentity.Name == "" {
		return nil, models.NewConfigError("persona %s: persona_identity.name is required", name)
	}
	if systemPrompt == "" {
		return nil, models.NewConfigError("persona %s: prompts.yaml must define system_prompt", name)
	}

	sourcesDir := pf.KnowledgeBase.SourcesDir
	if sourcesDir == "" {
		sourcesDir = "knowledge"
	}

	displayName := pf.Name
	if displayName == "" {
		displayName = name
	}
	domain := pf.Domain
	if domain == "" {
		domain = "general"
	}

	return &Persona{
		Name:         displayName,
		Domain:       domain,
		Description:  pf.Description,
		Identity:     pf.PersonaIdentity,
		Behaviors:    pf.Behaviors,
		SystemPrompt: systemPrompt,
		Prompts:      prompts,
		Templates:    templates,
		Guidelines:   pf.Guidelines,
		Ethics:       pf.Ethics,
		Dir:          dir,
		KnowledgeDir: filepath.Join(dir, sourcesDir),
		OutputDir:    filepath.Join(dir, "output"),
	}, nil
}

// loadPrompts splits prompts.yaml into the system prompt, the templates
// map, and per-workflow prompt maps (every other top-level mapping key).
func (l *Loader) loadPrompts(name, dir string) (string, map[string]map[string]string, map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "prompts.yaml"))
	if err != nil {
		return "", nil, nil, models.NewConfigError("persona %s: read prompts.yaml: %v", name, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", nil, nil, models.NewConfigError("persona %s: parse prompts.yaml: %v", name, err)
	}

	systemPrompt, _ := doc["system_prompt"].(string)

	templates := make(map[string]string)
	if t, ok := doc["templates"].(map[string]any); ok {
		for k, v := range t {
			if s, ok := v.(string); ok {
				templates[k] = s
			}
		}
	}

	prompts := make(map[string]map[string]string)
	for key, value := range doc {
		if key == "system_prompt" || key == "templates" {
			continue
		}
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		wp := make(map[string]string, len(section))
		for k, v := range section {
			if s, ok := v.(string); ok {
				wp[k] = s
			}
		}
		prompts[key] = wp
	}

	return systemPrompt, prompts, templates, nil
}

// MustDirs ensures the persona's knowledge and output directories exist.
func (p *Persona) MustDirs() error {
	for _, d := range []string{p.KnowledgeDir, p.OutputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create persona dir %s: %w", d, err)
		}
	}
	return nil
}
