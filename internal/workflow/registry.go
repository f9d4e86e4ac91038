package workflow

import (
	"sort"
	"strings"

	"github.com/scholarlab/lectern/pkg/models"
)

// Spec describes one registered workflow: what inputs it requires and which
// input carries the query text the loop reasons about.
type Spec struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	RequiredInputs []string `json:"required_inputs"`
	OptionalInputs []string `json:"optional_inputs,omitempty"`
	QueryInput     string   `json:"query_input"`
}

// ValidateInputs reports a ConfigError naming every missing required input.
func (s Spec) ValidateInputs(inputs map[string]string) error {
	var missing []string
	for _, k := range s.RequiredInputs {
		if inputs[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return models.NewConfigError("workflow %s: missing required inputs: %s", s.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Query returns the query text for this run, falling back to the generic
// task/topic keys when the primary input is absent.
func (s Spec) Query(inputs map[string]string) string {
	if q := inputs[s.QueryInput]; q != "" {
		return q
	}
	if q := inputs["topic"]; q != "" {
		return q
	}
	return inputs["task"]
}

// Registry maps workflow names to specs.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds or replaces a workflow spec.
func (r *Registry) Register(spec Spec) {
	r.specs[spec.Name] = spec
}

// Get returns the named spec.
func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// List returns all specs sorted by name.
func (r *Registry) List() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all workflow names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the standard research workflows.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Spec{
		Name:           "explain",
		Description:    "Explain a concept in the persona's teaching style",
		RequiredInputs: []string{"topic"},
		OptionalInputs: []string{"depth", "examples"},
		QueryInput:     "topic",
	})
	r.Register(Spec{
		Name:           "review",
		Description:    "Review a submission against the persona's standards",
		RequiredInputs: []string{"submission_path"},
		OptionalInputs: []string{"rubric_path"},
		QueryInput:     "submission_path",
	})
	r.Register(Spec{
		Name:           "guide",
		Description:    "Provide assignment guidance without direct answers",
		RequiredInputs: []string{"assignment"},
		QueryInput:     "assignment",
	})
	r.Register(Spec{
		Name:           "research",
		Description:    "Full research workflow with analysis and review",
		RequiredInputs: []string{"task"},
		OptionalInputs: []string{"scope", "frameworks"},
		QueryInput:     "task",
	})
	return r
}
