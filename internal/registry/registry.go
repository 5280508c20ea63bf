// Package registry holds the in-memory set of configured models and the
// per-model backend rotation used when a preferred storage backend fails.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"
)

// ModelConfig describes one [model_<key>] configuration section: the
// product it tracks, the ordered list of service backends to try (head is
// preferred), and the parameters used to build WDB load commands.
//
// The backend list is mutated by rotation (RotateBackend) from the
// loader goroutine while Backends() may be read concurrently, so all access
// goes through mu.
type ModelConfig struct {
	Name                string
	Product             string
	DataProvider        string
	LoadProgram         string
	LoadConfig          string
	ModelRunAgeWarning  time.Duration
	ModelRunAgeCritical time.Duration

	mu             sync.Mutex
	servicebackend []string
}

// FromSection builds a ModelConfig from an INI [model_<key>] section,
// replacing the original daemon's dynamic attribute splatting with an
// explicit struct and required-key validation.
func FromSection(name string, section *ini.Section) (*ModelConfig, error) {
	required := []string{"product", "servicebackend", "data_provider", "load_program", "model_run_age_warning"}
	for _, key := range required {
		if !section.HasKey(key) || section.Key(key).String() == "" {
			return nil, fmt.Errorf("model section %q missing required key %q", section.Name(), key)
		}
	}

	backends := splitCSV(section.Key("servicebackend").String())
	if len(backends) == 0 {
		return nil, fmt.Errorf("model section %q: servicebackend must list at least one backend", section.Name())
	}

	warning, err := section.Key("model_run_age_warning").Duration()
	if err != nil {
		return nil, fmt.Errorf("model section %q: invalid model_run_age_warning: %w", section.Name(), err)
	}

	mc := &ModelConfig{
		Name:               name,
		Product:            section.Key("product").String(),
		DataProvider:       section.Key("data_provider").String(),
		LoadProgram:        section.Key("load_program").String(),
		LoadConfig:         section.Key("load_config").String(),
		ModelRunAgeWarning: warning,
		servicebackend:     backends,
	}

	if section.HasKey("model_run_age_critical") {
		critical, err := section.Key("model_run_age_critical").Duration()
		if err != nil {
			return nil, fmt.Errorf("model section %q: invalid model_run_age_critical: %w", section.Name(), err)
		}
		mc.ModelRunAgeCritical = critical
	}

	return mc, nil
}

// Backends returns a copy of the current backend order, head first.
func (m *ModelConfig) Backends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.servicebackend))
	copy(out, m.servicebackend)
	return out
}

// RotateBackend moves the current head of the backend list to the tail.
// Called after a WDBLoadFailed against the preferred backend so the next
// iteration tries a different one first.
func (m *ModelConfig) RotateBackend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.servicebackend) < 2 {
		return
	}
	head := m.servicebackend[0]
	m.servicebackend = append(m.servicebackend[1:], head)
}

// Registry is the in-memory set of all configured models, loaded once at
// startup from configuration.
type Registry struct {
	models map[string]*ModelConfig
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{models: make(map[string]*ModelConfig)}
}

// Add registers a model. It is an error to register the same name twice.
func (r *Registry) Add(mc *ModelConfig) error {
	if _, exists := r.models[mc.Name]; exists {
		return fmt.Errorf("duplicate model %q in configuration", mc.Name)
	}
	r.models[mc.Name] = mc
	return nil
}

// All returns every configured model, in no particular order.
func (r *Registry) All() []*ModelConfig {
	out := make([]*ModelConfig, 0, len(r.models))
	for _, mc := range r.models {
		out = append(out, mc)
	}
	return out
}

// ForProduct returns every model configured against the given product.
// Multiple models may share a product.
func (r *Registry) ForProduct(product string) []*ModelConfig {
	var out []*ModelConfig
	for _, mc := range r.models {
		if mc.Product == product {
			out = append(out, mc)
		}
	}
	return out
}

// ForBackend returns every model whose (product, servicebackend) pair
// matches, used by the Listener to decide whether a datainstance event is
// relevant to any configured model.
func (r *Registry) ForBackend(product, servicebackend string) []*ModelConfig {
	var out []*ModelConfig
	for _, mc := range r.ForProduct(product) {
		for _, sb := range mc.Backends() {
			if sb == servicebackend {
				out = append(out, mc)
				break
			}
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}
