// Package registry resolves unified model names to provider-native model
// identifiers. It is an injectable, immutable-after-load object: New does
// all the merging up front so Resolve never takes a lock.
package registry

import (
	"strings"

	"github.com/trainforge/conductor/internal/domain"
)

// DefaultModel is used when a request omits model entirely.
const DefaultModel = "llama-70b"

// defaultMapping is the built-in unified -> {provider: native} table.
var defaultMapping = map[string]map[string]string{
	"llama-70b": {
		"cerebras": "llama-3.3-70b",
		"nvidia":   "meta/llama-3.3-70b-instruct",
	},
	"llama-3.3-70b": {
		"cerebras": "llama-3.3-70b",
		"nvidia":   "meta/llama-3.3-70b-instruct",
	},
	"llama-8b": {
		"cerebras": "llama3.1-8b",
		"nvidia":   "meta/llama-3.1-8b-instruct",
	},
	"llama-3.1-8b": {
		"cerebras": "llama3.1-8b",
		"nvidia":   "meta/llama-3.1-8b-instruct",
	},
	"llama-3.1-70b": {
		"cerebras": "llama-3.1-70b",
		"nvidia":   "meta/llama-3.1-70b-instruct",
	},
}

// Registry maps unified model names to provider-native identifiers.
// Immutable after New — safe for concurrent Resolve calls.
type Registry struct {
	mappings map[string]map[string]string
}

// New builds a Registry from the built-in defaults overlaid with
// user-configured entries; on collision the user's entry wins entirely —
// the whole per-model map is replaced, not merged provider-by-provider.
func New(custom map[string]map[string]string) *Registry {
	merged := make(map[string]map[string]string, len(defaultMapping)+len(custom))
	for name, providers := range defaultMapping {
		merged[name] = providers
	}
	for name, providers := range custom {
		merged[strings.ToLower(strings.TrimSpace(name))] = providers
	}
	return &Registry{mappings: merged}
}

// Resolve translates a unified model name to the provider-specific
// identifier for providerID:
//   - unknown unified name: pass through unchanged (the caller may already
//     be using a provider-native name).
//   - known unified name with no entry for providerID: ErrModelNotSupported,
//     so the Dispatcher can skip that provider's keys entirely.
func (r *Registry) Resolve(unifiedName, providerID string) (string, error) {
	if unifiedName == "" {
		unifiedName = DefaultModel
	}
	name := strings.ToLower(strings.TrimSpace(unifiedName))

	providers, known := r.mappings[name]
	if !known {
		return unifiedName, nil
	}
	if native, ok := providers[providerID]; ok {
		return native, nil
	}
	return "", domain.ErrModelNotSupported
}

// AvailableModels lists every unified name the registry knows, including
// DefaultModel even if it was never explicitly re-declared by user config.
func (r *Registry) AvailableModels() []string {
	seen := make(map[string]struct{}, len(r.mappings)+1)
	names := make([]string, 0, len(r.mappings)+1)

	add := func(n string) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}

	add(DefaultModel)
	for name := range r.mappings {
		add(name)
	}
	return names
}
