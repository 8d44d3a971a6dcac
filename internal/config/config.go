// Package config loads the conductor's YAML configuration plus environment
// overrides. It returns a File, which cmd/conductor converts into the
// core's provider and key descriptors; the core itself never touches YAML
// or the environment directly.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// KeyConfig is one API key entry under a provider.
type KeyConfig struct {
	Name              string `yaml:"name"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TokensPerMinute   int    `yaml:"tokens_per_minute"`
}

// ProviderConfig is one upstream provider entry.
type ProviderConfig struct {
	Enabled bool        `yaml:"enabled"`
	BaseURL string      `yaml:"base_url"`
	Keys    []KeyConfig `yaml:"keys"`
}

// ConductorConfig is the top-level `conductor:` block.
type ConductorConfig struct {
	SchedulingStrategy string  `yaml:"scheduling_strategy"`
	RequestTimeout     int     `yaml:"request_timeout"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryDelay         float64 `yaml:"retry_delay"`
}

// File is the parsed shape of config.yaml. ProviderOrder preserves the
// providers block's declaration order — Go map iteration over Providers
// is randomized per process, and round_robin/sequential/least_loaded all
// tie-break on config order, so every consumer that walks providers in
// order must range ProviderOrder instead of Providers directly.
type File struct {
	Conductor     ConductorConfig
	Models        map[string]map[string]string
	Providers     map[string]ProviderConfig
	ProviderOrder []string
}

// Default returns the built-in configuration used when no config file is
// present: both known providers declared but disabled with no keys, so
// the process still comes up and answers with NoProviders rather than
// crashing.
func Default() *File {
	return &File{
		Conductor: ConductorConfig{
			SchedulingStrategy: "round_robin",
			RequestTimeout:     120,
			MaxRetries:         3,
			RetryDelay:         1.0,
		},
		Models: map[string]map[string]string{},
		Providers: map[string]ProviderConfig{
			"cerebras": {
				Enabled: false,
				BaseURL: "https://api.cerebras.ai/v1",
				Keys:    nil,
			},
			"nvidia": {
				Enabled: false,
				BaseURL: "https://integrate.api.nvidia.com/v1",
				Keys:    nil,
			},
		},
		ProviderOrder: []string{"cerebras", "nvidia"},
	}
}

// UnmarshalYAML decodes the top-level conductor/models/providers mapping.
// Conductor and Models decode straight into the receiver's existing
// fields (already populated by Default, so an omitted field keeps its
// default rather than zeroing out). Providers is walked as a raw node so
// its key order can be recorded before handing each entry to the normal
// struct decoder.
func (f *File) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		Conductor ConductorConfig              `yaml:"conductor"`
		Models    map[string]map[string]string `yaml:"models"`
		Providers yaml.Node                    `yaml:"providers"`
	}{
		Conductor: f.Conductor,
		Models:    f.Models,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	f.Conductor = aux.Conductor
	f.Models = aux.Models
	return f.mergeProviders(&aux.Providers)
}

// mergeProviders decodes each entry of the providers mapping node,
// overlaying it onto f.Providers, and rebuilds ProviderOrder as the
// file's declared order followed by any default provider left
// undeclared, so it stays a superset of every key in f.Providers.
func (f *File) mergeProviders(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	order := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var pc ProviderConfig
		if err := node.Content[i+1].Decode(&pc); err != nil {
			return err
		}
		if f.Providers == nil {
			f.Providers = make(map[string]ProviderConfig)
		}
		f.Providers[id] = pc
		order = append(order, id)
	}

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		seen[id] = true
	}
	for _, id := range f.ProviderOrder {
		if !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	f.ProviderOrder = order
	return nil
}

// Load reads config.yaml from path. A missing file is not an error — it
// yields Default() so the process still starts and serves /health.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}

	fillKeyNames(f)

	return f, nil
}

// fillKeyNames assigns "<provider>-key-<n>" to keys left unnamed so every
// key has a stable identity for logging and metrics even when the config
// file omits a name.
func fillKeyNames(f *File) {
	for providerID, p := range f.Providers {
		for i := range p.Keys {
			if p.Keys[i].Name == "" {
				p.Keys[i].Name = providerID + "-key-" + strconv.Itoa(i+1)
			}
		}
		f.Providers[providerID] = p
	}
}

// Settings are the environment-driven process settings: CONDUCTOR_HOST,
// CONDUCTOR_PORT, CONDUCTOR_LOG_LEVEL, CONDUCTOR_CONFIG_PATH.
type Settings struct {
	Host       string
	Port       string
	LogLevel   string
	ConfigPath string
}

// LoadSettings reads process settings from the environment.
func LoadSettings() *Settings {
	return &Settings{
		Host:       getEnv("CONDUCTOR_HOST", "0.0.0.0"),
		Port:       getEnv("CONDUCTOR_PORT", "8000"),
		LogLevel:   getEnv("CONDUCTOR_LOG_LEVEL", "INFO"),
		ConfigPath: getEnv("CONDUCTOR_CONFIG_PATH", "./config/config.yaml"),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
