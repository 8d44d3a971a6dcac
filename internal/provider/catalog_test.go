package provider

import (
	"testing"

	"github.com/trainforge/conductor/internal/ledger"
)

func TestCatalog_ProvidersSkipsDisabled(t *testing.T) {
	c := NewCatalog([]Descriptor{
		{ID: "cerebras", BaseURL: "https://cerebras.example/v1", Enabled: true},
		{ID: "nvidia", BaseURL: "https://nvidia.example/v1", Enabled: false},
	}, nil)

	got := c.Providers()
	if len(got) != 1 || got[0] != "cerebras" {
		t.Errorf("Providers() = %v, want [cerebras]", got)
	}
}

func TestCatalog_AllKeysPreservesConfigOrder(t *testing.T) {
	l := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "a", RequestsPerMinute: 10, TokensPerMinute: 100},
		{ProviderID: "cerebras", Name: "b", RequestsPerMinute: 10, TokensPerMinute: 100},
		{ProviderID: "nvidia", Name: "c", RequestsPerMinute: 10, TokensPerMinute: 100},
	})
	refs := l.Keys()

	c := NewCatalog(
		[]Descriptor{
			{ID: "cerebras", BaseURL: "https://cerebras.example/v1", Enabled: true},
			{ID: "nvidia", BaseURL: "https://nvidia.example/v1", Enabled: true},
		},
		map[string][]ledger.KeyRef{
			"cerebras": {refs[0], refs[1]},
			"nvidia":   {refs[2]},
		},
	)

	all := c.AllKeys()
	if len(all) != 3 {
		t.Fatalf("AllKeys() len = %d, want 3", len(all))
	}
	if all[0] != refs[0] || all[1] != refs[1] || all[2] != refs[2] {
		t.Errorf("AllKeys() order mismatch: %v", all)
	}
}

func TestCatalog_DisabledProviderExcludedFromAllKeys(t *testing.T) {
	l := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "nvidia", Name: "only", RequestsPerMinute: 10, TokensPerMinute: 100},
	})
	refs := l.Keys()

	c := NewCatalog(
		[]Descriptor{{ID: "nvidia", BaseURL: "https://nvidia.example/v1", Enabled: false}},
		map[string][]ledger.KeyRef{"nvidia": refs},
	)

	if got := c.AllKeys(); len(got) != 0 {
		t.Errorf("AllKeys() = %v, want empty for disabled provider", got)
	}
}
