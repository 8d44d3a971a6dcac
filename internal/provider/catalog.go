package provider

import "github.com/trainforge/conductor/internal/ledger"

// Catalog is the config-ordered join between provider Descriptors and the
// ledger.KeyRefs backing each one. The Dispatcher reads it instead of
// ranging over the raw config map and hands its key order to the Selector
// strategies, so their tie-breaks stay deterministic
// — Go map iteration order is randomized per run, so nothing that needs a
// stable order can range over one directly.
type Catalog struct {
	order       []string
	descriptors map[string]Descriptor
	keysByID    map[string][]ledger.KeyRef
}

// NewCatalog builds a Catalog. descs and keysByProvider must share the same
// provider IDs; descs establishes the config order every Selector strategy
// relies on.
func NewCatalog(descs []Descriptor, keysByProvider map[string][]ledger.KeyRef) *Catalog {
	c := &Catalog{
		descriptors: make(map[string]Descriptor, len(descs)),
		keysByID:    make(map[string][]ledger.KeyRef, len(descs)),
	}
	for _, d := range descs {
		c.order = append(c.order, d.ID)
		c.descriptors[d.ID] = d
		c.keysByID[d.ID] = keysByProvider[d.ID]
	}
	return c
}

// Providers returns every enabled provider ID in config order.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if c.descriptors[id].Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Descriptor returns the Descriptor for a provider ID.
func (c *Catalog) Descriptor(providerID string) (Descriptor, bool) {
	d, ok := c.descriptors[providerID]
	return d, ok
}

// KeysFor returns the keys belonging to providerID, in config order.
func (c *Catalog) KeysFor(providerID string) []ledger.KeyRef {
	return c.keysByID[providerID]
}

// AllKeys returns every key across every enabled provider, in config order,
// providers outer and keys inner — the iteration order round_robin and
// sequential strategies rely on.
func (c *Catalog) AllKeys() []ledger.KeyRef {
	var out []ledger.KeyRef
	for _, id := range c.Providers() {
		out = append(out, c.keysByID[id]...)
	}
	return out
}
