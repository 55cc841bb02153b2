package llm

import (
	"sort"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

// ModelEntry describes one model the deployment can serve.
type ModelEntry struct {
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	MaxInputTokens  int    `json:"max_input_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	Tier            string `json:"tier"` // small/medium/large
}

// Catalog maps models to providers and providers to clients. It is built
// once at startup from configuration and passed into the orchestrator;
// there is no ambient global registry.
type Catalog struct {
	entries map[string]ModelEntry
	clients map[string]Client
}

// NewCatalog builds a catalog from configured entries and one client per
// provider.
func NewCatalog(entries []ModelEntry, clients map[string]Client) *Catalog {
	byModel := make(map[string]ModelEntry, len(entries))
	for _, e := range entries {
		byModel[e.Model] = e
	}
	return &Catalog{entries: byModel, clients: clients}
}

// Entry returns the catalog entry for a model.
func (c *Catalog) Entry(model string) (ModelEntry, bool) {
	e, ok := c.entries[model]
	return e, ok
}

// ClientFor resolves the client serving the given model.
func (c *Catalog) ClientFor(model string) (Client, error) {
	entry, ok := c.entries[model]
	if !ok {
		return nil, llmerrors.Newf(llmerrors.CodeModelError, "model %q not in catalog", model)
	}
	client, ok := c.clients[entry.Provider]
	if !ok {
		return nil, llmerrors.Newf(llmerrors.CodeModelError, "no client configured for provider %q", entry.Provider)
	}
	return client, nil
}

// Models lists known model ids, sorted.
func (c *Catalog) Models() []string {
	out := make([]string, 0, len(c.entries))
	for m := range c.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
