// Package pricing converts token usage into USD cost for budget
// enforcement. Prices come from config/models.yaml and are held in an
// explicit Table passed to consumers at construction.
package pricing

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openloom/loom/go/orchestrator/internal/metrics"
)

// fallbackCombinedPer1K applies when no configuration is present at all.
const fallbackCombinedPer1K = 0.002

// ModelPrice is the per-1k-token price for one model.
type ModelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// fileConfig mirrors the pricing section in config/models.yaml.
type fileConfig struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]ModelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// Table answers price lookups. Reload swaps the contents in place so
// long-lived consumers pick up config changes.
type Table struct {
	mu                   sync.RWMutex
	defaultCombinedPer1K float64
	models               map[string]ModelPrice

	path   string
	logger *zap.Logger
}

// NewTable builds a table from in-process values; models are keyed by
// model id.
func NewTable(defaultCombinedPer1K float64, models map[string]ModelPrice, logger *zap.Logger) *Table {
	if defaultCombinedPer1K <= 0 {
		defaultCombinedPer1K = fallbackCombinedPer1K
	}
	if models == nil {
		models = map[string]ModelPrice{}
	}
	return &Table{
		defaultCombinedPer1K: defaultCombinedPer1K,
		models:               models,
		logger:               logger,
	}
}

// Load reads the pricing table from path (MODELS_CONFIG_PATH or
// config/models.yaml when empty). A missing or malformed file yields a
// table serving the built-in default so startup never blocks on pricing.
func Load(path string, logger *zap.Logger) *Table {
	if path == "" {
		path = os.Getenv("MODELS_CONFIG_PATH")
	}
	if path == "" {
		path = "config/models.yaml"
	}
	t := NewTable(0, nil, logger)
	t.path = path
	if err := t.Reload(); err != nil {
		logger.Warn("pricing config unavailable, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return t
}

// Reload re-reads the backing file and swaps the table contents.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	models := make(map[string]ModelPrice)
	for _, providerModels := range cfg.Pricing.Models {
		for model, price := range providerModels {
			models[model] = price
		}
	}
	def := cfg.Pricing.Defaults.CombinedPer1K
	if def <= 0 {
		def = fallbackCombinedPer1K
	}

	t.mu.Lock()
	t.defaultCombinedPer1K = def
	t.models = models
	t.mu.Unlock()

	t.logger.Info("pricing table loaded",
		zap.String("path", t.path),
		zap.Int("models", len(models)),
	)
	return nil
}

// DefaultPerToken returns the combined default price per token.
func (t *Table) DefaultPerToken() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultCombinedPer1K / 1000.0
}

// PricePerTokenForModel returns a combined per-token price for a model
// when one is configured.
func (t *Table) PricePerTokenForModel(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.models[model]
	if !ok {
		return 0, false
	}
	if m.CombinedPer1K > 0 {
		return m.CombinedPer1K / 1000.0, true
	}
	if m.InputPer1K > 0 && m.OutputPer1K > 0 {
		return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForTokens prices a combined token count.
func (t *Table) CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if price, ok := t.PricePerTokenForModel(model); ok {
		return float64(tokens) * price
	}
	t.countFallback(model)
	return float64(tokens) * t.DefaultPerToken()
}

// CostForSplit prices an input/output token split, falling back to
// combined pricing when the model has no split prices.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	t.mu.RLock()
	m, ok := t.models[model]
	t.mu.RUnlock()
	if ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	t.countFallback(model)
	return float64(inputTokens+outputTokens) * t.DefaultPerToken()
}

func (t *Table) countFallback(model string) {
	if model == "" {
		metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		return
	}
	metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
}
