package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	dir := t.TempDir()
	data := []byte(`pricing:
  defaults:
    combined_per_1k: 0.002
  models:
    anthropic:
      claude-sonnet-4:
        input_per_1k: 0.003
        output_per_1k: 0.015
    openai:
      gpt-4o-mini:
        combined_per_1k: 0.0006
`)
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return Load(path, zap.NewNop())
}

func TestDefaultPerToken(t *testing.T) {
	table := loadTestTable(t)
	price := table.DefaultPerToken()
	if price <= 0 {
		t.Errorf("DefaultPerToken returned non-positive price: %f", price)
	}
	if price < 0.000001 || price > 0.000003 {
		t.Errorf("DefaultPerToken returned unexpected price: %f", price)
	}
}

func TestPricePerTokenForModel(t *testing.T) {
	table := loadTestTable(t)
	tests := []struct {
		model     string
		wantFound bool
	}{
		{"claude-sonnet-4", true},
		{"gpt-4o-mini", true},
		{"unknown-model", false},
		{"", false},
	}
	for _, tt := range tests {
		price, found := table.PricePerTokenForModel(tt.model)
		if found != tt.wantFound {
			t.Errorf("PricePerTokenForModel(%q): found = %v, want %v", tt.model, found, tt.wantFound)
		}
		if found && price <= 0 {
			t.Errorf("PricePerTokenForModel(%q): non-positive price %f", tt.model, price)
		}
	}
}

func TestCostForSplit_UsesInputOutputSplit(t *testing.T) {
	table := loadTestTable(t)
	cost := table.CostForSplit("claude-sonnet-4", 1000, 1000)
	want := 0.003 + 0.015
	if cost < want-1e-9 || cost > want+1e-9 {
		t.Errorf("CostForSplit = %f, want %f", cost, want)
	}
}

func TestCostForTokens_FallbackForUnknownModel(t *testing.T) {
	table := loadTestTable(t)
	cost := table.CostForTokens("unknown-model", 1000)
	if cost < 0.001 || cost > 0.003 {
		t.Errorf("expected default pricing for unknown model, got %f", cost)
	}
}

func TestCostForTokens_NegativeTokensClamped(t *testing.T) {
	table := loadTestTable(t)
	if cost := table.CostForTokens("gpt-4o-mini", -500); cost != 0 {
		t.Errorf("negative tokens should cost 0, got %f", cost)
	}
}

func TestLoadMissingFileServesDefaults(t *testing.T) {
	table := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	if price := table.DefaultPerToken(); price <= 0 {
		t.Errorf("missing config must still price tokens, got %f", price)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	write := func(defPer1K string) {
		t.Helper()
		data := []byte("pricing:\n  defaults:\n    combined_per_1k: " + defPer1K + "\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("0.002")
	table := Load(path, zap.NewNop())

	write("0.004")
	if err := table.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	want := 0.004 / 1000.0
	if got := table.DefaultPerToken(); got < want-1e-12 || got > want+1e-12 {
		t.Errorf("DefaultPerToken after reload = %f, want %f", got, want)
	}
}
