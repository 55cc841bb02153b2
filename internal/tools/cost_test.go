package tools

import (
	"math"
	"testing"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEstimateFixedCost(t *testing.T) {
	d := &Definition{Cost: CostConfig{FixedUSD: 0.05, EstimatedLatencyMs: 200}}
	est := d.Estimate(nil)
	if est.EstimatedCostUSD != 0.05 {
		t.Fatalf("cost = %v", est.EstimatedCostUSD)
	}
	if est.EstimatedLatencyMs != 200 {
		t.Fatalf("latency = %v", est.EstimatedLatencyMs)
	}
	if est.Confidence != ConfidenceExact {
		t.Fatalf("confidence = %v", est.Confidence)
	}
}

func TestEstimatePerUnit(t *testing.T) {
	d := &Definition{Cost: CostConfig{FixedUSD: 0.01, PerUnitUSD: 0.002, UnitField: "records"}}

	est := d.Estimate(map[string]interface{}{"records": float64(10)})
	if !closeTo(est.EstimatedCostUSD, 0.03) {
		t.Fatalf("cost = %v, want 0.03", est.EstimatedCostUSD)
	}
	if est.Confidence != ConfidenceEstimate {
		t.Fatalf("confidence = %v", est.Confidence)
	}

	// Lists count by length.
	est = d.Estimate(map[string]interface{}{"records": []interface{}{1, 2, 3}})
	if !closeTo(est.EstimatedCostUSD, 0.016) {
		t.Fatalf("cost = %v, want 0.016", est.EstimatedCostUSD)
	}
}

func TestEstimateUnknownUnits(t *testing.T) {
	d := &Definition{Cost: CostConfig{FixedUSD: 0.01, PerUnitUSD: 0.002, UnitField: "records"}}

	// Missing unit field still yields the fixed floor but with unknown
	// confidence so callers can decide to over-reserve.
	est := d.Estimate(map[string]interface{}{})
	if est.EstimatedCostUSD != 0.01 {
		t.Fatalf("cost = %v", est.EstimatedCostUSD)
	}
	if est.Confidence != ConfidenceUnknown {
		t.Fatalf("confidence = %v", est.Confidence)
	}
}

func TestEstimateFreeTool(t *testing.T) {
	d := &Definition{}
	est := d.Estimate(nil)
	if est.EstimatedCostUSD != 0 {
		t.Fatalf("cost = %v", est.EstimatedCostUSD)
	}
	if est.Confidence != ConfidenceUnknown {
		t.Fatalf("confidence = %v", est.Confidence)
	}
}
