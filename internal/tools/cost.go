package tools

// Estimate computes the pre-flight cost estimate for invoking the tool
// with the given input. Fixed cost plus optional per-unit cost on a
// declared input field (e.g. token or record counts).
func (d *Definition) Estimate(input map[string]interface{}) CostEstimate {
	est := CostEstimate{
		EstimatedCostUSD:   d.Cost.FixedUSD,
		EstimatedLatencyMs: d.Cost.EstimatedLatencyMs,
		Confidence:         ConfidenceExact,
	}
	if d.Cost.PerUnitUSD > 0 && d.Cost.UnitField != "" {
		units, known := unitCount(input[d.Cost.UnitField])
		if known {
			est.EstimatedCostUSD += d.Cost.PerUnitUSD * units
			est.Confidence = ConfidenceEstimate
		} else {
			est.Confidence = ConfidenceUnknown
		}
	}
	if d.Cost.FixedUSD == 0 && d.Cost.PerUnitUSD == 0 {
		est.Confidence = ConfidenceUnknown
	}
	return est
}

// unitCount extracts a unit count from an input value: numbers count as
// themselves, strings and lists by length.
func unitCount(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		return float64(len(n)), true
	case []interface{}:
		return float64(len(n)), true
	default:
		return 0, false
	}
}
