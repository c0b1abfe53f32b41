package service

import dto "github.com/prometheus/client_model/go"

// SetReferenceSuffix replaces the random part of generated reference codes.
func SetReferenceSuffix(e *Engine, suffix func() string) {
	e.suffix = suffix
}

// ReplayMismatches reads the operation-mismatch replay counter.
func ReplayMismatches() float64 {
	var m dto.Metric
	if err := replayMismatches.Write(&m); err != nil {
		panic(err)
	}
	return m.GetCounter().GetValue()
}
