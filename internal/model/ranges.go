package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Range holds optional absolute engineering limits.
type Range struct {
	Min *float64 `json:"min,omitempty" mapstructure:"min"`
	Max *float64 `json:"max,omitempty" mapstructure:"max"`
}

// MinOr returns the configured minimum or fallback.
func (r Range) MinOr(fallback float64) float64 {
	if !finite(r.Min) {
		return fallback
	}
	return *r.Min
}

// MaxOr returns the configured maximum or fallback.
func (r Range) MaxOr(fallback float64) float64 {
	if !finite(r.Max) {
		return fallback
	}
	return *r.Max
}

// finite reports whether a bound is set to a usable number. NaN and
// infinities count as unset.
func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// UnmarshalJSON accepts numbers and numeric strings; anything else is treated as absent.
func (r *Range) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// a non-object range is ignored rather than failing the whole device
		*r = Range{}
		return nil
	}
	*r = Range{
		Min: looseFloat(raw["min"]),
		Max: looseFloat(raw["max"]),
	}
	return nil
}

// AcceptableRanges is the per-device configuration consumed by the analyzer.
// Parameters overrides the device-wide range for individual parameters.
type AcceptableRanges struct {
	Range      `mapstructure:",squash"`
	Parameters map[string]Range `json:"parameters,omitempty" mapstructure:"parameters"`
}

// For returns the effective range for a parameter. Per-parameter limits win
// over the device-wide ones, bound by bound.
func (a AcceptableRanges) For(parameter string) Range {
	var out Range
	if finite(a.Min) {
		out.Min = a.Min
	}
	if finite(a.Max) {
		out.Max = a.Max
	}
	if override, ok := a.Parameters[parameter]; ok {
		if finite(override.Min) {
			out.Min = override.Min
		}
		if finite(override.Max) {
			out.Max = override.Max
		}
	}
	return out
}

// MarshalJSON flattens the device-wide range next to the overrides.
func (a AcceptableRanges) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3)
	if a.Min != nil {
		out["min"] = *a.Min
	}
	if a.Max != nil {
		out["max"] = *a.Max
	}
	if len(a.Parameters) > 0 {
		out["parameters"] = a.Parameters
	}
	return json.Marshal(out)
}

// UnmarshalJSON tolerates malformed documents by falling back to empty limits.
func (a *AcceptableRanges) UnmarshalJSON(data []byte) error {
	*a = AcceptableRanges{}
	if err := a.Range.UnmarshalJSON(data); err != nil {
		return err
	}

	var raw struct {
		Parameters map[string]json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw.Parameters) == 0 {
		return nil
	}

	a.Parameters = make(map[string]Range, len(raw.Parameters))
	for name, doc := range raw.Parameters {
		var rng Range
		_ = rng.UnmarshalJSON(doc)
		a.Parameters[name] = rng
	}
	return nil
}

func looseFloat(doc json.RawMessage) *float64 {
	if len(doc) == 0 {
		return nil
	}

	var num float64
	if err := json.Unmarshal(doc, &num); err == nil {
		return &num
	}

	var text string
	if err := json.Unmarshal(doc, &text); err != nil {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	return &parsed
}

// Float is a convenience for building ranges in code and tests.
func Float(v float64) *float64 {
	return &v
}
