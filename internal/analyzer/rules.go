package analyzer

import (
	"fmt"
	"strconv"

	"otsentry/internal/model"
)

// EscalationKind selects how a limit breach is promoted to critical.
type EscalationKind int

const (
	// EscalateNever keeps every breach at warning.
	EscalateNever EscalationKind = iota
	// EscalateByOffset is critical once the value passes the limit by more than Value.
	EscalateByOffset
	// EscalateAtLevel is critical once the value passes the fixed level Value.
	EscalateAtLevel
)

// Escalation describes the critical band beyond a limit.
type Escalation struct {
	Kind  EscalationKind
	Value float64
}

func (e Escalation) above(v, limit float64) bool {
	switch e.Kind {
	case EscalateByOffset:
		return v > limit+e.Value
	case EscalateAtLevel:
		return v > e.Value
	default:
		return false
	}
}

func (e Escalation) below(v, limit float64) bool {
	switch e.Kind {
	case EscalateByOffset:
		return v < limit-e.Value
	case EscalateAtLevel:
		return v < e.Value
	default:
		return false
	}
}

// Limit is one side of an absolute-range check. Default applies when the
// device does not configure the bound.
type Limit struct {
	Default  float64
	Critical Escalation
}

// Rule is the table-driven evaluator for a single parameter.
type Rule struct {
	Parameter string
	// Title is used in alert titles, Subject in descriptions.
	Title   string
	Subject string
	Upper   *Limit
	Lower   *Limit
	Trend   Trend
}

// Finding is a fired rule before it becomes an alert candidate.
type Finding struct {
	Rule        string
	Severity    model.Severity
	Title       string
	Description string
	Consulted   []model.Reading
	Delta       *float64
}

// DefaultRules returns the built-in parameter table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Parameter: "temperature",
			Title:     "Temperature",
			Subject:   "Temperature reading",
			Upper:     &Limit{Default: 90, Critical: Escalation{Kind: EscalateByOffset, Value: 5}},
			Trend:     Rise{Threshold: 10, Title: "Rapid Temperature Increase", Label: "Temperature"},
		},
		{
			Parameter: "pressure",
			Title:     "Pressure",
			Subject:   "Pressure reading",
			Upper:     &Limit{Default: 85, Critical: Escalation{Kind: EscalateByOffset, Value: 10}},
			Lower:     &Limit{Default: 55, Critical: Escalation{Kind: EscalateByOffset, Value: 10}},
			Trend:     Swing{Threshold: 15, Title: "Rapid Pressure Change", Label: "Pressure"},
		},
		{
			Parameter: "flow_rate",
			Title:     "Flow Rate",
			Subject:   "Flow rate",
			Upper:     &Limit{Default: 70},
			Lower:     &Limit{Default: 30, Critical: Escalation{Kind: EscalateByOffset, Value: 10}},
			Trend:     FlowLoss{Floor: 40, Ceiling: 10},
		},
		{
			Parameter: "tank_level",
			Title:     "Tank Level",
			Subject:   "Tank level",
			Upper:     &Limit{Default: 90, Critical: Escalation{Kind: EscalateAtLevel, Value: 95}},
			Lower:     &Limit{Default: 20, Critical: Escalation{Kind: EscalateAtLevel, Value: 10}},
			Trend:     Drop{Threshold: 15, Title: "Rapid Tank Level Decrease", Label: "Tank level"},
		},
		{
			Parameter: "vibration",
			Title:     "Vibration",
			Subject:   "Vibration reading",
			Upper:     &Limit{Default: 8, Critical: Escalation{Kind: EscalateByOffset, Value: 1}},
			Trend:     Climb{MinRise: 2, Title: "Increasing Vibration Trend", Label: "Vibration"},
		},
	}
}

// Name implements Evaluator.
func (r Rule) Name() string {
	return r.Parameter
}

// Effective resolves device limits against the table defaults. Sides the
// rule does not check are left empty.
func (r Rule) Effective(rng model.Range) model.Range {
	var out model.Range
	if r.Upper != nil {
		out.Max = model.Float(rng.MaxOr(r.Upper.Default))
	}
	if r.Lower != nil {
		out.Min = model.Float(rng.MinOr(r.Lower.Default))
	}
	return out
}

// Classify grades a single value against the absolute bands only.
func (r Rule) Classify(value float64, rng model.Range) model.ReadingStatus {
	eff := r.Effective(rng)
	if r.Upper != nil && value > *eff.Max {
		if r.Upper.Critical.above(value, *eff.Max) {
			return model.ReadingCritical
		}
		return model.ReadingWarning
	}
	if r.Lower != nil && value < *eff.Min {
		if r.Lower.Critical.below(value, *eff.Min) {
			return model.ReadingCritical
		}
		return model.ReadingWarning
	}
	return model.ReadingNormal
}

// Evaluate applies the absolute-range check, then the trend check.
func (r Rule) Evaluate(current model.Reading, prior []model.Reading, rng model.Range) *Finding {
	if f := r.absolute(current, rng); f != nil {
		return f
	}
	if r.Trend == nil || len(prior) < r.Trend.Depth() {
		return nil
	}
	return r.Trend.Check(current, prior[:r.Trend.Depth()])
}

func (r Rule) absolute(current model.Reading, rng model.Range) *Finding {
	value := current.Float()
	eff := r.Effective(rng)
	unit := current.Unit

	if r.Upper != nil && value > *eff.Max {
		limit := *eff.Max
		severity := model.SeverityWarning
		if r.Upper.Critical.above(value, limit) {
			severity = model.SeverityCritical
		}
		return &Finding{
			Rule:     "above_range",
			Severity: severity,
			Title:    r.Title + " Above Normal Range",
			Description: fmt.Sprintf("%s (%s%s) exceeds normal operating range (%s%s)",
				r.Subject, current.Value.String(), unit, formatNumber(limit), unit),
		}
	}

	if r.Lower != nil && value < *eff.Min {
		limit := *eff.Min
		severity := model.SeverityWarning
		if r.Lower.Critical.below(value, limit) {
			severity = model.SeverityCritical
		}
		return &Finding{
			Rule:     "below_range",
			Severity: severity,
			Title:    r.Title + " Below Normal Range",
			Description: fmt.Sprintf("%s (%s%s) is below normal operating range (%s%s)",
				r.Subject, current.Value.String(), unit, formatNumber(limit), unit),
		}
	}

	return nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
