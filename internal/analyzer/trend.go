package analyzer

import (
	"fmt"

	"otsentry/internal/model"
)

// Trend compares the current reading to the readings immediately before it.
// prior is newest first and has exactly Depth() entries.
type Trend interface {
	Depth() int
	Check(current model.Reading, prior []model.Reading) *Finding
}

// Rise fires when the value climbs by more than Threshold since the previous reading.
type Rise struct {
	Threshold float64
	Title     string
	Label     string
}

func (t Rise) Depth() int { return 1 }

func (t Rise) Check(current model.Reading, prior []model.Reading) *Finding {
	prev := prior[0]
	increase := current.Float() - prev.Float()
	if increase <= t.Threshold {
		return nil
	}
	return &Finding{
		Rule:     "rise",
		Severity: model.SeverityWarning,
		Title:    t.Title,
		Description: fmt.Sprintf("%s increased by %.1f%s in a short period (from %s%s to %s%s)",
			t.Label, increase, current.Unit, prev.Value.String(), current.Unit, current.Value.String(), current.Unit),
		Consulted: prior,
		Delta:     &increase,
	}
}

// Swing fires on an absolute change larger than Threshold in either direction.
type Swing struct {
	Threshold float64
	Title     string
	Label     string
}

func (t Swing) Depth() int { return 1 }

func (t Swing) Check(current model.Reading, prior []model.Reading) *Finding {
	prev := prior[0]
	change := current.Float() - prev.Float()
	if change < 0 {
		change = -change
	}
	if change <= t.Threshold {
		return nil
	}
	return &Finding{
		Rule:     "swing",
		Severity: model.SeverityWarning,
		Title:    t.Title,
		Description: fmt.Sprintf("%s changed by %.1f%s in a short period (from %s%s to %s%s)",
			t.Label, change, current.Unit, prev.Value.String(), current.Unit, current.Value.String(), current.Unit),
		Consulted: prior,
		Delta:     &change,
	}
}

// Drop fires when the value falls by more than Threshold since the previous reading.
type Drop struct {
	Threshold float64
	Title     string
	Label     string
}

func (t Drop) Depth() int { return 1 }

func (t Drop) Check(current model.Reading, prior []model.Reading) *Finding {
	prev := prior[0]
	decrease := prev.Float() - current.Float()
	if decrease <= t.Threshold {
		return nil
	}
	return &Finding{
		Rule:     "drop",
		Severity: model.SeverityWarning,
		Title:    t.Title,
		Description: fmt.Sprintf("%s decreased by %.1f%s in a short period (from %s%s to %s%s)",
			t.Label, decrease, current.Unit, prev.Value.String(), current.Unit, current.Value.String(), current.Unit),
		Consulted: prior,
		Delta:     &decrease,
	}
}

// FlowLoss fires when two healthy readings above Floor are followed by one below Ceiling.
type FlowLoss struct {
	Floor   float64
	Ceiling float64
}

func (t FlowLoss) Depth() int { return 2 }

func (t FlowLoss) Check(current model.Reading, prior []model.Reading) *Finding {
	prev, before := prior[0], prior[1]
	if prev.Float() <= t.Floor || before.Float() <= t.Floor || current.Float() >= t.Ceiling {
		return nil
	}
	return &Finding{
		Rule:     "flow_loss",
		Severity: model.SeverityCritical,
		Title:    "Sudden Flow Loss",
		Description: fmt.Sprintf("Flow rate dropped suddenly from %s%s to %s%s",
			prev.Value.String(), current.Unit, current.Value.String(), current.Unit),
		Consulted: prior,
	}
}

// Climb fires on a strictly increasing run over the current and two prior
// readings whose total rise exceeds MinRise.
type Climb struct {
	MinRise float64
	Title   string
	Label   string
}

func (t Climb) Depth() int { return 2 }

func (t Climb) Check(current model.Reading, prior []model.Reading) *Finding {
	v0, v1, v2 := current.Float(), prior[0].Float(), prior[1].Float()
	if !(v0 > v1 && v1 > v2) {
		return nil
	}
	rise := v0 - v2
	if rise <= t.MinRise {
		return nil
	}
	return &Finding{
		Rule:     "climb",
		Severity: model.SeverityWarning,
		Title:    t.Title,
		Description: fmt.Sprintf("%s has been steadily increasing over the last readings (from %s%s to %s%s)",
			t.Label, prior[1].Value.String(), current.Unit, current.Value.String(), current.Unit),
		Consulted: prior,
		Delta:     &rise,
	}
}
