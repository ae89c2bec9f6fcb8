package analyzer

import (
	"sort"
	"sync"

	"otsentry/internal/model"
)

const (
	// DefaultSource tags alerts raised by the analyzer.
	DefaultSource = "Behavior Analyzer"
	// MinHistory is the number of prior readings required before any rule runs.
	MinHistory = 2
)

// Evaluator checks readings of one parameter.
type Evaluator interface {
	Name() string
	Classify(value float64, rng model.Range) model.ReadingStatus
	Evaluate(current model.Reading, prior []model.Reading, rng model.Range) *Finding
	Effective(rng model.Range) model.Range
}

// Registry maps parameter names to evaluators.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Evaluator
}

// NewRegistry builds a registry seeded with the given rules.
func NewRegistry(rules ...Evaluator) *Registry {
	r := &Registry{rules: make(map[string]Evaluator, len(rules))}
	for _, rule := range rules {
		r.Register(rule)
	}
	return r
}

// DefaultRegistry holds the built-in parameter table.
func DefaultRegistry() *Registry {
	defaults := DefaultRules()
	evaluators := make([]Evaluator, 0, len(defaults))
	for _, rule := range defaults {
		evaluators = append(evaluators, rule)
	}
	return NewRegistry(evaluators...)
}

// Register adds or replaces the evaluator for its parameter.
func (r *Registry) Register(rule Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Name()] = rule
}

// Lookup returns the evaluator for a parameter.
func (r *Registry) Lookup(parameter string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[parameter]
	return rule, ok
}

// Parameters lists registered parameter names in sorted order.
func (r *Registry) Parameters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configure an Analyzer.
type Options struct {
	Source   string
	Registry *Registry
}

// Analyzer turns readings plus history into alert candidates.
type Analyzer struct {
	registry *Registry
	source   string
}

// New constructs an Analyzer, falling back to the default rule table.
func New(opts Options) *Analyzer {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	return &Analyzer{registry: opts.Registry, source: opts.Source}
}

// Registry exposes the rule registry so callers can add parameter types.
func (a *Analyzer) Registry() *Registry {
	return a.registry
}

// Classify returns the status of a single reading. Unknown parameters are normal.
func (a *Analyzer) Classify(parameter string, value float64, ranges model.AcceptableRanges) model.ReadingStatus {
	rule, ok := a.registry.Lookup(parameter)
	if !ok {
		return model.ReadingNormal
	}
	return rule.Classify(value, ranges.For(parameter))
}

// Evaluate decides whether current warrants an alert. prior holds earlier
// readings of the same device and parameter, newest first, without current.
// At most one candidate is returned; absolute-range breaches win over trends.
func (a *Analyzer) Evaluate(current model.Reading, prior []model.Reading, ranges model.AcceptableRanges) *model.AlertCandidate {
	if len(prior) < MinHistory {
		return nil
	}
	rule, ok := a.registry.Lookup(current.ParameterName)
	if !ok {
		return nil
	}

	rng := ranges.For(current.ParameterName)
	finding := rule.Evaluate(current, prior, rng)
	if finding == nil {
		return nil
	}

	previous := finding.Consulted
	if len(previous) == 0 {
		previous = prior[:MinHistory]
	}
	evidence := model.Evidence{
		Rule:     current.ParameterName + "." + finding.Rule,
		Current:  current,
		Previous: append([]model.Reading(nil), previous...),
		Range:    rule.Effective(rng),
		Delta:    finding.Delta,
	}

	deviceID := current.DeviceID
	return &model.AlertCandidate{
		Severity:    finding.Severity,
		Title:       finding.Title,
		Description: finding.Description,
		Source:      a.source,
		DeviceID:    &deviceID,
		RawData:     evidence,
	}
}
