// Package scenario loads named simulation scenarios from YAML.
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"hpvscreen/internal/cascade"
	"hpvscreen/internal/params"
)

const (
	DefaultLocation = "nigeria"
	DefaultEnd      = 2060
	DefaultSeed     = 1
)

var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is one simulation configuration. A nil Interventions runs without a cascade.
type Scenario struct {
	Name          string            `yaml:"name"`
	Label         string            `yaml:"label"`
	Location      string            `yaml:"location"`
	End           int               `yaml:"end"`
	Seed          int64             `yaml:"seed"`
	Debug         bool              `yaml:"debug,omitempty"`
	Interventions *cascade.Coverage `yaml:"interventions,omitempty"`
	CalibPars     map[string]any    `yaml:"calib_pars,omitempty"`
	Source        string            `yaml:"-"`
}

// Pars builds the engine parameters: defaults, then calibration overlay, then seed.
func (s Scenario) Pars() (params.Pars, error) {
	base := params.Default(s.Location, s.Debug, s.End)
	if len(s.CalibPars) > 0 {
		data, err := yaml.Marshal(s.CalibPars)
		if err != nil {
			return params.Pars{}, fmt.Errorf("encode calib pars: %w", err)
		}
		base, err = params.Merge(base, data)
		if err != nil {
			return params.Pars{}, err
		}
	}
	base.RandSeed = s.Seed
	return base, nil
}

// Cascade builds the intervention cascade, or nil when the scenario has none.
func (s Scenario) Cascade() (*cascade.Cascade, error) {
	if s.Interventions == nil {
		return nil, nil
	}
	return cascade.Build(*s.Interventions)
}

// Default returns the baseline and improved screen-and-treat comparison.
func Default() []Scenario {
	baseline := cascade.DefaultCoverage()
	baseline.ScreenCoverage = 0.05
	baseline.TreatCoverage = 0.3

	improved := cascade.DefaultCoverage()
	improved.ScreenCoverage = 0.50
	improved.TreatCoverage = 0.7

	return []Scenario{
		{
			Name:          "baseline",
			Label:         "Baseline",
			Location:      DefaultLocation,
			End:           DefaultEnd,
			Seed:          DefaultSeed,
			Interventions: &baseline,
		},
		{
			Name:          "scenario",
			Label:         "Improved screen & treat",
			Location:      DefaultLocation,
			End:           DefaultEnd,
			Seed:          DefaultSeed,
			Interventions: &improved,
		},
	}
}

// Set is a validated collection of scenarios keyed by name.
type Set struct {
	scenarios []Scenario
	byName    map[string]int
}

// NewSet indexes scenarios, rejecting duplicate names.
func NewSet(scenarios []Scenario) (*Set, error) {
	set := &Set{byName: make(map[string]int, len(scenarios))}
	var errs ValidationErrors
	for _, s := range scenarios {
		if idx, exists := set.byName[s.Name]; exists {
			errs = append(errs, ValidationError{
				File:    s.Source,
				Field:   "name",
				Message: fmt.Sprintf("scenario %q already defined in %s", s.Name, set.scenarios[idx].Source),
			})
			continue
		}
		set.byName[s.Name] = len(set.scenarios)
		set.scenarios = append(set.scenarios, s)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return set, nil
}

// Get returns the named scenario.
func (s *Set) Get(name string) (Scenario, error) {
	if s != nil {
		if idx, ok := s.byName[name]; ok {
			return s.scenarios[idx], nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
}

// Names returns the scenario names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		names = append(names, sc.Name)
	}
	sort.Strings(names)
	return names
}
