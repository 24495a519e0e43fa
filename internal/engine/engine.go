// Package engine defines the contract between the scenario runner and a simulation engine,
// plus the engines shipped with hpvscreen.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"hpvscreen/internal/cascade"
	"hpvscreen/internal/params"
)

var (
	ErrUnknownSeries = errors.New("unknown result series")
	ErrInvalidResult = errors.New("invalid engine result")
)

// Series names produced by every engine.
const (
	SeriesYear          = "year"
	SeriesCancers       = "cancers"
	SeriesCancerDeaths  = "cancer_deaths"
	SeriesInfections    = "infections"
	SeriesCINs          = "cins"
	SeriesScreened      = "n_screened"
	SeriesTreated       = "n_treated"
	SeriesAlive         = "n_alive"
	SeriesHPVPrevalence = "hpv_prevalence"
)

// Engine runs one simulation to completion.
type Engine interface {
	Name() string
	Run(ctx context.Context, job Job) (*Result, error)
}

// Job is everything an engine needs for a run. A nil Cascade means no interventions.
type Job struct {
	Label        string           `json:"label"`
	Pars         params.Pars      `json:"pars"`
	Cascade      *cascade.Cascade `json:"cascade,omitempty"`
	ArtifactsDir string           `json:"-"`
	Timeout      time.Duration    `json:"-"`
}

// Validate checks the job before any engine work starts.
func (j Job) Validate() error {
	if err := params.Validate(j.Pars); err != nil {
		return err
	}
	if j.Cascade != nil {
		if err := j.Cascade.Validate(); err != nil {
			return fmt.Errorf("cascade: %w", err)
		}
	}
	return nil
}

// Person is one agent in the final state snapshot.
type Person struct {
	UID          int     `json:"uid"`
	Age          float64 `json:"age"`
	Female       bool    `json:"female"`
	State        string  `json:"state"`
	DateScreened float64 `json:"date_screened"`
}

// Result is a finished run: annual series, cumulative outcome counts and metadata.
type Result struct {
	Label    string                    `json:"label"`
	Engine   string                    `json:"engine"`
	Meta     map[string]string         `json:"meta,omitempty"`
	Series   map[string][]float64      `json:"series"`
	Outcomes map[string]map[string]int `json:"outcomes,omitempty"`
	People   []Person                  `json:"people,omitempty"`
}

// Get returns the named series.
func (r *Result) Get(name string) ([]float64, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s (nil result)", ErrUnknownSeries, name)
	}
	s, ok := r.Series[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, name)
	}
	return s, nil
}

// SeriesNames lists available series in sorted order.
func (r *Result) SeriesNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Series))
	for name := range r.Series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shrink drops the per-person snapshot, keeping only aggregates.
func (r *Result) Shrink() {
	if r != nil {
		r.People = nil
	}
}

// Validate checks that every series is as long as the year axis.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil result", ErrInvalidResult)
	}
	years, ok := r.Series[SeriesYear]
	if !ok || len(years) == 0 {
		return fmt.Errorf("%w: missing %q series", ErrInvalidResult, SeriesYear)
	}
	for _, name := range r.SeriesNames() {
		if got := len(r.Series[name]); got != len(years) {
			return fmt.Errorf("%w: series %q has %d points, want %d", ErrInvalidResult, name, got, len(years))
		}
	}
	return nil
}
