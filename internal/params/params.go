// Package params defines the parameter set handed to a simulation engine.
package params

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dist is a named distribution with up to two parameters.
type Dist struct {
	Dist string  `json:"dist" yaml:"dist"`
	Par1 float64 `json:"par1" yaml:"par1"`
	Par2 float64 `json:"par2,omitempty" yaml:"par2,omitempty"`
}

// BySex holds female and male values of a parameter.
type BySex struct {
	F Dist `json:"f" yaml:"f"`
	M Dist `json:"m" yaml:"m"`
}

// ByLayer holds marital and casual values of a parameter.
type ByLayer struct {
	M Dist `json:"m" yaml:"m"`
	C Dist `json:"c" yaml:"c"`
}

// AgeTable is a 3-row table: age bin lower edges, female shares, male shares.
type AgeTable [][]float64

// LayerProbs holds participation tables for marital and casual partnerships.
type LayerProbs struct {
	M AgeTable `json:"m" yaml:"m"`
	C AgeTable `json:"c" yaml:"c"`
}

// Pars is the full engine parameter set.
type Pars struct {
	NAgents      int        `json:"n_agents" yaml:"n_agents"`
	DT           float64    `json:"dt" yaml:"dt"`
	Start        int        `json:"start" yaml:"start"`
	End          int        `json:"end" yaml:"end"`
	Genotypes    []string   `json:"genotypes" yaml:"genotypes"`
	Location     string     `json:"location" yaml:"location"`
	MSAgentRatio int        `json:"ms_agent_ratio" yaml:"ms_agent_ratio"`
	Verbose      float64    `json:"verbose" yaml:"verbose"`
	RandSeed     int64      `json:"rand_seed" yaml:"rand_seed"`
	Debut        BySex      `json:"debut" yaml:"debut"`
	LayerProbs   LayerProbs `json:"layer_probs" yaml:"layer_probs"`
	MPartners    ByLayer    `json:"m_partners" yaml:"m_partners"`
	FPartners    ByLayer    `json:"f_partners" yaml:"f_partners"`
}

// Default returns the baseline parameter set. Debug runs use a smaller, coarser population.
func Default(location string, debug bool, end int) Pars {
	p := Pars{
		NAgents:      20000,
		DT:           0.25,
		Start:        1960,
		End:          end,
		Genotypes:    []string{"16", "18", "hi5", "ohr"},
		Location:     location,
		MSAgentRatio: 100,
		Verbose:      0,
		RandSeed:     1,
	}
	if debug {
		p.NAgents = 1000
		p.DT = 1.0
		p.Start = 1980
	}

	// Debut fitted to 2018 DHS.
	p.Debut = BySex{
		F: Dist{Dist: "lognormal", Par1: 17.41, Par2: 2.75},
		M: Dist{Dist: "lognormal", Par1: 17.91, Par2: 2.83},
	}

	p.LayerProbs = LayerProbs{
		M: AgeTable{
			{0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75},
			{0, 0, 0, 0.1596, 0.4466, 0.5845, 0.6139, 0.6202, 0.6139, 0.5726, 0.35, 0.21, 0.14, 0.07, 0.035, 0.007},
			{0, 0, 0, 0.228, 0.638, 0.835, 0.877, 0.886, 0.877, 0.818, 0.5, 0.3, 0.2, 0.1, 0.05, 0.01},
		},
		C: AgeTable{
			{0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75},
			{0, 0, 0.2, 0.6, 0.6, 0.6, 0.4, 0.4, 0.4, 0.1, 0.02, 0.02, 0.02, 0.02, 0.02, 0.02},
			{0, 0, 0.2, 0.6, 0.8, 0.6, 0.6, 0.8, 0.95, 0.95, 0.02, 0.02, 0.02, 0.02, 0.02, 0.02},
		},
	}

	p.MPartners = ByLayer{
		M: Dist{Dist: "poisson1", Par1: 0.01},
		C: Dist{Dist: "poisson1", Par1: 0.2},
	}
	p.FPartners = ByLayer{
		M: Dist{Dist: "poisson1", Par1: 0.01},
		C: Dist{Dist: "poisson1", Par1: 0.2},
	}
	return p
}

// Clone returns a deep copy so callers can overlay values without aliasing.
func (p Pars) Clone() Pars {
	out := p
	out.Genotypes = append([]string(nil), p.Genotypes...)
	out.LayerProbs.M = p.LayerProbs.M.clone()
	out.LayerProbs.C = p.LayerProbs.C.clone()
	return out
}

func (t AgeTable) clone() AgeTable {
	if t == nil {
		return nil
	}
	out := make(AgeTable, len(t))
	for i, row := range t {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Merge overlays calibration values onto a copy of base. Only keys present in calib change;
// unknown keys are rejected.
func Merge(base Pars, calib []byte) (Pars, error) {
	out := base.Clone()
	if len(strings.TrimSpace(string(calib))) == 0 {
		return out, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(calib))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return base.Clone(), nil
		}
		return Pars{}, fmt.Errorf("parse calib pars: %w", err)
	}
	return out, nil
}

// At returns the share for the age bin containing age. Row 1 is female, row 2 male.
func (t AgeTable) At(age float64, female bool) float64 {
	if len(t) != 3 || len(t[0]) == 0 {
		return 0
	}
	row := t[2]
	if female {
		row = t[1]
	}
	idx := 0
	for i, lo := range t[0] {
		if age >= lo {
			idx = i
		}
	}
	if idx >= len(row) {
		return 0
	}
	return row[idx]
}
