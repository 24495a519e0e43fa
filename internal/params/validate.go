package params

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError captures a single invalid parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("pars.%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates parameter problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// Validate reports every structural problem with p.
func Validate(p Pars) error {
	var errs ValidationErrors
	add := func(field, format string, a ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, a...)})
	}

	if p.NAgents <= 0 {
		add("n_agents", "must be positive, got %d", p.NAgents)
	}
	if p.DT <= 0 || p.DT > 1 {
		add("dt", "must be in (0, 1], got %g", p.DT)
	}
	if p.Start >= p.End {
		add("end", "must be after start (%d), got %d", p.Start, p.End)
	}
	if strings.TrimSpace(p.Location) == "" {
		add("location", "location is required")
	}
	if len(p.Genotypes) == 0 {
		add("genotypes", "at least one genotype is required")
	}
	if p.MSAgentRatio <= 0 {
		add("ms_agent_ratio", "must be positive, got %d", p.MSAgentRatio)
	}

	for field, d := range map[string]Dist{"debut.f": p.Debut.F, "debut.m": p.Debut.M} {
		if d.Dist != "lognormal" {
			add(field, "unsupported dist %q (expected lognormal)", d.Dist)
		}
		if d.Par1 <= 0 || d.Par2 <= 0 {
			add(field, "lognormal mean and std must be positive")
		}
	}
	for field, d := range map[string]Dist{
		"m_partners.m": p.MPartners.M, "m_partners.c": p.MPartners.C,
		"f_partners.m": p.FPartners.M, "f_partners.c": p.FPartners.C,
	} {
		if d.Dist != "poisson1" {
			add(field, "unsupported dist %q (expected poisson1)", d.Dist)
		}
		if d.Par1 < 0 {
			add(field, "poisson rate must be non-negative")
		}
	}

	for field, table := range map[string]AgeTable{"layer_probs.m": p.LayerProbs.M, "layer_probs.c": p.LayerProbs.C} {
		if err := validateAgeTable(table); err != "" {
			add(field, "%s", err)
		}
	}

	if len(errs) > 0 {
		// map iteration order is random; keep messages stable.
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return errs
	}
	return nil
}

func validateAgeTable(t AgeTable) string {
	if len(t) != 3 {
		return fmt.Sprintf("must have 3 rows (ages, female, male), got %d", len(t))
	}
	n := len(t[0])
	if n == 0 {
		return "age row is empty"
	}
	for i := 1; i < 3; i++ {
		if len(t[i]) != n {
			return fmt.Sprintf("row %d has %d columns, want %d", i, len(t[i]), n)
		}
		for _, v := range t[i] {
			if v < 0 || v > 1 {
				return fmt.Sprintf("row %d share %g outside [0,1]", i, v)
			}
		}
	}
	for j := 1; j < n; j++ {
		if t[0][j] <= t[0][j-1] {
			return "age bins must be strictly increasing"
		}
	}
	return ""
}
