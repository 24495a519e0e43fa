package cascade

import (
	"fmt"
	"math"
	"strings"
)

const (
	// RescreenYears is the minimum gap between two screens of the same person.
	RescreenYears = 5.0
	// RadiationDropoff scales treatment coverage for radiation, which fewer people can reach.
	RadiationDropoff = 0.25
	minAgeWindow     = 2.0
)

// AnnualProb converts a target cumulative coverage of an age window into the
// per-year screening probability. A person stays eligible for half the window width,
// so p solves 1-(1-p)^k = coverage with k = (hi-lo)/2.
func AnnualProb(coverage float64, ageRange [2]float64) float64 {
	k := (ageRange[1] - ageRange[0]) / 2
	return 1 - math.Pow(1-coverage, 1/k)
}

// Build validates the coverage and returns a freshly allocated five-step cascade:
// screening, tx assigner, ablation, excision, radiation.
func Build(cov Coverage) (*Cascade, error) {
	if errs := validateCoverage(cov); len(errs) > 0 {
		return nil, errs
	}

	ageRange := cov.AgeRange
	screening := Step{
		Label:      LabelScreening,
		Kind:       KindScreening,
		Prob:       AnnualProb(cov.ScreenCoverage, cov.AgeRange),
		AnnualProb: true,
		Product:    cov.Product,
		StartYear:  cov.StartYear,
		AgeRange:   &ageRange,
		Eligibility: Eligibility{
			Kind:  EligibleScreenInterval,
			Years: RescreenYears,
		},
	}

	assign := Step{
		Label:      LabelTxAssigner,
		Kind:       KindTriage,
		Prob:       1.0,
		AnnualProb: false,
		Product:    ProductTxAssigner,
		StartYear:  cov.StartYear,
		Eligibility: Eligibility{
			Kind: EligibleOutcomes,
			From: []Ref{{Step: 0, Bucket: BucketPositive}},
		},
	}

	ablation := Step{
		Label:   LabelAblation,
		Kind:    KindTreat,
		Prob:    cov.TreatCoverage,
		Product: ProductAblation,
		Eligibility: Eligibility{
			Kind: EligibleOutcomes,
			From: []Ref{{Step: 1, Bucket: BucketAblation}},
		},
	}

	excision := Step{
		Label:   LabelExcision,
		Kind:    KindTreat,
		Prob:    cov.TreatCoverage,
		Product: ProductExcision,
		Eligibility: Eligibility{
			Kind: EligibleOutcomes,
			From: []Ref{
				{Step: 1, Bucket: BucketExcision},
				{Step: 2, Bucket: BucketUnsuccessful},
			},
		},
	}

	radiation := Step{
		Label:   LabelRadiation,
		Kind:    KindTreat,
		Prob:    cov.TreatCoverage * RadiationDropoff,
		Product: ProductRadiation,
		Eligibility: Eligibility{
			Kind: EligibleOutcomes,
			From: []Ref{{Step: 1, Bucket: BucketRadiation}},
		},
	}

	c := &Cascade{
		Coverage: cov,
		Steps:    []Step{screening, assign, ablation, excision, radiation},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func validateCoverage(cov Coverage) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(cov.Product) == "" {
		errs = append(errs, ValidationError{Field: "product", Message: "product is required"})
	}
	if !inUnit(cov.ScreenCoverage) {
		errs = append(errs, ValidationError{
			Field:   "screen_coverage",
			Message: fmt.Sprintf("must be between 0.0 and 1.0, got %g", cov.ScreenCoverage),
		})
	}
	if !inUnit(cov.TreatCoverage) {
		errs = append(errs, ValidationError{
			Field:   "treat_coverage",
			Message: fmt.Sprintf("must be between 0.0 and 1.0, got %g", cov.TreatCoverage),
		})
	}
	lo, hi := cov.AgeRange[0], cov.AgeRange[1]
	width := hi - lo
	switch {
	case math.IsInf(lo, 0) || math.IsInf(hi, 0):
		errs = append(errs, ValidationError{
			Field:   "age_range",
			Message: fmt.Sprintf("must be finite, got [%g, %g]", lo, hi),
		})
	case lo < 0:
		errs = append(errs, ValidationError{
			Field:   "age_range",
			Message: fmt.Sprintf("lower age must be non-negative, got %g", lo),
		})
	case math.IsNaN(width) || width < minAgeWindow:
		errs = append(errs, ValidationError{
			Field:   "age_range",
			Message: fmt.Sprintf("must span at least %g years, got [%g, %g]", minAgeWindow, cov.AgeRange[0], cov.AgeRange[1]),
		})
	}
	return errs
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
