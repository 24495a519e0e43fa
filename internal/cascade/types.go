package cascade

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names the engine intervention type a step maps to.
type Kind string

const (
	KindScreening Kind = "routine_screening"
	KindTriage    Kind = "routine_triage"
	KindTreat     Kind = "treat_num"
)

// Step labels, in cascade order.
const (
	LabelScreening  = "screening"
	LabelTxAssigner = "tx assigner"
	LabelAblation   = "ablation"
	LabelExcision   = "excision"
	LabelRadiation  = "radiation"
)

// Outcome bucket names produced by the engine products.
const (
	BucketPositive     = "positive"
	BucketNegative     = "negative"
	BucketNone         = "none"
	BucketAblation     = "ablation"
	BucketExcision     = "excision"
	BucketRadiation    = "radiation"
	BucketSuccessful   = "successful"
	BucketUnsuccessful = "unsuccessful"
)

// Product identifiers understood by the engines.
const (
	ProductHPV        = "hpv"
	ProductTxAssigner = "tx_assigner"
	ProductAblation   = "ablation"
	ProductExcision   = "excision"
	ProductRadiation  = "radiation"
)

var (
	ErrUnknownStep      = errors.New("unknown step")
	ErrForwardReference = errors.New("eligibility references a later step")
)

// Coverage holds the scalar inputs a cascade is built from.
type Coverage struct {
	Product        string     `json:"product" yaml:"product"`
	ScreenCoverage float64    `json:"screen_coverage" yaml:"screen_coverage"`
	TreatCoverage  float64    `json:"treat_coverage" yaml:"treat_coverage"`
	AgeRange       [2]float64 `json:"age_range" yaml:"age_range"`
	StartYear      int        `json:"start_year" yaml:"start_year"`
}

// DefaultCoverage returns the coverage used when a caller supplies nothing.
func DefaultCoverage() Coverage {
	return Coverage{
		Product:        ProductHPV,
		ScreenCoverage: 0.15,
		TreatCoverage:  0.7,
		AgeRange:       [2]float64{30, 50},
		StartYear:      2020,
	}
}

// Step is one stage of the cascade. It is a template; the engine evaluates it every time step.
type Step struct {
	Label       string      `json:"label"`
	Kind        Kind        `json:"kind"`
	Prob        float64     `json:"prob"`
	AnnualProb  bool        `json:"annual_prob"`
	Product     string      `json:"product"`
	StartYear   int         `json:"start_year,omitempty"`
	AgeRange    *[2]float64 `json:"age_range,omitempty"`
	Eligibility Eligibility `json:"eligibility"`
}

// Cascade is the ordered sequence of dependent steps.
type Cascade struct {
	Coverage Coverage `json:"coverage"`
	Steps    []Step   `json:"steps"`
}

// Lookup returns the position of the step with the given label.
func (c *Cascade) Lookup(label string) (int, error) {
	if c == nil {
		return -1, fmt.Errorf("%w: %q", ErrUnknownStep, label)
	}
	for i, step := range c.Steps {
		if step.Label == label {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownStep, label)
}

// Labels lists step labels in order.
func (c *Cascade) Labels() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Steps))
	for _, step := range c.Steps {
		out = append(out, step.Label)
	}
	return out
}

// Validate checks that every eligibility reference points at an earlier step.
func (c *Cascade) Validate() error {
	if c == nil {
		return fmt.Errorf("cascade is nil")
	}
	for i, step := range c.Steps {
		if step.Prob < 0 || step.Prob > 1 {
			return fmt.Errorf("step %d (%s): prob %g outside [0,1]", i, step.Label, step.Prob)
		}
		for _, ref := range step.Eligibility.From {
			if ref.Step < 0 || ref.Step >= i {
				return fmt.Errorf("step %d (%s) -> step %d: %w", i, step.Label, ref.Step, ErrForwardReference)
			}
			if strings.TrimSpace(ref.Bucket) == "" {
				return fmt.Errorf("step %d (%s): empty bucket reference", i, step.Label)
			}
		}
	}
	return nil
}

// ValidationError captures a single invalid coverage field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates coverage problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}
