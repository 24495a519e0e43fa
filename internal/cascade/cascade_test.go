package cascade

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAnnualProbReference(t *testing.T) {
	got := AnnualProb(0.15, [2]float64{30, 50})
	want := 1 - math.Pow(0.85, 0.1)
	if math.Abs(got-want) > 1e-15 {
		t.Fatalf("AnnualProb = %v, want %v", got, want)
	}
	if math.Abs(got-0.01612) > 1e-5 {
		t.Fatalf("AnnualProb = %v, want ~0.01612", got)
	}
}

func TestAnnualProbInvertsCumulativeCoverage(t *testing.T) {
	widths := []float64{2, 5, 10, 20, 37.5}
	coverages := []float64{0.001, 0.05, 0.15, 0.5, 0.9, 0.999}
	for _, w := range widths {
		for _, c := range coverages {
			p := AnnualProb(c, [2]float64{20, 20 + w})
			cum := 1 - math.Pow(1-p, w/2)
			if math.Abs(cum-c) > 1e-9 {
				t.Fatalf("width %g coverage %g: cumulative %v", w, c, cum)
			}
		}
	}
}

func TestAnnualProbMonotonic(t *testing.T) {
	window := [2]float64{30, 50}
	prev := AnnualProb(0, window)
	for c := 0.01; c < 1; c += 0.01 {
		p := AnnualProb(c, window)
		if p <= prev {
			t.Fatalf("not increasing at coverage %g: %v <= %v", c, p, prev)
		}
		prev = p
	}
}

func TestAnnualProbEndpoints(t *testing.T) {
	window := [2]float64{30, 50}
	if got := AnnualProb(0, window); got != 0 {
		t.Fatalf("AnnualProb(0) = %v, want exactly 0", got)
	}
	if got := AnnualProb(1-1e-12, window); got < 0.9 {
		t.Fatalf("AnnualProb near 1 = %v, want close to 1", got)
	}
	if got := AnnualProb(1, window); got != 1 {
		t.Fatalf("AnnualProb(1) = %v, want 1", got)
	}
}

func TestBuildOrderAndWiring(t *testing.T) {
	c, err := Build(DefaultCoverage())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{LabelScreening, LabelTxAssigner, LabelAblation, LabelExcision, LabelRadiation}
	if diff := cmp.Diff(want, c.Labels()); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}

	screen := c.Steps[0]
	if screen.Kind != KindScreening || !screen.AnnualProb || screen.Product != ProductHPV {
		t.Fatalf("unexpected screening step %+v", screen)
	}
	if screen.AgeRange == nil || *screen.AgeRange != [2]float64{30, 50} {
		t.Fatalf("screening age range = %v", screen.AgeRange)
	}
	if screen.StartYear != 2020 || c.Steps[1].StartYear != 2020 {
		t.Fatalf("start year not propagated: %d %d", screen.StartYear, c.Steps[1].StartYear)
	}

	tx := c.Steps[1]
	if tx.Prob != 1.0 || tx.AnnualProb || tx.Product != ProductTxAssigner {
		t.Fatalf("unexpected tx assigner %+v", tx)
	}
	if diff := cmp.Diff([]Ref{{Step: 0, Bucket: BucketPositive}}, tx.Eligibility.From); diff != "" {
		t.Fatalf("tx assigner refs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Ref{{Step: 1, Bucket: BucketExcision}, {Step: 2, Bucket: BucketUnsuccessful}}, c.Steps[3].Eligibility.From); diff != "" {
		t.Fatalf("excision refs (-want +got):\n%s", diff)
	}
	for _, step := range c.Steps[2:] {
		if step.AnnualProb {
			t.Fatalf("%s should not use annual probability", step.Label)
		}
	}
}

func TestRadiationProbIsQuarterOfTreatCoverage(t *testing.T) {
	for _, tc := range []float64{0, 0.3, 0.7, 1} {
		cov := DefaultCoverage()
		cov.TreatCoverage = tc
		c, err := Build(cov)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		pos, err := c.Lookup(LabelRadiation)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := c.Steps[pos].Prob, tc/4; got != want {
			t.Fatalf("radiation prob = %v, want %v", got, want)
		}
		if c.Steps[2].Prob != tc || c.Steps[3].Prob != tc {
			t.Fatalf("ablation/excision prob not treat coverage")
		}
	}
}

func TestBuildRejectsBadCoverage(t *testing.T) {
	cases := map[string]Coverage{
		"screen negative": {Product: "hpv", ScreenCoverage: -0.1, TreatCoverage: 0.5, AgeRange: [2]float64{30, 50}},
		"screen above 1":  {Product: "hpv", ScreenCoverage: 1.2, TreatCoverage: 0.5, AgeRange: [2]float64{30, 50}},
		"treat NaN":       {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: math.NaN(), AgeRange: [2]float64{30, 50}},
		"zero width":      {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{30, 30}},
		"narrow":          {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{30, 31}},
		"no product":      {ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{30, 50}},
		"infinite upper":  {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{30, math.Inf(1)}},
		"infinite lower":  {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{math.Inf(-1), 50}},
		"negative lower":  {Product: "hpv", ScreenCoverage: 0.2, TreatCoverage: 0.5, AgeRange: [2]float64{-5, 50}},
	}
	for name, cov := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := Build(cov)
			if err == nil {
				t.Fatalf("expected error, got cascade %+v", c)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) || len(verrs) == 0 {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}
		})
	}
}

func TestBuildDoesNotShareState(t *testing.T) {
	cov := DefaultCoverage()
	a, err := Build(cov)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(cov)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("builds differ (-a +b):\n%s", diff)
	}

	a.Steps[0].Prob = 0.99
	a.Steps[3].Eligibility.From[0].Bucket = "mutated"
	*a.Steps[0].AgeRange = [2]float64{1, 2}
	if b.Steps[0].Prob == 0.99 || b.Steps[3].Eligibility.From[0].Bucket == "mutated" {
		t.Fatalf("second build shares step data with the first")
	}
	if *b.Steps[0].AgeRange != [2]float64{30, 50} {
		t.Fatalf("second build shares age range with the first")
	}
	if cov.AgeRange != [2]float64{30, 50} {
		t.Fatalf("input coverage mutated: %v", cov.AgeRange)
	}
}

func TestLookupUnknown(t *testing.T) {
	c, err := Build(DefaultCoverage())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup("vaccination"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestValidateRejectsForwardReference(t *testing.T) {
	c, err := Build(DefaultCoverage())
	if err != nil {
		t.Fatal(err)
	}
	c.Steps[1].Eligibility.From = []Ref{{Step: 3, Bucket: BucketSuccessful}}
	if err := c.Validate(); !errors.Is(err, ErrForwardReference) {
		t.Fatalf("expected ErrForwardReference, got %v", err)
	}
	c.Steps[1].Eligibility.From = []Ref{{Step: 1, Bucket: BucketPositive}}
	if err := c.Validate(); !errors.Is(err, ErrForwardReference) {
		t.Fatalf("self reference: expected ErrForwardReference, got %v", err)
	}
}
