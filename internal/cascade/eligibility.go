package cascade

import (
	"fmt"
	"math"
	"sort"
)

// EligibilityKind selects how an eligibility rule is evaluated.
type EligibilityKind string

const (
	// EligibleScreenInterval admits people never screened or last screened more than Years ago.
	EligibleScreenInterval EligibilityKind = "screen_interval"
	// EligibleOutcomes admits the union of the referenced outcome buckets.
	EligibleOutcomes EligibilityKind = "outcomes"
)

// Ref points at an outcome bucket of an earlier step by position.
type Ref struct {
	Step   int    `json:"step"`
	Bucket string `json:"bucket"`
}

// Eligibility is a pure rule over a state snapshot and the current outcome table.
type Eligibility struct {
	Kind  EligibilityKind `json:"kind"`
	Years float64         `json:"years,omitempty"`
	From  []Ref           `json:"from,omitempty"`
}

// Snapshot is the read-only slice of engine state eligibility rules may consult.
// DateScreened is indexed by uid and holds the time step of the last screen, NaN if never.
type Snapshot struct {
	T            int
	DT           float64
	UIDs         []int
	DateScreened []float64
}

// Buckets maps an outcome name to the ids placed in it.
type Buckets map[string][]int

// OutcomeTable holds the current time step's buckets, one entry per step position.
type OutcomeTable []Buckets

// Bucket returns the ids in a named bucket of the step at pos, or nil.
func (t OutcomeTable) Bucket(pos int, name string) []int {
	if pos < 0 || pos >= len(t) || t[pos] == nil {
		return nil
	}
	return t[pos][name]
}

// Eval returns the sorted, de-duplicated ids the rule admits.
func (e Eligibility) Eval(s Snapshot, table OutcomeTable) ([]int, error) {
	switch e.Kind {
	case EligibleScreenInterval:
		if s.DT <= 0 {
			return nil, fmt.Errorf("snapshot dt must be positive, got %g", s.DT)
		}
		out := make([]int, 0, len(s.UIDs))
		for _, uid := range s.UIDs {
			if uid < 0 || uid >= len(s.DateScreened) {
				return nil, fmt.Errorf("uid %d outside date_screened (len %d)", uid, len(s.DateScreened))
			}
			last := s.DateScreened[uid]
			if math.IsNaN(last) || float64(s.T) > last+e.Years/s.DT {
				out = append(out, uid)
			}
		}
		return unique(out), nil
	case EligibleOutcomes:
		var out []int
		for _, ref := range e.From {
			out = append(out, table.Bucket(ref.Step, ref.Bucket)...)
		}
		return unique(out), nil
	default:
		return nil, fmt.Errorf("unknown eligibility kind %q", e.Kind)
	}
}

func unique(ids []int) []int {
	if len(ids) == 0 {
		return []int{}
	}
	cp := append([]int(nil), ids...)
	sort.Ints(cp)
	out := cp[:1]
	for _, id := range cp[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
