package scenario

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff between the YAML renderings of two scenarios.
// Identical scenarios produce an empty string.
func Diff(a, b Scenario) (string, error) {
	left, err := Marshal(a)
	if err != nil {
		return "", err
	}
	right, err := Marshal(b)
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(left)),
		B:        difflib.SplitLines(string(right)),
		FromFile: a.Name + ".yml",
		ToFile:   b.Name + ".yml",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff %s and %s: %w", a.Name, b.Name, err)
	}
	return text, nil
}
