package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"hpvscreen/internal/cascade"
	"hpvscreen/internal/params"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type rawScenario struct {
	Name          string         `yaml:"name"`
	Label         string         `yaml:"label"`
	Location      string         `yaml:"location"`
	End           *int           `yaml:"end"`
	Seed          *int64         `yaml:"seed"`
	Debug         bool           `yaml:"debug"`
	Interventions yaml.Node      `yaml:"interventions"`
	CalibPars     map[string]any `yaml:"calib_pars"`
}

// ValidationError captures a single field-specific problem in a scenario file.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates scenario problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// LoadFromDir loads and validates every *.yml scenario in dir.
func LoadFromDir(dir string) (*Set, error) {
	if dir == "" {
		dir = "scenarios"
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("scan scenario dir: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario YAML files found in %s", dir)
	}
	sort.Strings(files)

	var scenarios []Scenario
	var vErrs ValidationErrors
	for _, path := range files {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}
		s, parseErr := ParseAndValidate(data, path)
		if parseErr != nil {
			var ve ValidationErrors
			if errors.As(parseErr, &ve) {
				vErrs = append(vErrs, ve...)
				continue
			}
			return nil, parseErr
		}
		scenarios = append(scenarios, s)
	}
	if len(vErrs) > 0 {
		return nil, vErrs
	}
	return NewSet(scenarios)
}

// ParseAndValidate unmarshals one scenario document and applies defaults.
func ParseAndValidate(data []byte, source string) (Scenario, error) {
	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Scenario{}, ValidationErrors{{File: source, Field: "yaml", Message: err.Error()}}
	}

	var errs ValidationErrors
	add := func(field, format string, a ...any) {
		errs = append(errs, ValidationError{File: source, Field: field, Message: fmt.Sprintf(format, a...)})
	}

	s := Scenario{
		Name:      strings.TrimSpace(raw.Name),
		Label:     strings.TrimSpace(raw.Label),
		Location:  strings.TrimSpace(raw.Location),
		End:       DefaultEnd,
		Seed:      DefaultSeed,
		Debug:     raw.Debug,
		CalibPars: raw.CalibPars,
		Source:    source,
	}
	if s.Name == "" {
		add("name", "name is required")
	} else if !namePattern.MatchString(s.Name) {
		add("name", "must match %s, got %q", namePattern.String(), s.Name)
	}
	if s.Label == "" {
		s.Label = s.Name
	}
	if s.Location == "" {
		s.Location = DefaultLocation
	}
	if raw.End != nil {
		s.End = *raw.End
	}
	if raw.Seed != nil {
		s.Seed = *raw.Seed
	}

	if raw.Interventions.Kind != 0 && raw.Interventions.ShortTag() != "!!null" {
		cov := cascade.DefaultCoverage()
		if err := raw.Interventions.Decode(&cov); err != nil {
			add("interventions", "%v", err)
		} else {
			s.Interventions = &cov
			if _, err := cascade.Build(cov); err != nil {
				var ce cascade.ValidationErrors
				if errors.As(err, &ce) {
					for _, e := range ce {
						add("interventions."+e.Field, "%s", e.Message)
					}
				} else {
					add("interventions", "%v", err)
				}
			}
		}
	}

	pars, err := s.Pars()
	if err != nil {
		add("calib_pars", "%v", err)
	} else if err := params.Validate(pars); err != nil {
		var pe params.ValidationErrors
		if errors.As(err, &pe) {
			for _, e := range pe {
				add(e.Field, "%s", e.Message)
			}
		} else {
			add("calib_pars", "%v", err)
		}
	}

	if len(errs) > 0 {
		return Scenario{}, errs
	}
	return s, nil
}

// Marshal renders a scenario as a YAML document.
func Marshal(s Scenario) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal scenario %s: %w", s.Name, err)
	}
	return data, nil
}

// WriteTemplates writes each scenario to dir/<name>.yml, leaving existing files alone.
// It returns the paths it created.
func WriteTemplates(dir string, scenarios []Scenario) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	var created []string
	for _, s := range scenarios {
		path := filepath.Join(dir, s.Name+".yml")
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return created, fmt.Errorf("stat %s: %w", path, err)
		}
		data, err := Marshal(s)
		if err != nil {
			return created, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return created, fmt.Errorf("write %s: %w", path, err)
		}
		created = append(created, path)
	}
	return created, nil
}
