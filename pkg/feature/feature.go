// Package feature reads the subset of Gherkin used to describe test
// specifications: a Feature with an optional Background, Scenarios, steps,
// tags and docstrings.
package feature

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// StepType is the normalized kind of a step.
type StepType string

const (
	StepGiven StepType = "given"
	StepWhen  StepType = "when"
	StepThen  StepType = "then"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepGiven, StepWhen, StepThen:
		return true
	}
	return false
}

// Step is one specification line. And/But steps carry the type of the step
// they continue.
type Step struct {
	Type      StepType `json:"type"`
	Keyword   string   `json:"keyword"`
	Text      string   `json:"text"`
	Docstring string   `json:"docstring,omitempty"`
	Line      int      `json:"line"`
}

// Background is the shared Given-context of a feature.
type Background struct {
	Steps []Step `json:"steps"`
	Line  int    `json:"line"`
}

// GivenSteps returns the Given steps in source order.
func (b *Background) GivenSteps() []Step {
	var out []Step
	for _, st := range b.Steps {
		if st.Type == StepGiven {
			out = append(out, st)
		}
	}
	return out
}

// Scenario is a named sequence of steps.
type Scenario struct {
	Name  string   `json:"name"`
	Tags  []string `json:"tags,omitempty"`
	Steps []Step   `json:"steps"`
	Line  int      `json:"line"`
}

// Feature is a parsed .feature document.
type Feature struct {
	Path        string      `json:"path,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Background  *Background `json:"background,omitempty"`
	Scenarios   []Scenario  `json:"scenarios"`
}

// SyntaxError reports a malformed feature document.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ParseFile reads and parses a feature file.
func ParseFile(path string) (*Feature, error) {
	// #nosec G304 -- path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature: %w", err)
	}
	f, err := ParseNamed(path, string(data))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Glob expands doublestar patterns (e.g. features/**/*.feature) into a
// sorted, de-duplicated list of paths.
func Glob(patterns ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}
