// Package stepspec turns the text of a Given-step into a structured ResourceSpec.
//
// The grammar is fixed:
//
//	<index_type> covering <data_source> in <region>[, <region>]*
//
// e.g. "bano covering addresses in 75,92". Parsing is total: any text that
// does not match the grammar yields a *ParseError, never a partial spec.
package stepspec

import (
	"fmt"
	"regexp"
	"strings"
)

// ResourceSpec is the structured form of a Given-step.
type ResourceSpec struct {
	IndexType  string   `json:"index_type"`
	DataSource string   `json:"data_source"`
	Regions    []string `json:"regions"`
}

// ParseError reports step text that does not match the grammar.
type ParseError struct {
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse step %q: %s", e.Text, e.Reason)
}

var (
	stepPattern   = regexp.MustCompile(`^([A-Za-z0-9_.-]+)\s+covering\s+([A-Za-z0-9_.-]+)\s+in\s+(.+)$`)
	regionPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Parse parses one step's text. Region order is preserved as written.
func Parse(text string) (ResourceSpec, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ResourceSpec{}, &ParseError{Text: text, Reason: "empty step"}
	}

	m := stepPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return ResourceSpec{}, &ParseError{Text: text, Reason: "expected '<index_type> covering <data_source> in <region>[, <region>]*'"}
	}

	parts := strings.Split(m[3], ",")
	regions := make([]string, 0, len(parts))
	for i, p := range parts {
		r := strings.TrimSpace(p)
		if r == "" {
			return ResourceSpec{}, &ParseError{Text: text, Reason: fmt.Sprintf("region %d is empty", i+1)}
		}
		if !regionPattern.MatchString(r) {
			return ResourceSpec{}, &ParseError{Text: text, Reason: fmt.Sprintf("invalid region %q", r)}
		}
		regions = append(regions, r)
	}

	return ResourceSpec{
		IndexType:  m[1],
		DataSource: m[2],
		Regions:    regions,
	}, nil
}

// String renders the spec back into step grammar.
func (s ResourceSpec) String() string {
	return fmt.Sprintf("%s covering %s in %s", s.IndexType, s.DataSource, strings.Join(s.Regions, ","))
}
