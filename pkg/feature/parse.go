package feature

import (
	"fmt"
	"strings"
)

var stepKeywords = []struct {
	word string
	typ  StepType
}{
	{"Given", StepGiven},
	{"When", StepWhen},
	{"Then", StepThen},
	{"And", ""},
	{"But", ""},
	{"*", ""},
}

type parser struct {
	path     string
	feature  *Feature
	tags     []string
	steps    *[]Step
	lastType StepType
	inDesc   bool
	desc     []string
}

// Parse parses a feature document held in memory.
func Parse(src string) (*Feature, error) {
	return ParseNamed("", src)
}

// ParseNamed parses src, reporting errors against path.
func ParseNamed(path, src string) (*Feature, error) {
	p := &parser{path: path}
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		raw := lines[i]
		line := strings.TrimSpace(raw)

		if delim, ok := docstringDelimiter(line); ok {
			next, err := p.docstring(lines, i, delim)
			if err != nil {
				return nil, err
			}
			i = next
			continue
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "@"):
			p.endDescription()
			p.tags = append(p.tags, strings.Fields(line)...)
		case hasKeyword(line, "Feature"):
			if p.feature != nil {
				return nil, p.errorf(lineNo, "only one Feature per document")
			}
			p.feature = &Feature{Path: path, Name: keywordValue(line, "Feature"), Tags: p.takeTags(), Scenarios: []Scenario{}}
			p.inDesc = true
		case hasKeyword(line, "Background"):
			if err := p.requireFeature(lineNo); err != nil {
				return nil, err
			}
			p.endDescription()
			if p.feature.Background != nil {
				return nil, p.errorf(lineNo, "duplicate Background")
			}
			if len(p.feature.Scenarios) > 0 {
				return nil, p.errorf(lineNo, "Background must precede scenarios")
			}
			if len(p.tags) > 0 {
				return nil, p.errorf(lineNo, "tags are not allowed on Background")
			}
			p.feature.Background = &Background{Line: lineNo, Steps: []Step{}}
			p.steps = &p.feature.Background.Steps
			p.lastType = ""
		case hasKeyword(line, "Scenario Outline"), hasKeyword(line, "Scenario Template"), hasKeyword(line, "Examples"):
			return nil, p.errorf(lineNo, "scenario outlines are not supported")
		case hasKeyword(line, "Scenario"), hasKeyword(line, "Example"):
			if err := p.requireFeature(lineNo); err != nil {
				return nil, err
			}
			p.endDescription()
			kw := "Scenario"
			if !hasKeyword(line, kw) {
				kw = "Example"
			}
			p.feature.Scenarios = append(p.feature.Scenarios, Scenario{
				Name:  keywordValue(line, kw),
				Tags:  p.takeTags(),
				Steps: []Step{},
				Line:  lineNo,
			})
			p.steps = &p.feature.Scenarios[len(p.feature.Scenarios)-1].Steps
			p.lastType = ""
		case strings.HasPrefix(line, "|"):
			return nil, p.errorf(lineNo, "data tables are not supported")
		default:
			if st, ok, err := p.step(line, lineNo); err != nil {
				return nil, err
			} else if ok {
				*p.steps = append(*p.steps, st)
				continue
			}
			if p.feature != nil && p.inDesc {
				p.desc = append(p.desc, line)
				continue
			}
			return nil, p.errorf(lineNo, "unexpected line %q", line)
		}
	}

	if p.feature == nil {
		return nil, p.errorf(len(lines), "missing Feature")
	}
	p.endDescription()
	if len(p.tags) > 0 {
		return nil, p.errorf(len(lines), "dangling tags %v", p.tags)
	}
	return p.feature, nil
}

func (p *parser) step(line string, lineNo int) (Step, bool, error) {
	for _, kw := range stepKeywords {
		if !strings.HasPrefix(line, kw.word+" ") {
			continue
		}
		if p.steps == nil {
			return Step{}, false, p.errorf(lineNo, "step outside Background or Scenario")
		}
		typ := kw.typ
		if typ == "" {
			if p.lastType == "" {
				return Step{}, false, p.errorf(lineNo, "%q step has no preceding step to continue", kw.word)
			}
			typ = p.lastType
		}
		p.lastType = typ
		text := strings.TrimSpace(strings.TrimPrefix(line, kw.word))
		if text == "" {
			return Step{}, false, p.errorf(lineNo, "empty step")
		}
		return Step{Type: typ, Keyword: kw.word, Text: text, Line: lineNo}, true, nil
	}
	return Step{}, false, nil
}

// docstring consumes lines[start+1:] up to the closing delimiter and
// attaches the content to the last step. It returns the index of the
// closing line.
func (p *parser) docstring(lines []string, start int, delim string) (int, error) {
	if p.steps == nil || len(*p.steps) == 0 {
		return 0, p.errorf(start+1, "docstring without a step")
	}
	indent := len(lines[start]) - len(strings.TrimLeft(lines[start], " \t"))

	var body []string
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delim {
			steps := *p.steps
			steps[len(steps)-1].Docstring = strings.Join(body, "\n")
			return i, nil
		}
		body = append(body, dedent(lines[i], indent))
	}
	return 0, p.errorf(start+1, "unterminated docstring")
}

func (p *parser) requireFeature(lineNo int) error {
	if p.feature == nil {
		return p.errorf(lineNo, "missing Feature before this line")
	}
	return nil
}

func (p *parser) endDescription() {
	if !p.inDesc {
		return
	}
	p.inDesc = false
	p.feature.Description = strings.Join(p.desc, "\n")
	p.desc = nil
}

func (p *parser) takeTags() []string {
	tags := p.tags
	p.tags = nil
	return tags
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return &SyntaxError{Path: p.path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func docstringDelimiter(line string) (string, bool) {
	for _, d := range []string{`"""`, "```"} {
		if strings.HasPrefix(line, d) {
			return d, true
		}
	}
	return "", false
}

func hasKeyword(line, kw string) bool {
	return strings.HasPrefix(line, kw+":")
}

func keywordValue(line, kw string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, kw+":"))
}

func dedent(line string, n int) string {
	i := 0
	for i < n && i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[i:]
}
