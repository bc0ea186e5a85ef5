// Package filepattern compiles declarative filename patterns such as
// "[id]-[title].mdx" and converts between issues and filenames in both
// directions. The engine is pure: it never touches the filesystem.
package filepattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/types"
)

// DefaultPattern is used when a repo configures no explicit pattern.
const DefaultPattern = "[id]-[title].mdx"

// varRe matches one [name] variable reference inside a pattern.
var varRe = regexp.MustCompile(`\[([a-z]+)\]`)

// fragment regexes per variable. Extraction is non-greedy between literal
// separators, so ambiguous patterns yield the first (shortest) match.
var varFragments = map[string]string{
	"id":       `(?P<id>.+?)`,
	"title":    `(?P<title>.+?)`,
	"type":     `(?P<type>task|bug|feature|epic|chore)`,
	"state":    `(?P<state>open|in_progress|closed)`,
	"priority": `p(?P<priority>[0-9])`,
	"number":   `(?P<number>[0-9]+)`,
	"prefix":   `(?:.+?)`, // redundant with id, ignored on parse
}

// Values carries the variable bindings for one issue when formatting.
type Values struct {
	ID       string
	Title    string
	Type     types.IssueType
	State    types.Status
	Priority int
	Number   int // external GitHub number, 0 when unmapped
}

// ValuesFor derives pattern values from a canonical issue.
func ValuesFor(issue *types.Issue) Values {
	v := Values{
		ID:       issue.ID,
		Title:    issue.Title,
		Type:     issue.IssueType,
		State:    issue.Status,
		Priority: issue.Priority,
	}
	if ref, ok := issue.ExternalRefs[ids.UpstreamGitHub]; ok {
		if n, ok := ids.ParseGitHubRef(ref); ok {
			v.Number = n
		}
	}
	return v
}

// Pattern is a compiled filename pattern.
type Pattern struct {
	raw     string
	parse   *regexp.Regexp
	names   []string // submatch names aligned with parse groups
	emitFmt []emitPart
}

type emitPart struct {
	literal  string
	variable string
}

// Compile validates the pattern and prepares it for Format and Parse.
// Unknown variables are a compile-time error.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	p := &Pattern{raw: pattern}

	var re strings.Builder
	re.WriteString(`^`)
	rest := pattern
	for {
		loc := varRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			p.emitFmt = append(p.emitFmt, emitPart{literal: rest})
			re.WriteString(regexp.QuoteMeta(normalizeExt(rest)))
			break
		}
		literal := rest[:loc[0]]
		name := rest[loc[2]:loc[3]]
		fragment, ok := varFragments[name]
		if !ok {
			return nil, fmt.Errorf("unknown pattern variable [%s] in %q", name, pattern)
		}
		if literal != "" {
			p.emitFmt = append(p.emitFmt, emitPart{literal: literal})
			re.WriteString(regexp.QuoteMeta(normalizeExt(literal)))
		}
		p.emitFmt = append(p.emitFmt, emitPart{variable: name})
		re.WriteString(fragment)
		rest = rest[loc[1]:]
	}
	re.WriteString(`$`)

	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q did not compile: %w", pattern, err)
	}
	p.parse = compiled
	p.names = compiled.SubexpNames()
	return p, nil
}

// MustCompile is Compile for patterns known valid at build time.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Format renders the filename for the given values. The ".mdx" extension is
// normalized to ".md" since the emitted files are plain markdown.
func (p *Pattern) Format(v Values) string {
	var out strings.Builder
	for _, part := range p.emitFmt {
		if part.variable == "" {
			out.WriteString(normalizeExt(part.literal))
			continue
		}
		switch part.variable {
		case "id":
			out.WriteString(v.ID)
		case "title":
			out.WriteString(ids.Slug(v.Title))
		case "type":
			out.WriteString(string(v.Type))
		case "state":
			out.WriteString(string(v.State))
		case "priority":
			out.WriteString("p" + strconv.Itoa(v.Priority))
		case "number":
			out.WriteString(strconv.Itoa(v.Number))
		case "prefix":
			out.WriteString(ids.Prefix(v.ID))
		}
	}
	return out.String()
}

// Fields is the best-effort result of parsing a filename.
type Fields struct {
	ID       string
	Title    string // de-slugified: "-" back to spaces
	Type     types.IssueType
	State    types.Status
	Priority *int
	Number   *int
}

// Parse extracts fields from a filename produced by this pattern (or its
// ".mdx" spelling). Returns false when the filename does not match.
func (p *Pattern) Parse(filename string) (Fields, bool) {
	m := p.parse.FindStringSubmatch(normalizeExt(filename))
	if m == nil {
		return Fields{}, false
	}
	var f Fields
	for i, name := range p.names {
		if i == 0 || name == "" {
			continue
		}
		switch name {
		case "id":
			f.ID = m[i]
		case "title":
			f.Title = ids.UnSlug(m[i])
		case "type":
			f.Type = types.IssueType(m[i])
		case "state":
			f.State = types.Status(m[i])
		case "priority":
			if n, err := strconv.Atoi(m[i]); err == nil {
				f.Priority = &n
			}
		case "number":
			if n, err := strconv.Atoi(m[i]); err == nil {
				f.Number = &n
			}
		}
	}
	return f, true
}

func normalizeExt(s string) string {
	if strings.HasSuffix(s, ".mdx") {
		return strings.TrimSuffix(s, ".mdx") + ".md"
	}
	return s
}
