// Package template renders TODO.mdx templates into markdown projections of
// the issue corpus. Rendering is a pure projection: one snapshot in, text
// out, no store access and no mutation.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/dag"
	"github.com/weftlabs/weft/internal/types"
)

// Config is the recognized frontmatter of a TODO.mdx template.
type Config struct {
	Title       string   `yaml:"title"`
	Beads       bool     `yaml:"beads"`
	API         bool     `yaml:"api"`
	FilePattern string   `yaml:"filePattern"`
	Outputs     []string `yaml:"outputs"`
	Owner       string   `yaml:"owner"`
	Repo        string   `yaml:"repo"`
	APIURL      string   `yaml:"apiUrl"`
	APIKey      string   `yaml:"apiKey"`
}

// Template is one parsed TODO.mdx file.
type Template struct {
	Config Config
	Body   string

	vars map[string]any // raw frontmatter for {name} interpolation
}

// Parse splits a template into frontmatter config and body. A template
// without frontmatter is all body.
func Parse(content string) (*Template, error) {
	t := &Template{vars: map[string]any{}}

	body := content
	if strings.HasPrefix(content, "---\n") {
		after := strings.TrimPrefix(content, "---\n")
		if idx := strings.Index(after, "\n---"); idx >= 0 {
			block := after[:idx+1]
			if err := yaml.Unmarshal([]byte(block), &t.Config); err != nil {
				return nil, fmt.Errorf("invalid template frontmatter: %w", err)
			}
			if err := yaml.Unmarshal([]byte(block), &t.vars); err != nil {
				return nil, fmt.Errorf("invalid template frontmatter: %w", err)
			}
			body = strings.TrimPrefix(after[idx+1+len("---"):], "\n")
		}
	}
	t.Body = body
	return t, nil
}

// RenderContext is the memoized snapshot a single render pass works from,
// so lists, stats, and DAG queries stay mutually consistent.
type RenderContext struct {
	issues   []*types.Issue
	byID     map[string]*types.Issue
	edges    []types.DepEdge
	snapshot *dag.Snapshot
}

// NewRenderContext builds the render snapshot from one read of the store.
func NewRenderContext(issues []*types.Issue, edges []types.DepEdge) *RenderContext {
	rc := &RenderContext{
		issues: issues,
		byID:   make(map[string]*types.Issue, len(issues)),
		edges:  edges,
	}
	for _, issue := range issues {
		rc.byID[issue.ID] = issue
	}
	rc.snapshot = dag.NewSnapshot(issues, edges)
	return rc
}

func (rc *RenderContext) withStatus(status types.Status) []*types.Issue {
	var out []*types.Issue
	for _, issue := range rc.issues {
		if issue.Status == status {
			out = append(out, issue)
		}
	}
	return out
}

func (rc *RenderContext) stats() types.Statistics {
	var s types.Statistics
	s.TotalIssues = len(rc.issues)
	for _, issue := range rc.issues {
		switch issue.Status {
		case types.StatusOpen:
			s.OpenIssues++
		case types.StatusInProgress:
			s.InProgressIssues++
		case types.StatusClosed:
			s.ClosedIssues++
		}
	}
	s.ReadyIssues = len(rc.snapshot.Ready())
	s.BlockedIssues = len(rc.snapshot.Blocked())
	return s
}

// tagRe matches a self-closing component tag like <Issues.Ready limit={5}/>.
var tagRe = regexp.MustCompile(`<([A-Za-z]+(?:\.[A-Za-z]+)?)((?:\s[^<>]*)?)/>`)

// limitAttrRe extracts the limit attribute from a tag's attribute text.
var limitAttrRe = regexp.MustCompile(`limit=\{(\d+)\}`)

// interpRe matches a {name} variable interpolation.
var interpRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// renderRe matches either a component tag or a {name} interpolation. Both
// substitutions run in one pass over the template body, so text inserted by
// one is never rescanned by the other: an issue title containing a literal
// {title} or <Stats/> comes out verbatim.
var renderRe = regexp.MustCompile(tagRe.String() + `|` + interpRe.String())

// DefaultReadyLimit truncates <Issues.Ready/> when no limit is given.
const DefaultReadyLimit = 10

// Render expands the template body against the snapshot. The renderer is
// total: unknown tags and unknown {name} variables pass through verbatim.
func (t *Template) Render(rc *RenderContext) string {
	return t.render(t.Body, rc, nil)
}

// RenderIssue expands a per-issue template: the component tags gain an issue
// scope (<Subtasks/>, <RelatedIssues/>, <Progress/>, <Timeline/>) and the
// issue's own fields shadow frontmatter variables.
func (t *Template) RenderIssue(rc *RenderContext, issue *types.Issue) string {
	return t.render(t.Body, rc, issue)
}

func (t *Template) render(body string, rc *RenderContext, scope *types.Issue) string {
	return renderRe.ReplaceAllStringFunc(body, func(m string) string {
		if strings.HasPrefix(m, "<") {
			return t.expandTag(m, rc, scope)
		}
		return t.interpolateVar(m, scope)
	})
}

func (t *Template) expandTag(tag string, rc *RenderContext, scope *types.Issue) string {
	m := tagRe.FindStringSubmatch(tag)
	name, attrs := m[1], m[2]
	switch name {
	case "Issues":
		return issueList(rc.issues)
	case "Issues.Open":
		return issueList(rc.withStatus(types.StatusOpen))
	case "Issues.InProgress":
		return issueList(rc.withStatus(types.StatusInProgress))
	case "Issues.Closed":
		return issueList(rc.withStatus(types.StatusClosed))
	case "Issues.Ready":
		limit := DefaultReadyLimit
		if lm := limitAttrRe.FindStringSubmatch(attrs); lm != nil {
			if n, err := strconv.Atoi(lm[1]); err == nil {
				limit = n
			}
		}
		ready := rc.snapshot.Ready()
		if len(ready) > limit {
			ready = ready[:limit]
		}
		return issueList(ready)
	case "Issues.Blocked":
		return issueList(rc.snapshot.Blocked())
	case "Stats":
		return renderStats(rc.stats())
	case "Subtasks":
		if scope == nil {
			return tag
		}
		return issueList(rc.children(scope.ID))
	case "RelatedIssues":
		if scope == nil {
			return tag
		}
		return renderRelated(rc, scope)
	case "Progress":
		if scope == nil {
			return tag
		}
		return renderProgress(rc.children(scope.ID))
	case "Timeline":
		if scope == nil {
			return tag
		}
		return renderTimeline(scope)
	}
	return tag // unknown tags stay verbatim
}

func (t *Template) interpolateVar(ref string, scope *types.Issue) string {
	name := ref[1 : len(ref)-1]
	if scope != nil {
		switch name {
		case "id":
			return scope.ID
		case "title":
			return EscapeTags(scope.Title)
		case "body":
			return EscapeTags(scope.Body)
		case "status":
			return string(scope.Status)
		case "type":
			return string(scope.IssueType)
		case "priority":
			return strconv.Itoa(scope.Priority)
		}
	}
	if v, ok := t.vars[name]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ref // unknown variables stay literal
}

// children returns issues whose epic_id points at the given id, in the
// planning order used everywhere else.
func (rc *RenderContext) children(id string) []*types.Issue {
	var out []*types.Issue
	for _, issue := range rc.issues {
		if issue.EpicID == id {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		return x.ID < y.ID
	})
	return out
}

// issueList renders issues one checklist line each, or the empty marker.
func issueList(issues []*types.Issue) string {
	if len(issues) == 0 {
		return "_No issues_\n"
	}
	var b strings.Builder
	for _, issue := range issues {
		b.WriteString(IssueLine(issue))
		b.WriteString("\n")
	}
	return b.String()
}

// IssueLine renders one issue as a markdown checklist entry:
// "- [ ] **id**: title (P2) [label1, label2]" with [x] for closed and
// [-] for in_progress.
func IssueLine(issue *types.Issue) string {
	box := " "
	switch issue.Status {
	case types.StatusClosed:
		box = "x"
	case types.StatusInProgress:
		box = "-"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] **%s**: %s", box, issue.ID, EscapeTags(issue.Title))
	fmt.Fprintf(&b, " (P%d)", issue.Priority)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(issue.Labels, ", "))
	}
	return b.String()
}

func renderStats(s types.Statistics) string {
	return fmt.Sprintf("**%d open** · %d in progress · %d closed · %d total (%d%% complete)\n",
		s.OpenIssues, s.InProgressIssues, s.ClosedIssues, s.TotalIssues, s.PercentComplete())
}

// renderRelated lists both directions of blocks edges with status glyphs:
// ✓ for closed neighbors, ○ for anything still open.
func renderRelated(rc *RenderContext, issue *types.Issue) string {
	var blockers, dependents []*types.Issue
	for _, e := range rc.edges {
		if e.Kind != types.DepBlocks {
			continue
		}
		if e.To == issue.ID {
			if other, ok := rc.byID[e.From]; ok {
				blockers = append(blockers, other)
			}
		}
		if e.From == issue.ID {
			if other, ok := rc.byID[e.To]; ok {
				dependents = append(dependents, other)
			}
		}
	}
	if len(blockers) == 0 && len(dependents) == 0 {
		return "_No related issues_\n"
	}
	var b strings.Builder
	for _, other := range blockers {
		fmt.Fprintf(&b, "- %s **%s**: %s (blocks this)\n",
			statusGlyph(other), other.ID, EscapeTags(other.Title))
	}
	for _, other := range dependents {
		fmt.Fprintf(&b, "- %s **%s**: %s (blocked by this)\n",
			statusGlyph(other), other.ID, EscapeTags(other.Title))
	}
	return b.String()
}

func statusGlyph(issue *types.Issue) string {
	if issue.Status == types.StatusClosed {
		return "✓"
	}
	return "○"
}

// progressCells is the fixed width of the <Progress/> bar.
const progressCells = 20

func renderProgress(children []*types.Issue) string {
	total := len(children)
	closed := 0
	for _, c := range children {
		if c.Status == types.StatusClosed {
			closed++
		}
	}
	filled := 0
	percent := 0
	if total > 0 {
		filled = closed * progressCells / total
		percent = closed * 100 / total
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressCells-filled)
	return fmt.Sprintf("[%s] %d/%d (%d%%)\n", bar, closed, total, percent)
}

func renderTimeline(issue *types.Issue) string {
	const day = "2006-01-02"
	var b strings.Builder
	fmt.Fprintf(&b, "Created: %s · Updated: %s", issue.CreatedAt.Format(day), issue.UpdatedAt.Format(day))
	if issue.ClosedAt != nil {
		fmt.Fprintf(&b, " · Closed: %s", issue.ClosedAt.Format(day))
	}
	b.WriteString("\n")
	return b.String()
}

// EscapeTags wraps component-tag syntax appearing inside issue text in
// inline code, so the outer renderer will not expand it on the next pass.
func EscapeTags(text string) string {
	return tagRe.ReplaceAllStringFunc(text, func(tag string) string {
		return "`" + tag + "`"
	})
}
