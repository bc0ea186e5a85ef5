// Package markdownfile converts between issue files on disk (YAML
// frontmatter plus markdown body) and canonical issues.
package markdownfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/types"
)

const delimiter = "---"

// File is one parsed issue file.
type File struct {
	Frontmatter map[string]any
	Body        string
}

// Parse splits content into frontmatter and body. Content without a leading
// frontmatter block parses as an empty map with everything in Body. When the
// frontmatter carries no title but the body opens with an H1 heading, the
// heading is lifted into the title and stripped from the body.
func Parse(content string) (*File, error) {
	f := &File{Frontmatter: map[string]any{}}

	body := content
	if block, rest, ok := splitFrontmatter(content); ok {
		if err := yaml.Unmarshal([]byte(block), &f.Frontmatter); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
		if f.Frontmatter == nil {
			f.Frontmatter = map[string]any{}
		}
		body = rest
	}

	if _, has := f.Frontmatter["title"]; !has {
		if title, rest, ok := liftHeading(body); ok {
			f.Frontmatter["title"] = title
			body = rest
		}
	}

	f.Body = strings.TrimLeft(body, "\n")
	return f, nil
}

func splitFrontmatter(content string) (block, rest string, ok bool) {
	if !strings.HasPrefix(content, delimiter+"\n") && content != delimiter {
		return "", "", false
	}
	after := strings.TrimPrefix(content, delimiter+"\n")
	idx := strings.Index(after, "\n"+delimiter)
	if idx < 0 {
		return "", "", false
	}
	block = after[:idx+1]
	rest = after[idx+1+len(delimiter):]
	rest = strings.TrimPrefix(rest, "\n")
	return block, rest, true
}

func liftHeading(body string) (title, rest string, ok bool) {
	trimmed := strings.TrimLeft(body, "\n")
	if !strings.HasPrefix(trimmed, "# ") {
		return "", "", false
	}
	line, rest, _ := strings.Cut(trimmed, "\n")
	title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
	if title == "" {
		return "", "", false
	}
	return title, rest, true
}

// String returns the frontmatter value for key as a string, or "".
func (f *File) String(key string) string {
	switch v := f.Frontmatter[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Int returns the frontmatter value for key as an int.
func (f *File) Int(key string) (int, bool) {
	switch v := f.Frontmatter[key].(type) {
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	case float64:
		return int(v), true
	}
	return 0, false
}

// StringList returns the frontmatter value for key as a string slice,
// accepting both block and inline arrays as well as a bare scalar.
func (f *File) StringList(key string) []string {
	switch v := f.Frontmatter[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Has reports whether the frontmatter carries the key at all, distinct from
// carrying an empty value. Diffing relies on this to honor partial files.
func (f *File) Has(key string) bool {
	_, ok := f.Frontmatter[key]
	return ok
}

// Status returns the normalized issue status from the frontmatter's "status"
// key. Legacy values like "blocked" collapse to open.
func (f *File) Status() (types.Status, bool) {
	raw, has := f.Frontmatter["status"]
	if !has {
		return "", false
	}
	s, ok := types.NormalizeStatus(fmt.Sprintf("%v", raw))
	return s, ok
}

// emitOrder fixes the field order for deterministic output.
var emitOrder = []string{
	"id", "title", "status", "priority", "type",
	"labels", "assignees", "milestone",
	"depends_on", "blocks", "external_refs",
}

// EmitIssue renders an issue (plus its edges, split into the ids it depends
// on and the ids it blocks) as a frontmatter file.
func EmitIssue(issue *types.Issue, dependsOn, blocks []string) ([]byte, error) {
	f := &File{
		Frontmatter: map[string]any{
			"id":     issue.ID,
			"title":  issue.Title,
			"status": string(issue.Status),
			// priority always present: 0 is meaningful
			"priority": issue.Priority,
			"type":     string(issue.IssueType),
		},
		Body: issue.Body,
	}
	if len(issue.Labels) > 0 {
		f.Frontmatter["labels"] = issue.Labels
	}
	if len(issue.Assignees) > 0 {
		f.Frontmatter["assignees"] = issue.Assignees
	}
	if issue.MilestoneID != "" {
		f.Frontmatter["milestone"] = issue.MilestoneID
	}
	if len(dependsOn) > 0 {
		f.Frontmatter["depends_on"] = dependsOn
	}
	if len(blocks) > 0 {
		f.Frontmatter["blocks"] = blocks
	}
	if len(issue.ExternalRefs) > 0 {
		f.Frontmatter["external_refs"] = issue.ExternalRefs
	}
	return f.Emit()
}

// Emit renders the file with frontmatter keys in canonical order. Keys
// outside the canonical set follow in lexical order so output stays stable.
func (f *File) Emit() ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}

	emitted := map[string]bool{}
	appendKV := func(key string) error {
		value, has := f.Frontmatter[key]
		if !has || emitted[key] {
			return nil
		}
		emitted[key] = true
		var valNode yaml.Node
		if err := valNode.Encode(value); err != nil {
			return fmt.Errorf("encode frontmatter %q: %w", key, err)
		}
		if valNode.Kind == yaml.SequenceNode {
			valNode.Style = yaml.FlowStyle
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, &valNode)
		return nil
	}

	for _, key := range emitOrder {
		if err := appendKV(key); err != nil {
			return nil, err
		}
	}
	extra := make([]string, 0, len(f.Frontmatter))
	for key := range f.Frontmatter {
		if !emitted[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		if err := appendKV(key); err != nil {
			return nil, err
		}
	}

	fm, err := yaml.Marshal(mapping)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	out.WriteString(delimiter + "\n")
	out.Write(fm)
	out.WriteString(delimiter + "\n")
	if f.Body != "" {
		out.WriteString("\n")
		out.WriteString(f.Body)
		if !strings.HasSuffix(f.Body, "\n") {
			out.WriteString("\n")
		}
	}
	return []byte(out.String()), nil
}
