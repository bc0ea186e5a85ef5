package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/types"
)

func mkIssue(id, title string, status types.Status, priority int) *types.Issue {
	return &types.Issue{
		ID:        id,
		Title:     title,
		Status:    status,
		IssueType: types.TypeTask,
		Priority:  priority,
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestParseFrontmatterConfig(t *testing.T) {
	tpl, err := Parse(`---
title: Project board
beads: true
filePattern: "[id]-[title].mdx"
outputs: [TODO.md, ".todo/*.md"]
owner: acme
repo: widgets
---
# {title}

<Issues.Open/>
`)
	require.NoError(t, err)
	assert.Equal(t, "Project board", tpl.Config.Title)
	assert.True(t, tpl.Config.Beads)
	assert.Equal(t, "[id]-[title].mdx", tpl.Config.FilePattern)
	assert.Equal(t, []string{"TODO.md", ".todo/*.md"}, tpl.Config.Outputs)
	assert.Contains(t, tpl.Body, "<Issues.Open/>")
}

func TestRenderStatusLists(t *testing.T) {
	rc := NewRenderContext([]*types.Issue{
		mkIssue("a", "Open one", types.StatusOpen, 2),
		mkIssue("b", "Working", types.StatusInProgress, 1),
		closedIssue("c", "Done one"),
	}, nil)

	tpl, err := Parse("## Open\n<Issues.Open/>\n## Doing\n<Issues.InProgress/>\n## Done\n<Issues.Closed/>\n")
	require.NoError(t, err)
	out := tpl.Render(rc)

	assert.Contains(t, out, "- [ ] **a**: Open one (P2)")
	assert.Contains(t, out, "- [-] **b**: Working (P1)")
	assert.Contains(t, out, "- [x] **c**: Done one (P2)")
}

func closedIssue(id, title string) *types.Issue {
	i := mkIssue(id, title, types.StatusClosed, 2)
	at := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	i.ClosedAt = &at
	return i
}

func TestRenderLabels(t *testing.T) {
	issue := mkIssue("a", "Labeled", types.StatusOpen, 0)
	issue.Labels = []string{"bug", "critical"}
	rc := NewRenderContext([]*types.Issue{issue}, nil)

	tpl, _ := Parse("<Issues.Open/>")
	assert.Contains(t, tpl.Render(rc), "- [ ] **a**: Labeled (P0) [bug, critical]")
}

func TestRenderEmptyList(t *testing.T) {
	rc := NewRenderContext(nil, nil)
	tpl, _ := Parse("<Issues.Closed/>")
	assert.Equal(t, "_No issues_\n", tpl.Render(rc))
}

func TestRenderReadyLimit(t *testing.T) {
	var issues []*types.Issue
	for _, id := range []string{"a", "b", "c"} {
		issues = append(issues, mkIssue(id, id, types.StatusOpen, 2))
	}
	rc := NewRenderContext(issues, nil)

	tpl, _ := Parse("<Issues.Ready limit={2}/>")
	out := tpl.Render(rc)
	assert.Contains(t, out, "**a**")
	assert.Contains(t, out, "**b**")
	assert.NotContains(t, out, "**c**")
}

func TestRenderBlocked(t *testing.T) {
	rc := NewRenderContext([]*types.Issue{
		mkIssue("a", "Blocker", types.StatusOpen, 2),
		mkIssue("b", "Waiting", types.StatusOpen, 2),
	}, []types.DepEdge{{From: "a", To: "b", Kind: types.DepBlocks}})

	tpl, _ := Parse("<Issues.Blocked/>")
	out := tpl.Render(rc)
	assert.Contains(t, out, "**b**")
	assert.NotContains(t, out, "**a**")
}

func TestRenderStatsLiteral(t *testing.T) {
	var issues []*types.Issue
	for i := 0; i < 12; i++ {
		issues = append(issues, mkIssue(string(rune('a'+i)), "open", types.StatusOpen, 2))
	}
	for i := 0; i < 3; i++ {
		issues = append(issues, mkIssue(string(rune('m'+i)), "doing", types.StatusInProgress, 2))
	}
	for i := 0; i < 5; i++ {
		issues = append(issues, closedIssue(string(rune('p'+i)), "done"))
	}
	rc := NewRenderContext(issues, nil)

	tpl, _ := Parse("<Stats/>")
	assert.Equal(t, "**12 open** · 3 in progress · 5 closed · 20 total (25% complete)\n", tpl.Render(rc))
}

func TestInterpolation(t *testing.T) {
	tpl, err := Parse("---\ntitle: My board\nowner: acme\n---\n# {title} ({owner})\n\n{unknown} stays\n")
	require.NoError(t, err)
	out := tpl.Render(NewRenderContext(nil, nil))
	assert.Contains(t, out, "# My board (acme)")
	assert.Contains(t, out, "{unknown} stays")
}

func TestUnknownTagVerbatim(t *testing.T) {
	tpl, _ := Parse("<Gadgets.All/> and <Subtasks/>\n")
	out := tpl.Render(NewRenderContext(nil, nil))
	// Unknown tags and per-issue tags outside issue scope pass through.
	assert.Contains(t, out, "<Gadgets.All/>")
	assert.Contains(t, out, "<Subtasks/>")
}

func TestIssueContentNotInterpolated(t *testing.T) {
	issue := mkIssue("a", "document the {title} and {id} vars", types.StatusOpen, 2)
	rc := NewRenderContext([]*types.Issue{issue}, nil)

	tpl, err := Parse("---\ntitle: Project\n---\n# {title}\n\n<Issues.Open/>\n")
	require.NoError(t, err)
	out := tpl.Render(rc)

	assert.Contains(t, out, "# Project")
	// Brace syntax inside issue text is content, not a variable reference.
	assert.Contains(t, out, "document the {title} and {id} vars")
	assert.NotContains(t, out, "document the Project")
}

func TestEscapeTagsInTitles(t *testing.T) {
	issue := mkIssue("a", "Support <Stats/> in bodies", types.StatusOpen, 2)
	rc := NewRenderContext([]*types.Issue{issue}, nil)
	tpl, _ := Parse("<Issues.Open/>")
	out := tpl.Render(rc)
	assert.Contains(t, out, "`<Stats/>`")
}

func TestRenderIssueScope(t *testing.T) {
	epic := mkIssue("epic-1", "The epic", types.StatusOpen, 1)
	epic.IssueType = types.TypeEpic
	child1 := mkIssue("c1", "Child one", types.StatusOpen, 2)
	child1.EpicID = "epic-1"
	child2 := closedIssue("c2", "Child two")
	child2.EpicID = "epic-1"
	blocker := closedIssue("dep", "The blocker")

	rc := NewRenderContext(
		[]*types.Issue{epic, child1, child2, blocker},
		[]types.DepEdge{{From: "dep", To: "epic-1", Kind: types.DepBlocks}},
	)

	tpl, _ := Parse("# {title}\n\n<Progress/>\n<Subtasks/>\n<RelatedIssues/>\n<Timeline/>\n")
	out := tpl.RenderIssue(rc, epic)

	assert.Contains(t, out, "# The epic")
	assert.Contains(t, out, "1/2 (50%)")
	assert.Contains(t, out, "- [ ] **c1**: Child one")
	assert.Contains(t, out, "- [x] **c2**: Child two")
	assert.Contains(t, out, "✓ **dep**: The blocker (blocks this)")
	assert.Contains(t, out, "Created: 2026-03-01 · Updated: 2026-03-02")
}

func TestProgressBarWidth(t *testing.T) {
	children := []*types.Issue{
		closedIssue("a", "a"),
		mkIssue("b", "b", types.StatusOpen, 2),
	}
	out := renderProgress(children)
	assert.Contains(t, out, "1/2 (50%)")
	// 10 filled + 10 empty cells.
	assert.Contains(t, out, "██████████░░░░░░░░░░")
}

func TestPlanOutputs(t *testing.T) {
	issue := mkIssue("todo-1", "Fix parser", types.StatusOpen, 1)
	rc := NewRenderContext([]*types.Issue{issue}, nil)

	tpl, err := Parse(`---
filePattern: "[id]-[title].mdx"
outputs: [TODO.md, ".todo/*.md"]
---
<Issues.Open/>
`)
	require.NoError(t, err)

	files, err := tpl.Plan(rc)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "TODO.md", files[0].Path)
	assert.Contains(t, string(files[0].Content), "**todo-1**")

	assert.Equal(t, ".todo/todo-1-fix-parser.md", files[1].Path)
	assert.Contains(t, string(files[1].Content), "id: todo-1")
	assert.Contains(t, string(files[1].Content), "title: Fix parser")
}

func TestPlanDefaultOutput(t *testing.T) {
	tpl, err := Parse("<Stats/>\n")
	require.NoError(t, err)
	files, err := tpl.Plan(NewRenderContext(nil, nil))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "TODO.md", files[0].Path)
}
