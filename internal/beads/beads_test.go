package beads

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/types"
)

func writeStore(t *testing.T, dir string, lines ...string) {
	t.Helper()
	path := filepath.Join(dir, JSONLRelPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

// fallbackAdapter returns an adapter with the bd CLI disabled so writes go
// through the JSONL rewrite path.
func fallbackAdapter(dir string) *Adapter {
	a := New(dir)
	a.BDPath = ""
	return a
}

func TestReadIssues(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir,
		`{"id":"todo-1","title":"First","status":"open","priority":1,"labels":["bug"]}`,
		``,
		`{"id":"todo-2","title":"Second","status":"closed","priority":2}`,
	)

	issues, err := fallbackAdapter(dir).ReadIssues(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "todo-1", issues[0].ID)
	assert.Equal(t, []string{"bug"}, issues[0].Labels)
	assert.Equal(t, "closed", issues[1].Status)
}

func TestReadIssuesMissingFile(t *testing.T) {
	issues, err := fallbackAdapter(t.TempDir()).ReadIssues(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestReadIssuesMalformedLine(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir,
		`{"id":"todo-1","title":"ok"}`,
		`{not json`,
	)
	_, err := fallbackAdapter(dir).ReadIssues(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestUpdateIssueFallback(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir,
		`{"id":"todo-1","title":"First","status":"open","priority":1,"labels":["bug","critical"]}`,
		`{"id":"todo-2","title":"Second","status":"open","priority":2}`,
	)
	a := fallbackAdapter(dir)

	p := 0
	require.NoError(t, a.UpdateIssue(context.Background(), "todo-1", Patch{Priority: &p}))

	got, err := a.GetIssue(context.Background(), "todo-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Priority)
	// Untouched fields survive the rewrite.
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, []string{"bug", "critical"}, got.Labels)
	assert.False(t, got.UpdatedAt.IsZero())

	other, err := a.GetIssue(context.Background(), "todo-2")
	require.NoError(t, err)
	assert.Equal(t, 2, other.Priority)
}

func TestUpdateIssueEmptyPatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	a := fallbackAdapter(dir)
	// No store on disk: an empty patch must not touch anything or fail.
	require.NoError(t, a.UpdateIssue(context.Background(), "todo-1", Patch{}))
}

func TestUpdateIssueNotFound(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, `{"id":"todo-1","title":"First","status":"open"}`)
	p := 1
	err := fallbackAdapter(dir).UpdateIssue(context.Background(), "todo-9", Patch{Priority: &p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCloseIssueFallback(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, `{"id":"todo-1","title":"First","status":"open","priority":2}`)
	a := fallbackAdapter(dir)

	require.NoError(t, a.CloseIssue(context.Background(), "todo-1"))
	got, err := a.GetIssue(context.Background(), "todo-1")
	require.NoError(t, err)
	require.Equal(t, "closed", got.Status)
	require.NotNil(t, got.ClosedAt)
	firstClosed := *got.ClosedAt

	// Idempotent: closing again keeps the original timestamp.
	require.NoError(t, a.CloseIssue(context.Background(), "todo-1"))
	got, err = a.GetIssue(context.Background(), "todo-1")
	require.NoError(t, err)
	assert.Equal(t, firstClosed, *got.ClosedAt)
}

func TestUpdateViaCLI(t *testing.T) {
	a := New(t.TempDir())
	a.BDPath = "/usr/bin/bd"
	var gotArgs []string
	a.run = func(ctx context.Context, name string, args ...string) error {
		gotArgs = append([]string{name}, args...)
		return nil
	}

	p := 0
	status := "in_progress"
	require.NoError(t, a.UpdateIssue(context.Background(), "todo-1", Patch{
		Priority: &p,
		Status:   &status,
		Labels:   []string{"bug"},
	}))

	joined := strings.Join(gotArgs, " ")
	assert.Contains(t, joined, "update todo-1")
	assert.Contains(t, joined, "--priority 0")
	assert.Contains(t, joined, "--status in_progress")
	assert.Contains(t, joined, "--label bug")
}

func TestPatchFields(t *testing.T) {
	p := 0
	patch := Patch{Priority: &p}
	fields := patch.Fields()
	assert.Equal(t, map[string]any{"priority": 0}, fields)
	assert.False(t, patch.Empty())
	assert.True(t, Patch{}.Empty())
}

func TestToCanonical(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := &Issue{
		ID:        "todo-1",
		Title:     "First",
		Status:    "blocked", // legacy status normalizes to open
		Priority:  1,
		IssueType: "bug",
		Assignee:  "alice",
		CreatedAt: created,
		UpdatedAt: updated,
	}

	issue := ToCanonical(rec)
	assert.Equal(t, types.StatusOpen, issue.Status)
	assert.Equal(t, types.TypeBug, issue.IssueType)
	assert.Equal(t, 1, issue.Priority)
	assert.Equal(t, "alice", issue.Assignee())
	assert.Equal(t, "beads:todo-1", issue.ExternalRefs["beads"])
	assert.Nil(t, issue.ClosedAt)
}

func TestToCanonicalClosed(t *testing.T) {
	updated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := &Issue{ID: "todo-2", Title: "Done", Status: "done", UpdatedAt: updated}
	issue := ToCanonical(rec)
	require.Equal(t, types.StatusClosed, issue.Status)
	require.NotNil(t, issue.ClosedAt)
	assert.Equal(t, updated, *issue.ClosedAt)
}
