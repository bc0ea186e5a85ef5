package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/coordinator"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/storage/sqlite"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := syncer.New(store, types.ConflictNewestWins)
	repo := types.RepoContext{Owner: "weftlabs", Name: "demo", ConflictPolicy: types.ConflictNewestWins}
	c, err := coordinator.New(repo, engine, filepath.Join(t.TempDir(), "outbox"))
	require.NoError(t, err)
	require.NoError(t, c.Attach(context.Background()))
	t.Cleanup(c.Drain)

	return NewServer(ServerConfig{Coordinator: c}), c
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeIssue(t *testing.T, rec *httptest.ResponseRecorder) *types.Issue {
	t.Helper()
	var issue types.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue), rec.Body.String())
	return &issue
}

func seedIssue(t *testing.T, c *coordinator.Coordinator, id string) {
	t.Helper()
	now := time.Now()
	issue := &types.Issue{ID: id, Title: id, Status: types.StatusOpen, Priority: 2, CreatedAt: now, UpdatedAt: now}
	issue.SetDefaults()
	require.NoError(t, c.Engine.Store.UpsertIssue(context.Background(), issue, storage.Guard{}))
}

func TestCreateAndGetIssue(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/issues", map[string]any{
		"title":    "ship the thing",
		"type":     "feature",
		"priority": 1,
		"labels":   []string{"launch"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeIssue(t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.TypeFeature, created.IssueType)
	assert.Equal(t, 1, created.Priority)

	rec = do(s, http.MethodGet, "/issues/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeIssue(t, rec)
	assert.Equal(t, "ship the thing", got.Title)
}

func TestCreateIssueValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/issues", map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetIssueNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/issues/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp struct {
		Error Failure `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KindNotFound, resp.Error.Kind)
}

func TestPatchIssue(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "w-1")

	rec := do(s, http.MethodPatch, "/issues/w-1", map[string]any{"priority": 0, "status": "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeIssue(t, rec)
	assert.Equal(t, 0, got.Priority)
	assert.Equal(t, types.StatusInProgress, got.Status)
	// Untouched fields survive the patch.
	assert.Equal(t, "w-1", got.Title)
}

func TestPatchStaleGuard(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "w-2")

	stale := time.Now().Add(-time.Hour)
	rec := do(s, http.MethodPatch, "/issues/w-2", map[string]any{
		"priority":            0,
		"expected_updated_at": stale.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var resp struct {
		Error Failure `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KindStaleWrite, resp.Error.Kind)
}

func TestCloseIssue(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "w-3")

	rec := do(s, http.MethodPost, "/issues/w-3/close", map[string]any{"reason": "done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeIssue(t, rec)
	assert.Equal(t, types.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, "done", got.CloseReason)
}

func TestDepsAndDagQueries(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "a")
	seedIssue(t, c, "b")

	rec := do(s, http.MethodPost, "/deps", map[string]any{"from": "a", "to": "b"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(s, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready struct {
		Issues []*types.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	require.Len(t, ready.Issues, 1)
	assert.Equal(t, "a", ready.Issues[0].ID)

	rec = do(s, http.MethodGet, "/blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var blocked struct {
		Issues []*types.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocked))
	require.Len(t, blocked.Issues, 1)
	assert.Equal(t, "b", blocked.Issues[0].ID)
}

func TestCycleRejected(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "a")
	seedIssue(t, c, "b")
	seedIssue(t, c, "c")

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/deps", map[string]any{"from": "a", "to": "b"}).Code)
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/deps", map[string]any{"from": "b", "to": "c"}).Code)

	rec := do(s, http.MethodPost, "/deps", map[string]any{"from": "c", "to": "a"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp struct {
		Error Failure `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KindCycle, resp.Error.Kind)

	// The rejected edge left the graph untouched.
	edges, err := c.Engine.Store.ListEdges(context.Background())
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestSelfLoopRejected(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "a")

	rec := do(s, http.MethodPost, "/deps", map[string]any{"from": "a", "to": "a"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp struct {
		Error Failure `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KindSelfLoop, resp.Error.Kind)
}

func TestListIssuesWithFilters(t *testing.T) {
	s, c := newTestServer(t)
	seedIssue(t, c, "alpha")
	seedIssue(t, c, "beta")
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/issues/beta/close", nil).Code)

	rec := do(s, http.MethodGet, "/issues?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Issues []*types.Issue `json:"issues"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "alpha", list.Issues[0].ID)

	rec = do(s, http.MethodGet, "/issues?q=alp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestAPIKeyRequired(t *testing.T) {
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine := syncer.New(store, types.ConflictNewestWins)
	c, err := coordinator.New(types.RepoContext{Owner: "o", Name: "n"}, engine, filepath.Join(t.TempDir(), "outbox"))
	require.NoError(t, err)
	require.NoError(t, c.Attach(context.Background()))
	t.Cleanup(c.Drain)

	s := NewServer(ServerConfig{Coordinator: c, APIKey: "sekrit"})

	rec := do(s, http.MethodGet, "/issues", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/issues", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestSetContext(t *testing.T) {
	s, c := newTestServer(t)
	rec := do(s, http.MethodPost, "/context", map[string]any{
		"owner": "weftlabs", "name": "demo", "installation_id": 42,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	raw, err := c.Engine.Store.GetConfig(context.Background(), contextConfigKey)
	require.NoError(t, err)
	var rc types.RepoContext
	require.NoError(t, json.Unmarshal([]byte(raw), &rc))
	assert.Equal(t, int64(42), rc.InstallationID)
}
