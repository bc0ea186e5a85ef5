package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/coordinator"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/storage/sqlite"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

var (
	ghSecret  = []byte("gh-secret")
	linSecret = []byte("lin-secret")
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

	s := NewServer(ServerConfig{
		Resolver:     StaticResolver{C: c, Repo: "weftlabs/demo"},
		GitHubSecret: ghSecret,
		LinearSecret: linSecret,
	})
	return s, c
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postGitHub(s *Server, body []byte, event, delivery, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func postLinear(s *Server, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", sig)
	req.Header.Set("Linear-Delivery", "lin-dlv-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func githubIssueBody(number int, title, state string, repo string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": "opened",
		"issue": {
			"number": %d,
			"title": %q,
			"state": %q,
			"updated_at": %q
		},
		"repository": {"name": %q, "owner": {"login": "weftlabs"}}
	}`, number, title, state, time.Now().Format(time.RFC3339), repo))
}

func TestGitHubBadSignature(t *testing.T) {
	s, _ := newTestServer(t)
	body := githubIssueBody(1, "hello", "open", "demo")

	rec := postGitHub(s, body, "issues", "d1", "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Missing prefix is also rejected.
	rec = postGitHub(s, body, "issues", "d1", sign(ghSecret, body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGitHubUnknownTenant(t *testing.T) {
	s, _ := newTestServer(t)
	body := githubIssueBody(1, "hello", "open", "other-repo")
	rec := postGitHub(s, body, "issues", "d1", "sha256="+sign(ghSecret, body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGitHubIssueApplied(t *testing.T) {
	s, c := newTestServer(t)
	body := githubIssueBody(7, "from webhook", "open", "demo")

	rec := postGitHub(s, body, "issues", "d-apply", "sha256="+sign(ghSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.OutcomeApplied), resp.Outcome)
	assert.Equal(t, "d-apply", resp.DeliveryID)

	issue, err := c.Engine.Store.GetIssueByExternalRef(context.Background(), ids.UpstreamGitHub, ids.GitHubRef(7))
	require.NoError(t, err)
	assert.Equal(t, "from webhook", issue.Title)
}

func TestGitHubReplayIsDuplicate(t *testing.T) {
	s, _ := newTestServer(t)
	body := githubIssueBody(8, "once", "open", "demo")
	sig := "sha256=" + sign(ghSecret, body)

	rec := postGitHub(s, body, "issues", "d-replay", sig)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postGitHub(s, body, "issues", "d-replay", sig)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.OutcomeDuplicate), resp.Outcome)
}

func TestGitHubPullRequestIgnored(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{
		"action": "opened",
		"issue": {"number": 9, "title": "pr", "state": "open", "pull_request": {"url": "x"}},
		"repository": {"name": "demo", "owner": {"login": "weftlabs"}}
	}`)
	rec := postGitHub(s, body, "issues", "d-pr", "sha256="+sign(ghSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.OutcomeIgnored), resp.Outcome)
}

func linearIssueBody(ts time.Time) []byte {
	raw, _ := json.Marshal(map[string]any{
		"action": "create",
		"type":   "Issue",
		"data": map[string]any{
			"id":        "lin-uuid-1",
			"title":     "from linear",
			"priority":  1,
			"state":     map[string]string{"id": "st", "name": "Todo", "type": "unstarted"},
			"updatedAt": time.Now().Format(time.RFC3339),
		},
		"organizationId":   "org-1",
		"webhookTimestamp": ts.UnixMilli(),
	})
	return raw
}

func TestLinearBadSignature(t *testing.T) {
	s, _ := newTestServer(t)
	body := linearIssueBody(time.Now())
	rec := postLinear(s, body, "not-hex")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLinearStaleTimestamp(t *testing.T) {
	s, _ := newTestServer(t)
	body := linearIssueBody(time.Now().Add(-2 * time.Minute))
	rec := postLinear(s, body, sign(linSecret, body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLinearIssueApplied(t *testing.T) {
	s, c := newTestServer(t)
	body := linearIssueBody(time.Now())

	rec := postLinear(s, body, sign(linSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.OutcomeApplied), resp.Outcome)

	issue, err := c.Engine.Store.GetIssueByExternalRef(context.Background(), ids.UpstreamLinear, ids.LinearRef("lin-uuid-1"))
	require.NoError(t, err)
	assert.Equal(t, "from linear", issue.Title)
	// Linear urgent maps to the top canonical priority.
	assert.Equal(t, 0, issue.Priority)
}

func TestLinearCommentForUnknownIssueIgnored(t *testing.T) {
	s, _ := newTestServer(t)
	raw, _ := json.Marshal(map[string]any{
		"action": "create",
		"type":   "Comment",
		"data": map[string]any{
			"id":      "cmt-1",
			"body":    "hello",
			"issueId": "lin-unknown",
			"user":    map[string]string{"id": "u1", "name": "ada"},
		},
		"organizationId":   "org-1",
		"webhookTimestamp": time.Now().UnixMilli(),
	})
	rec := postLinear(s, raw, sign(linSecret, raw))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.OutcomeIgnored), resp.Outcome)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
