package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/storage/sqlite"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := syncer.New(store, types.ConflictNewestWins)
	repo := types.RepoContext{Owner: "weftlabs", Name: "demo", ConflictPolicy: types.ConflictNewestWins}
	c, err := New(repo, engine, filepath.Join(t.TempDir(), "outbox"))
	require.NoError(t, err)
	return c
}

func seedOpenIssue(t *testing.T, c *Coordinator, id string, refs map[string]string) {
	t.Helper()
	now := time.Now()
	issue := &types.Issue{
		ID:           id,
		Title:        id,
		Status:       types.StatusOpen,
		Priority:     2,
		ExternalRefs: refs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	issue.SetDefaults()
	require.NoError(t, c.Engine.Store.UpsertIssue(context.Background(), issue, storage.Guard{}))
}

func TestLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	assert.Equal(t, StateCold, c.State())

	require.NoError(t, c.Attach(context.Background()))
	assert.Equal(t, StateActive, c.State())

	// Double attach is rejected.
	assert.Error(t, c.Attach(context.Background()))

	c.Drain()
	assert.Equal(t, StateCold, c.State())

	// Writes after drain are refused.
	err := c.Mutate(context.Background(), func(ctx context.Context) ([]*syncer.Effect, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotActive)

	// A cold coordinator can attach again.
	require.NoError(t, c.Attach(context.Background()))
	c.Drain()
}

func TestWebhookUnblocksDependent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	seedOpenIssue(t, c, "issue-a", map[string]string{ids.UpstreamGitHub: ids.GitHubRef(1)})
	seedOpenIssue(t, c, "issue-b", map[string]string{ids.UpstreamGitHub: ids.GitHubRef(2)})
	require.NoError(t, c.Engine.Store.AddEdge(ctx, types.DepEdge{
		From: "issue-a", To: "issue-b", Kind: types.DepBlocks, CreatedAt: time.Now(),
	}))

	require.NoError(t, c.Attach(ctx))
	defer c.Drain()

	closedAt := time.Now().Add(time.Minute)
	incoming := &types.Issue{
		Title:        "issue-a",
		Status:       types.StatusClosed,
		Priority:     2,
		ExternalRefs: map[string]string{ids.UpstreamGitHub: ids.GitHubRef(1)},
		UpdatedAt:    closedAt,
		ClosedAt:     &closedAt,
	}
	outcome, err := c.Deliver(ctx, syncer.Delivery{
		Upstream:   ids.UpstreamGitHub,
		Kind:       "issues.closed",
		DeliveryID: "dlv-unblock",
		Issue:      incoming,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, outcome)

	a, err := c.Engine.Store.GetIssue(ctx, "issue-a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, a.Status)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	ready := snap.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "issue-b", ready[0].ID)

	// The delivery id is on the ledger.
	seen, err := c.Engine.Store.SeenEvent(ctx, ids.UpstreamGitHub, ids.UpstreamGitHub+":dlv-unblock")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestWritesAreSerialized(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Attach(ctx))
	defer c.Drain()

	var inWrite atomic.Int32
	var maxConcurrent atomic.Int32
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- c.Mutate(ctx, func(ctx context.Context) ([]*syncer.Effect, error) {
				n := inWrite.Add(1)
				if n > maxConcurrent.Load() {
					maxConcurrent.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inWrite.Add(-1)
				return nil, nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	assert.EqualValues(t, 1, maxConcurrent.Load(), "writes must never overlap")
}

func TestEffectExecutedFromOutbox(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	var closes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["state"] == "closed" {
			closes.Add(1)
		}
		_ = json.NewEncoder(w).Encode(github.Issue{Number: 5, State: "closed"})
	}))
	defer server.Close()
	c.Engine.GitHub = github.NewClient(github.StaticToken("tok"), "weftlabs", "demo").WithBaseURL(server.URL)

	require.NoError(t, c.Attach(ctx))
	defer c.Drain()

	eff := syncer.NewEffect(syncer.EffectGitHubClose)
	eff.Number = 5
	err := c.Mutate(ctx, func(ctx context.Context) ([]*syncer.Effect, error) {
		return []*syncer.Effect{eff}, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return closes.Load() == 1
	}, 5*time.Second, 20*time.Millisecond, "effect loop must execute the queued close")

	// The outbox is empty once the effect lands.
	require.Eventually(t, func() bool {
		paths, err := c.box.list()
		return err == nil && len(paths) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommentMirrorRunsOffWritePath(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	const upstreamDelay = 300 * time.Millisecond
	var comments atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(upstreamDelay)
		comments.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(github.Comment{ID: 99, Body: "mirrored"})
	}))
	defer server.Close()
	c.Engine.GitHub = github.NewClient(github.StaticToken("tok"), "weftlabs", "demo").WithBaseURL(server.URL)

	seedOpenIssue(t, c, "issue-c", map[string]string{
		ids.UpstreamLinear: ids.LinearRef("lin-c"),
		ids.UpstreamGitHub: ids.GitHubRef(6),
	})

	require.NoError(t, c.Attach(ctx))
	defer c.Drain()

	start := time.Now()
	outcome, err := c.Deliver(ctx, syncer.Delivery{
		Upstream:   ids.UpstreamLinear,
		Kind:       "Comment.create",
		DeliveryID: "wh-slow",
		Comment: &syncer.CommentDelivery{
			UpstreamCommentID: "cmt-slow",
			IssueUpstreamID:   "lin-c",
			Body:              "ship it",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, outcome)
	assert.Less(t, time.Since(start), upstreamDelay,
		"the webhook ack must not wait for the upstream post")

	// A write queued behind the mirror commits without waiting either.
	start = time.Now()
	require.NoError(t, c.Mutate(ctx, func(ctx context.Context) ([]*syncer.Effect, error) {
		return nil, nil
	}))
	assert.Less(t, time.Since(start), upstreamDelay,
		"a slow upstream must not stall the write queue")

	require.Eventually(t, func() bool {
		return comments.Load() == 1
	}, 5*time.Second, 20*time.Millisecond, "effect loop must post the mirror")

	require.Eventually(t, func() bool {
		mapped, err := c.Engine.Store.HasCommentMapping(ctx, "issue-c", ids.UpstreamLinear, "cmt-slow")
		return err == nil && mapped
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAttachReplaysPendingEvents(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	incoming := &types.Issue{
		Title:        "recovered",
		Status:       types.StatusOpen,
		ExternalRefs: map[string]string{ids.UpstreamGitHub: ids.GitHubRef(77)},
		UpdatedAt:    time.Now(),
	}
	d := syncer.Delivery{
		Upstream:   ids.UpstreamGitHub,
		Kind:       "issues.opened",
		DeliveryID: "dlv-crash",
		Issue:      incoming,
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	_, err = c.Engine.Store.AppendEvent(ctx, &types.SyncEvent{
		Upstream:   d.Upstream,
		Direction:  types.DirectionInbound,
		Kind:       d.Kind,
		DeliveryID: d.DeliveryID,
		Payload:    string(raw),
		Outcome:    types.OutcomePending,
		At:         time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Attach(ctx))
	defer c.Drain()

	stored, err := c.Engine.Store.GetIssueByExternalRef(ctx, ids.UpstreamGitHub, ids.GitHubRef(77))
	require.NoError(t, err)
	assert.Equal(t, "recovered", stored.Title)
}
