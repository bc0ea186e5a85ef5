package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/internal/beads"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/linear"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

// pullBeads imports the beads JSONL store. Deliveries carry no delivery id;
// the ledger dedupes on payload hash, so re-running the import is cheap.
func pullBeads(ctx context.Context, a *app) (int, error) {
	records, err := a.engine.Beads.ReadIssues(ctx)
	if err != nil {
		return 0, upstreamError(err)
	}
	applied := 0
	for i := range records {
		outcome, _, err := a.engine.ApplyInbound(ctx, syncer.Delivery{
			Upstream: ids.UpstreamBeads,
			Kind:     "beads.import",
			Issue:    beads.ToCanonical(&records[i]),
		})
		if err != nil {
			return applied, err
		}
		if outcome == types.OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// pullGitHub imports issues and milestones, fetched concurrently. Pull
// requests come back from the issues API too and are skipped.
func pullGitHub(ctx context.Context, a *app) (int, error) {
	var (
		issues     []github.Issue
		milestones []github.Milestone
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		issues, err = a.engine.GitHub.ListIssues(gctx, "all")
		return err
	})
	g.Go(func() error {
		var err error
		milestones, err = a.engine.GitHub.ListMilestones(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, upstreamError(err)
	}

	for i := range milestones {
		m := github.ToMilestone(&milestones[i])
		if err := a.store.UpsertMilestone(ctx, m); err != nil {
			return 0, err
		}
	}

	applied := 0
	for i := range issues {
		if issues[i].PullRequest != nil {
			continue
		}
		outcome, _, err := a.engine.ApplyInbound(ctx, syncer.Delivery{
			Upstream: ids.UpstreamGitHub,
			Kind:     "issues.import",
			Issue:    github.ToCanonical(&issues[i]),
		})
		if err != nil {
			return applied, err
		}
		if outcome == types.OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// pullLinear imports the team's issues through cursor pagination.
func pullLinear(ctx context.Context, a *app) (int, error) {
	issues, err := a.engine.Linear.ListAllIssues(ctx)
	if err != nil {
		return 0, upstreamError(err)
	}
	applied := 0
	for i := range issues {
		outcome, _, err := a.engine.ApplyInbound(ctx, syncer.Delivery{
			Upstream: ids.UpstreamLinear,
			Kind:     "Issue.import",
			Issue:    linear.ToCanonical(&issues[i]),
		})
		if err != nil {
			return applied, err
		}
		if outcome == types.OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// pullAPI imports issues from another weft coordinator's HTTP API.
func pullAPI(ctx context.Context, a *app, apiURL, apiKey string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/issues", nil)
	if err != nil {
		return 0, upstreamError(err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, upstreamError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, upstreamError(fmt.Errorf("api pull failed (status %d): %s", resp.StatusCode, body))
	}

	var payload struct {
		Issues []*types.Issue `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, upstreamError(fmt.Errorf("failed to parse api response: %w", err))
	}

	applied := 0
	now := time.Now()
	for _, issue := range payload.Issues {
		issue.SetDefaults()
		if issue.ID == "" || issue.Title == "" {
			debug.Logf("api pull: skipping record without id/title")
			continue
		}
		if issue.CreatedAt.IsZero() {
			issue.CreatedAt = now
		}
		if issue.UpdatedAt.IsZero() {
			issue.UpdatedAt = now
		}
		stored, err := a.store.GetIssue(ctx, issue.ID)
		if err == nil && !stored.UpdatedAt.Before(issue.UpdatedAt) {
			continue
		}
		if err := a.store.UpsertIssue(ctx, issue, storage.Guard{}); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
