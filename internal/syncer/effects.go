package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/beads"
	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// Effect kinds understood by Execute.
const (
	EffectGitHubCreate  = "github.create"
	EffectGitHubUpdate  = "github.update"
	EffectGitHubClose   = "github.close"
	EffectGitHubComment = "github.comment"
	EffectBeadsUpdate   = "beads.update"
	EffectBeadsClose    = "beads.close"
)

// Effect is one pending outbound action. Effects are durable: the
// coordinator writes each to the outbox before execution and removes it
// after, so a crash between commit and upstream call is replayed.
type Effect struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	IssueID   string         `json:"issue_id,omitempty"`
	Number    int            `json:"number,omitempty"`    // github issue number
	BeadsID   string         `json:"beads_id,omitempty"`  // beads record id
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Labels    []string       `json:"labels,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"` // github PATCH payload
	Patch     *beads.Patch   `json:"patch,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// SourceCommentID is set on mirror effects: the upstream comment the
	// body was taken from, recorded in the comment map after the post.
	SourceCommentID string `json:"source_comment_id,omitempty"`
}

// NewEffect mints an effect with a fresh id.
func NewEffect(kind string) *Effect {
	return &Effect{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// OutboundEffects translates a committed canonical change into the effects
// needed to bring the mapped upstreams in line. prev is the pre-write row
// (nil on create); origin names the upstream the change came from, so the
// change is not echoed back to its source.
func (e *Engine) OutboundEffects(prev, next *types.Issue, origin string) []*Effect {
	var effects []*Effect

	if e.GitHub != nil && origin != ids.UpstreamGitHub {
		if eff := e.githubEffect(prev, next); eff != nil {
			effects = append(effects, eff)
		}
	}
	if e.Beads != nil && origin != ids.UpstreamBeads {
		if eff := e.beadsEffect(prev, next); eff != nil {
			effects = append(effects, eff)
		}
	}
	return effects
}

func (e *Engine) githubEffect(prev, next *types.Issue) *Effect {
	ref, mapped := next.ExternalRefs[ids.UpstreamGitHub]
	if !mapped {
		eff := NewEffect(EffectGitHubCreate)
		eff.IssueID = next.ID
		eff.Title = next.Title
		eff.Body = next.Body
		fields := github.ToFields(next)
		if labels, ok := fields["labels"].([]string); ok {
			eff.Labels = labels
		}
		return eff
	}
	number, ok := ids.ParseGitHubRef(ref)
	if !ok {
		return nil
	}

	if next.Status == types.StatusClosed && (prev == nil || prev.Status != types.StatusClosed) {
		eff := NewEffect(EffectGitHubClose)
		eff.IssueID = next.ID
		eff.Number = number
		eff.Reason = next.CloseReason
		return eff
	}

	changed := Diff(prev, next, upstreamFields(ids.UpstreamGitHub))
	if len(changed) == 0 {
		return nil
	}
	eff := NewEffect(EffectGitHubUpdate)
	eff.IssueID = next.ID
	eff.Number = number
	eff.Fields = github.ToFields(next)
	return eff
}

func (e *Engine) beadsEffect(prev, next *types.Issue) *Effect {
	ref, mapped := next.ExternalRefs[ids.UpstreamBeads]
	if !mapped {
		return nil // beads records are created by the beads tool, not weft
	}
	beadsID, ok := ids.ParseBeadsRef(ref)
	if !ok {
		return nil
	}

	if next.Status == types.StatusClosed && (prev == nil || prev.Status != types.StatusClosed) {
		eff := NewEffect(EffectBeadsClose)
		eff.IssueID = next.ID
		eff.BeadsID = beadsID
		return eff
	}

	changed := Diff(prev, next, upstreamFields(ids.UpstreamBeads))
	if len(changed) == 0 {
		return nil
	}
	patch := &beads.Patch{}
	for _, f := range changed {
		switch f {
		case "status":
			s := string(next.Status)
			patch.Status = &s
		case "priority":
			p := next.Priority
			patch.Priority = &p
		case "title":
			t := next.Title
			patch.Title = &t
		case "body":
			b := next.Body
			patch.Description = &b
		case "labels":
			patch.Labels = append([]string(nil), next.Labels...)
		case "assignees":
			a := next.Assignee()
			patch.Assignee = &a
		}
	}
	if patch.Empty() {
		return nil
	}
	eff := NewEffect(EffectBeadsUpdate)
	eff.IssueID = next.ID
	eff.BeadsID = beadsID
	eff.Patch = patch
	return eff
}

// Execute runs one effect against its upstream with the standard retry
// schedule. Create effects bind the new upstream id back onto the issue.
func (e *Engine) Execute(ctx context.Context, eff *Effect) error {
	switch eff.Kind {
	case EffectGitHubCreate:
		if e.GitHub == nil {
			return nil
		}
		var created *github.Issue
		err := e.withRetry(ctx, ids.UpstreamGitHub, func() error {
			var cerr error
			created, cerr = e.GitHub.CreateIssue(ctx, eff.Title, eff.Body, eff.Labels)
			return cerr
		})
		if err != nil {
			return err
		}
		return e.bindRef(ctx, eff.IssueID, ids.UpstreamGitHub, ids.GitHubRef(created.Number))

	case EffectGitHubUpdate:
		if e.GitHub == nil {
			return nil
		}
		return e.withRetry(ctx, ids.UpstreamGitHub, func() error {
			_, err := e.GitHub.UpdateIssue(ctx, eff.Number, eff.Fields)
			return err
		})

	case EffectGitHubClose:
		if e.GitHub == nil {
			return nil
		}
		return e.withRetry(ctx, ids.UpstreamGitHub, func() error {
			_, err := e.GitHub.CloseIssue(ctx, eff.Number, eff.Reason)
			return err
		})

	case EffectGitHubComment:
		if e.GitHub == nil {
			return nil
		}
		if eff.SourceCommentID != "" {
			// A duplicate delivery may have queued the same mirror before
			// the first one posted; the map is the last line of dedupe.
			mirrored, err := e.Store.HasCommentMapping(ctx, eff.IssueID, ids.UpstreamLinear, eff.SourceCommentID)
			if err != nil {
				return err
			}
			if mirrored {
				return nil
			}
		}
		var posted *github.Comment
		err := e.withRetry(ctx, ids.UpstreamGitHub, func() error {
			var cerr error
			posted, cerr = e.GitHub.AddComment(ctx, eff.Number, eff.Body)
			return cerr
		})
		if err != nil {
			return err
		}
		if eff.SourceCommentID == "" {
			return nil
		}
		return e.recordCommentMapping(ctx, eff.IssueID, eff.SourceCommentID, posted.ID)

	case EffectBeadsUpdate:
		if e.Beads == nil || eff.Patch == nil {
			return nil
		}
		return e.Beads.UpdateIssue(ctx, eff.BeadsID, *eff.Patch)

	case EffectBeadsClose:
		if e.Beads == nil {
			return nil
		}
		return e.Beads.CloseIssue(ctx, eff.BeadsID)
	}
	return fmt.Errorf("unknown effect kind %q", eff.Kind)
}

// recordCommentMapping remembers both sides of a mirrored comment so
// webhook echoes and re-pulls dedupe against the map.
func (e *Engine) recordCommentMapping(ctx context.Context, issueID, sourceCommentID string, postedID int) error {
	now := e.now()
	return e.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.AddCommentMapping(ctx, types.CommentMapping{
			IssueID:           issueID,
			Upstream:          ids.UpstreamLinear,
			UpstreamCommentID: sourceCommentID,
			CreatedAt:         now,
		}); err != nil {
			return err
		}
		return tx.AddCommentMapping(ctx, types.CommentMapping{
			IssueID:           issueID,
			Upstream:          ids.UpstreamGitHub,
			UpstreamCommentID: fmt.Sprintf("%d", postedID),
			CreatedAt:         now,
		})
	})
}

// bindRef stores an upstream id minted during effect execution.
func (e *Engine) bindRef(ctx context.Context, issueID, upstream, ref string) error {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.ExternalRefs == nil {
		issue.ExternalRefs = map[string]string{}
	}
	issue.ExternalRefs[upstream] = ref
	return e.Store.UpsertIssue(ctx, issue, storage.Guard{ExpectedUpdatedAt: issue.UpdatedAt})
}
