// Package syncer is the reconciliation engine. It applies inbound upstream
// payloads to the canonical store through the sync event ledger, computes
// canonical diffs limited to the fields each upstream is authoritative for,
// and executes outbound effects with retry.
//
// The engine never runs concurrently with itself for one repo: the
// coordinator serializes all calls.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/beads"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/linear"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/internal/types"
)

// DefaultPrefix is used when minting ids for issues first seen upstream.
const DefaultPrefix = "todo"

// Engine reconciles one repo's canonical store with its upstreams.
// GitHub, Linear, and Beads may be nil when the upstream is not configured.
type Engine struct {
	Store   storage.Storage
	Beads   *beads.Adapter
	GitHub  *github.Client
	Linear  *linear.Client
	Policy  types.ConflictPolicy
	Prefix  string
	Metrics *telemetry.SyncMetrics

	// now is swapped in tests.
	now func() time.Time
}

// New creates an engine with the given store and conflict policy.
func New(store storage.Storage, policy types.ConflictPolicy) *Engine {
	if !policy.IsValid() {
		policy = types.ConflictNewestWins
	}
	return &Engine{
		Store:   store,
		Policy:  policy,
		Prefix:  DefaultPrefix,
		Metrics: telemetry.NewSyncMetrics(),
		now:     time.Now,
	}
}

// CommentDelivery carries an upstream comment event (currently Linear only).
type CommentDelivery struct {
	UpstreamCommentID string `json:"upstream_comment_id"`
	IssueUpstreamID   string `json:"issue_upstream_id"`
	Body              string `json:"body"`
	Author            string `json:"author,omitempty"`
	URL               string `json:"url,omitempty"`
}

// Delivery is one inbound unit of work: either an issue payload mapped to
// canonical fields, or a comment event. DeliveryID is set for webhook
// deliveries; pulled items rely on the payload hash instead.
type Delivery struct {
	Upstream   string           `json:"upstream"`
	Kind       string           `json:"kind"`
	DeliveryID string           `json:"delivery_id,omitempty"`
	Issue      *types.Issue     `json:"issue,omitempty"`
	Comment    *CommentDelivery `json:"comment,omitempty"`
}

// PayloadHash returns the content hash used for dedupe when no delivery id
// is present.
func (d Delivery) PayloadHash() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// upstreamFields lists the canonical fields each upstream is authoritative
// for. Incoming payloads never touch fields outside their set.
func upstreamFields(upstream string) []string {
	switch upstream {
	case ids.UpstreamGitHub:
		return []string{"title", "body", "status", "priority", "issue_type", "labels", "assignees"}
	case ids.UpstreamLinear:
		return []string{"title", "body", "status", "priority", "labels", "assignees"}
	case ids.UpstreamBeads:
		return []string{"title", "body", "status", "priority", "issue_type", "labels", "assignees"}
	default: // files
		return []string{"title", "body", "status", "priority", "issue_type", "labels", "assignees", "milestone_id"}
	}
}

// Diff returns the names of authoritative fields where incoming differs from
// stored. A nil stored issue makes every set field a change.
func Diff(stored, incoming *types.Issue, fields []string) []string {
	var changed []string
	for _, f := range fields {
		if fieldDiffers(stored, incoming, f) {
			changed = append(changed, f)
		}
	}
	return changed
}

func fieldDiffers(stored, incoming *types.Issue, field string) bool {
	if stored == nil {
		return true
	}
	switch field {
	case "title":
		return incoming.Title != "" && incoming.Title != stored.Title
	case "body":
		return incoming.Body != stored.Body
	case "status":
		return incoming.Status != "" && incoming.Status != stored.Status
	case "priority":
		return incoming.Priority != stored.Priority
	case "issue_type":
		return incoming.IssueType != "" && incoming.IssueType != stored.IssueType
	case "labels":
		return !types.LabelsEqual(incoming.Labels, stored.Labels)
	case "assignees":
		return incoming.Assignee() != stored.Assignee()
	case "milestone_id":
		return incoming.MilestoneID != stored.MilestoneID
	}
	return false
}

// merge clones stored and overlays the changed fields from incoming.
func merge(stored, incoming *types.Issue, changed []string) *types.Issue {
	out := stored.Clone()
	for _, f := range changed {
		switch f {
		case "title":
			out.Title = incoming.Title
		case "body":
			out.Body = incoming.Body
		case "status":
			out.Status = incoming.Status
		case "priority":
			out.Priority = incoming.Priority
		case "issue_type":
			out.IssueType = incoming.IssueType
		case "labels":
			out.Labels = append([]string(nil), incoming.Labels...)
		case "assignees":
			out.Assignees = append([]string(nil), incoming.Assignees...)
		case "milestone_id":
			out.MilestoneID = incoming.MilestoneID
		}
	}
	for k, v := range incoming.ExternalRefs {
		if out.ExternalRefs == nil {
			out.ExternalRefs = map[string]string{}
		}
		out.ExternalRefs[k] = v
	}
	if out.Status == types.StatusClosed {
		if out.ClosedAt == nil {
			if incoming.ClosedAt != nil {
				t := *incoming.ClosedAt
				out.ClosedAt = &t
			} else {
				now := time.Now()
				out.ClosedAt = &now
			}
		}
	} else {
		out.ClosedAt = nil
		out.CloseReason = ""
	}
	if !incoming.UpdatedAt.IsZero() {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

// ApplyInbound runs one delivery through the ledger and the store. The
// returned outcome is also recorded on the ledger entry, and the returned
// effects are the outbound work the delivery produced; the caller queues
// them, so upstream calls never run on the inbound path. Every accepted
// delivery appends exactly one entry, duplicates included, so the ledger is
// a complete receipt trail.
func (e *Engine) ApplyInbound(ctx context.Context, d Delivery) (types.EventOutcome, []*Effect, error) {
	ev := &types.SyncEvent{
		Upstream:   d.Upstream,
		Direction:  types.DirectionInbound,
		Kind:       d.Kind,
		DeliveryID: d.DeliveryID,
		Outcome:    types.OutcomePending,
		At:         e.now(),
	}
	if d.DeliveryID == "" {
		ev.PayloadHash = d.PayloadHash()
	}
	if raw, err := json.Marshal(d); err == nil {
		ev.Payload = string(raw)
	}

	seen, err := e.Store.SeenEvent(ctx, d.Upstream, ev.IdempotencyKey())
	if err != nil {
		return types.OutcomeFailed, nil, err
	}
	if seen {
		seq, err := e.Store.AppendEvent(ctx, ev)
		if err != nil {
			return types.OutcomeFailed, nil, err
		}
		outcome, err := e.resolve(ctx, seq, types.OutcomeDuplicate, d.Upstream)
		return outcome, nil, err
	}

	seq, err := e.Store.AppendEvent(ctx, ev)
	if err != nil {
		return types.OutcomeFailed, nil, err
	}
	return e.applyEvent(ctx, seq, d)
}

// applyEvent applies an already-ledgered delivery and resolves its entry.
// Also the replay path for pending events found during coordinator attach.
func (e *Engine) applyEvent(ctx context.Context, seq int64, d Delivery) (types.EventOutcome, []*Effect, error) {
	var outcome types.EventOutcome
	var effects []*Effect
	var err error
	switch {
	case d.Comment != nil:
		var eff *Effect
		outcome, eff, err = e.mirrorCommentEffect(ctx, d)
		if eff != nil {
			effects = append(effects, eff)
		}
	case d.Issue != nil:
		outcome, err = e.applyIssue(ctx, d)
	default:
		outcome = types.OutcomeIgnored
	}
	if err != nil {
		_, rerr := e.resolve(ctx, seq, types.OutcomeFailed, d.Upstream)
		if rerr != nil {
			debug.Logf("sync: failed to resolve event %d: %v", seq, rerr)
		}
		return types.OutcomeFailed, nil, err
	}
	outcome, err = e.resolve(ctx, seq, outcome, d.Upstream)
	return outcome, effects, err
}

func (e *Engine) resolve(ctx context.Context, seq int64, outcome types.EventOutcome, upstream string) (types.EventOutcome, error) {
	if err := e.Store.ResolveEvent(ctx, seq, outcome); err != nil {
		return types.OutcomeFailed, err
	}
	if e.Metrics != nil {
		e.Metrics.RecordEvent(ctx, upstream, outcome)
	}
	debug.Logf("sync: event %d %s -> %s", seq, upstream, outcome)
	return outcome, nil
}

// applyIssue computes the canonical diff and writes it.
func (e *Engine) applyIssue(ctx context.Context, d Delivery) (types.EventOutcome, error) {
	incoming := d.Issue
	refID, ok := incoming.ExternalRefs[d.Upstream]
	if !ok {
		return types.OutcomeIgnored, nil
	}

	stored, err := e.Store.GetIssueByExternalRef(ctx, d.Upstream, refID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return types.OutcomeFailed, err
	}

	// Out-of-order guard: an event older than what we already hold is stale.
	if stored != nil && !incoming.UpdatedAt.IsZero() && incoming.UpdatedAt.Before(stored.UpdatedAt) {
		return types.OutcomeStale, nil
	}

	changed := Diff(stored, incoming, upstreamFields(d.Upstream))
	if stored != nil && len(changed) == 0 {
		return types.OutcomeIgnored, nil
	}

	var next *types.Issue
	var guard storage.Guard
	if stored == nil {
		next = incoming.Clone()
		next.ID = ids.NewIssueID(e.Prefix, incoming.Title, d.Upstream, e.now(), 0)
		next.SetDefaults()
	} else {
		next = merge(stored, incoming, changed)
		guard = storage.Guard{ExpectedUpdatedAt: stored.UpdatedAt}
	}

	if err := e.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertIssue(ctx, next, guard)
	}); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return types.OutcomeStale, nil
		}
		return types.OutcomeFailed, err
	}
	return types.OutcomeApplied, nil
}

// mirrorCommentEffect maps a Linear comment event onto the GitHub side of
// its issue and turns the post into an outbound effect; the upstream call
// runs in the effect loop, never on the inbound path, so a slow GitHub
// cannot stall the writer or the webhook ack. Already-mirrored comments
// short-circuit via the comment map, so webhook echoes and re-pulls stay
// silent.
func (e *Engine) mirrorCommentEffect(ctx context.Context, d Delivery) (types.EventOutcome, *Effect, error) {
	c := d.Comment
	issue, err := e.Store.GetIssueByExternalRef(ctx, ids.UpstreamLinear, ids.LinearRef(c.IssueUpstreamID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.OutcomeIgnored, nil, nil
		}
		return types.OutcomeFailed, nil, err
	}

	ghRef, ok := issue.ExternalRefs[ids.UpstreamGitHub]
	if !ok {
		return types.OutcomeIgnored, nil, nil
	}
	number, ok := ids.ParseGitHubRef(ghRef)
	if !ok {
		return types.OutcomeFailed, nil, fmt.Errorf("issue %s has malformed github ref %q", issue.ID, ghRef)
	}
	if e.GitHub == nil {
		return types.OutcomeIgnored, nil, nil
	}

	mirrored, err := e.Store.HasCommentMapping(ctx, issue.ID, ids.UpstreamLinear, c.UpstreamCommentID)
	if err != nil {
		return types.OutcomeFailed, nil, err
	}
	if mirrored {
		return types.OutcomeDuplicate, nil, nil
	}

	eff := NewEffect(EffectGitHubComment)
	eff.IssueID = issue.ID
	eff.Number = number
	eff.Body = linear.CommentAttribution(c.Author, c.URL) + "\n\n" + c.Body
	eff.SourceCommentID = c.UpstreamCommentID
	return types.OutcomeApplied, eff, nil
}

// ReplayPending re-applies ledger entries left pending by a crash, handing
// any effects they produce to enqueue. Called from the coordinator's
// loading phase.
func (e *Engine) ReplayPending(ctx context.Context, enqueue func(*Effect) error) error {
	pending, err := e.Store.PendingEvents(ctx)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		var d Delivery
		if err := json.Unmarshal([]byte(ev.Payload), &d); err != nil {
			debug.Logf("sync: dropping unreadable pending event %d: %v", ev.Sequence, err)
			if err := e.Store.ResolveEvent(ctx, ev.Sequence, types.OutcomeFailed); err != nil {
				return err
			}
			continue
		}
		_, effects, err := e.applyEvent(ctx, ev.Sequence, d)
		if err != nil {
			debug.Logf("sync: replay of event %d failed: %v", ev.Sequence, err)
			continue
		}
		for _, eff := range effects {
			if enqueue == nil {
				break
			}
			if err := enqueue(eff); err != nil {
				return err
			}
		}
	}
	return nil
}
