package linear

import (
	"time"

	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/types"
)

// StateToStatus maps a Linear workflow state to canonical status.
// backlog and unstarted are open; started is in_progress; completed and
// canceled are closed. A nil state is open.
func StateToStatus(state *State) types.Status {
	if state == nil {
		return types.StatusOpen
	}
	switch state.Type {
	case StateStarted:
		return types.StatusInProgress
	case StateCompleted, StateCanceled:
		return types.StatusClosed
	default:
		return types.StatusOpen
	}
}

// PriorityToCanonical maps Linear priority (0 none, 1 urgent .. 4 low) to
// canonical priority (0 highest .. 4): 1..4 shift down to 0..3, 0 becomes
// the default.
func PriorityToCanonical(p int) int {
	if p >= 1 && p <= 4 {
		return p - 1
	}
	return types.DefaultPriority
}

// labelNames flattens a labels connection.
func labelNames(labels *Labels) []string {
	if labels == nil {
		return nil
	}
	out := make([]string, 0, len(labels.Nodes))
	for _, l := range labels.Nodes {
		out = append(out, l.Name)
	}
	return out
}

// ToCanonical converts a Linear issue to the fields Linear is authoritative
// for. The ID is left empty for the caller to match via external ref.
func ToCanonical(li *Issue) *types.Issue {
	issue := &types.Issue{
		Title:     li.Title,
		Body:      li.Description,
		Status:    StateToStatus(li.State),
		IssueType: types.TypeTask, // Linear has no issue type
		Priority:  PriorityToCanonical(li.Priority),
		Labels:    labelNames(li.Labels),
		ExternalRefs: map[string]string{
			ids.UpstreamLinear: ids.LinearRef(li.ID),
		},
		CreatedAt: ParseTime(li.CreatedAt),
		UpdatedAt: ParseTime(li.UpdatedAt),
	}
	if li.Assignee != nil {
		issue.Assignees = []string{li.Assignee.Name}
	}
	if issue.Status == types.StatusClosed {
		closedAt := ParseTime(li.CompletedAt)
		if closedAt.IsZero() {
			closedAt = issue.UpdatedAt
		}
		if closedAt.IsZero() {
			closedAt = time.Now()
		}
		issue.ClosedAt = &closedAt
	}
	return issue
}

// WebhookIssue converts an issue webhook payload to the canonical fields,
// reusing the pull-path mapping so both ingest routes agree.
func WebhookIssue(d *WebhookData) *types.Issue {
	return ToCanonical(&Issue{
		ID:          d.ID,
		Identifier:  d.Identifier,
		Title:       d.Title,
		Description: d.Description,
		Priority:    d.Priority,
		State:       d.State,
		Assignee:    d.Assignee,
		Labels:      d.Labels,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		CompletedAt: d.CompletedAt,
	})
}

// CommentAttribution formats the header prepended to comments mirrored from
// Linear into GitHub.
func CommentAttribution(author, url string) string {
	header := "_Mirrored from Linear"
	if author != "" {
		header += " (by " + author + ")"
	}
	header += "_"
	if url != "" {
		header += "\n\n" + url
	}
	return header
}
