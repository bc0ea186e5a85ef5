// Package github provides client and data types for the GitHub REST API.
package github

import (
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/types"
)

// PriorityMapping maps priority label values to canonical priority (0-4).
// This is the single source of truth for priority mappings.
var PriorityMapping = map[string]int{
	"critical": 0, // P0
	"high":     1, // P1
	"medium":   2, // P2
	"low":      3, // P3
	"none":     4, // P4
}

// TypeMapping maps type label values to canonical issue types.
var TypeMapping = map[string]types.IssueType{
	"bug":         types.TypeBug,
	"feature":     types.TypeFeature,
	"task":        types.TypeTask,
	"epic":        types.TypeEpic,
	"chore":       types.TypeChore,
	"enhancement": types.TypeFeature,
}

// PriorityFromLabels extracts priority from GitHub labels.
// Supports label formats: "priority:high", "priority/high", "P0".."P4".
// Returns the default priority when no priority label is found.
func PriorityFromLabels(labels []Label) int {
	for _, label := range labels {
		prefix, value := ParseLabelName(label.Name)
		if prefix == "priority" {
			if p, ok := PriorityMapping[strings.ToLower(value)]; ok {
				return p
			}
		}
		switch strings.ToUpper(label.Name) {
		case "P0":
			return 0
		case "P1":
			return 1
		case "P2":
			return 2
		case "P3":
			return 3
		case "P4":
			return 4
		}
	}
	return types.DefaultPriority
}

// StatusFromLabelsAndState determines canonical status from GitHub labels
// and state. The closed state always wins; an open issue carrying the
// in-progress convention label (bare or scoped) maps to in_progress.
func StatusFromLabelsAndState(labels []Label, state string) types.Status {
	if state == "closed" {
		return types.StatusClosed
	}
	for _, label := range labels {
		prefix, value := ParseLabelName(label.Name)
		normalized := strings.ToLower(value)
		if normalized == "in-progress" || normalized == "in_progress" {
			if prefix == "" || prefix == "status" {
				return types.StatusInProgress
			}
		}
	}
	return types.StatusOpen
}

// TypeFromLabels extracts the issue type from GitHub labels, checking scoped
// labels (type:bug, type/bug) and bare labels (bug). Defaults to task.
func TypeFromLabels(labels []Label) types.IssueType {
	for _, label := range labels {
		prefix, value := ParseLabelName(label.Name)
		if prefix != "" && prefix != "type" {
			continue
		}
		if t, ok := TypeMapping[strings.ToLower(value)]; ok {
			return t
		}
	}
	return types.TypeTask
}

// FilterNonScopedLabels returns only labels without scoped prefixes,
// dropping priority:*, status:*, type:* and the P0..P4 shorthand.
func FilterNonScopedLabels(labels []string) []string {
	var filtered []string
	for _, label := range labels {
		prefix, _ := ParseLabelName(label)
		if prefix == "priority" || prefix == "status" || prefix == "type" {
			continue
		}
		switch strings.ToUpper(label) {
		case "P0", "P1", "P2", "P3", "P4":
			continue
		}
		filtered = append(filtered, label)
	}
	return filtered
}

// ToCanonical converts a GitHub issue to the fields GitHub is authoritative
// for. The caller merges the result into any existing canonical row; the ID
// is left empty for the caller to assign or match via external ref.
func ToCanonical(gh *Issue) *types.Issue {
	issue := &types.Issue{
		Title:     gh.Title,
		Body:      gh.Body,
		Status:    StatusFromLabelsAndState(gh.Labels, gh.State),
		IssueType: TypeFromLabels(gh.Labels),
		Priority:  PriorityFromLabels(gh.Labels),
		Labels:    FilterNonScopedLabels(LabelNames(gh.Labels)),
		ExternalRefs: map[string]string{
			ids.UpstreamGitHub: ids.GitHubRef(gh.Number),
		},
	}
	for _, u := range gh.Assignees {
		issue.Assignees = append(issue.Assignees, u.Login)
	}
	if len(issue.Assignees) == 0 && gh.Assignee != nil {
		issue.Assignees = []string{gh.Assignee.Login}
	}
	if gh.CreatedAt != nil {
		issue.CreatedAt = *gh.CreatedAt
	}
	if gh.UpdatedAt != nil {
		issue.UpdatedAt = *gh.UpdatedAt
	}
	if issue.Status == types.StatusClosed {
		closedAt := issue.UpdatedAt
		if gh.ClosedAt != nil {
			closedAt = *gh.ClosedAt
		}
		if closedAt.IsZero() {
			closedAt = time.Now()
		}
		issue.ClosedAt = &closedAt
	}
	return issue
}

// ToFields converts a canonical issue to GitHub API update fields: title,
// body, labels (with the priority and in-progress conventions re-applied),
// and state for closed issues.
func ToFields(issue *types.Issue) map[string]any {
	fields := map[string]any{
		"title": issue.Title,
		"body":  issue.Body,
	}

	labels := []string{"P" + strconv.Itoa(issue.Priority)}
	if issue.IssueType != "" && issue.IssueType != types.TypeTask {
		labels = append(labels, "type:"+string(issue.IssueType))
	}
	if issue.Status == types.StatusInProgress {
		labels = append(labels, InProgressLabel)
	}
	labels = append(labels, issue.Labels...)
	fields["labels"] = labels

	switch issue.Status {
	case types.StatusClosed:
		fields["state"] = "closed"
	default:
		fields["state"] = "open"
	}

	return fields
}

// ToMilestone converts a GitHub milestone to the canonical form. The ID is
// derived from the milestone number so re-imports stay stable.
func ToMilestone(m *Milestone) *types.Milestone {
	out := &types.Milestone{
		ID:          "github-milestone-" + strconv.Itoa(m.Number),
		Title:       m.Title,
		Description: m.Description,
		State:       types.MilestoneOpen,
		DueOn:       m.DueOn,
		ExternalRefs: map[string]string{
			ids.UpstreamGitHub: strconv.Itoa(m.Number),
		},
	}
	if m.State == "closed" {
		out.State = types.MilestoneClosed
	}
	if m.CreatedAt != nil {
		out.CreatedAt = *m.CreatedAt
	}
	if m.UpdatedAt != nil {
		out.UpdatedAt = *m.UpdatedAt
	}
	return out
}
