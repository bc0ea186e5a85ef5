// Package linear provides a read-only client and data types for the Linear
// GraphQL API, plus mapping into the canonical issue model. Linear is an
// inbound-only upstream: webhooks and pulls create or update canonical
// issues, but nothing is written back.
package linear

import (
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the Linear GraphQL endpoint.
	DefaultAPIEndpoint = "https://api.linear.app/graphql"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 15 * time.Second

	// MaxPageSize is the issues-per-page ceiling for cursor pagination.
	MaxPageSize = 100
)

// Client issues GraphQL queries against the Linear API.
type Client struct {
	APIKey     string
	TeamID     string
	Endpoint   string
	HTTPClient *http.Client
}

// State is a Linear workflow state. Type is one of the fixed categories
// {backlog, unstarted, started, completed, canceled}; Name is team-defined.
type State struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Workflow state type categories.
const (
	StateBacklog   = "backlog"
	StateUnstarted = "unstarted"
	StateStarted   = "started"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

// User is a Linear user.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// LabelNode is one label attached to an issue.
type LabelNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Labels is the GraphQL connection wrapper around labels.
type Labels struct {
	Nodes []LabelNode `json:"nodes"`
}

// Issue is a Linear issue as returned by the GraphQL API. Timestamps arrive
// as RFC 3339 strings.
type Issue struct {
	ID          string  `json:"id"`         // UUID
	Identifier  string  `json:"identifier"` // e.g. "ENG-123"
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"` // 0 none, 1 urgent .. 4 low
	URL         string  `json:"url,omitempty"`
	State       *State  `json:"state,omitempty"`
	Assignee    *User   `json:"assignee,omitempty"`
	Labels      *Labels `json:"labels,omitempty"`
	Parent      *Issue  `json:"parent,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	CompletedAt string  `json:"completedAt,omitempty"`
}

// Cycle is a Linear cycle (sprint).
type Cycle struct {
	ID       string `json:"id"`
	Number   int    `json:"number"`
	Name     string `json:"name,omitempty"`
	StartsAt string `json:"startsAt"`
	EndsAt   string `json:"endsAt"`
}

// PageInfo carries cursor pagination state.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor,omitempty"`
}

// IssuePage is one page of issues plus the cursor to continue from.
type IssuePage struct {
	Issues   []Issue
	PageInfo PageInfo
}

// WebhookPayload is the body of a Linear webhook delivery. The Data field
// holds the entity (issue or comment) the action applies to.
type WebhookPayload struct {
	Action           string      `json:"action"` // create, update, remove
	Type             string      `json:"type"`   // Issue, Comment, ...
	Data             WebhookData `json:"data"`
	OrganizationID   string      `json:"organizationId"`
	WebhookTimestamp int64       `json:"webhookTimestamp"` // ms since epoch
	WebhookID        string      `json:"webhookId,omitempty"`
}

// WebhookData is the union of fields across issue and comment events.
type WebhookData struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier,omitempty"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority,omitempty"`
	State       *State  `json:"state,omitempty"`
	Assignee    *User   `json:"assignee,omitempty"`
	Labels      *Labels `json:"labels,omitempty"`
	CreatedAt   string  `json:"createdAt,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty"`
	CompletedAt string  `json:"completedAt,omitempty"`

	// Comment events
	Body    string `json:"body,omitempty"`
	IssueID string `json:"issueId,omitempty"`
	User    *User  `json:"user,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ParseTime parses one of Linear's RFC 3339 timestamps, returning the zero
// time when absent or malformed.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
