// Package github provides client and data types for the GitHub REST API.
//
// This package handles all interactions with GitHub's issue tracking system:
// fetching, creating, updating, and closing issues, plus milestones, branch
// and pull-request plumbing. It also provides bidirectional mapping between
// GitHub's data model and the canonical issue types.
package github

import (
	"net/http"
	"strings"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 15 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the maximum number of issues to fetch per page.
	MaxPageSize = 100

	// MaxPages is the maximum number of pages to fetch before stopping.
	// This prevents infinite loops from malformed Link headers.
	MaxPages = 1000
)

// TokenSource resolves the bearer token for each request. Installation
// tokens are short-lived, so the client asks on every call instead of
// holding one.
type TokenSource interface {
	Token(owner, repo string) (string, error)
}

// StaticToken is a TokenSource for a fixed personal access token.
type StaticToken string

// Token returns the static token for any repository.
func (t StaticToken) Token(owner, repo string) (string, error) {
	return string(t), nil
}

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Tokens     TokenSource
	Owner      string // Repository owner (user or org)
	Repo       string // Repository name
	BaseURL    string // API base URL (default: https://api.github.com)
	HTTPClient *http.Client
}

// Issue represents an issue from the GitHub API.
type Issue struct {
	ID          int        `json:"id"`     // Global unique ID
	Number      int        `json:"number"` // Repository-scoped issue number
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"` // "open" or "closed"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Labels      []Label    `json:"labels"`
	Assignee    *User      `json:"assignee,omitempty"`
	Assignees   []User     `json:"assignees,omitempty"`
	User        *User      `json:"user,omitempty"` // Author
	Milestone   *Milestone `json:"milestone,omitempty"`
	HTMLURL     string     `json:"html_url"`
	PullRequest *PullRef   `json:"pull_request,omitempty"` // Non-nil if this is a PR
}

// PullRef indicates an issue is actually a pull request.
// The GitHub Issues API returns PRs alongside issues; this field
// distinguishes them.
type PullRef struct {
	URL string `json:"url,omitempty"`
}

// User represents a GitHub user.
type User struct {
	ID        int    `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

// Label represents a GitHub label.
type Label struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description,omitempty"`
}

// Milestone represents a GitHub milestone.
type Milestone struct {
	ID          int        `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state"` // "open" or "closed"
	DueOn       *time.Time `json:"due_on,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	HTMLURL     string     `json:"html_url,omitempty"`
}

// Comment represents a GitHub issue comment.
type Comment struct {
	ID        int        `json:"id"`
	Body      string     `json:"body"`
	User      *User      `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	HTMLURL   string     `json:"html_url,omitempty"`
}

// Repository represents a GitHub repository (for listing repos).
type Repository struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Private       bool   `json:"private"`
	Owner         *User  `json:"owner,omitempty"`
}

// Ref represents a git reference (for branch creation).
type Ref struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	ID      int    `json:"id"`
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body,omitempty"`
	State   string `json:"state"`
	Head    string `json:"-"`
	Base    string `json:"-"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url,omitempty"`
}

// InProgressLabel is the conventional label that marks an open GitHub issue
// as in_progress, since GitHub has no native state for it.
const InProgressLabel = "in-progress"

// validStates for GitHub issues.
var validStates = map[string]bool{
	"open":   true,
	"closed": true,
}

// IsValidState checks if a GitHub state string is valid.
func IsValidState(state string) bool {
	return validStates[state]
}

// ParseLabelName extracts prefix and value from a label like "priority:high"
// or "priority/high". GitHub has no scoped labels like GitLab (::), so both
// ":" and "/" separators are supported.
func ParseLabelName(label string) (prefix, value string) {
	if parts := strings.SplitN(label, ":", 2); len(parts) == 2 {
		return parts[0], parts[1]
	}
	if parts := strings.SplitN(label, "/", 2); len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", label
}

// LabelNames extracts label name strings from a slice of Label structs.
func LabelNames(labels []Label) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}
