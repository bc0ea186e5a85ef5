// Package types defines the canonical data model shared by the store,
// the sync engine, and the upstream adapters.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Status represents the current state of a canonical issue.
type Status string

// Issue status constants. "blocked" is derived from the dependency graph,
// never stored; legacy files carrying status=blocked are normalized to open
// on ingest.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// NormalizeStatus maps legacy on-disk statuses to canonical ones.
// "blocked" and "deferred" collapse to open; blocking is expressed through
// dep edges instead. Returns false if the value is not recognized at all.
func NormalizeStatus(raw string) (Status, bool) {
	switch raw {
	case "open", "":
		return StatusOpen, true
	case "in_progress", "in-progress":
		return StatusInProgress, true
	case "closed", "done":
		return StatusClosed, true
	case "blocked", "deferred":
		return StatusOpen, true
	}
	return "", false
}

// IssueType categorizes the kind of work.
type IssueType string

// Issue type constants.
const (
	TypeTask    IssueType = "task"
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// IsValid checks if the issue type value is valid.
func (t IssueType) IsValid() bool {
	switch t {
	case TypeTask, TypeBug, TypeFeature, TypeEpic, TypeChore:
		return true
	}
	return false
}

// DefaultPriority is applied when an upstream or file omits priority.
const DefaultPriority = 2

// Issue is the canonical view of a work item, distinct from any upstream
// representation. External associations live in ExternalRefs as typed
// (upstream, id) pairs rather than pointers so that replay and migration
// stay trivial.
type Issue struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Body         string            `json:"body,omitempty"`
	Status       Status            `json:"status,omitempty"`
	IssueType    IssueType         `json:"issue_type,omitempty"`
	Priority     int               `json:"priority"` // No omitempty: 0 is valid (highest)
	Labels       []string          `json:"labels,omitempty"`
	Assignees    []string          `json:"assignees,omitempty"` // First entry is primary
	MilestoneID  string            `json:"milestone_id,omitempty"`
	EpicID       string            `json:"epic_id,omitempty"`
	ExternalRefs map[string]string `json:"external_refs,omitempty"` // upstream name -> opaque id
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty"`
	CloseReason  string            `json:"close_reason,omitempty"`
}

// Validate checks if the issue has valid field values.
func (i *Issue) Validate() error {
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", i.IssueType)
	}
	if i.Status == StatusClosed && i.ClosedAt == nil {
		return fmt.Errorf("closed issues must have closed_at timestamp")
	}
	if i.Status != StatusClosed && i.ClosedAt != nil {
		return fmt.Errorf("non-closed issues cannot have closed_at timestamp")
	}
	return nil
}

// SetDefaults applies default values for fields omitted during import.
func (i *Issue) SetDefaults() {
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.IssueType == "" {
		i.IssueType = TypeTask
	}
	if i.ExternalRefs == nil {
		i.ExternalRefs = map[string]string{}
	}
}

// Assignee returns the primary assignee, or "" if unassigned.
func (i *Issue) Assignee() string {
	if len(i.Assignees) == 0 {
		return ""
	}
	return i.Assignees[0]
}

// Clone returns a deep copy. Snapshot readers hand out clones so the
// coordinator's single-writer invariant cannot be bypassed through aliasing.
func (i *Issue) Clone() *Issue {
	c := *i
	c.Labels = append([]string(nil), i.Labels...)
	c.Assignees = append([]string(nil), i.Assignees...)
	if i.ExternalRefs != nil {
		c.ExternalRefs = make(map[string]string, len(i.ExternalRefs))
		for k, v := range i.ExternalRefs {
			c.ExternalRefs[k] = v
		}
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// LabelsEqual compares label sets ignoring order and duplicates.
func LabelsEqual(a, b []string) bool {
	return labelKey(a) == labelKey(b)
}

func labelKey(labels []string) string {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	sorted := make([]string, 0, len(set))
	for l := range set {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	key := ""
	for _, l := range sorted {
		key += l + "\x00"
	}
	return key
}

// DepKind categorizes a dependency edge.
type DepKind string

// Dependency kind constants. Only "blocks" affects the ready calculation.
const (
	DepBlocks      DepKind = "blocks"
	DepParentChild DepKind = "parent-child"
	DepRelated     DepKind = "related"
)

// IsValid checks if the dependency kind is valid.
func (d DepKind) IsValid() bool {
	switch d {
	case DepBlocks, DepParentChild, DepRelated:
		return true
	}
	return false
}

// AffectsReady returns true if this edge kind gates ready work.
func (d DepKind) AffectsReady() bool {
	return d == DepBlocks
}

// DepEdge is a directed dependency edge. For kind "blocks", From must be
// closed before To becomes ready.
type DepEdge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      DepKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// MilestoneState represents the state of a milestone.
type MilestoneState string

// Milestone state constants.
const (
	MilestoneOpen   MilestoneState = "open"
	MilestoneClosed MilestoneState = "closed"
)

// Milestone groups issues toward a due date.
type Milestone struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	State        MilestoneState    `json:"state"`
	DueOn        *time.Time        `json:"due_on,omitempty"`
	ExternalRefs map[string]string `json:"external_refs,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CommentMapping records that an upstream comment has already been mirrored,
// so echo deliveries do not cross-post twice.
type CommentMapping struct {
	IssueID           string    `json:"issue_id"`
	Upstream          string    `json:"upstream"`
	UpstreamCommentID string    `json:"upstream_comment_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// EventOutcome is the terminal (or pending) state of a ledger entry.
type EventOutcome string

// Sync event outcomes.
const (
	OutcomePending   EventOutcome = "pending"
	OutcomeApplied   EventOutcome = "applied"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeStale     EventOutcome = "stale"
	OutcomeFailed    EventOutcome = "failed"
)

// SyncDirection indicates which way a change flowed.
type SyncDirection string

// Sync directions.
const (
	DirectionInbound  SyncDirection = "inbound"
	DirectionOutbound SyncDirection = "outbound"
)

// SyncEvent is one append-only ledger entry. The ledger is consulted for
// replay detection (delivery ids, payload hashes) and drives crash recovery:
// entries left pending are replayed on coordinator attach.
type SyncEvent struct {
	Sequence    int64         `json:"sequence"`
	Upstream    string        `json:"upstream"`
	Direction   SyncDirection `json:"direction"`
	Kind        string        `json:"kind"` // e.g. "issues.edited", "Comment.create"
	DeliveryID  string        `json:"delivery_id,omitempty"`
	PayloadHash string        `json:"payload_hash,omitempty"`
	Payload     string        `json:"payload,omitempty"`
	Outcome     EventOutcome  `json:"outcome"`
	At          time.Time     `json:"at"`
}

// IdempotencyKey returns the effective dedupe key for this event:
// (upstream, delivery_id) for webhook deliveries, otherwise
// (upstream, payload_hash) for pulled items.
func (e *SyncEvent) IdempotencyKey() string {
	if e.DeliveryID != "" {
		return e.Upstream + ":" + e.DeliveryID
	}
	return e.Upstream + ":" + e.PayloadHash
}

// ConflictPolicy selects how competing writes are resolved.
type ConflictPolicy string

// Conflict policy constants.
const (
	ConflictNewestWins   ConflictPolicy = "newest-wins"
	ConflictBeadsWins    ConflictPolicy = "beads-wins"
	ConflictFileWins     ConflictPolicy = "file-wins"
	ConflictUpstreamWins ConflictPolicy = "upstream-wins"
)

// IsValid checks if the conflict policy value is valid.
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case ConflictNewestWins, ConflictBeadsWins, ConflictFileWins, ConflictUpstreamWins:
		return true
	}
	return false
}

// RepoContext binds a coordinator to one owner/name repository.
type RepoContext struct {
	Owner          string         `json:"owner"`
	Name           string         `json:"name"`
	InstallationID int64          `json:"installation_id,omitempty"`
	DefaultBranch  string         `json:"default_branch,omitempty"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
}

// Key returns the durable coordinator key "owner/name".
func (rc RepoContext) Key() string {
	return rc.Owner + "/" + rc.Name
}

// IssueFilter is used to filter issue queries.
type IssueFilter struct {
	Status    *Status
	IssueType *IssueType
	Priority  *int
	LabelsAny []string // OR semantics: issue must have at least one
	Assignee  *string
	Milestone *string
	Limit     int
}

// Statistics provides aggregate metrics for the stats projection.
type Statistics struct {
	TotalIssues      int `json:"total_issues"`
	OpenIssues       int `json:"open_issues"`
	InProgressIssues int `json:"in_progress_issues"`
	ClosedIssues     int `json:"closed_issues"`
	ReadyIssues      int `json:"ready_issues"`
	BlockedIssues    int `json:"blocked_issues"`
}

// PercentComplete returns closed/total rounded down, 0 for an empty corpus.
func (s Statistics) PercentComplete() int {
	if s.TotalIssues == 0 {
		return 0
	}
	return s.ClosedIssues * 100 / s.TotalIssues
}
