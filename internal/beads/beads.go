// Package beads adapts the beads issue store (.beads/issues.jsonl) to the
// canonical model. Reads go straight to the JSONL file; writes prefer the
// bd CLI when it is installed and fall back to rewriting the file under an
// advisory lock.
package beads

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/types"
)

// JSONLRelPath is the issues file location relative to the repo root.
const JSONLRelPath = ".beads/issues.jsonl"

// Issue is one beads record as stored on disk.
type Issue struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	IssueType   string     `json:"issue_type,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Patch is the closed set of fields a caller may push to beads. Nil means
// "leave unchanged"; Labels replaces the whole set when non-nil.
type Patch struct {
	Status      *string
	Priority    *int
	Title       *string
	Description *string
	Labels      []string
	Assignee    *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.Priority == nil && p.Title == nil &&
		p.Description == nil && p.Labels == nil && p.Assignee == nil
}

// Fields returns the patch as a map of set fields, for logging and the
// sync event payload.
func (p Patch) Fields() map[string]any {
	out := map[string]any{}
	if p.Status != nil {
		out["status"] = *p.Status
	}
	if p.Priority != nil {
		out["priority"] = *p.Priority
	}
	if p.Title != nil {
		out["title"] = *p.Title
	}
	if p.Description != nil {
		out["description"] = *p.Description
	}
	if p.Labels != nil {
		out["labels"] = p.Labels
	}
	if p.Assignee != nil {
		out["assignee"] = *p.Assignee
	}
	return out
}

// apply mutates the record in place.
func (p Patch) apply(rec *Issue) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Priority != nil {
		rec.Priority = *p.Priority
	}
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Labels != nil {
		rec.Labels = append([]string(nil), p.Labels...)
	}
	if p.Assignee != nil {
		rec.Assignee = *p.Assignee
	}
	rec.UpdatedAt = time.Now().UTC()
}

// Adapter reads and writes one repo's beads store.
type Adapter struct {
	Dir    string // repo root
	BDPath string // bd binary; "" means JSONL fallback only

	// run executes the bd CLI; swapped in tests.
	run func(ctx context.Context, name string, args ...string) error
}

// New creates an adapter rooted at the repo directory. The bd CLI is used
// when found on PATH.
func New(dir string) *Adapter {
	a := &Adapter{Dir: dir}
	if path, err := exec.LookPath("bd"); err == nil {
		a.BDPath = path
	}
	a.run = func(ctx context.Context, name string, args ...string) error {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s %v failed: %s: %w", name, args, string(out), err)
		}
		return nil
	}
	return a
}

// JSONLPath returns the absolute path of the issues file.
func (a *Adapter) JSONLPath() string {
	return filepath.Join(a.Dir, JSONLRelPath)
}

// ReadIssues loads all records from the JSONL file. A missing file is an
// empty store, not an error. Blank lines are skipped; a malformed line
// fails the whole read so corruption is not silently dropped.
func (a *Adapter) ReadIssues(ctx context.Context) ([]Issue, error) {
	f, err := os.Open(a.JSONLPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open beads store: %w", err)
	}
	defer func() { _ = f.Close() }()

	var issues []Issue
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Issue
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("malformed beads record at line %d: %w", line, err)
		}
		issues = append(issues, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read beads store: %w", err)
	}
	return issues, nil
}

// GetIssue returns one record by id, or nil when absent.
func (a *Adapter) GetIssue(ctx context.Context, id string) (*Issue, error) {
	issues, err := a.ReadIssues(ctx)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		if issues[i].ID == id {
			return &issues[i], nil
		}
	}
	return nil, nil
}

// UpdateIssue applies the patch to one record, via the bd CLI when
// available, otherwise by rewriting the JSONL file under a lock.
func (a *Adapter) UpdateIssue(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	if a.BDPath != "" {
		return a.updateViaCLI(ctx, id, patch)
	}
	return a.rewrite(ctx, id, func(rec *Issue) {
		patch.apply(rec)
	})
}

// CloseIssue marks one record closed. Idempotent.
func (a *Adapter) CloseIssue(ctx context.Context, id string) error {
	if a.BDPath != "" {
		return a.run(ctx, a.BDPath, "close", id)
	}
	return a.rewrite(ctx, id, func(rec *Issue) {
		if rec.Status == "closed" {
			return
		}
		rec.Status = "closed"
		now := time.Now().UTC()
		rec.ClosedAt = &now
		rec.UpdatedAt = now
	})
}

func (a *Adapter) updateViaCLI(ctx context.Context, id string, patch Patch) error {
	args := []string{"update", id}
	if patch.Status != nil {
		args = append(args, "--status", *patch.Status)
	}
	if patch.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(*patch.Priority))
	}
	if patch.Title != nil {
		args = append(args, "--title", *patch.Title)
	}
	if patch.Description != nil {
		args = append(args, "--description", *patch.Description)
	}
	for _, l := range patch.Labels {
		args = append(args, "--label", l)
	}
	if patch.Assignee != nil {
		args = append(args, "--assignee", *patch.Assignee)
	}
	return a.run(ctx, a.BDPath, args...)
}

// rewrite loads, mutates, and atomically replaces the JSONL file while
// holding the store lock, so a concurrent bd process cannot interleave.
func (a *Adapter) rewrite(ctx context.Context, id string, mutate func(*Issue)) error {
	path := a.JSONLPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create beads dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock beads store: %w", err)
	}
	if !locked {
		return fmt.Errorf("beads store is locked by another process")
	}
	defer func() { _ = lock.Unlock() }()

	issues, err := a.ReadIssues(ctx)
	if err != nil {
		return err
	}

	found := false
	for i := range issues {
		if issues[i].ID == id {
			mutate(&issues[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("beads issue %s not found", id)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".issues-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp store: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range issues {
		if err := enc.Encode(&issues[i]); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to write beads record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to flush beads store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp store: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace beads store: %w", err)
	}
	return nil
}

// ToCanonical converts a beads record to the fields beads is authoritative
// for. Unknown statuses normalize the way legacy files do.
func ToCanonical(rec *Issue) *types.Issue {
	status, ok := types.NormalizeStatus(rec.Status)
	if !ok {
		status = types.StatusOpen
	}
	issueType := types.IssueType(rec.IssueType)
	if !issueType.IsValid() {
		issueType = types.TypeTask
	}
	issue := &types.Issue{
		Title:     rec.Title,
		Body:      rec.Description,
		Status:    status,
		IssueType: issueType,
		Priority:  rec.Priority,
		Labels:    append([]string(nil), rec.Labels...),
		ExternalRefs: map[string]string{
			ids.UpstreamBeads: ids.BeadsRef(rec.ID),
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Priority < 0 || rec.Priority > 4 {
		issue.Priority = types.DefaultPriority
	}
	if rec.Assignee != "" {
		issue.Assignees = []string{rec.Assignee}
	}
	if status == types.StatusClosed {
		closedAt := rec.UpdatedAt
		if rec.ClosedAt != nil {
			closedAt = *rec.ClosedAt
		}
		if closedAt.IsZero() {
			closedAt = time.Now()
		}
		issue.ClosedAt = &closedAt
	}
	return issue
}
