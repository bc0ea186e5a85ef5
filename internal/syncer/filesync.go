package syncer

import (
	"context"
	"os"
	"sync"

	"github.com/weftlabs/weft/internal/beads"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/markdownfile"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// fileState is the cached last-known frontmatter of one tracked file,
// limited to the fields that can be pushed to beads.
type fileState struct {
	status      string
	priority    *int
	title       string
	description string
	labels      []string
	assignee    *string
}

// FileSync implements the files→beads axis. On each settled file change it
// computes the change set — fields present in the new frontmatter AND
// differing from the cached last-known state — and pushes exactly that
// patch through the beads adapter. Files without a beads_id are cached but
// never pushed.
type FileSync struct {
	Beads *beads.Adapter

	// Store, when set, receives blocks edges declared through depends_on
	// frontmatter.
	Store storage.Storage

	mu    sync.Mutex
	cache map[string]fileState // keyed by beads_id, or "path:"+path when untracked
}

// NewFileSync creates the axis with an empty cache.
func NewFileSync(adapter *beads.Adapter) *FileSync {
	return &FileSync{
		Beads: adapter,
		cache: make(map[string]fileState),
	}
}

// Prime seeds the cache from the current beads store so the first file edit
// after startup does not push every field.
func (f *FileSync) Prime(ctx context.Context) error {
	if f.Beads == nil {
		return nil
	}
	records, err := f.Beads.ReadIssues(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range records {
		rec := &records[i]
		p := rec.Priority
		state := fileState{
			status:      rec.Status,
			priority:    &p,
			title:       rec.Title,
			description: rec.Description,
			labels:      append([]string(nil), rec.Labels...),
		}
		if rec.Assignee != "" {
			a := rec.Assignee
			state.assignee = &a
		}
		f.cache[rec.ID] = state
	}
	return nil
}

// Apply handles one settled change to path. It returns the patch that was
// pushed, or nil when nothing needed pushing.
func (f *FileSync) Apply(ctx context.Context, path string) (*beads.Patch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // deleted between debounce and dispatch
		}
		return nil, err
	}
	doc, err := markdownfile.Parse(string(raw))
	if err != nil {
		return nil, err
	}

	next := stateFromFile(doc)
	beadsID := doc.String("beads_id")

	f.mu.Lock()
	defer f.mu.Unlock()

	if beadsID == "" {
		// Not yet tracked: remember what we saw, push nothing.
		f.cache["path:"+path] = next
		return nil, nil
	}

	prev, known := f.cache[beadsID]
	patch := diffFileState(prev, known, next, doc)
	f.cache[beadsID] = next

	f.syncEdges(ctx, beadsID, doc.StringList("depends_on"))

	if patch.Empty() {
		return nil, nil
	}
	if f.Beads != nil {
		if err := f.Beads.UpdateIssue(ctx, beadsID, patch); err != nil {
			return nil, err
		}
	}
	debug.Logf("filesync: %s -> beads %s: %v", path, beadsID, patch.Fields())
	return &patch, nil
}

// syncEdges materializes depends_on frontmatter as blocks edges in the
// canonical store: depends_on [X] means X blocks this issue. Unresolvable
// ids and rejected edges are logged, never fatal to the file push.
func (f *FileSync) syncEdges(ctx context.Context, beadsID string, deps []string) {
	if f.Store == nil || len(deps) == 0 {
		return
	}
	issue, err := f.Store.GetIssueByExternalRef(ctx, ids.UpstreamBeads, ids.BeadsRef(beadsID))
	if err != nil {
		return
	}
	for _, dep := range deps {
		blocker, err := f.Store.GetIssueByExternalRef(ctx, ids.UpstreamBeads, ids.BeadsRef(dep))
		if err != nil {
			debug.Logf("filesync: depends_on %s: no such beads issue", dep)
			continue
		}
		err = f.Store.AddEdge(ctx, types.DepEdge{
			From: blocker.ID, To: issue.ID, Kind: types.DepBlocks,
		})
		if err != nil {
			debug.Logf("filesync: edge %s -> %s rejected: %v", blocker.ID, issue.ID, err)
		}
	}
}

// stateFromFile extracts the pushable fields from parsed frontmatter.
func stateFromFile(doc *markdownfile.File) fileState {
	state := fileState{
		title:       doc.String("title"),
		description: doc.Body,
		labels:      doc.StringList("labels"),
	}
	if status, ok := doc.Status(); ok {
		state.status = string(status)
	}
	if p, ok := doc.Int("priority"); ok {
		state.priority = &p
	}
	if assignees := doc.StringList("assignees"); len(assignees) > 0 {
		a := assignees[0]
		state.assignee = &a
	}
	return state
}

// diffFileState builds the patch: only fields present in the new frontmatter
// that differ from the cached state. With no cached state every present
// field counts as changed.
func diffFileState(prev fileState, known bool, next fileState, doc *markdownfile.File) beads.Patch {
	var patch beads.Patch

	if doc.Has("status") && next.status != "" && (!known || next.status != prev.status) {
		s := next.status
		patch.Status = &s
	}
	if next.priority != nil && (!known || prev.priority == nil || *next.priority != *prev.priority) {
		p := *next.priority
		patch.Priority = &p
	}
	if doc.Has("title") && next.title != "" && (!known || next.title != prev.title) {
		t := next.title
		patch.Title = &t
	}
	if next.description != "" && (!known || next.description != prev.description) {
		d := next.description
		patch.Description = &d
	}
	if doc.Has("labels") && (!known || !types.LabelsEqual(next.labels, prev.labels)) {
		patch.Labels = append([]string(nil), next.labels...)
	}
	if next.assignee != nil && (!known || prev.assignee == nil || *next.assignee != *prev.assignee) {
		a := *next.assignee
		patch.Assignee = &a
	}
	return patch
}
