// Package dag answers planning queries over the dependency graph: which
// issues are ready to work, which are blocked, what closing an issue would
// unblock, and the critical path through the open work.
//
// A Snapshot is an immutable view built from one read of the store. All
// queries are pure functions over that view, so callers can hold one
// snapshot per request without locking.
package dag

import (
	"errors"
	"sort"

	"github.com/weftlabs/weft/internal/types"
)

// ErrCycle is returned by TopoOrder when the blocks subgraph is not a DAG.
var ErrCycle = errors.New("dependency cycle")

// Snapshot is a point-in-time view of issues and their blocks edges.
// Only edges of kind "blocks" participate; parent-child and related edges
// never gate readiness.
type Snapshot struct {
	issues   map[string]*types.Issue
	order    []string            // deterministic iteration order
	blockers map[string][]string // to -> froms that block it
	blocking map[string][]string // from -> tos it blocks
}

// NewSnapshot builds a snapshot from the given issues and edges. Edges whose
// endpoints are not in issues are dropped rather than invented.
func NewSnapshot(issues []*types.Issue, edges []types.DepEdge) *Snapshot {
	s := &Snapshot{
		issues:   make(map[string]*types.Issue, len(issues)),
		blockers: make(map[string][]string),
		blocking: make(map[string][]string),
	}
	for _, issue := range issues {
		if _, dup := s.issues[issue.ID]; dup {
			continue
		}
		s.issues[issue.ID] = issue
		s.order = append(s.order, issue.ID)
	}
	for _, e := range edges {
		if !e.Kind.AffectsReady() {
			continue
		}
		if _, ok := s.issues[e.From]; !ok {
			continue
		}
		if _, ok := s.issues[e.To]; !ok {
			continue
		}
		s.blockers[e.To] = append(s.blockers[e.To], e.From)
		s.blocking[e.From] = append(s.blocking[e.From], e.To)
	}
	sort.Strings(s.order)
	for _, adj := range []map[string][]string{s.blockers, s.blocking} {
		for _, ids := range adj {
			sort.Strings(ids)
		}
	}
	return s
}

func (s *Snapshot) open(id string) bool {
	issue, ok := s.issues[id]
	return ok && issue.Status != types.StatusClosed
}

// openBlockerCount returns how many of id's blockers are not yet closed.
func (s *Snapshot) openBlockerCount(id string) int {
	n := 0
	for _, b := range s.blockers[id] {
		if s.open(b) {
			n++
		}
	}
	return n
}

// Ready returns the non-closed issues with no open blocker, ordered by
// priority then creation time.
func (s *Snapshot) Ready() []*types.Issue {
	var out []*types.Issue
	for _, id := range s.order {
		if s.open(id) && s.openBlockerCount(id) == 0 {
			out = append(out, s.issues[id])
		}
	}
	sortByPlanningOrder(out)
	return out
}

// Blocked returns the non-closed issues with at least one open blocker.
// Ready and Blocked partition the non-closed set.
func (s *Snapshot) Blocked() []*types.Issue {
	var out []*types.Issue
	for _, id := range s.order {
		if s.open(id) && s.openBlockerCount(id) > 0 {
			out = append(out, s.issues[id])
		}
	}
	sortByPlanningOrder(out)
	return out
}

// Unblocks returns the issues that would become ready if id were closed:
// non-closed issues for which id is the last remaining open blocker.
func (s *Snapshot) Unblocks(id string) []*types.Issue {
	var out []*types.Issue
	for _, to := range s.blocking[id] {
		if !s.open(to) {
			continue
		}
		lastOpen := true
		for _, b := range s.blockers[to] {
			if b != id && s.open(b) {
				lastOpen = false
				break
			}
		}
		if lastOpen {
			out = append(out, s.issues[to])
		}
	}
	sortByPlanningOrder(out)
	return out
}

// WouldCycle reports whether adding blocks(from, to) would create a cycle:
// true iff from is already reachable from to over blocks edges.
func (s *Snapshot) WouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{to: true}
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range s.blocking[cur] {
			if next == from {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// TopoOrder returns every issue id in a topological order of the blocks
// subgraph (blockers before the issues they block) using Kahn's algorithm,
// or ErrCycle if the subgraph is not acyclic.
func (s *Snapshot) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(s.order))
	for _, id := range s.order {
		indegree[id] = len(s.blockers[id])
	}
	var queue []string
	for _, id := range s.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	out := make([]string, 0, len(s.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, to := range s.blocking[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(out) != len(s.order) {
		return nil, ErrCycle
	}
	return out, nil
}

// CriticalPath returns the longest chain of non-closed issues connected by
// blocks edges, in execution order (blockers first). Ties between equally
// long chains are broken by total open descendants, then priority, then
// creation time.
func (s *Snapshot) CriticalPath() []*types.Issue {
	topo, err := s.TopoOrder()
	if err != nil {
		return nil
	}

	desc := s.openDescendantCounts()

	// Longest path ending at each open node, walking in topological order so
	// every blocker is finalized before its dependents. head tracks the first
	// issue of the chain ending at each node, for tie-breaking whole chains.
	chainLen := make(map[string]int, len(topo))
	prev := make(map[string]string, len(topo))
	head := make(map[string]string, len(topo))
	for _, id := range topo {
		if !s.open(id) {
			continue
		}
		chainLen[id] = 1
		head[id] = id
		for _, b := range s.blockers[id] {
			if !s.open(b) {
				continue
			}
			if prev[id] == "" || s.betterNode(chainLen[b], chainLen[prev[id]], b, prev[id], desc) {
				chainLen[id] = chainLen[b] + 1
				prev[id] = b
				head[id] = head[b]
			}
		}
	}

	// Pick the winning chain by length, then by its head: chains rooted in
	// higher-leverage work win ties.
	var end string
	for _, id := range topo {
		if !s.open(id) {
			continue
		}
		if end == "" || s.betterNode(chainLen[id], chainLen[end], head[id], head[end], desc) {
			end = id
		}
	}
	if end == "" {
		return nil
	}

	var path []*types.Issue
	for id := end; id != ""; id = prev[id] {
		path = append(path, s.issues[id])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// betterNode decides whether candidate beats incumbent: longer chain first,
// then more open descendants, then higher priority (lower number), then
// earlier creation.
func (s *Snapshot) betterNode(candLen, incLen int, cand, inc string, desc map[string]int) bool {
	if candLen != incLen {
		return candLen > incLen
	}
	if desc[cand] != desc[inc] {
		return desc[cand] > desc[inc]
	}
	a, b := s.issues[cand], s.issues[inc]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return cand < inc
}

// openDescendantCounts returns, per issue, how many distinct open issues are
// reachable from it over blocks edges.
func (s *Snapshot) openDescendantCounts() map[string]int {
	counts := make(map[string]int, len(s.order))
	for _, id := range s.order {
		seen := map[string]bool{}
		stack := append([]string(nil), s.blocking[id]...)
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[cur] {
				continue
			}
			seen[cur] = true
			stack = append(stack, s.blocking[cur]...)
		}
		n := 0
		for d := range seen {
			if s.open(d) {
				n++
			}
		}
		counts[id] = n
	}
	return counts
}

// sortByPlanningOrder orders issues the way the store lists them: priority
// ascending, then created_at, then id.
func sortByPlanningOrder(issues []*types.Issue) {
	sort.Slice(issues, func(a, b int) bool {
		x, y := issues[a], issues[b]
		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}
