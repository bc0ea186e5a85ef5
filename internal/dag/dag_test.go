package dag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/types"
)

func issue(id string, status types.Status, priority int, createdOffset int) *types.Issue {
	return &types.Issue{
		ID:        id,
		Title:     id,
		Status:    status,
		IssueType: types.TypeTask,
		Priority:  priority,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(createdOffset) * time.Minute),
	}
}

func blocks(from, to string) types.DepEdge {
	return types.DepEdge{From: from, To: to, Kind: types.DepBlocks}
}

func ids(issues []*types.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.ID
	}
	return out
}

func TestReadyBlockedPartition(t *testing.T) {
	// a blocks b, c closed-blocker of d, e free.
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
		issue("c", types.StatusClosed, 2, 2),
		issue("d", types.StatusInProgress, 2, 3),
		issue("e", types.StatusOpen, 2, 4),
	}, []types.DepEdge{blocks("a", "b"), blocks("c", "d")})

	assert.Equal(t, []string{"a", "d", "e"}, ids(s.Ready()))
	assert.Equal(t, []string{"b"}, ids(s.Blocked()))

	// Union equals the non-closed set, intersection empty.
	union := map[string]bool{}
	for _, id := range append(ids(s.Ready()), ids(s.Blocked())...) {
		require.False(t, union[id])
		union[id] = true
	}
	assert.Len(t, union, 4)
}

func TestNonBlocksEdgesIgnored(t *testing.T) {
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
	}, []types.DepEdge{
		{From: "a", To: "b", Kind: types.DepParentChild},
		{From: "a", To: "b", Kind: types.DepRelated},
	})
	assert.Equal(t, []string{"a", "b"}, ids(s.Ready()))
	assert.Empty(t, s.Blocked())
}

func TestReadyOrdering(t *testing.T) {
	s := NewSnapshot([]*types.Issue{
		issue("late-p0", types.StatusOpen, 0, 5),
		issue("early-p2", types.StatusOpen, 2, 0),
		issue("early-p0", types.StatusOpen, 0, 1),
	}, nil)
	assert.Equal(t, []string{"early-p0", "late-p0", "early-p2"}, ids(s.Ready()))
}

func TestUnblocks(t *testing.T) {
	// a and x both block b; a alone blocks c; closed z blocks d.
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("x", types.StatusOpen, 2, 1),
		issue("b", types.StatusOpen, 2, 2),
		issue("c", types.StatusOpen, 2, 3),
		issue("z", types.StatusClosed, 2, 4),
		issue("d", types.StatusOpen, 2, 5),
	}, []types.DepEdge{
		blocks("a", "b"), blocks("x", "b"),
		blocks("a", "c"),
		blocks("z", "d"),
	})

	// Closing a frees c but not b (x still open).
	assert.Equal(t, []string{"c"}, ids(s.Unblocks("a")))
	// Closing x frees nothing (b still waits on a).
	assert.Empty(t, s.Unblocks("x"))
	assert.Empty(t, s.Unblocks("nonexistent"))
}

func TestUnblocksThenReady(t *testing.T) {
	a := issue("a", types.StatusOpen, 2, 0)
	b := issue("b", types.StatusOpen, 2, 1)
	edges := []types.DepEdge{blocks("a", "b")}

	before := NewSnapshot([]*types.Issue{a, b}, edges)
	assert.Equal(t, []string{"b"}, ids(before.Unblocks("a")))
	assert.Equal(t, []string{"b"}, ids(before.Blocked()))

	closed := issue("a", types.StatusClosed, 2, 0)
	after := NewSnapshot([]*types.Issue{closed, b}, edges)
	assert.Equal(t, []string{"b"}, ids(after.Ready()))
}

func TestWouldCycle(t *testing.T) {
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
		issue("c", types.StatusOpen, 2, 2),
		issue("d", types.StatusOpen, 2, 3),
	}, []types.DepEdge{blocks("a", "b"), blocks("b", "c")})

	assert.True(t, s.WouldCycle("c", "a"))  // closes the loop
	assert.True(t, s.WouldCycle("b", "a"))  // two-node loop
	assert.True(t, s.WouldCycle("a", "a"))  // self loop
	assert.False(t, s.WouldCycle("a", "d")) // d is isolated
	assert.False(t, s.WouldCycle("a", "c")) // parallel edge, still acyclic

	// Reverse direction of an existing edge always cycles.
	assert.True(t, s.WouldCycle("b", "a"))
}

func TestTopoOrder(t *testing.T) {
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
		issue("c", types.StatusOpen, 2, 2),
	}, []types.DepEdge{blocks("a", "b"), blocks("b", "c")})

	order, err := s.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoOrderCycle(t *testing.T) {
	// The store rejects cycle insertion, but a snapshot built from corrupted
	// input must still report rather than loop.
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
	}, []types.DepEdge{blocks("a", "b"), blocks("b", "a")})

	_, err := s.TopoOrder()
	assert.ErrorIs(t, err, ErrCycle)
	assert.Nil(t, s.CriticalPath())
}

func TestCriticalPathLongestChain(t *testing.T) {
	// Chain a -> b -> c plus a short branch a -> d.
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 2, 0),
		issue("b", types.StatusOpen, 2, 1),
		issue("c", types.StatusOpen, 2, 2),
		issue("d", types.StatusOpen, 2, 3),
	}, []types.DepEdge{blocks("a", "b"), blocks("b", "c"), blocks("a", "d")})

	assert.Equal(t, []string{"a", "b", "c"}, ids(s.CriticalPath()))
}

func TestCriticalPathSkipsClosed(t *testing.T) {
	// Closed middle link breaks the chain: a -> B(closed) -> c leaves two
	// one-element chains; highest leverage wins the tie.
	s := NewSnapshot([]*types.Issue{
		issue("a", types.StatusOpen, 1, 0),
		issue("b", types.StatusClosed, 2, 1),
		issue("c", types.StatusOpen, 2, 2),
	}, []types.DepEdge{blocks("a", "b"), blocks("b", "c")})

	assert.Equal(t, []string{"a"}, ids(s.CriticalPath()))
}

func TestCriticalPathDescendantTieBreak(t *testing.T) {
	// Two chains of equal length. x1 also blocks an extra open issue, so the
	// chain rooted at x1 carries more downstream work and wins the tie even
	// though the y chain was created earlier.
	s := NewSnapshot([]*types.Issue{
		issue("y1", types.StatusOpen, 2, 0),
		issue("y2", types.StatusOpen, 2, 1),
		issue("x1", types.StatusOpen, 2, 2),
		issue("x2", types.StatusOpen, 2, 3),
		issue("extra", types.StatusOpen, 2, 4),
	}, []types.DepEdge{
		blocks("x1", "x2"), blocks("x1", "extra"),
		blocks("y1", "y2"),
	})

	path := ids(s.CriticalPath())
	require.Len(t, path, 2)
	assert.Equal(t, "x1", path[0])
}

func TestCriticalPathPriorityTieBreak(t *testing.T) {
	// Equal length, equal descendants: the higher-priority chain wins.
	s := NewSnapshot([]*types.Issue{
		issue("p0", types.StatusOpen, 0, 5),
		issue("p3", types.StatusOpen, 3, 0),
	}, nil)

	assert.Equal(t, []string{"p0"}, ids(s.CriticalPath()))
}

func TestEmptySnapshot(t *testing.T) {
	s := NewSnapshot(nil, nil)
	assert.Empty(t, s.Ready())
	assert.Empty(t, s.Blocked())
	assert.Nil(t, s.CriticalPath())
	order, err := s.TopoOrder()
	require.NoError(t, err)
	assert.Empty(t, order)
}
