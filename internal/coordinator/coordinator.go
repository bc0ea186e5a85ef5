// Package coordinator implements the per-repo single-writer actor. A
// Coordinator owns one canonical store: every mutation funnels through its
// write queue, reads take consistent snapshots, and outbound effects drain
// through a durable outbox that cannot overtake committed writes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/dag"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

// State of the actor lifecycle.
type State int

// Lifecycle states. Cold coordinators hold no resources; the next Attach
// rehydrates everything from the store.
const (
	StateCold State = iota
	StateLoading
	StateActive
	StateDraining
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// ErrNotActive is returned for writes submitted outside the Active state.
var ErrNotActive = errors.New("coordinator not active")

// Defaults for upstream deadlines and shutdown drain.
const (
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
)

// writeReq is one queued mutation. fn runs on the writer goroutine; any
// returned effects are persisted to the outbox before the reply is sent.
type writeReq struct {
	fn    func(ctx context.Context) ([]*syncer.Effect, error)
	reply chan error
}

// Coordinator is the single-writer actor for one owner/name repository.
type Coordinator struct {
	Repo            types.RepoContext
	Engine          *syncer.Engine
	UpstreamTimeout time.Duration
	DrainTimeout    time.Duration

	mu    sync.RWMutex
	state State

	writes   chan writeReq
	inflight sync.WaitGroup // senders currently holding a queue slot

	box    *outbox
	wake   chan struct{} // effect loop nudge
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// New creates a cold coordinator. outboxDir holds the durable effect queue.
func New(repo types.RepoContext, engine *syncer.Engine, outboxDir string) (*Coordinator, error) {
	box, err := newOutbox(outboxDir)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		Repo:            repo,
		Engine:          engine,
		UpstreamTimeout: DefaultUpstreamTimeout,
		DrainTimeout:    DefaultDrainTimeout,
		state:           StateCold,
		box:             box,
		wake:            make(chan struct{}, 1),
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attach binds the coordinator to its repo and brings it Active: replay
// ledger entries left pending by a crash, then start the write and effect
// loops. Leftover outbox entries are executed before new ones.
func (c *Coordinator) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCold {
		c.mu.Unlock()
		return fmt.Errorf("attach from state %s", c.state)
	}
	c.state = StateLoading
	c.mu.Unlock()

	debug.Logf("coordinator %s: loading", c.Repo.Key())
	enqueue := func(eff *syncer.Effect) error {
		_, err := c.box.put(eff)
		return err
	}
	if err := c.Engine.ReplayPending(ctx, enqueue); err != nil {
		c.mu.Lock()
		c.state = StateCold
		c.mu.Unlock()
		return fmt.Errorf("replay pending events: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.writes = make(chan writeReq, 64)

	c.loops.Add(2)
	go c.writeLoop()
	go c.effectLoop()
	c.nudge()

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()
	debug.Logf("coordinator %s: active", c.Repo.Key())
	return nil
}

// submit queues one mutation and waits for it to commit.
func (c *Coordinator) submit(ctx context.Context, fn func(ctx context.Context) ([]*syncer.Effect, error)) error {
	c.mu.RLock()
	if c.state != StateActive {
		c.mu.RUnlock()
		return ErrNotActive
	}
	c.inflight.Add(1)
	c.mu.RUnlock()
	defer c.inflight.Done()

	req := writeReq{fn: fn, reply: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single writer: it owns every mutation of the store.
func (c *Coordinator) writeLoop() {
	defer c.loops.Done()
	for req := range c.writes {
		effects, err := req.fn(c.ctx)
		if err == nil {
			for _, eff := range effects {
				if _, perr := c.box.put(eff); perr != nil {
					err = fmt.Errorf("failed to enqueue effect: %w", perr)
					break
				}
			}
			if len(effects) > 0 {
				c.nudge()
			}
		}
		req.reply <- err
		if c.Engine.Metrics != nil {
			c.Engine.Metrics.RecordQueueDepth(c.ctx, c.Repo.Key(), len(c.writes))
		}
	}
}

// effectLoop drains the outbox in sequence order. Effects run outside the
// write critical section; ordering relative to writes is preserved because
// entries are enqueued in commit order and executed oldest-first.
func (c *Coordinator) effectLoop() {
	defer c.loops.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		c.drainOutbox()
	}
}

func (c *Coordinator) drainOutbox() {
	paths, err := c.box.list()
	if err != nil {
		debug.Logf("coordinator %s: outbox list failed: %v", c.Repo.Key(), err)
		return
	}
	for _, path := range paths {
		if c.ctx.Err() != nil {
			return
		}
		eff, err := c.box.load(path)
		if err != nil {
			// Corrupt entry: drop it rather than wedge the queue.
			debug.Logf("coordinator %s: %v", c.Repo.Key(), err)
			_ = c.box.remove(path)
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.UpstreamTimeout)
		err = c.Engine.Execute(ctx, eff)
		cancel()
		if err != nil {
			// Leave the entry in place: transient failures retry on the
			// next wake, and crash recovery re-reads the directory.
			debug.Logf("coordinator %s: effect %s failed: %v", c.Repo.Key(), eff.Kind, err)
			c.recordEffectOutcome(eff, types.OutcomeFailed)
			time.AfterFunc(5*time.Second, c.nudge)
			return
		}
		c.recordEffectOutcome(eff, types.OutcomeApplied)
		_ = c.box.remove(path)
	}
}

// recordEffectOutcome appends an outbound ledger entry for one executed
// effect attempt.
func (c *Coordinator) recordEffectOutcome(eff *syncer.Effect, outcome types.EventOutcome) {
	ev := &types.SyncEvent{
		Upstream:    upstreamOf(eff.Kind),
		Direction:   types.DirectionOutbound,
		Kind:        eff.Kind,
		PayloadHash: eff.ID,
		Outcome:     types.OutcomePending,
		At:          time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := c.Engine.Store.AppendEvent(ctx, ev)
	if err != nil {
		debug.Logf("coordinator %s: ledger append failed: %v", c.Repo.Key(), err)
		return
	}
	if err := c.Engine.Store.ResolveEvent(ctx, seq, outcome); err != nil {
		debug.Logf("coordinator %s: ledger resolve failed: %v", c.Repo.Key(), err)
	}
}

func upstreamOf(kind string) string {
	for _, u := range []string{ids.UpstreamGitHub, ids.UpstreamLinear, ids.UpstreamBeads} {
		if strings.HasPrefix(kind, u+".") {
			return u
		}
	}
	return ids.UpstreamFiles
}

func (c *Coordinator) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Deliver applies one inbound delivery through the write queue and fans the
// committed change out to the other upstreams.
func (c *Coordinator) Deliver(ctx context.Context, d syncer.Delivery) (types.EventOutcome, error) {
	var outcome types.EventOutcome
	err := c.submit(ctx, func(wctx context.Context) ([]*syncer.Effect, error) {
		var prev *types.Issue
		if d.Issue != nil {
			if ref, ok := d.Issue.ExternalRefs[d.Upstream]; ok {
				stored, err := c.Engine.Store.GetIssueByExternalRef(wctx, d.Upstream, ref)
				if err == nil {
					prev = stored
				} else if !errors.Is(err, storage.ErrNotFound) {
					return nil, err
				}
			}
		}

		o, effects, err := c.Engine.ApplyInbound(wctx, d)
		outcome = o
		if err != nil || o != types.OutcomeApplied || d.Issue == nil {
			return effects, err
		}

		ref := d.Issue.ExternalRefs[d.Upstream]
		next, err := c.Engine.Store.GetIssueByExternalRef(wctx, d.Upstream, ref)
		if err != nil {
			return nil, err
		}
		return append(effects, c.Engine.OutboundEffects(prev, next, d.Upstream)...), nil
	})
	if err != nil {
		return types.OutcomeFailed, err
	}
	return outcome, nil
}

// Mutate runs an arbitrary write on the writer goroutine. The callback's
// returned effects are persisted before Mutate returns.
func (c *Coordinator) Mutate(ctx context.Context, fn func(ctx context.Context) ([]*syncer.Effect, error)) error {
	return c.submit(ctx, fn)
}

// Snapshot captures a consistent issue+edge view for DAG queries and
// rendering. Reads do not enter the write queue.
func (c *Coordinator) Snapshot(ctx context.Context) (*dag.Snapshot, error) {
	issues, err := c.Engine.Store.ListIssues(ctx, types.IssueFilter{})
	if err != nil {
		return nil, err
	}
	edges, err := c.Engine.Store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	return dag.NewSnapshot(issues, edges), nil
}

// Drain stops accepting writes, lets queued writes commit, and gives the
// effect loop up to the drain budget to flush the outbox. Always ends in
// the cold state.
func (c *Coordinator) Drain() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.mu.Unlock()
	debug.Logf("coordinator %s: draining", c.Repo.Key())

	// No new submitters can enter past Draining; wait out the ones that
	// already hold a slot, then close the queue so the writer exits.
	c.inflight.Wait()
	close(c.writes)

	deadline := time.After(c.DrainTimeout)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		c.nudge()
		for {
			paths, err := c.box.list()
			if err != nil || len(paths) == 0 || c.ctx.Err() != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
			c.nudge()
		}
	}()
	select {
	case <-flushed:
	case <-deadline:
		debug.Logf("coordinator %s: drain budget exhausted", c.Repo.Key())
	}

	c.mu.Lock()
	c.state = StateClosing
	c.mu.Unlock()

	c.cancel()
	c.loops.Wait()

	c.mu.Lock()
	c.state = StateCold
	c.mu.Unlock()
	debug.Logf("coordinator %s: cold", c.Repo.Key())
}
