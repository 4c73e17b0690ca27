// Package replicator orchestrates the client's push-then-pull replication
// cycles: it drains locally dirty documents to the gateway, applies conflict
// resolutions, pulls the access-filtered feed, and reconciles local state
// against it. Exactly one cycle runs at a time per session; concurrent
// triggers coalesce onto the in-flight cycle.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"github.com/giftcircle/giftcircle/backend/internal/store"
	"github.com/giftcircle/giftcircle/backend/internal/syncerr"
	"github.com/giftcircle/giftcircle/backend/internal/transport"
	"go.uber.org/zap"
)

// State is the replication client's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
	StateError   State = "error"
)

const (
	defaultPageSize          = 100
	defaultMaxDeniedAttempts = 3
)

var (
	errMissingStore     = errors.New("replicator: store is required")
	errMissingTransport = errors.New("replicator: transport is required")
	errClosed           = errors.New("replicator: client is closed")
)

// Transport is the gateway surface the replicator depends on.
type Transport interface {
	Pull(ctx context.Context, collection document.Collection, checkpoint document.Checkpoint, limit int) (transport.PullPage, error)
	Push(ctx context.Context, collection document.Collection, documents []document.Document) ([]document.Conflict, error)
}

// Config describes the dependencies of the replication client.
type Config struct {
	Store     *store.Store
	Transport Transport
	Logger    *zap.Logger
	Clock     func() time.Time

	// PageSize bounds each pull request; zero selects the default.
	PageSize int
	// MaxDeniedAttempts is how many consecutive authorization denials a
	// local edit survives before the client stops re-offering it; zero
	// selects the default.
	MaxDeniedAttempts int
	// Collections overrides the replicated collection set, in cycle order.
	Collections []document.Collection
}

// Client is the per-session replication driver. It is constructed on session
// start and closed on logout; closing cancels any in-flight cycle.
type Client struct {
	store       *store.Store
	transport   Transport
	logger      *zap.Logger
	clock       func() time.Time
	pageSize    int
	maxDenied   int64
	collections []document.Collection

	rootCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        State
	lastErr      error
	lastSyncedAt time.Time
	conflicts    int64
	abandoned    int64
	inflight     *flight
}

type flight struct {
	done chan struct{}
	err  error
}

// New validates the configuration and constructs an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxDenied := cfg.MaxDeniedAttempts
	if maxDenied <= 0 {
		maxDenied = defaultMaxDeniedAttempts
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = document.SyncedCollections()
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		store:       cfg.Store,
		transport:   cfg.Transport,
		logger:      logger,
		clock:       clock,
		pageSize:    pageSize,
		maxDenied:   int64(maxDenied),
		collections: collections,
		rootCtx:     rootCtx,
		cancel:      cancel,
		state:       StateIdle,
	}, nil
}

// Close cancels any in-flight cycle. Local state stays consistent: every step
// commits independently and the next cycle is safe to run from scratch.
func (c *Client) Close() {
	c.cancel()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is a point-in-time report for UI surfaces (offline indicator,
// conflict toast, unsynced badge).
type Status struct {
	State             State
	LastError         error
	LastSyncedAt      time.Time
	ServerOverwrites  int64
	AbandonedWrites   int64
	UnsyncedDocuments int64
}

// Status reports the client's current condition.
func (c *Client) Status(ctx context.Context) (Status, error) {
	unsynced, err := c.store.UnsyncedCount(ctx)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:             c.state,
		LastError:         c.lastErr,
		LastSyncedAt:      c.lastSyncedAt,
		ServerOverwrites:  c.conflicts,
		AbandonedWrites:   c.abandoned,
		UnsyncedDocuments: unsynced,
	}, nil
}

// Trigger requests a replication cycle and blocks until one completes. If a
// cycle is already in flight the call awaits that cycle's completion and
// returns its result instead of starting a second one; a caller that still
// wants fresher data afterwards triggers again.
func (c *Client) Trigger(ctx context.Context) error {
	c.mu.Lock()
	if c.rootCtx.Err() != nil {
		c.mu.Unlock()
		return errClosed
	}
	if existing := c.inflight; existing != nil {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	current := &flight{done: make(chan struct{})}
	c.inflight = current
	c.state = StateSyncing
	c.mu.Unlock()

	current.err = c.runCycle(c.rootCtx)

	c.mu.Lock()
	c.inflight = nil
	c.lastErr = current.err
	switch {
	case current.err == nil:
		c.state = StateIdle
		c.lastSyncedAt = c.clock()
	case syncerr.IsNetwork(current.err):
		c.state = StateOffline
	default:
		c.state = StateError
	}
	c.mu.Unlock()
	close(current.done)

	return current.err
}

// Run triggers a cycle immediately and then periodically until the context is
// canceled. Trigger failures are retried on the next tick; authentication
// failures stop the loop and surface to the caller, who must re-authenticate
// before restarting it.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Trigger(ctx); err != nil {
			if syncerr.IsAuth(err) || errors.Is(err, errClosed) {
				return err
			}
			c.logger.Warn("replication cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.rootCtx.Done():
			return errClosed
		case <-ticker.C:
		}
	}
}

// runCycle executes one full push-then-pull pass over every collection. An
// authentication failure aborts the whole cycle; a transport failure skips
// only the affected collection and is retried on the next trigger.
func (c *Client) runCycle(ctx context.Context) error {
	var firstErr error
	for _, collection := range c.collections {
		if err := ctx.Err(); err != nil {
			return syncerr.NewNetwork(syncerr.OpCycle, err)
		}
		if err := c.syncCollection(ctx, collection); err != nil {
			if syncerr.IsAuth(err) {
				return fmt.Errorf("%s: %w", collection, err)
			}
			c.logger.Warn("collection sync failed",
				zap.String("collection", collection.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", collection, err)
			}
		}
	}
	return firstErr
}

// syncCollection pushes before pulling so a concurrent pull cannot stomp an
// un-pushed local edit.
func (c *Client) syncCollection(ctx context.Context, collection document.Collection) error {
	if err := c.pushDirty(ctx, collection); err != nil {
		return err
	}
	pulled, complete, err := c.pullAll(ctx, collection)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}
	return c.reconcile(ctx, collection, pulled)
}

func (c *Client) pushDirty(ctx context.Context, collection document.Collection) error {
	dirty, err := c.store.Dirty(ctx, collection)
	if err != nil {
		return syncerr.NewStorage(syncerr.OpPush, err)
	}
	if len(dirty) == 0 {
		return nil
	}

	batch := make([]document.Document, 0, len(dirty))
	offered := make(map[string]int64, len(dirty))
	for _, entry := range dirty {
		batch = append(batch, entry.Document)
		offered[entry.Document.ID] = entry.Revision
	}

	conflicts, err := c.transport.Push(ctx, collection, batch)
	if err != nil {
		return err
	}

	conflicted := make(map[string]struct{}, len(conflicts))
	for _, conflict := range conflicts {
		conflicted[conflict.DocumentID] = struct{}{}
	}
	accepted := make([]store.DirtyRef, 0, len(dirty))
	for _, entry := range dirty {
		if _, ok := conflicted[entry.Document.ID]; !ok {
			accepted = append(accepted, store.DirtyRef{ID: entry.Document.ID, Revision: entry.Revision})
		}
	}
	if err := c.store.ClearDirty(ctx, collection, accepted); err != nil {
		return syncerr.NewStorage(syncerr.OpPush, err)
	}

	for _, conflict := range conflicts {
		ref := store.DirtyRef{ID: conflict.DocumentID, Revision: offered[conflict.DocumentID]}
		if conflict.ServerDocument != nil {
			// The server always wins on conflict: adopt its copy and drop
			// the offered edit. An edit made after the offer survives.
			if err := c.store.AdoptServer(ctx, *conflict.ServerDocument, ref.Revision); err != nil {
				return syncerr.NewStorage(syncerr.OpPush, err)
			}
			c.mu.Lock()
			c.conflicts++
			c.mu.Unlock()
			continue
		}
		// Authorization denial: the edit stays dirty and is re-offered on
		// later cycles until the denial budget runs out, then abandoned so
		// the client does not push the same rejected write forever.
		count, err := c.store.MarkDenied(ctx, collection, ref)
		if err != nil {
			return syncerr.NewStorage(syncerr.OpPush, err)
		}
		if count >= c.maxDenied {
			c.logger.Warn("abandoning repeatedly denied local edit",
				zap.String("collection", collection.String()),
				zap.String("doc_id", conflict.DocumentID),
				zap.Int64("denials", count))
			if err := c.store.ClearDirty(ctx, collection, []store.DirtyRef{ref}); err != nil {
				return syncerr.NewStorage(syncerr.OpPush, err)
			}
			c.mu.Lock()
			c.abandoned++
			c.mu.Unlock()
		}
	}
	return nil
}

// pullAll pages through the collection's feed. A cycle normally starts from
// the zero checkpoint and covers the full access-filtered set; a checkpoint
// left behind by an interrupted cycle is resumed first, in which case the
// coverage is partial and reconciliation is skipped until the next pass.
func (c *Client) pullAll(ctx context.Context, collection document.Collection) (map[string]struct{}, bool, error) {
	start, err := c.store.Checkpoint(ctx, collection)
	if err != nil {
		return nil, false, syncerr.NewStorage(syncerr.OpPull, err)
	}
	fullCoverage := start.IsZero()

	pulled := make(map[string]struct{})
	checkpoint := start
	for {
		page, err := c.transport.Pull(ctx, collection, checkpoint, c.pageSize)
		if err != nil {
			return nil, false, err
		}
		for _, doc := range page.Documents {
			if err := c.store.ApplyRemote(ctx, doc); err != nil {
				return nil, false, syncerr.NewStorage(syncerr.OpPull, err)
			}
			pulled[doc.ID] = struct{}{}
		}
		if page.Checkpoint == nil {
			break
		}
		if !checkpoint.Before(*page.Checkpoint) {
			return nil, false, syncerr.NewProtocol(syncerr.OpPull,
				fmt.Errorf("checkpoint did not advance for %s", collection))
		}
		checkpoint = *page.Checkpoint
		if err := c.store.SaveCheckpoint(ctx, collection, checkpoint); err != nil {
			return nil, false, syncerr.NewStorage(syncerr.OpPull, err)
		}
	}

	// Exhausted: the next cycle starts a fresh full pass.
	if err := c.store.SaveCheckpoint(ctx, collection, document.ZeroCheckpoint()); err != nil {
		return nil, false, syncerr.NewStorage(syncerr.OpPull, err)
	}
	return pulled, fullCoverage, nil
}

// reconcile tombstones every cached document absent from the cycle's full
// pull. This is the sole mechanism propagating server-side deletions and
// access revocations; the server keeps no per-client tombstone history.
func (c *Client) reconcile(ctx context.Context, collection document.Collection, pulled map[string]struct{}) error {
	cached, err := c.store.CachedIDs(ctx, collection)
	if err != nil {
		return syncerr.NewStorage(syncerr.OpReconcile, err)
	}
	for _, id := range cached {
		if _, ok := pulled[id]; ok {
			continue
		}
		c.logger.Debug("reconciling document absent from pull",
			zap.String("collection", collection.String()), zap.String("doc_id", id))
		if err := c.store.TombstoneLocal(ctx, collection, id); err != nil {
			return syncerr.NewStorage(syncerr.OpReconcile, err)
		}
	}
	return nil
}
