package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/lease"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFlushInterval is the period of the flush loop.
	DefaultFlushInterval = time.Second
	flushConcurrency     = 8
)

// Storage loads board snapshots and persists flushed history.
type Storage interface {
	LoadBoard(ctx context.Context, boardID board.BoardID) (history.Snapshot, error)
	SaveFlush(ctx context.Context, flush history.Flush) error
}

// Compactor compacts a board's persisted history after it is evicted.
type Compactor interface {
	Compact(ctx context.Context, boardID board.BoardID) (history.CompactionResult, error)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Storage       Storage
	Compactor     Compactor
	Lease         lease.Lease
	FlushInterval time.Duration
	LockTTL       time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Cache keeps loaded boards in memory. Concurrent fetches of one board share a single load.
type Cache struct {
	storage       Storage
	compactor     Compactor
	lease         lease.Lease
	flushInterval time.Duration
	lockTTL       time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	reducer       *board.Reducer

	loads singleflight.Group

	mu     sync.Mutex
	boards map[board.BoardID]*BoardState

	// Lock hooks fire while a board is locked, so the callback is read without taking mu.
	onLocksChanged atomic.Pointer[func(board.BoardID)]

	compactions sync.WaitGroup
}

// NewCache constructs a cache over storage.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Storage == nil {
		return nil, errors.New("state: storage is required")
	}
	leases := cfg.Lease
	if leases == nil {
		leases = lease.Noop{}
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = locks.DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		storage:       cfg.Storage,
		compactor:     cfg.Compactor,
		lease:         leases,
		flushInterval: flushInterval,
		lockTTL:       lockTTL,
		clock:         clock,
		logger:        logger,
		reducer:       board.NewReducer(logger),
		boards:        make(map[board.BoardID]*BoardState),
	}, nil
}

// OnLocksChanged registers the callback fired whenever a board's lock table changes.
func (c *Cache) OnLocksChanged(callback func(board.BoardID)) {
	c.onLocksChanged.Store(&callback)
}

// Get returns the loaded state of boardID, loading it once if needed. A cancelled caller stops
// waiting but the load runs to completion for the other waiters.
func (c *Cache) Get(ctx context.Context, boardID board.BoardID) (*BoardState, error) {
	if state, ok := c.Peek(boardID); ok {
		return state, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	results := c.loads.DoChan(boardID.String(), func() (any, error) {
		if state, ok := c.Peek(boardID); ok {
			return state, nil
		}
		return c.load(loadCtx, boardID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*BoardState), nil
	}
}

func (c *Cache) load(ctx context.Context, boardID board.BoardID) (*BoardState, error) {
	if err := c.lease.Acquire(ctx, boardID); err != nil {
		metrics.RecordBoardLoad("lease_denied")
		return nil, err
	}
	snapshot, err := c.storage.LoadBoard(ctx, boardID)
	if err != nil {
		metrics.RecordBoardLoad("error")
		c.releaseLease(ctx, boardID)
		return nil, err
	}
	state, err := newBoardState(boardStateConfig{
		Snapshot:       snapshot,
		Reducer:        c.reducer,
		Clock:          c.clock,
		Logger:         c.logger,
		LockTTL:        c.lockTTL,
		OnLocksChanged: func() { c.locksChanged(boardID) },
	})
	if err != nil {
		metrics.RecordBoardLoad("error")
		c.releaseLease(ctx, boardID)
		return nil, err
	}

	c.mu.Lock()
	c.boards[boardID] = state
	c.mu.Unlock()
	metrics.RecordBoardLoad("ok")
	metrics.BoardLoaded()
	c.logger.Debug("board loaded", zap.String("board_id", boardID.String()), zap.Int64("serial", snapshot.Board.Serial.Int64()))
	return state, nil
}

func (c *Cache) locksChanged(boardID board.BoardID) {
	if callback := c.onLocksChanged.Load(); callback != nil && *callback != nil {
		(*callback)(boardID)
	}
}

// Peek returns the state of boardID if it is loaded.
func (c *Cache) Peek(boardID board.BoardID) (*BoardState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.boards[boardID]
	return state, ok
}

// Len returns the number of loaded boards.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.boards)
}

// Run flushes on every tick until ctx is done, then flushes one last time and waits for
// compactions started by evictions.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.FlushAll(context.WithoutCancel(ctx))
			c.compactions.Wait()
			return
		case <-ticker.C:
			c.FlushAll(ctx)
		}
	}
}

// FlushAll persists every loaded board's pending history and evicts idle boards.
func (c *Cache) FlushAll(ctx context.Context) {
	c.mu.Lock()
	states := make([]*BoardState, 0, len(c.boards))
	for _, state := range c.boards {
		states = append(states, state)
	}
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(flushConcurrency)
	for _, state := range states {
		group.Go(func() error {
			c.Flush(groupCtx, state)
			return nil
		})
	}
	_ = group.Wait()
}

// Flush persists one board's pending history. On failure the entries are kept, in order, for the
// next attempt.
func (c *Cache) Flush(ctx context.Context, state *BoardState) error {
	boardID := state.ID()
	if flush, ok := state.takePending(); ok {
		if err := c.storage.SaveFlush(ctx, flush); err != nil {
			state.restorePending()
			metrics.RecordFlush("error")
			c.logger.Error("board flush failed",
				zap.String("board_id", boardID.String()),
				zap.Int("entries", len(flush.Entries)),
				zap.Error(err))
			return err
		}
		state.completeFlush()
		metrics.RecordFlush("ok")
	}
	if err := c.lease.Refresh(ctx, boardID); err != nil {
		c.logger.Warn("board lease refresh failed, evicting", zap.String("board_id", boardID.String()), zap.Error(err))
		c.forfeit(ctx, state)
		return err
	}
	c.maybeEvict(state)
	return nil
}

// forfeit evicts a board whose lease could not be refreshed. Updates stop at once, anything still
// pending is flushed one last time and the state is dropped without compacting.
func (c *Cache) forfeit(ctx context.Context, state *BoardState) {
	c.mu.Lock()
	state.mu.Lock()
	alreadyEvicted := state.evicted
	state.evicted = true
	if c.boards[state.id] == state {
		delete(c.boards, state.id)
	}
	state.mu.Unlock()
	c.mu.Unlock()
	if alreadyEvicted {
		return
	}

	if flush, ok := state.takePending(); ok {
		if err := c.storage.SaveFlush(ctx, flush); err != nil {
			metrics.RecordFlush("error")
			c.logger.Error("final flush of forfeited board failed",
				zap.String("board_id", state.id.String()),
				zap.Int("entries", len(flush.Entries)),
				zap.Error(err))
		} else {
			metrics.RecordFlush("ok")
		}
		// Unwritten entries go with the state.
		state.completeFlush()
	}
	state.close()
	metrics.BoardEvicted()
	c.logger.Info("board forfeited", zap.String("board_id", state.id.String()))
}

func (c *Cache) maybeEvict(state *BoardState) {
	c.mu.Lock()
	state.mu.Lock()
	if state.evicted || !state.idleLocked() || c.boards[state.id] != state {
		state.mu.Unlock()
		c.mu.Unlock()
		return
	}
	state.evicted = true
	delete(c.boards, state.id)
	state.mu.Unlock()
	c.mu.Unlock()

	state.close()
	ctx := context.Background()
	c.releaseLease(ctx, state.id)
	metrics.BoardEvicted()
	c.logger.Debug("board evicted", zap.String("board_id", state.id.String()))

	if c.compactor == nil {
		return
	}
	c.compactions.Add(1)
	go func() {
		defer c.compactions.Done()
		result, err := c.compactor.Compact(ctx, state.id)
		if err != nil {
			c.logger.Error("board compaction failed", zap.String("board_id", state.id.String()), zap.Error(err))
			return
		}
		c.logger.Debug("board compacted",
			zap.String("board_id", state.id.String()),
			zap.String("mode", string(result.Mode)),
			zap.Int("compacted", result.Compacted))
	}()
}

func (c *Cache) releaseLease(ctx context.Context, boardID board.BoardID) {
	if err := c.lease.Release(ctx, boardID); err != nil {
		c.logger.Warn("board lease release failed", zap.String("board_id", boardID.String()), zap.Error(err))
	}
}

// WaitCompactions blocks until background compactions finish.
func (c *Cache) WaitCompactions() {
	c.compactions.Wait()
}
