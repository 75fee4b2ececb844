// Package lease guards the one-owner-per-board rule across server replicas with a Redis lease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a lease survives without a refresh.
const DefaultTTL = 30 * time.Second

// ErrHeldElsewhere indicates that another node owns the board.
var ErrHeldElsewhere = errors.New("lease: board owned by another node")

// Lease grants exclusive ownership of a board to this process.
type Lease interface {
	Acquire(ctx context.Context, boardID board.BoardID) error
	Refresh(ctx context.Context, boardID board.BoardID) error
	Release(ctx context.Context, boardID board.BoardID) error
}

// Noop grants every lease; used when a single replica serves all boards.
type Noop struct{}

func (Noop) Acquire(context.Context, board.BoardID) error { return nil }
func (Noop) Refresh(context.Context, board.BoardID) error { return nil }
func (Noop) Release(context.Context, board.BoardID) error { return nil }

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisConfig configures a Redis lease.
type RedisConfig struct {
	Client *redis.Client
	NodeID string
	TTL    time.Duration
	Logger *zap.Logger
}

// Redis stores board ownership under tessera:board-owner:<boardId> with this node's id as value.
type Redis struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis validates cfg and returns a Redis lease.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("lease: redis client is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("lease: node id is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: cfg.Client, nodeID: cfg.NodeID, ttl: ttl, logger: logger}, nil
}

// Key returns the Redis key holding a board's owner.
func Key(boardID board.BoardID) string {
	return "tessera:board-owner:" + boardID.String()
}

// Acquire claims the board, or extends the claim when this node already owns it.
func (r *Redis) Acquire(ctx context.Context, boardID board.BoardID) error {
	acquired, err := r.rdb.SetNX(ctx, Key(boardID), r.nodeID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("lease: acquire %s: %w", boardID, err)
	}
	if acquired {
		return nil
	}
	return r.Refresh(ctx, boardID)
}

// Refresh extends a lease this node holds.
func (r *Redis) Refresh(ctx context.Context, boardID board.BoardID) error {
	extended, err := refreshScript.Run(ctx, r.rdb, []string{Key(boardID)}, r.nodeID, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease: refresh %s: %w", boardID, err)
	}
	if extended == 0 {
		owner, _ := r.rdb.Get(ctx, Key(boardID)).Result()
		r.logger.Warn("board lease held by another node",
			zap.String("board_id", boardID.String()),
			zap.String("owner", owner))
		return fmt.Errorf("%w: %s", ErrHeldElsewhere, boardID)
	}
	return nil
}

// Release drops the lease if this node still holds it.
func (r *Redis) Release(ctx context.Context, boardID board.BoardID) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{Key(boardID)}, r.nodeID).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", boardID, err)
	}
	return nil
}
