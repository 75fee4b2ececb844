// Package realtime fans board activity out to connected sessions and runs the join protocol.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
	"go.uber.org/zap"
)

const (
	// DefaultLockDebounce is the window over which lock table broadcasts are coalesced.
	DefaultLockDebounce = 20 * time.Millisecond
	// DefaultCursorInterval is the minimum spacing of cursor broadcasts per board.
	DefaultCursorInterval = 100 * time.Millisecond
	// DefaultChunkSize bounds the history entries carried by one board.init chunk.
	DefaultChunkSize = 1000
)

var (
	// ErrNotJoined indicates that the session is not a ready member of the board it addressed.
	ErrNotJoined = errors.New("realtime: session has not joined the board")
	// ErrJoinDenied indicates that the access gate rejected a join.
	ErrJoinDenied = errors.New("realtime: join denied")
)

// HistoryStreamer streams persisted history entries in bounded chunks.
type HistoryStreamer interface {
	StreamHistory(ctx context.Context, boardID board.BoardID, afterSerial, beforeSerial board.Serial, chunkSize int, fn func([]board.HistoryEntry) error) error
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Cache          *state.Cache
	History        HistoryStreamer
	ChunkSize      int
	LockDebounce   time.Duration
	CursorInterval time.Duration
	Logger         *zap.Logger
}

// Router delivers board events, lock tables and cursor positions to board members.
type Router struct {
	cache          *state.Cache
	history        HistoryStreamer
	chunkSize      int
	lockDebounce   time.Duration
	cursorInterval time.Duration
	logger         *zap.Logger

	mu           sync.Mutex
	lockTimers   map[board.BoardID]*time.Timer
	cursorTimers map[board.BoardID]*time.Timer
	closed       bool
}

// NewRouter constructs a router and subscribes it to the cache's lock changes.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Cache == nil {
		return nil, errors.New("realtime: cache is required")
	}
	if cfg.History == nil {
		return nil, errors.New("realtime: history streamer is required")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	lockDebounce := cfg.LockDebounce
	if lockDebounce <= 0 {
		lockDebounce = DefaultLockDebounce
	}
	cursorInterval := cfg.CursorInterval
	if cursorInterval <= 0 {
		cursorInterval = DefaultCursorInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := &Router{
		cache:          cfg.Cache,
		history:        cfg.History,
		chunkSize:      chunkSize,
		lockDebounce:   lockDebounce,
		cursorInterval: cursorInterval,
		logger:         logger,
		lockTimers:     make(map[board.BoardID]*time.Timer),
		cursorTimers:   make(map[board.BoardID]*time.Timer),
	}
	cfg.Cache.OnLocksChanged(router.ScheduleLocks)
	return router, nil
}

// BroadcastBoardEvent hands entry to every member except the originator. Joining members buffer it.
func (r *Router) BroadcastBoardEvent(boardID board.BoardID, entry board.HistoryEntry, members []*sessions.Session, originID string) {
	for _, member := range members {
		if member.ID() == originID {
			continue
		}
		member.Deliver(boardID, entry)
	}
}

func (r *Router) publisher(boardID board.BoardID, originID string) state.Publisher {
	return func(entry board.HistoryEntry, members []*sessions.Session) {
		r.BroadcastBoardEvent(boardID, entry, members, originID)
	}
}

// Apply runs one persistable client event against its board and broadcasts the accepted entry.
func (r *Router) Apply(ctx context.Context, session *sessions.Session, event board.Event) (board.Serial, error) {
	if !session.Ready(event.BoardID) {
		return 0, ErrNotJoined
	}
	boardState, err := r.cache.Get(ctx, event.BoardID)
	if err != nil {
		return 0, err
	}
	entry, _, err := boardState.Update(state.Mutation{
		Event:     event,
		User:      session.User(),
		SessionID: session.ID(),
	}, r.publisher(event.BoardID, session.ID()))
	if err != nil {
		return 0, err
	}
	return entry.Serial, nil
}

// Lock acquires item locks for the session. Lock table changes are broadcast by the debouncer.
func (r *Router) Lock(session *sessions.Session, boardID board.BoardID, ids []board.ItemID) (bool, error) {
	boardState, err := r.joinedState(session, boardID)
	if err != nil {
		return false, err
	}
	return boardState.Lock(ids, session.ID()), nil
}

// Unlock releases item locks held by the session.
func (r *Router) Unlock(session *sessions.Session, boardID board.BoardID, ids []board.ItemID) ([]board.ItemID, error) {
	boardState, err := r.joinedState(session, boardID)
	if err != nil {
		return nil, err
	}
	return boardState.Unlock(ids, session.ID()), nil
}

// MoveCursor records the session's pointer on its board and schedules a cursor broadcast.
func (r *Router) MoveCursor(session *sessions.Session, boardID board.BoardID, x, y float64) error {
	boardState, err := r.joinedState(session, boardID)
	if err != nil {
		return err
	}
	boardState.MoveCursor(session.ID(), state.Cursor{X: x, Y: y, Nickname: session.User().Nickname})
	r.ScheduleCursors(boardID)
	return nil
}

// ApplyCrdtUpdate merges a rich-text delta and relays it to the other ready members.
func (r *Router) ApplyCrdtUpdate(session *sessions.Session, boardID board.BoardID, update []byte) error {
	boardState, err := r.joinedState(session, boardID)
	if err != nil {
		return err
	}
	message := CrdtMessage{Action: ActionCrdtUpdate, BoardID: boardID, SessionID: session.ID(), Update: crdt.EncodeUpdate(update)}
	return boardState.ApplyCrdtUpdate(update, func(members []*sessions.Session) {
		for _, member := range members {
			if member.ID() != session.ID() && member.Ready(boardID) {
				member.Send(message)
			}
		}
	})
}

// BroadcastUserInfo tells the session's board, including the session itself, about its identity.
func (r *Router) BroadcastUserInfo(session *sessions.Session) {
	message := UserInfoMessage{Action: ActionUserInfoUpdate, SessionID: session.ID(), User: session.User()}
	membership := session.Membership()
	if membership.Status != sessions.StatusReady {
		session.Send(message)
		return
	}
	boardState, ok := r.cache.Peek(membership.BoardID)
	if !ok {
		session.Send(message)
		return
	}
	for _, member := range boardState.Members() {
		if member.Ready(membership.BoardID) {
			member.Send(message)
		}
	}
}

// Leave detaches the session from its current board, releasing its locks and cursor.
func (r *Router) Leave(session *sessions.Session) {
	boardID := session.Leave()
	if boardID == "" {
		return
	}
	boardState, ok := r.cache.Peek(boardID)
	if !ok {
		return
	}
	if boardState.Detach(session.ID()) {
		r.ScheduleCursors(boardID)
	}
}

func (r *Router) joinedState(session *sessions.Session, boardID board.BoardID) (*state.BoardState, error) {
	if !session.Ready(boardID) {
		return nil, ErrNotJoined
	}
	boardState, ok := r.cache.Peek(boardID)
	if !ok {
		return nil, ErrNotJoined
	}
	return boardState, nil
}

// ScheduleLocks coalesces lock table broadcasts for boardID into one per debounce window.
func (r *Router) ScheduleLocks(boardID board.BoardID) {
	r.schedule(r.lockTimers, boardID, r.lockDebounce, r.sendLocks)
}

// ScheduleCursors coalesces cursor broadcasts for boardID into one per interval.
func (r *Router) ScheduleCursors(boardID board.BoardID) {
	r.schedule(r.cursorTimers, boardID, r.cursorInterval, r.sendCursors)
}

func (r *Router) schedule(timers map[board.BoardID]*time.Timer, boardID board.BoardID, delay time.Duration, fire func(board.BoardID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, pending := timers[boardID]; pending {
		return
	}
	timers[boardID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(timers, boardID)
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			fire(boardID)
		}
	})
}

func (r *Router) sendLocks(boardID board.BoardID) {
	boardState, ok := r.cache.Peek(boardID)
	if !ok {
		return
	}
	r.sendToReady(boardID, boardState.Members(), r.locksMessage(boardState))
}

func (r *Router) sendCursors(boardID board.BoardID) {
	boardState, ok := r.cache.Peek(boardID)
	if !ok {
		return
	}
	r.sendToReady(boardID, boardState.Members(), r.cursorsMessage(boardState))
}

func (r *Router) locksMessage(boardState *state.BoardState) LocksMessage {
	return LocksMessage{Action: ActionBoardLocks, BoardID: boardState.ID(), Locks: boardState.Locks()}
}

func (r *Router) cursorsMessage(boardState *state.BoardState) CursorsMessage {
	return CursorsMessage{Action: ActionCursorPositions, BoardID: boardState.ID(), Cursors: boardState.Cursors()}
}

func (r *Router) sendToReady(boardID board.BoardID, members []*sessions.Session, message any) {
	for _, member := range members {
		if member.Ready(boardID) {
			member.Send(message)
		}
	}
}

// Close stops pending debounced broadcasts.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for boardID, timer := range r.lockTimers {
		timer.Stop()
		delete(r.lockTimers, boardID)
	}
	for boardID, timer := range r.cursorTimers {
		timer.Stop()
		delete(r.cursorTimers, boardID)
	}
}
