// Package state holds the in-memory, per-board server state and the cache that loads, flushes and
// evicts it.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"go.uber.org/zap"
)

var (
	// ErrBoardEvicted indicates that the state was evicted; callers should fetch the board again.
	ErrBoardEvicted = errors.New("state: board evicted")
	// ErrLockContention indicates that another session holds a lock the event needs.
	ErrLockContention = errors.New("state: items locked by another session")
)

// Cursor is a session's pointer position on a board.
type Cursor struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Nickname string  `json:"nickname"`
}

// Capture is what a joining session observes at the moment it attaches.
type Capture struct {
	Board board.Board
	// Unflushed holds in-flight and pending entries, ascending by serial.
	Unflushed []board.HistoryEntry
}

// Mutation is one client-originated persistable event.
type Mutation struct {
	Event board.Event
	User  board.UserInfo
	// SessionID identifies the originator; empty for server-originated events, which skip locking.
	SessionID string
}

// Publisher fans an accepted entry out to the board's members. It runs while the board is locked,
// so entries are published in serial order.
type Publisher func(entry board.HistoryEntry, members []*sessions.Session)

// BoardState is the mutable server-side state of one loaded board. Every mutation is serialized by
// its mutex.
type BoardState struct {
	mu       sync.Mutex
	id       board.BoardID
	current  board.Board
	reducer  *board.Reducer
	clock    func() time.Time
	logger   *zap.Logger
	doc      *crdt.Document
	locks    *locks.Table
	members  map[string]*sessions.Session
	cursors  map[string]Cursor
	evicted  bool
	pending  []board.HistoryEntry
	inFlight []board.HistoryEntry
	flushing bool

	pendingCrdt  []byte
	inFlightCrdt []byte
}

type boardStateConfig struct {
	Snapshot       history.Snapshot
	Reducer        *board.Reducer
	Clock          func() time.Time
	Logger         *zap.Logger
	LockTTL        time.Duration
	OnLocksChanged func()
}

func newBoardState(cfg boardStateConfig) (*BoardState, error) {
	doc, err := crdt.LoadDocument(cfg.Snapshot.CrdtState)
	if err != nil {
		return nil, err
	}
	state := &BoardState{
		id:      cfg.Snapshot.Board.ID,
		current: cfg.Snapshot.Board,
		reducer: cfg.Reducer,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		doc:     doc,
		locks:   locks.NewTable(locks.TableConfig{TTL: cfg.LockTTL, Clock: cfg.Clock, OnChange: cfg.OnLocksChanged}),
		members: make(map[string]*sessions.Session),
		cursors: make(map[string]Cursor),
	}
	doc.OnUpdate(state.bufferCrdtLocked)
	return state, nil
}

// ID returns the board identifier.
func (s *BoardState) ID() board.BoardID {
	return s.id
}

// Board returns the current snapshot.
func (s *BoardState) Board() board.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update validates and applies one mutation: it acquires the needed locks, assigns the next serial,
// runs the reducer, buffers the entry for flushing and publishes it.
func (s *BoardState) Update(mutation Mutation, publish Publisher) (board.HistoryEntry, *board.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return board.HistoryEntry{}, nil, ErrBoardEvicted
	}
	event := mutation.Event
	if err := board.Validate(s.current, event); err != nil {
		return board.HistoryEntry{}, nil, err
	}
	if mutation.SessionID != "" && event.Action.RequiresLock() {
		affected := board.AffectedItemIDs(event)
		if !s.locks.LockAll(affected, mutation.SessionID) {
			metrics.RecordLockRejection()
			return board.HistoryEntry{}, nil, fmt.Errorf("%w: %v", ErrLockContention, affected)
		}
	}

	serial := s.current.Serial + 1
	next, inverse := s.reducer.Apply(s.current, event)
	next.Serial = serial
	s.current = next

	entry := board.HistoryEntry{
		Event:     event,
		User:      mutation.User,
		Timestamp: s.clock().UnixMilli(),
		Serial:    serial,
	}
	s.pending = append(s.pending, entry)
	metrics.RecordEvent(string(event.Action))
	metrics.AddPendingEvents(1)

	if event.Action == board.ActionItemDelete {
		s.releaseRemovedLocked()
	}
	if publish != nil {
		publish(entry, s.membersLocked())
	}
	return entry, inverse, nil
}

// releaseRemovedLocked drops every lock on items that no longer exist.
func (s *BoardState) releaseRemovedLocked() {
	var removed []board.ItemID
	for itemID := range s.locks.Snapshot() {
		if _, exists := s.current.Items[itemID]; !exists {
			removed = append(removed, itemID)
		}
	}
	if len(removed) > 0 {
		s.locks.ReleaseItems(removed)
	}
}

// Lock acquires every lock in ids for sessionID, or none of them.
func (s *BoardState) Lock(ids []board.ItemID, sessionID string) bool {
	acquired := s.locks.LockAll(ids, sessionID)
	if !acquired {
		metrics.RecordLockRejection()
	}
	return acquired
}

// Unlock releases the subset of ids held by sessionID.
func (s *BoardState) Unlock(ids []board.ItemID, sessionID string) []board.ItemID {
	return s.locks.UnlockAll(ids, sessionID)
}

// Locks returns the current lock table.
func (s *BoardState) Locks() map[board.ItemID]string {
	return s.locks.Snapshot()
}

// ApplyCrdtUpdate merges a rich-text delta into the board document and buffers it for flushing.
func (s *BoardState) ApplyCrdtUpdate(update []byte, publish func(members []*sessions.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrBoardEvicted
	}
	if err := s.doc.ApplyUpdate(update); err != nil {
		return err
	}
	if publish != nil {
		publish(s.membersLocked())
	}
	return nil
}

// bufferCrdtLocked runs from the document's update hook, inside ApplyCrdtUpdate.
func (s *BoardState) bufferCrdtLocked(update []byte) {
	s.pendingCrdt = crdt.MergeUpdates(s.pendingCrdt, update)
}

// Attach registers session as a buffering member and captures the unflushed history and snapshot
// atomically with respect to Update.
func (s *BoardState) Attach(session *sessions.Session) (Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return Capture{}, ErrBoardEvicted
	}
	session.BeginJoin(s.id)
	s.members[session.ID()] = session

	unflushed := make([]board.HistoryEntry, 0, len(s.inFlight)+len(s.pending))
	unflushed = append(unflushed, s.inFlight...)
	unflushed = append(unflushed, s.pending...)
	return Capture{Board: s.current, Unflushed: unflushed}, nil
}

// JoinView is the board as seen by a join that is being finalized.
type JoinView struct {
	Board     board.Board
	CrdtState []byte
	Members   []*sessions.Session
}

// Finalize runs fn while no update can interleave, so a joining session can be flipped to ready
// without missing or duplicating entries.
func (s *BoardState) Finalize(fn func(view JoinView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(JoinView{Board: s.current, CrdtState: s.doc.EncodeState(), Members: s.membersLocked()})
}

// Detach removes the session, its locks and its cursor. It reports whether the cursor set changed.
func (s *BoardState) Detach(sessionID string) bool {
	s.mu.Lock()
	delete(s.members, sessionID)
	_, hadCursor := s.cursors[sessionID]
	delete(s.cursors, sessionID)
	s.mu.Unlock()
	s.locks.ReleaseSession(sessionID)
	return hadCursor
}

// Members returns the attached sessions.
func (s *BoardState) Members() []*sessions.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked()
}

func (s *BoardState) membersLocked() []*sessions.Session {
	members := make([]*sessions.Session, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID() < members[j].ID() })
	return members
}

// MoveCursor records a session's pointer position.
func (s *BoardState) MoveCursor(sessionID string, cursor Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, member := s.members[sessionID]; !member {
		return
	}
	s.cursors[sessionID] = cursor
}

// Cursors returns every member's last pointer position.
func (s *BoardState) Cursors() map[string]Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]Cursor, len(s.cursors))
	for id, cursor := range s.cursors {
		result[id] = cursor
	}
	return result
}

// takePending hands the pending buffers to a flush. Updates arriving meanwhile accumulate in fresh
// buffers. It reports false when there is nothing to flush or a flush is already running.
func (s *BoardState) takePending() (history.Flush, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushing || (len(s.pending) == 0 && len(s.pendingCrdt) == 0) {
		return history.Flush{}, false
	}
	s.flushing = true
	s.inFlight, s.pending = s.pending, nil
	s.inFlightCrdt, s.pendingCrdt = s.pendingCrdt, nil
	return history.Flush{Board: s.current, Entries: s.inFlight, CrdtDelta: s.inFlightCrdt}, true
}

// completeFlush drops the in-flight buffers after they were persisted.
func (s *BoardState) completeFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.AddPendingEvents(-len(s.inFlight))
	s.inFlight = nil
	s.inFlightCrdt = nil
	s.flushing = false
}

// restorePending puts in-flight buffers back in front of anything accumulated since they were taken.
func (s *BoardState) restorePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.inFlight, s.pending...)
	s.pendingCrdt = crdt.MergeUpdates(s.inFlightCrdt, s.pendingCrdt)
	s.inFlight = nil
	s.inFlightCrdt = nil
	s.flushing = false
}

// pendingCount returns the number of unflushed entries.
func (s *BoardState) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.inFlight)
}

// idleLocked reports whether the state has no members and nothing left to persist.
func (s *BoardState) idleLocked() bool {
	return len(s.members) == 0 && !s.flushing && len(s.pending) == 0 && len(s.pendingCrdt) == 0
}

func (s *BoardState) close() {
	s.locks.Close()
}
