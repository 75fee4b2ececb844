// Package sessions tracks live connections, their identities and their board membership.
package sessions

import (
	"sync"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
)

// Status is the phase of a session's board membership.
type Status string

const (
	StatusDetached  Status = "detached"
	StatusBuffering Status = "buffering"
	StatusReady     Status = "ready"
)

// BoardSession is a session's membership of one board. While buffering, history entries destined
// for the session are queued in Buffered instead of being sent.
type BoardSession struct {
	BoardID  board.BoardID
	Status   Status
	Buffered []board.HistoryEntry
}

// Session is one live connection.
type Session struct {
	id     string
	mu     sync.Mutex
	user   board.UserInfo
	member BoardSession
	stream chan any
	done   chan struct{}
	closed bool
	onDrop func()
}

func newSession(id string, user board.UserInfo, queueSize int) *Session {
	return &Session{
		id:     id,
		user:   user,
		member: BoardSession{Status: StatusDetached},
		stream: make(chan any, queueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// User returns the session's identity.
func (s *Session) User() board.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetNickname changes the display name and returns the updated identity.
func (s *Session) SetNickname(nickname string) board.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.Nickname = nickname
	return s.user
}

// Outbound yields messages to be written to the connection.
func (s *Session) Outbound() <-chan any {
	return s.stream
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues message for delivery. A session whose queue is full is closed; Send then reports false.
func (s *Session) Send(message any) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.stream <- message:
		s.mu.Unlock()
		return true
	default:
	}
	onDrop := s.closeLocked()
	s.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
	return false
}

// Close marks the session closed. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Session) closeLocked() func() {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.onDrop
}

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BeginJoin attaches the session to boardID in buffering state, discarding any previous membership.
func (s *Session) BeginJoin(boardID board.BoardID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.member = BoardSession{BoardID: boardID, Status: StatusBuffering}
}

// Deliver routes a history entry for boardID: buffered while joining, sent once ready, dropped
// otherwise.
func (s *Session) Deliver(boardID board.BoardID, entry board.HistoryEntry) bool {
	s.mu.Lock()
	if s.member.BoardID != boardID {
		s.mu.Unlock()
		return false
	}
	switch s.member.Status {
	case StatusBuffering:
		s.member.Buffered = append(s.member.Buffered, entry)
		s.mu.Unlock()
		return true
	case StatusReady:
		s.mu.Unlock()
		return s.Send(entry)
	default:
		s.mu.Unlock()
		return false
	}
}

// CompleteJoin takes the buffered entries and flips the session to ready.
func (s *Session) CompleteJoin(boardID board.BoardID) []board.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.member.BoardID != boardID {
		return nil
	}
	buffered := s.member.Buffered
	s.member.Buffered = nil
	s.member.Status = StatusReady
	return buffered
}

// Leave detaches the session from its board and returns the board it left.
func (s *Session) Leave() board.BoardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.member.BoardID
	s.member = BoardSession{Status: StatusDetached}
	return left
}

// Membership returns a copy of the session's board membership.
func (s *Session) Membership() BoardSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	membership := s.member
	membership.Buffered = append([]board.HistoryEntry(nil), s.member.Buffered...)
	return membership
}

// Ready reports whether the session is a ready member of boardID.
func (s *Session) Ready(boardID board.BoardID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.member.BoardID == boardID && s.member.Status == StatusReady
}
