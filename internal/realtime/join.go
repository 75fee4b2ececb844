package realtime

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
	"go.uber.org/zap"
)

const maxAttachAttempts = 3

var errSessionClosed = errors.New("realtime: session closed")

// Join attaches session to boardID and bootstraps it. A positive initAtSerial not beyond the board's
// serial asks for the entries after it; otherwise the session receives the full snapshot. Live
// entries published during the bootstrap are buffered and delivered exactly once, in serial order,
// before the session turns ready.
func (r *Router) Join(ctx context.Context, session *sessions.Session, boardID board.BoardID, initAtSerial board.Serial) error {
	r.Leave(session)

	boardState, capture, err := r.attach(ctx, session, boardID)
	if err != nil {
		return err
	}

	diff := initAtSerial > 0 && initAtSerial <= capture.Board.Serial
	fallback := false
	if diff {
		if err := r.streamStored(ctx, session, boardID, initAtSerial, firstUnflushed(capture)); err != nil {
			fallback = true
			r.logger.Warn("join history stream failed; sending snapshot",
				zap.String("board_id", boardID.String()),
				zap.String("session_id", session.ID()),
				zap.Error(err))
		}
	}

	boardState.Finalize(func(view state.JoinView) {
		buffered := session.CompleteJoin(boardID)
		final := BoardInit{
			Action:  ActionBoardInit,
			BoardID: boardID,
			Serial:  view.Board.Serial,
			Final:   true,
		}
		if len(view.CrdtState) > 0 {
			final.Crdt = crdt.EncodeUpdate(view.CrdtState)
		}
		if diff && !fallback {
			final.RecentEvents = finalEntries(capture.Unflushed, buffered, initAtSerial)
		} else {
			snapshot := view.Board
			final.Board = &snapshot
		}
		session.Send(final)

		joined := JoinedMessage{Action: ActionBoardJoined, BoardID: boardID, SessionID: session.ID(), User: session.User()}
		for _, member := range view.Members {
			if member.ID() != session.ID() && member.Ready(boardID) {
				member.Send(joined)
			}
		}
	})

	session.Send(r.locksMessage(boardState))
	session.Send(r.cursorsMessage(boardState))
	r.logger.Debug("session joined board",
		zap.String("board_id", boardID.String()),
		zap.String("session_id", session.ID()),
		zap.Bool("diff", diff && !fallback))
	return nil
}

// attach loads the board, applies the access gate and registers the session as a buffering member.
// A board evicted between load and attach is loaded again.
func (r *Router) attach(ctx context.Context, session *sessions.Session, boardID board.BoardID) (*state.BoardState, state.Capture, error) {
	for attempt := 1; ; attempt++ {
		boardState, err := r.cache.Get(ctx, boardID)
		if err != nil {
			reason := ReasonError
			if errors.Is(err, history.ErrBoardNotFound) {
				reason = ReasonNotFound
			}
			r.deny(session, boardID, reason)
			return nil, state.Capture{}, err
		}

		switch access.Check(boardState.Board().AccessPolicy, session.User()) {
		case access.Unauthorized:
			r.deny(session, boardID, ReasonUnauthorized)
			return nil, state.Capture{}, ErrJoinDenied
		case access.Forbidden:
			r.deny(session, boardID, ReasonForbidden)
			return nil, state.Capture{}, ErrJoinDenied
		}

		capture, err := boardState.Attach(session)
		if errors.Is(err, state.ErrBoardEvicted) && attempt < maxAttachAttempts {
			continue
		}
		if err != nil {
			r.deny(session, boardID, ReasonError)
			return nil, state.Capture{}, err
		}
		return boardState, capture, nil
	}
}

func (r *Router) deny(session *sessions.Session, boardID board.BoardID, reason string) {
	session.Send(DeniedMessage{Action: ActionJoinDenied, BoardID: boardID, Reason: reason})
}

// streamStored sends persisted entries in (initAtSerial, beforeSerial) as non-final chunks.
func (r *Router) streamStored(ctx context.Context, session *sessions.Session, boardID board.BoardID, initAtSerial, beforeSerial board.Serial) error {
	return r.history.StreamHistory(ctx, boardID, initAtSerial, beforeSerial, r.chunkSize, func(chunk []board.HistoryEntry) error {
		if !session.Send(BoardInit{Action: ActionBoardInit, BoardID: boardID, RecentEvents: chunk, Serial: chunk[len(chunk)-1].Serial}) {
			return errSessionClosed
		}
		return nil
	})
}

func firstUnflushed(capture state.Capture) board.Serial {
	if len(capture.Unflushed) > 0 {
		return capture.Unflushed[0].Serial
	}
	return capture.Board.Serial + 1
}

// finalEntries concatenates captured and buffered entries after initAtSerial, once each, by serial.
func finalEntries(captured, buffered []board.HistoryEntry, initAtSerial board.Serial) []board.HistoryEntry {
	seen := make(map[board.Serial]struct{}, len(captured)+len(buffered))
	result := make([]board.HistoryEntry, 0, len(captured)+len(buffered))
	for _, group := range [][]board.HistoryEntry{captured, buffered} {
		for _, entry := range group {
			if entry.Serial <= initAtSerial {
				continue
			}
			if _, dup := seen[entry.Serial]; dup {
				continue
			}
			seen[entry.Serial] = struct{}{}
			result = append(result, entry)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Serial < result[j].Serial })
	return result
}
