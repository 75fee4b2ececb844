package realtime

import (
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
)

// Outbound actions. Board history entries are sent as-is and carry their event action.
const (
	ActionBoardInit       = "board.init"
	ActionBoardLocks      = "board.locks"
	ActionCursorPositions = "cursor.positions"
	ActionBoardJoined     = "board.joined"
	ActionJoinDenied      = "board.join.denied"
	ActionUserInfoUpdate  = "userinfo.update"
	ActionCrdtUpdate      = "crdt.update"
	ActionAssetUploadURL  = "asset.upload.url"
	ActionAck             = "ack"
	ActionError           = "error"
)

// Join denial reasons.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonForbidden    = "forbidden"
	ReasonNotFound     = "notfound"
	ReasonError        = "error"
)

// BoardInit is one chunk of a join bootstrap. Exactly one of Board and RecentEvents is set on the
// final chunk; earlier chunks only carry RecentEvents.
type BoardInit struct {
	Action       string               `json:"action"`
	BoardID      board.BoardID        `json:"boardId"`
	Board        *board.Board         `json:"board,omitempty"`
	RecentEvents []board.HistoryEntry `json:"recentEvents,omitempty"`
	Serial       board.Serial         `json:"serial"`
	Final        bool                 `json:"final"`
	Crdt         string               `json:"crdt,omitempty"`
}

// LocksMessage carries a board's whole lock table, item id to holding session.
type LocksMessage struct {
	Action  string                  `json:"action"`
	BoardID board.BoardID           `json:"boardId"`
	Locks   map[board.ItemID]string `json:"locks"`
}

// CursorsMessage carries every known cursor on a board, keyed by session id.
type CursorsMessage struct {
	Action  string                  `json:"action"`
	BoardID board.BoardID           `json:"boardId"`
	Cursors map[string]state.Cursor `json:"cursors"`
}

// JoinedMessage announces a new member to the rest of the board.
type JoinedMessage struct {
	Action    string         `json:"action"`
	BoardID   board.BoardID  `json:"boardId"`
	SessionID string         `json:"sessionId"`
	User      board.UserInfo `json:"user"`
}

// DeniedMessage tells a session why its join was refused.
type DeniedMessage struct {
	Action  string        `json:"action"`
	BoardID board.BoardID `json:"boardId"`
	Reason  string        `json:"reason"`
}

// UserInfoMessage reports a session's identity after connect or a nickname change.
type UserInfoMessage struct {
	Action    string         `json:"action"`
	SessionID string         `json:"sessionId"`
	User      board.UserInfo `json:"user"`
}

// CrdtMessage relays a base64 rich-text delta from one session to the others.
type CrdtMessage struct {
	Action    string        `json:"action"`
	BoardID   board.BoardID `json:"boardId"`
	SessionID string        `json:"sessionId"`
	Update    string        `json:"update"`
}

// UploadURLMessage answers an asset.upload request with a presigned URL.
type UploadURLMessage struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`
	AssetID   string `json:"assetId"`
	URL       string `json:"url"`
}

// AckMessage acknowledges one inbound frame with the highest serial assigned per board.
type AckMessage struct {
	Action  string                         `json:"action"`
	AckID   string                         `json:"ackId,omitempty"`
	Serials map[board.BoardID]board.Serial `json:"serials"`
}

// ErrorMessage reports a rejected inbound event to its sender.
type ErrorMessage struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}
