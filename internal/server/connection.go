package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	guestNickname    = "guest"
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameBytes    = 4 << 20
	socketBufferSize = 4 << 10
)

// Client actions that are handled outside the board reducer.
const (
	actionBoardJoin   = "board.join"
	actionBoardLeave  = "board.leave"
	actionCrdtUpdate  = "crdt.update"
	actionNicknameSet = "nickname.set"
	actionAssetUpload = "asset.upload"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  socketBufferSize,
	WriteBufferSize: socketBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientFrame struct {
	AckID  string            `json:"ackId"`
	Events []json.RawMessage `json:"events"`
}

type cursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type clientEvent struct {
	board.Event
	InitAtSerial board.Serial    `json:"initAtSerial,omitempty"`
	Position     *cursorPosition `json:"position,omitempty"`
	Update       string          `json:"update,omitempty"`
	Nickname     string          `json:"nickname,omitempty"`
	AssetID      string          `json:"assetId,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	user, status, err := h.socketIdentity(c.Request)
	if err != nil {
		c.JSON(status, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade board socket", zap.Error(err))
		return
	}

	session := h.registry.Open(user)
	conn := &connection{
		socket:  socket,
		session: session,
		handler: h,
		logger:  h.logger.With(zap.String("session_id", session.ID())),
	}
	conn.serve(c.Request.Context())
}

// connection runs the read and write loops of one board socket.
type connection struct {
	socket  *websocket.Conn
	session *sessions.Session
	handler *httpHandler
	logger  *zap.Logger
}

func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.logger.Debug("board socket opened", zap.String("user_kind", string(c.session.User().Kind)))
	c.session.Send(realtime.UserInfoMessage{
		Action:    realtime.ActionUserInfoUpdate,
		SessionID: c.session.ID(),
		User:      c.session.User(),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)

	c.handler.realtime.Leave(c.session)
	c.handler.registry.Close(c.session.ID())
	wg.Wait()
	_ = c.socket.Close()
	c.logger.Debug("board socket closed")
}

func (c *connection) readLoop(ctx context.Context) {
	c.socket.SetReadLimit(maxFrameBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("board socket read failed", zap.Error(err))
			}
			return
		}
		if c.session.Closed() {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("malformed client frame", zap.Error(err))
			c.session.Send(realtime.ErrorMessage{Action: realtime.ActionError, Message: "malformed frame"})
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.session.Outbound():
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(message); err != nil {
				c.logger.Info("board socket write failed", zap.Error(err))
				c.session.Close()
				_ = c.socket.Close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.session.Close()
				_ = c.socket.Close()
				return
			}
		case <-c.session.Done():
			deadline := time.Now().Add(writeWait)
			_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.socket.Close()
			return
		}
	}
}

// handleFrame dispatches every event of one client frame in order and acknowledges the frame with the
// highest serial assigned per board.
func (c *connection) handleFrame(ctx context.Context, frame clientFrame) {
	serials := make(map[board.BoardID]board.Serial)
	for _, raw := range frame.Events {
		var event clientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.logger.Debug("malformed client event", zap.Error(err))
			continue
		}
		serial, ok := c.dispatch(ctx, event)
		if ok && serial > serials[event.BoardID] {
			serials[event.BoardID] = serial
		}
	}
	c.session.Send(realtime.AckMessage{Action: realtime.ActionAck, AckID: frame.AckID, Serials: serials})
}

func (c *connection) dispatch(ctx context.Context, event clientEvent) (board.Serial, bool) {
	router := c.handler.realtime
	switch string(event.Action) {
	case actionBoardJoin:
		if err := router.Join(ctx, c.session, event.BoardID, event.InitAtSerial); err != nil && !errors.Is(err, realtime.ErrJoinDenied) {
			c.logger.Info("board join failed", zap.String("board_id", event.BoardID.String()), zap.Error(err))
		}
		return 0, false
	case actionBoardLeave:
		router.Leave(c.session)
		return 0, false
	case string(board.ActionItemLock):
		if _, err := router.Lock(c.session, event.BoardID, event.ItemIDs); err != nil {
			c.logDropped(event, err)
		}
		return 0, false
	case string(board.ActionItemUnlock):
		if _, err := router.Unlock(c.session, event.BoardID, event.ItemIDs); err != nil {
			c.logDropped(event, err)
		}
		return 0, false
	case string(board.ActionCursorMove):
		if event.Position == nil {
			return 0, false
		}
		if err := router.MoveCursor(c.session, event.BoardID, event.Position.X, event.Position.Y); err != nil {
			c.logDropped(event, err)
		}
		return 0, false
	case actionCrdtUpdate:
		update, err := crdt.DecodeUpdate(event.Update)
		if err == nil {
			err = router.ApplyCrdtUpdate(c.session, event.BoardID, update)
		}
		if err != nil {
			c.logDropped(event, err)
		}
		return 0, false
	case actionNicknameSet:
		c.setNickname(event.Nickname)
		return 0, false
	case actionAssetUpload:
		c.signUpload(ctx, event)
		return 0, false
	}

	if !event.Action.Persistable() {
		c.logger.Debug("unknown client action", zap.String("action", string(event.Action)))
		return 0, false
	}
	serial, err := router.Apply(ctx, c.session, event.Event)
	if err != nil {
		c.logDropped(event, err)
		return 0, false
	}
	return serial, true
}

func (c *connection) logDropped(event clientEvent, err error) {
	fields := []zap.Field{
		zap.String("action", string(event.Action)),
		zap.String("board_id", event.BoardID.String()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, board.ErrInvalidEvent),
		errors.Is(err, state.ErrLockContention),
		errors.Is(err, realtime.ErrNotJoined),
		errors.Is(err, crdt.ErrInvalidUpdate):
		c.logger.Debug("client event dropped", fields...)
	default:
		c.logger.Warn("client event failed", fields...)
	}
}

func (c *connection) setNickname(nickname string) {
	user := c.session.User()
	var (
		normalized string
		err        error
	)
	if user.Kind == board.IdentityAuthenticated {
		normalized, err = c.handler.users.SetNickname(user.UserID, nickname)
	} else {
		normalized, err = users.NormalizeNickname(nickname)
	}
	if err != nil {
		c.logger.Debug("nickname rejected", zap.Error(err))
		c.session.Send(realtime.ErrorMessage{Action: realtime.ActionError, Message: "invalid nickname"})
		return
	}
	c.session.SetNickname(normalized)
	c.handler.realtime.BroadcastUserInfo(c.session)
}

func (c *connection) signUpload(ctx context.Context, event clientEvent) {
	url, err := c.handler.signer.UploadURL(ctx, event.AssetID)
	if err != nil {
		c.logger.Info("asset upload url unavailable", zap.String("asset_id", event.AssetID), zap.Error(err))
		c.session.Send(realtime.ErrorMessage{Action: realtime.ActionError, Message: "asset upload unavailable"})
		return
	}
	c.session.Send(realtime.UploadURLMessage{
		Action:    realtime.ActionAssetUploadURL,
		RequestID: event.RequestID,
		AssetID:   event.AssetID,
		URL:       url,
	})
}
