package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userContextKey = "tessera_user"

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingUsers     = errors.New("user service dependency required")
	errMissingBoards    = errors.New("board store dependency required")
	errMissingRealtime  = errors.New("realtime router dependency required")
	errMissingRegistry  = errors.New("session registry dependency required")
)

// SessionValidator authenticates HTTP and websocket requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityService maps validated claims to board identities and persists nicknames.
type IdentityService interface {
	Resolve(claims auth.SessionClaims) (board.UserInfo, error)
	SetNickname(userID, nickname string) (string, error)
}

// BoardCreator persists newly created boards.
type BoardCreator interface {
	CreateBoard(ctx context.Context, created board.Board) error
}

// Dependencies wires the HTTP surface to the board core.
type Dependencies struct {
	Validator      SessionValidator
	Users          IdentityService
	Boards         BoardCreator
	Realtime       *realtime.Router
	Registry       *sessions.Registry
	Signer         assets.Signer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving board creation, the board socket, metrics and health.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Boards == nil {
		return nil, errMissingBoards
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	signer := deps.Signer
	if signer == nil {
		signer = assets.None{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator: deps.Validator,
		users:     deps.Users,
		boards:    deps.Boards,
		realtime:  deps.Realtime,
		registry:  deps.Registry,
		signer:    signer,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/boards/socket", handler.handleSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/boards", handler.handleCreateBoard)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	validator SessionValidator
	users     IdentityService
	boards    BoardCreator
	realtime  *realtime.Router
	registry  *sessions.Registry
	signer    assets.Signer
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.registry.Len()})
}

type createBoardRequest struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Width        float64             `json:"width"`
	Height       float64             `json:"height"`
	AccessPolicy *board.AccessPolicy `json:"accessPolicy"`
}

type createBoardResponse struct {
	ID     board.BoardID `json:"id"`
	Name   string        `json:"name"`
	Serial board.Serial  `json:"serial"`
}

func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	var request createBoardRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Width <= 0 || request.Height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rawID := strings.TrimSpace(request.ID)
	if rawID == "" {
		rawID = newBoardIdentifier()
	}
	boardID, err := board.NewBoardID(rawID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}

	created := board.NewBoard(boardID, strings.TrimSpace(request.Name), request.Width, request.Height)
	if request.AccessPolicy.Restricted() {
		created.AccessPolicy = request.AccessPolicy
	}

	if err := h.boards.CreateBoard(c.Request.Context(), created); err != nil {
		if errors.Is(err, history.ErrBoardExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "board_exists"})
			return
		}
		h.logger.Error("failed to create board", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "board_create_failed"})
		return
	}

	c.JSON(http.StatusCreated, createBoardResponse{ID: created.ID, Name: created.Name, Serial: created.Serial})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.Resolve(claims)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

// socketIdentity resolves the caller of the board socket. Requests without a token join as guests.
func (h *httpHandler) socketIdentity(r *http.Request) (board.UserInfo, int, error) {
	claims, err := h.validator.ValidateRequest(r)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		return board.UserInfo{Kind: board.IdentityUnidentified, Nickname: guestNickname}, 0, nil
	}
	if err != nil {
		h.logTokenFailure(err)
		return board.UserInfo{}, http.StatusUnauthorized, err
	}
	user, err := h.users.Resolve(claims)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		return board.UserInfo{}, http.StatusInternalServerError, err
	}
	return user, 0, nil
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func newBoardIdentifier() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
