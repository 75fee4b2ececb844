package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/state"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
	testAssetBaseURL  = "https://assets.example.com/uploads"
)

type serverFixture struct {
	server   *httptest.Server
	store    *history.Store
	cache    *state.Cache
	registry *sessions.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	store, err := history.NewStore(history.StoreConfig{Database: db})
	require.NoError(t, err)
	cache, err := state.NewCache(state.CacheConfig{Storage: store, FlushInterval: time.Hour})
	require.NoError(t, err)
	router, err := realtime.NewRouter(realtime.RouterConfig{
		Cache:          cache,
		History:        store,
		LockDebounce:   5 * time.Millisecond,
		CursorInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(router.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	require.NoError(t, err)
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	signer, err := assets.NewStatic(testAssetBaseURL)
	require.NoError(t, err)
	registry := sessions.NewRegistry(sessions.RegistryConfig{})

	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Users:     identities,
		Boards:    store,
		Realtime:  router,
		Registry:  registry,
		Signer:    signer,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})
	return &serverFixture{server: server, store: store, cache: cache, registry: registry}
}

func signToken(t *testing.T, userID, email, displayName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserEmail:       email,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return signed
}

func (f *serverFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, response, err := f.tryDial(token)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, response.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *serverFixture) tryDial(token string) (*websocket.Conn, *http.Response, error) {
	target := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/boards/socket"
	if token != "" {
		target += "?" + auth.AccessTokenQueryParameter + "=" + token
	}
	return websocket.DefaultDialer.Dial(target, nil)
}

func sendFrame(t *testing.T, conn *websocket.Conn, ackID string, events ...map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"ackId": ackID, "events": events}))
}

// readUntil returns the next message with the wanted action, skipping anything else.
func readUntil(t *testing.T, conn *websocket.Conn, action string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", action)
		var message map[string]any
		require.NoError(t, json.Unmarshal(data, &message))
		if message["action"] == action {
			return message
		}
	}
}

// readAck returns the ack for ackID, collecting every other message received before it.
func readAck(t *testing.T, conn *websocket.Conn, ackID string) (map[string]any, []map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var skipped []map[string]any
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for ack %s", ackID)
		var message map[string]any
		require.NoError(t, json.Unmarshal(data, &message))
		if message["action"] == realtime.ActionAck && message["ackId"] == ackID {
			return message, skipped
		}
		skipped = append(skipped, message)
	}
}

func (f *serverFixture) createBoard(t *testing.T, token, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequestWithContext(context.Background(), http.MethodPost, f.server.URL+"/boards", strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}
