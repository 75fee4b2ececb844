package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findAction(messages []map[string]any, action string) (map[string]any, bool) {
	for _, message := range messages {
		if message["action"] == action {
			return message, true
		}
	}
	return nil, false
}

func joinBoard(t *testing.T, conn *websocket.Conn, ackID, boardID string) []map[string]any {
	t.Helper()
	sendFrame(t, conn, ackID, map[string]any{"action": "board.join", "boardId": boardID})
	_, received := readAck(t, conn, ackID)
	return received
}

func TestSocketJoinBroadcastsAndAcknowledgesSerials(t *testing.T) {
	fixture := newServerFixture(t)
	token := signToken(t, "user-1", "ada@example.com", "Ada")
	require.Equal(t, http.StatusCreated, fixture.createBoard(t, token, `{"id":"plan","name":"Plan","width":800,"height":600}`).StatusCode)

	author := fixture.dial(t, token)
	viewer := fixture.dial(t, "")

	received := joinBoard(t, author, "a-join", "plan")
	initMessage, ok := findAction(received, realtime.ActionBoardInit)
	require.True(t, ok, "expected board.init before the join ack")
	assert.Equal(t, true, initMessage["final"])
	joinBoard(t, viewer, "v-join", "plan")

	sendFrame(t, author, "a-1",
		map[string]any{"action": "item.add", "boardId": "plan", "items": []map[string]any{
			{"id": "n1", "type": "note", "x": 10, "y": 20, "width": 100, "height": 80, "text": "hello"},
		}},
		map[string]any{"action": "board.rename", "boardId": "plan", "name": "Roadmap"},
	)
	ack, _ := readAck(t, author, "a-1")
	assert.Equal(t, map[string]any{"plan": float64(2)}, ack["serials"])

	added := readUntil(t, viewer, "item.add")
	assert.Equal(t, float64(1), added["serial"])
	user := added["user"].(map[string]any)
	assert.Equal(t, "authenticated", user["kind"])
	renamed := readUntil(t, viewer, "board.rename")
	assert.Equal(t, float64(2), renamed["serial"])
}

func TestSocketLockContentionYieldsNoSerial(t *testing.T) {
	fixture := newServerFixture(t)
	token := signToken(t, "user-1", "ada@example.com", "Ada")
	require.Equal(t, http.StatusCreated, fixture.createBoard(t, token, `{"id":"locks","name":"Locks","width":800,"height":600}`).StatusCode)

	holder := fixture.dial(t, token)
	other := fixture.dial(t, "")
	joinBoard(t, holder, "h-join", "locks")
	joinBoard(t, other, "o-join", "locks")

	sendFrame(t, holder, "h-1",
		map[string]any{"action": "item.add", "boardId": "locks", "items": []map[string]any{
			{"id": "n1", "type": "note", "x": 0, "y": 0},
		}},
		map[string]any{"action": "item.lock", "boardId": "locks", "itemIds": []string{"n1"}},
	)
	ack, _ := readAck(t, holder, "h-1")
	assert.Equal(t, map[string]any{"locks": float64(1)}, ack["serials"])

	locks := readUntil(t, other, realtime.ActionBoardLocks)
	assert.Contains(t, locks["locks"].(map[string]any), "n1")

	sendFrame(t, other, "o-1", map[string]any{
		"action": "item.move", "boardId": "locks",
		"moves": []map[string]any{{"id": "n1", "x": 50, "y": 50}},
	})
	rejected, _ := readAck(t, other, "o-1")
	assert.Empty(t, rejected["serials"])
}

func TestSocketGuestIsDeniedOnRestrictedBoard(t *testing.T) {
	fixture := newServerFixture(t)
	token := signToken(t, "user-1", "ada@example.com", "Ada")
	require.Equal(t, http.StatusCreated, fixture.createBoard(t, token,
		`{"id":"private","name":"Private","width":800,"height":600,"accessPolicy":{"allowList":[{"domain":"example.com"}]}}`).StatusCode)

	guest := fixture.dial(t, "")
	received := joinBoard(t, guest, "g-join", "private")

	denied, ok := findAction(received, realtime.ActionJoinDenied)
	require.True(t, ok, "expected a join denial")
	assert.Equal(t, realtime.ReasonUnauthorized, denied["reason"])
	_, initialized := findAction(received, realtime.ActionBoardInit)
	assert.False(t, initialized)

	member := fixture.dial(t, token)
	received = joinBoard(t, member, "m-join", "private")
	_, initialized = findAction(received, realtime.ActionBoardInit)
	assert.True(t, initialized)
}

func TestSocketRejectsInvalidToken(t *testing.T) {
	fixture := newServerFixture(t)

	_, response, err := fixture.tryDial("not-a-token")

	require.Error(t, err)
	require.NotNil(t, response)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestSocketNicknameIsPersistedForAuthenticatedUsers(t *testing.T) {
	fixture := newServerFixture(t)
	token := signToken(t, "user-1", "ada@example.com", "Ada")

	first := fixture.dial(t, token)
	opened := readUntil(t, first, realtime.ActionUserInfoUpdate)
	assert.Equal(t, "Ada", opened["user"].(map[string]any)["nickname"])

	sendFrame(t, first, "n-1", map[string]any{"action": "nickname.set", "nickname": "  Countess  "})
	_, received := readAck(t, first, "n-1")
	updated, ok := findAction(received, realtime.ActionUserInfoUpdate)
	require.True(t, ok)
	assert.Equal(t, "Countess", updated["user"].(map[string]any)["nickname"])

	second := fixture.dial(t, token)
	reopened := readUntil(t, second, realtime.ActionUserInfoUpdate)
	assert.Equal(t, "Countess", reopened["user"].(map[string]any)["nickname"])
}

func TestSocketRejectsEmptyNickname(t *testing.T) {
	fixture := newServerFixture(t)
	guest := fixture.dial(t, "")

	sendFrame(t, guest, "n-1", map[string]any{"action": "nickname.set", "nickname": "   "})
	_, received := readAck(t, guest, "n-1")

	_, failed := findAction(received, realtime.ActionError)
	assert.True(t, failed)
}

func TestSocketRelaysAssetUploadURL(t *testing.T) {
	fixture := newServerFixture(t)
	guest := fixture.dial(t, "")

	sendFrame(t, guest, "u-1", map[string]any{"action": "asset.upload", "assetId": "img-1", "requestId": "req-7"})
	_, received := readAck(t, guest, "u-1")

	upload, ok := findAction(received, realtime.ActionAssetUploadURL)
	require.True(t, ok)
	assert.Equal(t, "req-7", upload["requestId"])
	assert.Equal(t, testAssetBaseURL+"/img-1", upload["url"])
}

func TestSocketDisconnectReleasesSession(t *testing.T) {
	fixture := newServerFixture(t)
	token := signToken(t, "user-1", "ada@example.com", "Ada")
	require.Equal(t, http.StatusCreated, fixture.createBoard(t, token, `{"id":"leave","name":"Leave","width":800,"height":600}`).StatusCode)

	conn, _, err := fixture.tryDial(token)
	require.NoError(t, err)
	joinBoard(t, conn, "j", "leave")
	require.Equal(t, 1, fixture.registry.Len())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		boardState, ok := fixture.cache.Peek("leave")
		return fixture.registry.Len() == 0 && ok && len(boardState.Members()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
