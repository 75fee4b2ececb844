package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testBoardID = board.BoardID("board-1")

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(value time.Time) {
	c.mu.Lock()
	c.now = value
	c.mu.Unlock()
}

func newTestStore(testContext *testing.T, disableRebuild bool) (*Store, *stepClock) {
	testContext.Helper()
	dsn := fmt.Sprintf("file:history_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &stepClock{now: time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)}
	store, err := NewStore(StoreConfig{Database: database, Clock: clock.Now, DisableRebuild: disableRebuild})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	if err := store.CreateBoard(context.Background(), board.NewBoard(testBoardID, "Planning", 1920, 1080)); err != nil {
		testContext.Fatalf("failed to create board: %v", err)
	}
	return store, clock
}

func addEntry(serial board.Serial, itemID board.ItemID, at time.Time) board.HistoryEntry {
	return board.HistoryEntry{
		Event: board.Event{
			Action:  board.ActionItemAdd,
			BoardID: testBoardID,
			Items:   []board.Item{{ID: itemID, Type: board.ItemTypeNote, X: float64(serial)}},
		},
		User:      board.UserInfo{Kind: board.IdentityAuthenticated, UserID: "user-1", Nickname: "ana"},
		Timestamp: at.UnixMilli(),
		Serial:    serial,
	}
}

// flushRange applies add entries first..last to snapshot and persists them as one bundle.
func flushRange(testContext *testing.T, store *Store, snapshot board.Board, first, last board.Serial, at time.Time) board.Board {
	testContext.Helper()
	var entries []board.HistoryEntry
	for serial := first; serial <= last; serial++ {
		entry := addEntry(serial, board.ItemID(fmt.Sprintf("note-%d", serial)), at)
		snapshot, _ = store.reducer.Apply(snapshot, entry.Event)
		snapshot.Serial = serial
		entries = append(entries, entry)
	}
	if err := store.SaveFlush(context.Background(), Flush{Board: snapshot, Entries: entries}); err != nil {
		testContext.Fatalf("flush %d-%d failed: %v", first, last, err)
	}
	return snapshot
}

func loadSnapshot(testContext *testing.T, store *Store) board.Board {
	testContext.Helper()
	loaded, err := store.LoadBoard(context.Background(), testBoardID)
	if err != nil {
		testContext.Fatalf("load board failed: %v", err)
	}
	return loaded.Board
}

func bundleRanges(testContext *testing.T, store *Store) [][2]board.Serial {
	testContext.Helper()
	bundles, err := store.ListBundles(context.Background(), testBoardID)
	if err != nil {
		testContext.Fatalf("list bundles failed: %v", err)
	}
	ranges := make([][2]board.Serial, 0, len(bundles))
	for _, bundle := range bundles {
		ranges = append(ranges, [2]board.Serial{bundle.FirstSerial, bundle.LastSerial})
	}
	return ranges
}

func TestCreateBoardRejectsDuplicate(testContext *testing.T) {
	store, _ := newTestStore(testContext, false)
	err := store.CreateBoard(context.Background(), board.NewBoard(testBoardID, "Again", 10, 10))
	if !errors.Is(err, ErrBoardExists) {
		testContext.Fatalf("expected ErrBoardExists, got %v", err)
	}
}

func TestLoadBoardMissing(testContext *testing.T) {
	store, _ := newTestStore(testContext, false)
	_, err := store.LoadBoard(context.Background(), "missing")
	if !errors.Is(err, ErrBoardNotFound) {
		testContext.Fatalf("expected ErrBoardNotFound, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "history.load_board.board_missing" {
		testContext.Fatalf("unexpected service error: %v", err)
	}
}

func TestSaveFlushPersistsSnapshotAndBundle(testContext *testing.T) {
	store, clock := newTestStore(testContext, false)
	initial := loadSnapshot(testContext, store)

	flushRange(testContext, store, initial, 1, 2, clock.Now())

	loaded := loadSnapshot(testContext, store)
	if loaded.Serial != 2 || len(loaded.Items) != 2 {
		testContext.Fatalf("unexpected loaded board: serial %d items %d", loaded.Serial, len(loaded.Items))
	}
	if loaded.Name != "Planning" || loaded.Width != 1920 {
		testContext.Fatalf("board attributes lost: %+v", loaded)
	}
	ranges := bundleRanges(testContext, store)
	if len(ranges) != 1 || ranges[0] != [2]board.Serial{1, 2} {
		testContext.Fatalf("unexpected bundles: %v", ranges)
	}
}

func TestLoadBoardReplaysEntriesBeyondSnapshot(testContext *testing.T) {
	store, clock := newTestStore(testContext, false)
	flushRange(testContext, store, loadSnapshot(testContext, store), 1, 1, clock.Now())

	trailing := addEntry(2, "note-late", clock.Now())
	payload, err := encodeEntries([]board.HistoryEntry{trailing})
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	if err := store.db.Create(&BundleRecord{
		BoardID:        testBoardID.String(),
		FirstSerial:    2,
		LastSerial:     2,
		EventsJSON:     payload,
		SavedAtSeconds: clock.Now().Unix(),
	}).Error; err != nil {
		testContext.Fatalf("insert bundle failed: %v", err)
	}

	loaded := loadSnapshot(testContext, store)
	if loaded.Serial != 2 {
		testContext.Fatalf("expected replay to reach serial 2, got %d", loaded.Serial)
	}
	if _, ok := loaded.Items["note-late"]; !ok {
		testContext.Fatalf("expected replayed item to be present")
	}
}

func TestSaveFlushRetryIsIdempotent(testContext *testing.T) {
	store, clock := newTestStore(testContext, false)
	initial := loadSnapshot(testContext, store)

	entries := []board.HistoryEntry{addEntry(1, "a", clock.Now()), addEntry(2, "b", clock.Now())}
	snapshot := initial
	for _, entry := range entries {
		snapshot, _ = store.reducer.Apply(snapshot, entry.Event)
		snapshot.Serial = entry.Serial
	}
	flush := Flush{Board: snapshot, Entries: entries}
	if err := store.SaveFlush(context.Background(), flush); err != nil {
		testContext.Fatalf("first flush failed: %v", err)
	}
	if err := store.SaveFlush(context.Background(), flush); err != nil {
		testContext.Fatalf("repeated flush failed: %v", err)
	}

	third := addEntry(3, "c", clock.Now())
	snapshot, _ = store.reducer.Apply(snapshot, third.Event)
	snapshot.Serial = 3
	retried := Flush{Board: snapshot, Entries: append(append([]board.HistoryEntry{}, entries...), third)}
	if err := store.SaveFlush(context.Background(), retried); err != nil {
		testContext.Fatalf("retried flush failed: %v", err)
	}

	ranges := bundleRanges(testContext, store)
	expected := [][2]board.Serial{{1, 2}, {3, 3}}
	if fmt.Sprint(ranges) != fmt.Sprint(expected) {
		testContext.Fatalf("expected %v, got %v", expected, ranges)
	}
}

func TestStreamHistoryHonorsBoundsAndChunks(testContext *testing.T) {
	store, clock := newTestStore(testContext, false)
	snapshot := flushRange(testContext, store, loadSnapshot(testContext, store), 1, 3, clock.Now())
	flushRange(testContext, store, snapshot, 4, 6, clock.Now())

	var chunks [][]board.Serial
	err := store.StreamHistory(context.Background(), testBoardID, 1, 6, 2, func(entries []board.HistoryEntry) error {
		serials := make([]board.Serial, 0, len(entries))
		for _, entry := range entries {
			serials = append(serials, entry.Serial)
		}
		chunks = append(chunks, serials)
		return nil
	})
	if err != nil {
		testContext.Fatalf("stream failed: %v", err)
	}
	expected := [][]board.Serial{{2, 3}, {4, 5}}
	if fmt.Sprint(chunks) != fmt.Sprint(expected) {
		testContext.Fatalf("expected chunks %v, got %v", expected, chunks)
	}
}

func TestStreamHistoryPropagatesCallbackError(testContext *testing.T) {
	store, clock := newTestStore(testContext, false)
	flushRange(testContext, store, loadSnapshot(testContext, store), 1, 2, clock.Now())

	stop := errors.New("client gone")
	err := store.StreamHistory(context.Background(), testBoardID, 0, 0, 10, func([]board.HistoryEntry) error {
		return stop
	})
	if !errors.Is(err, stop) {
		testContext.Fatalf("expected callback error, got %v", err)
	}
}

func TestSaveFlushStoresCrdtDeltaOnce(testContext *testing.T) {
	store, _ := newTestStore(testContext, false)
	snapshot := loadSnapshot(testContext, store)

	flush := Flush{Board: snapshot, CrdtDelta: []byte{0x85, 0x6f, 0x4a, 0x83}}
	for attempt := 0; attempt < 2; attempt++ {
		if err := store.SaveFlush(context.Background(), flush); err != nil {
			testContext.Fatalf("flush attempt %d failed: %v", attempt, err)
		}
	}

	var count int64
	if err := store.db.Model(&CrdtUpdateRecord{}).Where(queryBoardID, testBoardID.String()).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one stored delta, got %d", count)
	}
}

func noteDelta(testContext *testing.T, doc *automerge.Doc, text string) []byte {
	testContext.Helper()
	if err := doc.RootMap().Set("note-1", text); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	if _, err := doc.Commit("edit"); err != nil {
		testContext.Fatalf("commit failed: %v", err)
	}
	return doc.SaveIncremental()
}

func storedNote(testContext *testing.T, store *Store) string {
	testContext.Helper()
	loaded, err := store.LoadBoard(context.Background(), testBoardID)
	if err != nil {
		testContext.Fatalf("load board failed: %v", err)
	}
	doc := automerge.New()
	if err := doc.LoadIncremental(loaded.CrdtState); err != nil {
		testContext.Fatalf("stored crdt state does not load: %v", err)
	}
	text, err := automerge.As[string](doc.Path("note-1").Get())
	if err != nil {
		testContext.Fatalf("read note failed: %v", err)
	}
	return text
}

func TestDependentCrdtDeltasSurviveReloadAndCompaction(testContext *testing.T) {
	store, _ := newTestStore(testContext, false)
	snapshot := loadSnapshot(testContext, store)

	client := automerge.New()
	first := noteDelta(testContext, client, "draft")
	second := noteDelta(testContext, client, "hello")
	third := noteDelta(testContext, client, "hello world")
	windows := [][]byte{append(append([]byte{}, first...), second...), third}
	for _, delta := range windows {
		if err := store.SaveFlush(context.Background(), Flush{Board: snapshot, CrdtDelta: delta}); err != nil {
			testContext.Fatalf("flush failed: %v", err)
		}
	}
	if text := storedNote(testContext, store); text != "hello world" {
		testContext.Fatalf("expected latest text after reload, got %q", text)
	}

	if _, err := store.Compact(context.Background(), testBoardID); err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	var count int64
	if err := store.db.Model(&CrdtUpdateRecord{}).Where(queryBoardID, testBoardID.String()).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one compacted delta, got %d", count)
	}
	if text := storedNote(testContext, store); text != "hello world" {
		testContext.Fatalf("expected latest text after compaction, got %q", text)
	}
}
