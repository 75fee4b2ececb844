// Package history persists board history as serial-ranged event bundles, merges CRDT deltas, and
// compacts stored bundles while guarding their continuity.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultChunkSize bounds the number of history entries handed to a stream callback at once.
	DefaultChunkSize = 1000

	bundleBatchSize     = 64
	queryBoardID        = "board_id = ?"
	orderFirstSerialAsc = "first_serial ASC"
	orderUpdateIDAsc    = "update_id ASC"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// DisableRebuild stops full compaction from replacing inconsistent history with a snapshot bootstrap.
	DisableRebuild bool
}

// Store persists boards, history bundles and CRDT deltas.
type Store struct {
	db             *gorm.DB
	clock          func() time.Time
	logger         *zap.Logger
	reducer        *board.Reducer
	disableRebuild bool
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:             cfg.Database,
		clock:          clock,
		logger:         logger,
		reducer:        board.NewReducer(logger),
		disableRebuild: cfg.DisableRebuild,
	}, nil
}

// Snapshot is a board reconstructed from storage together with its merged CRDT state.
type Snapshot struct {
	Board     board.Board
	CrdtState []byte
}

// Flush is the unit written by one flush transaction.
type Flush struct {
	Board     board.Board
	Entries   []board.HistoryEntry
	CrdtDelta []byte
}

// BundleMeta describes a stored bundle without its payload.
type BundleMeta struct {
	FirstSerial    board.Serial
	LastSerial     board.Serial
	SavedAtSeconds int64
}

type boardContent struct {
	Items       []board.Item       `json:"items"`
	Connections []board.Connection `json:"connections"`
}

// CreateBoard inserts a new board row at serial zero.
func (s *Store) CreateBoard(ctx context.Context, created board.Board) error {
	record, err := s.boardRecord(created)
	if err != nil {
		s.logError(opCreateBoard, reasonEncodeFailed, err, zap.String(fieldBoardID, created.ID.String()))
		return newServiceError(opCreateBoard, reasonEncodeFailed, err)
	}
	record.CreatedAtSeconds = record.UpdatedAtSeconds

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logError(opCreateBoard, reasonInsertFailed, result.Error, zap.String(fieldBoardID, created.ID.String()))
		return newServiceError(opCreateBoard, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opCreateBoard, reasonBoardDuplicate, ErrBoardExists)
	}
	return nil
}

// LoadBoard reconstructs a board from its snapshot row, replays any persisted entries beyond the
// snapshot serial, and merges every stored CRDT delta.
func (s *Store) LoadBoard(ctx context.Context, boardID board.BoardID) (Snapshot, error) {
	db := s.db.WithContext(ctx)

	var record BoardRecord
	err := db.Where(queryBoardID, boardID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, newServiceError(opLoadBoard, reasonBoardMissing, ErrBoardNotFound)
	}
	if err != nil {
		s.logError(opLoadBoard, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newServiceError(opLoadBoard, reasonQueryFailed, err)
	}

	current, err := recordToBoard(record)
	if err != nil {
		s.logError(opLoadBoard, reasonDecodeFailed, err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newServiceError(opLoadBoard, reasonDecodeFailed, err)
	}

	var trailing []BundleRecord
	if err := db.Where("board_id = ? AND last_serial > ?", boardID.String(), record.Serial).
		Order(orderFirstSerialAsc).
		Find(&trailing).Error; err != nil {
		s.logError(opLoadBoard, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newServiceError(opLoadBoard, reasonQueryFailed, err)
	}
	for _, bundle := range trailing {
		entries, decodeErr := decodeEntries(bundle.EventsJSON)
		if decodeErr != nil {
			s.logError(opLoadBoard, reasonDecodeFailed, decodeErr,
				zap.String(fieldBoardID, boardID.String()),
				zap.Int64(fieldFirstSerial, bundle.FirstSerial))
			return Snapshot{}, newServiceError(opLoadBoard, reasonDecodeFailed, decodeErr)
		}
		current = s.replay(current, entries)
	}

	state, err := s.mergedCrdtState(db, boardID)
	if err != nil {
		s.logError(opLoadBoard, reasonCrdtMerge, err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newServiceError(opLoadBoard, reasonCrdtMerge, err)
	}
	return Snapshot{Board: current, CrdtState: state}, nil
}

// SaveFlush writes pending entries as one bundle, stores the CRDT delta, and advances the board
// snapshot, all in one transaction. Re-submitting an already stored range is a no-op.
func (s *Store) SaveFlush(ctx context.Context, flush Flush) error {
	boardID := flush.Board.ID.String()
	savedAt := s.clock().UTC().Unix()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(flush.Entries) > 0 {
			if err := s.insertEntries(tx, boardID, flush.Entries, savedAt); err != nil {
				s.logError(opSaveFlush, reasonBundleInsert, err,
					zap.String(fieldBoardID, boardID),
					zap.Int64(fieldFirstSerial, flush.Entries[0].Serial.Int64()),
					zap.Int64(fieldLastSerial, flush.Entries[len(flush.Entries)-1].Serial.Int64()))
				return newServiceError(opSaveFlush, reasonBundleInsert, err)
			}
		}

		if len(flush.CrdtDelta) > 0 {
			update := CrdtUpdateRecord{
				BoardID:        boardID,
				Payload:        flush.CrdtDelta,
				UpdateHash:     crdt.Hash(flush.CrdtDelta),
				SavedAtSeconds: savedAt,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&update).Error; err != nil {
				s.logError(opSaveFlush, reasonCrdtInsert, err, zap.String(fieldBoardID, boardID))
				return newServiceError(opSaveFlush, reasonCrdtInsert, err)
			}
		}

		content, err := encodeContent(flush.Board)
		if err != nil {
			s.logError(opSaveFlush, reasonEncodeFailed, err, zap.String(fieldBoardID, boardID))
			return newServiceError(opSaveFlush, reasonEncodeFailed, err)
		}
		if err := tx.Model(&BoardRecord{}).
			Where("board_id = ? AND serial <= ?", boardID, flush.Board.Serial.Int64()).
			Updates(map[string]any{
				"name":         flush.Board.Name,
				"serial":       flush.Board.Serial.Int64(),
				"content_json": content,
				"updated_at_s": savedAt,
			}).Error; err != nil {
			s.logError(opSaveFlush, reasonBoardUpdate, err, zap.String(fieldBoardID, boardID))
			return newServiceError(opSaveFlush, reasonBoardUpdate, err)
		}
		return nil
	})
}

// insertEntries stores entries as a bundle, trimming any prefix already covered by a stored bundle.
func (s *Store) insertEntries(tx *gorm.DB, boardID string, entries []board.HistoryEntry, savedAt int64) error {
	for len(entries) > 0 {
		first := entries[0].Serial.Int64()
		var existing BundleRecord
		err := tx.Select("first_serial", "last_serial").
			Where("board_id = ? AND first_serial <= ? AND last_serial >= ?", boardID, first, first).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			payload, encodeErr := encodeEntries(entries)
			if encodeErr != nil {
				return encodeErr
			}
			return tx.Create(&BundleRecord{
				BoardID:        boardID,
				FirstSerial:    first,
				LastSerial:     entries[len(entries)-1].Serial.Int64(),
				EventsJSON:     payload,
				SavedAtSeconds: savedAt,
			}).Error
		}
		if err != nil {
			return err
		}
		trimmed := 0
		for trimmed < len(entries) && entries[trimmed].Serial.Int64() <= existing.LastSerial {
			trimmed++
		}
		entries = entries[trimmed:]
	}
	return nil
}

// StreamHistory hands fn the stored entries with afterSerial < serial < beforeSerial in serial
// order, at most chunkSize at a time. A zero beforeSerial means no upper bound.
func (s *Store) StreamHistory(ctx context.Context, boardID board.BoardID, afterSerial, beforeSerial board.Serial, chunkSize int, fn func([]board.HistoryEntry) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	db := s.db.WithContext(ctx)
	inRange := func(serial board.Serial) bool {
		return serial > afterSerial && (beforeSerial == 0 || serial < beforeSerial)
	}

	chunk := make([]board.HistoryEntry, 0, chunkSize)
	cursor := int64(0)
	for {
		query := db.Where("board_id = ? AND last_serial > ? AND first_serial > ?", boardID.String(), afterSerial.Int64(), cursor)
		if beforeSerial > 0 {
			query = query.Where("first_serial < ?", beforeSerial.Int64())
		}
		var bundles []BundleRecord
		if err := query.Order(orderFirstSerialAsc).Limit(bundleBatchSize).Find(&bundles).Error; err != nil {
			s.logError(opStreamHistory, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opStreamHistory, reasonQueryFailed, err)
		}
		if len(bundles) == 0 {
			break
		}
		for _, bundle := range bundles {
			cursor = bundle.FirstSerial
			entries, err := decodeEntries(bundle.EventsJSON)
			if err != nil {
				s.logError(opStreamHistory, reasonDecodeFailed, err,
					zap.String(fieldBoardID, boardID.String()),
					zap.Int64(fieldFirstSerial, bundle.FirstSerial))
				return newServiceError(opStreamHistory, reasonDecodeFailed, err)
			}
			for _, entry := range entries {
				if !inRange(entry.Serial) {
					continue
				}
				chunk = append(chunk, entry)
				if len(chunk) == chunkSize {
					if err := fn(chunk); err != nil {
						return newServiceError(opStreamHistory, reasonCallbackFailed, err)
					}
					chunk = make([]board.HistoryEntry, 0, chunkSize)
				}
			}
		}
		if len(bundles) < bundleBatchSize {
			break
		}
	}
	if len(chunk) > 0 {
		if err := fn(chunk); err != nil {
			return newServiceError(opStreamHistory, reasonCallbackFailed, err)
		}
	}
	return nil
}

// ListBundles returns the board's bundle metadata ordered by first serial.
func (s *Store) ListBundles(ctx context.Context, boardID board.BoardID) ([]BundleMeta, error) {
	var records []BundleRecord
	if err := s.db.WithContext(ctx).
		Select("first_serial", "last_serial", "saved_at_s").
		Where(queryBoardID, boardID.String()).
		Order(orderFirstSerialAsc).
		Find(&records).Error; err != nil {
		s.logError(opListBundles, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return nil, newServiceError(opListBundles, reasonQueryFailed, err)
	}
	return bundleMetas(records), nil
}

// BoardIDs lists every board that has stored history.
func (s *Store) BoardIDs(ctx context.Context) ([]board.BoardID, error) {
	var raw []string
	if err := s.db.WithContext(ctx).Model(&BundleRecord{}).Distinct().Pluck("board_id", &raw).Error; err != nil {
		s.logError(opCompactAll, reasonQueryFailed, err)
		return nil, newServiceError(opCompactAll, reasonQueryFailed, err)
	}
	sort.Strings(raw)
	ids := make([]board.BoardID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, board.BoardID(id))
	}
	return ids, nil
}

func (s *Store) replay(current board.Board, entries []board.HistoryEntry) board.Board {
	for _, entry := range entries {
		if entry.Serial <= current.Serial {
			continue
		}
		current, _ = s.reducer.Apply(current, entry.Event)
		current.Serial = entry.Serial
	}
	return current
}

func (s *Store) mergedCrdtState(db *gorm.DB, boardID board.BoardID) ([]byte, error) {
	var updates []CrdtUpdateRecord
	if err := db.Where(queryBoardID, boardID.String()).Order(orderUpdateIDAsc).Find(&updates).Error; err != nil {
		return nil, err
	}
	payloads := make([][]byte, 0, len(updates))
	for _, update := range updates {
		payloads = append(payloads, update.Payload)
	}
	return crdt.MergeAll(payloads), nil
}

func (s *Store) boardRecord(source board.Board) (BoardRecord, error) {
	content, err := encodeContent(source)
	if err != nil {
		return BoardRecord{}, err
	}
	policy := ""
	if source.AccessPolicy != nil {
		raw, err := json.Marshal(source.AccessPolicy)
		if err != nil {
			return BoardRecord{}, err
		}
		policy = string(raw)
	}
	return BoardRecord{
		BoardID:          source.ID.String(),
		Name:             source.Name,
		Width:            source.Width,
		Height:           source.Height,
		Serial:           source.Serial.Int64(),
		ContentJSON:      content,
		AccessPolicyJSON: policy,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}, nil
}

func recordToBoard(record BoardRecord) (board.Board, error) {
	result := board.NewBoard(board.BoardID(record.BoardID), record.Name, record.Width, record.Height)
	result.Serial = board.Serial(record.Serial)

	var content boardContent
	if record.ContentJSON != "" {
		if err := json.Unmarshal([]byte(record.ContentJSON), &content); err != nil {
			return board.Board{}, err
		}
	}
	for _, item := range content.Items {
		result.Items[item.ID] = item
	}
	for _, connection := range content.Connections {
		result.Connections[connection.ID] = connection
	}
	if record.AccessPolicyJSON != "" {
		var policy board.AccessPolicy
		if err := json.Unmarshal([]byte(record.AccessPolicyJSON), &policy); err != nil {
			return board.Board{}, err
		}
		result.AccessPolicy = &policy
	}
	return result, nil
}

func encodeContent(source board.Board) (string, error) {
	content := boardContent{
		Items:       make([]board.Item, 0, len(source.Items)),
		Connections: make([]board.Connection, 0, len(source.Connections)),
	}
	for _, item := range source.Items {
		content.Items = append(content.Items, item)
	}
	for _, connection := range source.Connections {
		content.Connections = append(content.Connections, connection)
	}
	sort.Slice(content.Items, func(i, j int) bool { return content.Items[i].ID < content.Items[j].ID })
	sort.Slice(content.Connections, func(i, j int) bool { return content.Connections[i].ID < content.Connections[j].ID })
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeEntries(entries []board.HistoryEntry) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEntries(raw string) ([]board.HistoryEntry, error) {
	var entries []board.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func bundleMetas(records []BundleRecord) []BundleMeta {
	metas := make([]BundleMeta, 0, len(records))
	for _, record := range records {
		metas = append(metas, BundleMeta{
			FirstSerial:    board.Serial(record.FirstSerial),
			LastSerial:     board.Serial(record.LastSerial),
			SavedAtSeconds: record.SavedAtSeconds,
		})
	}
	return metas
}
