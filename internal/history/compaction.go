package history

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// CompactionMode names the path a compaction pass took.
type CompactionMode string

const (
	CompactionNone    CompactionMode = "none"
	CompactionQuick   CompactionMode = "quick"
	CompactionFull    CompactionMode = "full"
	CompactionRebuild CompactionMode = "rebuild"
)

// CompactionResult reports what a compaction pass changed.
type CompactionResult struct {
	Mode CompactionMode
	// Compacted counts replaced bundle groups; zero means the layout was already minimal.
	Compacted int
	// DroppedBundles counts bundles discarded by a snapshot rebuild.
	DroppedBundles int
}

// Compact merges bundles saved within the same hour. When stored history fails continuity checks it
// falls back to full compaction, which may rebuild history from the board snapshot.
func (s *Store) Compact(ctx context.Context, boardID board.BoardID) (CompactionResult, error) {
	if err := s.compactCrdt(ctx, boardID); err != nil {
		return CompactionResult{}, err
	}

	bundles, err := s.ListBundles(ctx, boardID)
	if err != nil {
		return CompactionResult{}, err
	}
	if err := VerifyContinuity(bundles); err != nil {
		s.loggerOrDefault().Warn("bundle metadata inconsistent, running full compaction",
			zap.String(fieldBoardID, boardID.String()), zap.Error(err))
		return s.CompactFull(ctx, boardID)
	}

	result, err := s.compactQuick(ctx, boardID, bundles)
	if errors.Is(err, ErrHistoryInconsistent) {
		s.loggerOrDefault().Warn("bundle payloads inconsistent, running full compaction",
			zap.String(fieldBoardID, boardID.String()), zap.Error(err))
		return s.CompactFull(ctx, boardID)
	}
	if err != nil {
		return CompactionResult{}, err
	}
	metrics.RecordCompactions(string(result.Mode), result.Compacted)
	return result, nil
}

func (s *Store) compactQuick(ctx context.Context, boardID board.BoardID, bundles []BundleMeta) (CompactionResult, error) {
	result := CompactionResult{Mode: CompactionNone}
	groups := groupByHour(bundles)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		compacted := 0
		for _, group := range groups {
			if len(group) < 2 {
				continue
			}
			first := group[0].FirstSerial
			last := group[len(group)-1].LastSerial

			var records []BundleRecord
			if err := tx.Where("board_id = ? AND first_serial >= ? AND first_serial <= ?",
				boardID.String(), first.Int64(), group[len(group)-1].FirstSerial.Int64()).
				Order(orderFirstSerialAsc).
				Find(&records).Error; err != nil {
				s.logError(opQuickCompact, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
				return newServiceError(opQuickCompact, reasonQueryFailed, err)
			}
			if len(records) != len(group) {
				return newServiceError(opQuickCompact, reasonRowCountMismatch, ErrRowCountMismatch)
			}

			var entries []board.HistoryEntry
			lastSerials := make([]int64, 0, len(records))
			for _, record := range records {
				decoded, err := decodeEntries(record.EventsJSON)
				if err != nil {
					return newServiceError(opQuickCompact, reasonInconsistent, errors.Join(ErrHistoryInconsistent, err))
				}
				entries = append(entries, decoded...)
				lastSerials = append(lastSerials, record.LastSerial)
			}
			if err := verifyEntries(entries, first, last); err != nil {
				return newServiceError(opQuickCompact, reasonInconsistent, err)
			}

			deleted := tx.Where("board_id = ? AND last_serial IN ?", boardID.String(), lastSerials).Delete(&BundleRecord{})
			if deleted.Error != nil {
				s.logError(opQuickCompact, reasonDeleteFailed, deleted.Error, zap.String(fieldBoardID, boardID.String()))
				return newServiceError(opQuickCompact, reasonDeleteFailed, deleted.Error)
			}
			if deleted.RowsAffected != int64(len(records)) {
				s.logError(opQuickCompact, reasonRowCountMismatch, ErrRowCountMismatch,
					zap.String(fieldBoardID, boardID.String()),
					zap.Int64("deleted", deleted.RowsAffected),
					zap.Int("expected", len(records)))
				return newServiceError(opQuickCompact, reasonRowCountMismatch, ErrRowCountMismatch)
			}

			payload, err := encodeEntries(entries)
			if err != nil {
				return newServiceError(opQuickCompact, reasonEncodeFailed, err)
			}
			if err := tx.Create(&BundleRecord{
				BoardID:        boardID.String(),
				FirstSerial:    first.Int64(),
				LastSerial:     last.Int64(),
				EventsJSON:     payload,
				SavedAtSeconds: group[len(group)-1].SavedAtSeconds,
			}).Error; err != nil {
				s.logError(opQuickCompact, reasonBundleInsert, err, zap.String(fieldBoardID, boardID.String()))
				return newServiceError(opQuickCompact, reasonBundleInsert, err)
			}
			compacted++
		}
		result.Compacted = compacted
		return nil
	})
	if err != nil {
		return CompactionResult{}, err
	}
	if result.Compacted > 0 {
		result.Mode = CompactionQuick
	}
	return result, nil
}

type partition struct {
	first   board.Serial
	last    board.Serial
	savedAt int64
	entries []board.HistoryEntry
}

// CompactFull re-partitions the whole history by the hour each entry was recorded. Inconsistent
// history is rebuilt from the board snapshot instead.
func (s *Store) CompactFull(ctx context.Context, boardID board.BoardID) (CompactionResult, error) {
	var result CompactionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []BundleRecord
		if err := tx.Where(queryBoardID, boardID.String()).Order(orderFirstSerialAsc).Find(&records).Error; err != nil {
			s.logError(opFullCompact, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opFullCompact, reasonQueryFailed, err)
		}

		entries, consistencyErr := consistentEntries(records)
		if consistencyErr != nil {
			rebuilt, err := s.rebuild(tx, boardID, records, consistencyErr)
			result = rebuilt
			return err
		}

		partitions := partitionByHour(entries)
		if sameLayout(records, partitions) {
			result = CompactionResult{Mode: CompactionNone}
			return nil
		}
		deleted := tx.Where(queryBoardID, boardID.String()).Delete(&BundleRecord{})
		if deleted.Error != nil {
			s.logError(opFullCompact, reasonDeleteFailed, deleted.Error, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opFullCompact, reasonDeleteFailed, deleted.Error)
		}
		if deleted.RowsAffected != int64(len(records)) {
			s.logError(opFullCompact, reasonRowCountMismatch, ErrRowCountMismatch, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opFullCompact, reasonRowCountMismatch, ErrRowCountMismatch)
		}
		for _, part := range partitions {
			payload, err := encodeEntries(part.entries)
			if err != nil {
				return newServiceError(opFullCompact, reasonEncodeFailed, err)
			}
			if err := tx.Create(&BundleRecord{
				BoardID:        boardID.String(),
				FirstSerial:    part.first.Int64(),
				LastSerial:     part.last.Int64(),
				EventsJSON:     payload,
				SavedAtSeconds: part.savedAt,
			}).Error; err != nil {
				s.logError(opFullCompact, reasonBundleInsert, err, zap.String(fieldBoardID, boardID.String()))
				return newServiceError(opFullCompact, reasonBundleInsert, err)
			}
		}
		result = CompactionResult{Mode: CompactionFull, Compacted: len(records)}
		return nil
	})
	if err != nil {
		return CompactionResult{}, err
	}
	metrics.RecordCompactions(string(result.Mode), result.Compacted)
	return result, nil
}

func consistentEntries(records []BundleRecord) ([]board.HistoryEntry, error) {
	if err := VerifyContinuity(bundleMetas(records)); err != nil {
		return nil, err
	}
	var entries []board.HistoryEntry
	for _, record := range records {
		decoded, err := decodeEntries(record.EventsJSON)
		if err != nil {
			return nil, errors.Join(ErrHistoryInconsistent, err)
		}
		if err := verifyEntries(decoded, board.Serial(record.FirstSerial), board.Serial(record.LastSerial)); err != nil {
			return nil, err
		}
		entries = append(entries, decoded...)
	}
	return entries, nil
}

// partitionByHour groups consecutive entries recorded within the same hour.
func partitionByHour(entries []board.HistoryEntry) []partition {
	var partitions []partition
	previousLast := board.Serial(0)
	for _, entry := range entries {
		bucket := hourBucket(entry.Timestamp / 1000)
		current := len(partitions) - 1
		if current >= 0 && hourBucket(partitions[current].savedAt) == bucket {
			partitions[current].entries = append(partitions[current].entries, entry)
			partitions[current].last = entry.Serial
			partitions[current].savedAt = entry.Timestamp / 1000
		} else {
			partitions = append(partitions, partition{
				first:   previousLast + 1,
				last:    entry.Serial,
				savedAt: entry.Timestamp / 1000,
				entries: []board.HistoryEntry{entry},
			})
		}
		previousLast = entry.Serial
	}
	return partitions
}

func sameLayout(records []BundleRecord, partitions []partition) bool {
	if len(records) != len(partitions) {
		return false
	}
	for index, record := range records {
		if record.FirstSerial != partitions[index].first.Int64() || record.LastSerial != partitions[index].last.Int64() {
			return false
		}
	}
	return true
}

// rebuild replaces the board's history with a single item.bootstrap entry derived from the stored
// snapshot plus every recoverable entry beyond it. Granular history is lost.
func (s *Store) rebuild(tx *gorm.DB, boardID board.BoardID, records []BundleRecord, cause error) (CompactionResult, error) {
	if s.disableRebuild {
		s.logError(opRebuildHistory, reasonRebuildDisabled, cause, zap.String(fieldBoardID, boardID.String()))
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonRebuildDisabled, cause)
	}

	var record BoardRecord
	snapshotFound := true
	err := tx.Where(queryBoardID, boardID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snapshotFound = false
	} else if err != nil {
		s.logError(opRebuildHistory, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonQueryFailed, err)
	}

	current := board.NewBoard(boardID, "", 0, 0)
	if snapshotFound {
		current, err = recordToBoard(record)
		if err != nil {
			s.logError(opRebuildHistory, reasonDecodeFailed, err, zap.String(fieldBoardID, boardID.String()))
			return CompactionResult{}, newServiceError(opRebuildHistory, reasonDecodeFailed, err)
		}
	}

	current = s.replay(current, recoverableEntries(records, current.Serial))

	deleted := tx.Where(queryBoardID, boardID.String()).Delete(&BundleRecord{})
	if deleted.Error != nil {
		s.logError(opRebuildHistory, reasonDeleteFailed, deleted.Error, zap.String(fieldBoardID, boardID.String()))
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonDeleteFailed, deleted.Error)
	}
	if deleted.RowsAffected != int64(len(records)) {
		s.logError(opRebuildHistory, reasonRowCountMismatch, ErrRowCountMismatch, zap.String(fieldBoardID, boardID.String()))
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonRowCountMismatch, ErrRowCountMismatch)
	}

	now := s.clock().UTC()
	if current.Serial > 0 {
		root := bootstrapEntry(current, now.UnixMilli())
		payload, err := encodeEntries([]board.HistoryEntry{root})
		if err != nil {
			return CompactionResult{}, newServiceError(opRebuildHistory, reasonEncodeFailed, err)
		}
		if err := tx.Create(&BundleRecord{
			BoardID:        boardID.String(),
			FirstSerial:    1,
			LastSerial:     current.Serial.Int64(),
			EventsJSON:     payload,
			SavedAtSeconds: now.Unix(),
		}).Error; err != nil {
			s.logError(opRebuildHistory, reasonBundleInsert, err, zap.String(fieldBoardID, boardID.String()))
			return CompactionResult{}, newServiceError(opRebuildHistory, reasonBundleInsert, err)
		}
	}

	snapshot, err := s.boardRecord(current)
	if err != nil {
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonEncodeFailed, err)
	}
	if snapshotFound {
		err = tx.Model(&BoardRecord{}).Where(queryBoardID, boardID.String()).Updates(map[string]any{
			"serial":       snapshot.Serial,
			"content_json": snapshot.ContentJSON,
			"updated_at_s": snapshot.UpdatedAtSeconds,
		}).Error
	} else {
		snapshot.CreatedAtSeconds = snapshot.UpdatedAtSeconds
		err = tx.Create(&snapshot).Error
	}
	if err != nil {
		s.logError(opRebuildHistory, reasonBoardUpdate, err, zap.String(fieldBoardID, boardID.String()))
		return CompactionResult{}, newServiceError(opRebuildHistory, reasonBoardUpdate, err)
	}

	s.loggerOrDefault().Error("board history rebuilt from snapshot",
		zap.String(fieldBoardID, boardID.String()),
		zap.Int("dropped_bundles", len(records)),
		zap.Int64("snapshot_serial", record.Serial),
		zap.Int64("final_serial", current.Serial.Int64()),
		zap.NamedError("cause", cause))
	return CompactionResult{Mode: CompactionRebuild, Compacted: len(records), DroppedBundles: len(records)}, nil
}

// recoverableEntries collects decodable entries beyond afterSerial, ordered by serial, without repeats.
func recoverableEntries(records []BundleRecord, afterSerial board.Serial) []board.HistoryEntry {
	bySerial := make(map[board.Serial]board.HistoryEntry)
	for _, record := range records {
		decoded, err := decodeEntries(record.EventsJSON)
		if err != nil {
			continue
		}
		for _, entry := range decoded {
			if entry.Serial <= afterSerial {
				continue
			}
			if _, seen := bySerial[entry.Serial]; !seen {
				bySerial[entry.Serial] = entry
			}
		}
	}
	entries := make([]board.HistoryEntry, 0, len(bySerial))
	for _, entry := range bySerial {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Serial < entries[j].Serial })
	return entries
}

func bootstrapEntry(current board.Board, timestampMillis int64) board.HistoryEntry {
	event := board.Event{Action: board.ActionItemBootstrap, BoardID: current.ID}
	for _, item := range current.Items {
		event.Items = append(event.Items, item)
	}
	for _, connection := range current.Connections {
		event.Connections = append(event.Connections, connection)
	}
	sort.Slice(event.Items, func(i, j int) bool { return event.Items[i].ID < event.Items[j].ID })
	sort.Slice(event.Connections, func(i, j int) bool { return event.Connections[i].ID < event.Connections[j].ID })
	return board.HistoryEntry{
		Event:     event,
		User:      board.SystemUser,
		Timestamp: timestampMillis,
		Serial:    current.Serial,
	}
}

// compactCrdt folds a board's stored CRDT deltas into a single row.
func (s *Store) compactCrdt(ctx context.Context, boardID board.BoardID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var updates []CrdtUpdateRecord
		if err := tx.Where(queryBoardID, boardID.String()).Order(orderUpdateIDAsc).Find(&updates).Error; err != nil {
			s.logError(opQuickCompact, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opQuickCompact, reasonQueryFailed, err)
		}
		if len(updates) < 2 {
			return nil
		}
		payloads := make([][]byte, 0, len(updates))
		ids := make([]int64, 0, len(updates))
		for _, update := range updates {
			payloads = append(payloads, update.Payload)
			ids = append(ids, update.UpdateID)
		}
		merged, err := crdt.Compact(payloads)
		if err != nil {
			s.logError(opQuickCompact, reasonCrdtMerge, err, zap.String(fieldBoardID, boardID.String()))
			return newServiceError(opQuickCompact, reasonCrdtMerge, err)
		}
		deleted := tx.Where("update_id IN ?", ids).Delete(&CrdtUpdateRecord{})
		if deleted.Error != nil {
			return newServiceError(opQuickCompact, reasonDeleteFailed, deleted.Error)
		}
		if deleted.RowsAffected != int64(len(ids)) {
			return newServiceError(opQuickCompact, reasonRowCountMismatch, ErrRowCountMismatch)
		}
		return tx.Create(&CrdtUpdateRecord{
			BoardID:        boardID.String(),
			Payload:        merged,
			UpdateHash:     crdt.Hash(merged),
			SavedAtSeconds: updates[len(updates)-1].SavedAtSeconds,
		}).Error
	})
}

// CompactAll compacts every board with stored history, at most concurrency boards at a time.
// Per-board failures are logged and do not stop the sweep. It returns the total compactions.
func (s *Store) CompactAll(ctx context.Context, concurrency int, full bool) (int, error) {
	boardIDs, err := s.BoardIDs(ctx)
	if err != nil {
		return 0, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var total atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, boardID := range boardIDs {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			compact := s.Compact
			if full {
				compact = s.CompactFull
			}
			result, err := compact(groupCtx, boardID)
			if err != nil {
				s.logError(opCompactAll, reasonCompactionAborted, err, zap.String(fieldBoardID, boardID.String()))
				return nil
			}
			total.Add(int64(result.Compacted))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return int(total.Load()), err
	}
	s.loggerOrDefault().Info("compaction sweep finished",
		zap.Int("boards", len(boardIDs)),
		zap.Bool("full", full),
		zap.Int64("compacted", total.Load()))
	return int(total.Load()), nil
}
