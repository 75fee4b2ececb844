package history

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrBoardNotFound indicates that no board row exists for the requested id.
	ErrBoardNotFound = errors.New("history: board not found")
	// ErrBoardExists indicates that a board with the same id was already created.
	ErrBoardExists = errors.New("history: board already exists")
	// ErrHistoryInconsistent indicates that stored bundles do not tile the serial space.
	ErrHistoryInconsistent = errors.New("history: bundle continuity violated")
	// ErrRowCountMismatch indicates that a compaction delete touched an unexpected number of rows.
	ErrRowCountMismatch = errors.New("history: row count mismatch")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code together with the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew       = "history.store.new"
	opCreateBoard    = "history.create_board"
	opLoadBoard      = "history.load_board"
	opSaveFlush      = "history.save_flush"
	opStreamHistory  = "history.stream_history"
	opListBundles    = "history.list_bundles"
	opQuickCompact   = "history.compact_quick"
	opFullCompact    = "history.compact_full"
	opRebuildHistory = "history.rebuild"
	opCompactAll     = "history.compact_all"

	reasonMissingDatabase   = "missing_database"
	reasonQueryFailed       = "query_failed"
	reasonInsertFailed      = "insert_failed"
	reasonBoardMissing      = "board_missing"
	reasonBoardDuplicate    = "board_duplicate"
	reasonEncodeFailed      = "encode_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonBundleInsert      = "bundle_insert_failed"
	reasonCrdtInsert        = "crdt_insert_failed"
	reasonCrdtMerge         = "crdt_merge_failed"
	reasonBoardUpdate       = "board_update_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonRowCountMismatch  = "row_count_mismatch"
	reasonInconsistent      = "history_inconsistent"
	reasonReplayFailed      = "replay_failed"
	reasonCallbackFailed    = "callback_failed"
	reasonRebuildDisabled   = "rebuild_disabled"
	reasonCompactionAborted = "compaction_aborted"

	fieldBoardID     = "board_id"
	fieldFirstSerial = "first_serial"
	fieldLastSerial  = "last_serial"
)

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("history store error", attrs...)
}
