package history

// BoardRecord stores the latest durable board snapshot.
type BoardRecord struct {
	BoardID          string  `gorm:"column:board_id;primaryKey;size:190;not null"`
	Name             string  `gorm:"column:name;size:256;not null"`
	Width            float64 `gorm:"column:width;not null;default:0"`
	Height           float64 `gorm:"column:height;not null;default:0"`
	Serial           int64   `gorm:"column:serial;not null;default:0"`
	ContentJSON      string  `gorm:"column:content_json;type:text;not null"`
	AccessPolicyJSON string  `gorm:"column:access_policy_json;type:text"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoardRecord) TableName() string {
	return "boards"
}

// BundleRecord stores a contiguous serial range of history entries.
type BundleRecord struct {
	BoardID        string `gorm:"column:board_id;primaryKey;size:190;not null"`
	FirstSerial    int64  `gorm:"column:first_serial;primaryKey;autoIncrement:false"`
	LastSerial     int64  `gorm:"column:last_serial;not null;index:idx_bundles_board_last"`
	EventsJSON     string `gorm:"column:events_json;type:text;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BundleRecord) TableName() string {
	return "board_event_bundles"
}

// CrdtUpdateRecord stores an opaque CRDT delta, deduplicated per board by content hash.
type CrdtUpdateRecord struct {
	UpdateID       int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	BoardID        string `gorm:"column:board_id;size:190;not null;index:idx_crdt_board;uniqueIndex:idx_board_crdt_dedupe,priority:1"`
	Payload        []byte `gorm:"column:payload;not null"`
	UpdateHash     string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_board_crdt_dedupe,priority:2"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtUpdateRecord) TableName() string {
	return "board_crdt_updates"
}

// Models lists every table owned by the history store, for migrations.
func Models() []any {
	return []any{&BoardRecord{}, &BundleRecord{}, &CrdtUpdateRecord{}}
}
