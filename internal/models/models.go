// Package models defines the relational schema described in spec §3: one
// user row per (node, wallet), an append-only clock log, and the three
// content tables that each carry a (UserUUID, Clock) pair matching exactly
// one ClockRecord.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Source kinds a ClockRecord can carry. Append-only: never updated.
const (
	SourceUserMeta = "UserMeta"
	SourceTrack    = "Track"
	SourceFile     = "File"
)

// File row types.
const (
	FileTypeMetadata = "metadata"
	FileTypeImage    = "image"
	FileTypeAudio    = "audio"
	FileTypeDir      = "dir"
)

// JSONMap is a free-form payload column backed by JSON, used for the
// loosely-typed user/track metadata bodies the upload endpoints accept.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	return string(b), err
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("models: JSONMap.Scan: unsupported type %T", src)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// User is the per-node record of a wallet's replication state. It is
// created on first write and never deleted through the normal write path.
type User struct {
	UserUUID          string `gorm:"column:user_uuid;primaryKey"`
	WalletPublicKey   string `gorm:"column:wallet_public_key;index"`
	LatestBlockNumber int64  `gorm:"column:latest_block_number"`
	Clock             int64  `gorm:"column:clock"`
	CreatedAt         time.Time
}

func (User) TableName() string { return "users" }

// ClockRecord reserves one clock value for one content row. Append-only:
// rows are never updated or deleted by the replication engine itself.
type ClockRecord struct {
	UserUUID   string `gorm:"column:user_uuid;primaryKey"`
	Clock      int64  `gorm:"column:clock;primaryKey"`
	SourceKind string `gorm:"column:source_kind"`
	CreatedAt  time.Time
}

func (ClockRecord) TableName() string { return "clock_records" }

// UserMeta carries arbitrary profile metadata for one wallet at one clock.
type UserMeta struct {
	UserUUID  string `gorm:"column:user_uuid;primaryKey"`
	Clock     int64  `gorm:"column:clock;primaryKey"`
	Metadata  JSONMap
	CreatedAt time.Time
}

func (UserMeta) TableName() string { return "user_metas" }

// Track carries track metadata at one clock. Track content files reference
// the track by TrackUUID rather than by a foreign key into this table's
// (UserUUID, Clock), since a track's audio/art can be replaced at a later
// clock without rewriting the track row.
type Track struct {
	UserUUID  string `gorm:"column:user_uuid;primaryKey"`
	Clock     int64  `gorm:"column:clock;primaryKey"`
	TrackUUID string `gorm:"column:track_uuid;uniqueIndex"`
	Metadata  JSONMap
	CreatedAt time.Time
}

func (Track) TableName() string { return "tracks" }

// File is a content-addressed blob reference: a standalone file (type
// metadata/image/audio) or a directory entry (type image with DirMultihash
// and FileName set; type dir has no blob of its own).
type File struct {
	UserUUID     string `gorm:"column:user_uuid;primaryKey"`
	Clock        int64  `gorm:"column:clock;primaryKey"`
	Multihash    string `gorm:"column:multihash;index"`
	StoragePath  string `gorm:"column:storage_path"`
	Type         string `gorm:"column:type"`
	DirMultihash *string `gorm:"column:dir_multihash;index"`
	FileName     *string `gorm:"column:file_name"`
	TrackUUID    *string `gorm:"column:track_uuid;index"`
	CreatedAt    time.Time
}

func (File) TableName() string { return "files" }

// AllTables lists every model for AutoMigrate in deterministic order:
// Users first (referenced conceptually by everything else), then
// ClockRecords, then the three content tables.
func AllTables() []any {
	return []any{&User{}, &ClockRecord{}, &UserMeta{}, &Track{}, &File{}}
}
