// Package contentstore implements the append-only, atomic content writes
// described in spec §4.2 (C2): one operation per content kind, each
// allocating its clock(s) from internal/clock inside a single transaction
// so a failure at any step rolls back every effect.
package contentstore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/audius-infra/creatornode/internal/clock"
	"github.com/audius-infra/creatornode/internal/models"
)

// Store writes content rows for users already known to (or newly created
// in) the database behind db.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WriteUserMeta inserts one UserMeta row under a freshly allocated clock.
// wallet seeds User.WalletPublicKey on first write (see clock.NextClock).
func (s *Store) WriteUserMeta(userUUID, wallet string, metadata models.JSONMap) (models.UserMeta, error) {
	var row models.UserMeta
	err := s.db.Transaction(func(tx *gorm.DB) error {
		c, err := clock.NextClock(tx, userUUID, wallet, models.SourceUserMeta)
		if err != nil {
			return err
		}
		row = models.UserMeta{UserUUID: userUUID, Clock: c, Metadata: metadata, CreatedAt: time.Now().UTC()}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.UserMeta{}, fmt.Errorf("contentstore: write user meta: %w", err)
	}
	return row, nil
}

// WriteTrack inserts one Track row under a freshly allocated clock. wallet
// seeds User.WalletPublicKey on first write (see clock.NextClock).
func (s *Store) WriteTrack(userUUID, wallet, trackUUID string, metadata models.JSONMap) (models.Track, error) {
	var row models.Track
	err := s.db.Transaction(func(tx *gorm.DB) error {
		c, err := clock.NextClock(tx, userUUID, wallet, models.SourceTrack)
		if err != nil {
			return err
		}
		row = models.Track{UserUUID: userUUID, Clock: c, TrackUUID: trackUUID, Metadata: metadata, CreatedAt: time.Now().UTC()}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.Track{}, fmt.Errorf("contentstore: write track: %w", err)
	}
	return row, nil
}

// FileSpec is one file to insert as part of a WriteFiles batch; Multihash
// is empty for directory rows (type=dir), which carry no blob of their
// own per spec §4.5 step 5.
type FileSpec struct {
	Multihash    string
	StoragePath  string
	Type         string
	DirMultihash *string
	FileName     *string
	TrackUUID    *string
}

// WriteFiles inserts every file in specs under consecutive clocks in
// insertion order, in one transaction — this is how an image directory
// plus its resized variants (spec §4.2 "batch writes") get atomically
// committed with clocks a downstream importer can replay deterministically.
// wallet seeds User.WalletPublicKey on first write (see clock.NextClock).
func (s *Store) WriteFiles(userUUID, wallet string, specs []FileSpec) ([]models.File, error) {
	rows := make([]models.File, 0, len(specs))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, spec := range specs {
			c, err := clock.NextClock(tx, userUUID, wallet, models.SourceFile)
			if err != nil {
				return err
			}
			row := models.File{
				UserUUID:     userUUID,
				Clock:        c,
				Multihash:    spec.Multihash,
				StoragePath:  spec.StoragePath,
				Type:         spec.Type,
				DirMultihash: spec.DirMultihash,
				FileName:     spec.FileName,
				TrackUUID:    spec.TrackUUID,
				CreatedAt:    time.Now().UTC(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: write files: %w", err)
	}
	return rows, nil
}

// BumpLatestBlock advances a user's latestBlockNumber, enforcing spec
// invariant 4 (monotonically non-decreasing). It does not allocate a
// clock — the ledger's external block number is independent of the
// content clock.
func (s *Store) BumpLatestBlock(userUUID string, blockNumber int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Where("user_uuid = ?", userUUID).First(&user).Error
		if err != nil {
			return fmt.Errorf("contentstore: load user for block bump: %w", err)
		}
		if blockNumber <= user.LatestBlockNumber {
			return nil
		}
		return tx.Model(&user).Update("latest_block_number", blockNumber).Error
	})
}
