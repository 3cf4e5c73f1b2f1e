// Package clock implements the per-user monotonic clock ledger (spec C1).
//
// NextClock is always called from inside a transaction the caller already
// holds open — this package never opens its own transaction, so the
// content store (internal/contentstore) can allocate several consecutive
// clocks for a batch write and commit them all atomically.
package clock

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

// NextClock atomically reads the user's current clock, reserves the next
// value with a ClockRecord row, advances User.Clock, and returns the new
// value. tx must be an open *gorm.DB transaction.
//
// wallet is only used the first time a user row is created; it seeds
// User.WalletPublicKey so every downstream lookup keyed on wallet
// (export, sync_status, clock_status, the syncworker's localMax read)
// finds the row. It is ignored once the user row already exists.
//
// The row lock (SELECT ... FOR UPDATE) makes this fast-path safe even
// without the sync lock; the (user_uuid, clock) unique index on
// clock_records is the safety net described in spec §4.1 for when the
// lock is lost or never held (e.g. a primary serving concurrent clients).
func NextClock(tx *gorm.DB, userUUID, wallet, sourceKind string) (int64, error) {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_uuid = ?", userUUID).
		First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{UserUUID: userUUID, WalletPublicKey: wallet, Clock: 0, CreatedAt: time.Now().UTC()}
		if err := tx.Create(&user).Error; err != nil {
			if isUniqueViolation(err) {
				return 0, cnerrors.Wrap(cnerrors.ErrClockConflict, "user %s created by a concurrent writer", userUUID)
			}
			return 0, fmt.Errorf("clock: create user row: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("clock: load user row: %w", err)
	}

	next := user.Clock + 1
	record := models.ClockRecord{
		UserUUID:   userUUID,
		Clock:      next,
		SourceKind: sourceKind,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return 0, cnerrors.Wrap(cnerrors.ErrClockConflict, "user %s clock %d already recorded", userUUID, next)
		}
		return 0, fmt.Errorf("clock: insert clock record: %w", err)
	}

	if err := tx.Model(&models.User{}).
		Where("user_uuid = ?", userUUID).
		Update("clock", next).Error; err != nil {
		return 0, fmt.Errorf("clock: advance user clock: %w", err)
	}

	return next, nil
}

// Current returns the user's current clock, or -1 if the user has never
// been written (per spec §4.5 step 2's "localMax, or -1 if absent").
func Current(db *gorm.DB, userUUID string) (int64, error) {
	var user models.User
	err := db.Where("user_uuid = ?", userUUID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clock: load user row: %w", err)
	}
	return user.Clock, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
