// Package export implements the bounded-range replication read described
// in spec §4.4 (C4): given a set of wallets and a clock range, return every
// record in that window for every matching user, read inside a single
// snapshot transaction.
package export

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

// MaxRange is the server-enforced maximum width of one export window
// (spec §4.4 "MAX_RANGE"). Exported as a var, not a const, so an operator
// embedding this package can tune it without a fork.
var MaxRange int64 = 2000

// ClockInfo signals whether the returned window covers the user's entire
// clock history, matching spec §4.4's "the original export code resets
// cnodeUser.clock to the window's max in-place" note: we never mutate the
// User model, we report both values explicitly instead.
type ClockInfo struct {
	RequestedClockRangeMin int64 `json:"requestedClockRangeMin"`
	RequestedClockRangeMax int64 `json:"requestedClockRangeMax"`
	LocalClockMax          int64 `json:"localClockMax"`
}

// CNodeUser is one user's export payload: the window-clamped User row plus
// every content row and ClockRecord inside [min, max].
type CNodeUser struct {
	User         models.User         `json:"user"`
	ClockRecords []models.ClockRecord `json:"clockRecords"`
	UserMetas    []models.UserMeta   `json:"userMetas"`
	Tracks       []models.Track      `json:"tracks"`
	Files        []models.File       `json:"files"`
	ClockInfo    ClockInfo           `json:"clockInfo"`
}

// Response is the full /export payload across every requested wallet that
// exists locally. Wallets with no local user row are simply absent from
// CNodeUsers — the importer treats a missing wallet as "nothing to sync
// from this source yet", not an error.
type Response struct {
	CNodeUsers map[string]CNodeUser `json:"cnodeUsers"`
	PeerInfo   PeerInfo             `json:"peerInfo"`
}

// PeerInfo carries advisory peer connection hints (spec §4.5 "Fallthrough
// policy"); bootstrapping from them is best-effort on the importer side.
type PeerInfo struct {
	Addresses []string `json:"addresses,omitempty"`
}

// Build runs the export read described in spec §4.4. clockRangeMax may be
// nil, meaning "as much as MaxRange allows".
func Build(db *gorm.DB, wallets []string, clockRangeMin int64, clockRangeMax *int64, peerInfo PeerInfo) (Response, error) {
	effectiveMax := clockRangeMin + MaxRange - 1
	if clockRangeMax != nil && *clockRangeMax < effectiveMax {
		effectiveMax = *clockRangeMax
	}
	if clockRangeMin > effectiveMax {
		return Response{}, cnerrors.Wrap(cnerrors.ErrBadRequest, "clock_range_min %d > effective max %d", clockRangeMin, effectiveMax)
	}

	resp := Response{CNodeUsers: map[string]CNodeUser{}, PeerInfo: peerInfo}

	err := db.Transaction(func(tx *gorm.DB) error {
		var users []models.User
		if err := tx.Where("wallet_public_key IN ?", wallets).Find(&users).Error; err != nil {
			return fmt.Errorf("export: load users: %w", err)
		}

		for _, user := range users {
			cnUser := CNodeUser{User: user}

			if err := tx.Where("user_uuid = ? AND clock BETWEEN ? AND ?", user.UserUUID, clockRangeMin, effectiveMax).
				Order("clock ASC").Find(&cnUser.ClockRecords).Error; err != nil {
				return fmt.Errorf("export: load clock records: %w", err)
			}
			if err := tx.Where("user_uuid = ? AND clock BETWEEN ? AND ?", user.UserUUID, clockRangeMin, effectiveMax).
				Order("clock ASC").Find(&cnUser.UserMetas).Error; err != nil {
				return fmt.Errorf("export: load user metas: %w", err)
			}
			if err := tx.Where("user_uuid = ? AND clock BETWEEN ? AND ?", user.UserUUID, clockRangeMin, effectiveMax).
				Order("clock ASC").Find(&cnUser.Tracks).Error; err != nil {
				return fmt.Errorf("export: load tracks: %w", err)
			}
			if err := tx.Where("user_uuid = ? AND clock BETWEEN ? AND ?", user.UserUUID, clockRangeMin, effectiveMax).
				Order("clock ASC").Find(&cnUser.Files).Error; err != nil {
				return fmt.Errorf("export: load files: %w", err)
			}

			trueMax := user.Clock
			windowUser := user
			if trueMax > effectiveMax {
				windowUser.Clock = effectiveMax
			}
			cnUser.User = windowUser
			cnUser.ClockInfo = ClockInfo{
				RequestedClockRangeMin: clockRangeMin,
				RequestedClockRangeMax: effectiveMax,
				LocalClockMax:          trueMax,
			}

			resp.CNodeUsers[user.UserUUID] = cnUser
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
