// Package syncworker implements the import/sync operation described in
// spec §4.5 (C5): pull a bounded export window from a source node, validate
// it, fetch the blobs it references, and commit everything locally in one
// transaction — the single largest piece of the replication engine.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/internal/readpath"
	"github.com/audius-infra/creatornode/internal/synclock"
	"github.com/audius-infra/creatornode/pkg/cnclient"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

// SyncState tracks where one Sync call is in the pipeline, surfaced on
// Report (returned by POST /sync in immediate mode) and logged at every
// transition.
type SyncState int

const (
	StateIdle SyncState = iota
	StateLockHeld
	StateFetching
	StateDownloading
	StateCommitting
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLockHeld:
		return "LockHeld"
	case StateFetching:
		return "Fetching"
	case StateDownloading:
		return "Downloading"
	case StateCommitting:
		return "Committing"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Report summarizes the outcome of one Sync call.
type Report struct {
	Wallets        []string
	State          SyncState
	RecordsWritten int
	BlobsFetched   int
	Err            error
}

const (
	defaultLockTTL   = 10 * time.Minute
	defaultBatchSize = 10
)

// Worker runs sync operations against one local database, using a
// bounded-concurrency blob fetcher for step 5's downloads.
type Worker struct {
	DB          *gorm.DB
	Locks       *synclock.Lock
	Fetcher     readpath.PeerFetcher
	PersistBlob func(file models.File, body io.Reader) error
	LockTTL     time.Duration
	BatchSize   int
	Log         zerolog.Logger
}

// New constructs a Worker with the given collaborators. PersistBlob
// defaults to writing each fetched blob to file.StoragePath on disk;
// tests override it to assert fetch behavior without touching a
// filesystem.
func New(db *gorm.DB, locks *synclock.Lock, fetcher readpath.PeerFetcher, log zerolog.Logger) *Worker {
	return &Worker{
		DB:          db,
		Locks:       locks,
		Fetcher:     fetcher,
		PersistBlob: writeBlobToDisk,
		LockTTL:     defaultLockTTL,
		BatchSize:   defaultBatchSize,
		Log:         log.With().Str("component", "syncworker").Logger(),
	}
}

// Sync runs spec §4.5 steps 1-7 for wallets against sourceEndpoint.
func (w *Worker) Sync(ctx context.Context, wallets []string, sourceEndpoint string) Report {
	report := Report{Wallets: wallets, State: StateLockHeld}
	w.transition(report.State, wallets)

	tokens, err := w.acquireAll(ctx, wallets)
	if err != nil {
		report.State, report.Err = StateFailed, err
		w.transition(report.State, wallets)
		return report
	}
	defer w.releaseAll(wallets, tokens)

	localMaxByWallet, err := w.readLocalMax(wallets)
	if err != nil {
		report.State, report.Err = StateFailed, err
		w.transition(report.State, wallets)
		return report
	}

	report.State = StateFetching
	w.transition(report.State, wallets)
	client := cnclient.New(sourceEndpoint, 30*time.Second)
	overallMin := minClock(localMaxByWallet) + 1
	resp, err := client.Export(ctx, wallets, overallMin, 0)
	if err != nil {
		report.State, report.Err = StateFailed, cnerrors.Wrap(cnerrors.ErrUpstream, "export pull from %s: %v", sourceEndpoint, err)
		w.transition(report.State, wallets)
		return report
	}

	decoded, err := decodeAndValidate(resp, localMaxByWallet)
	if err != nil {
		report.State, report.Err = StateFailed, err
		w.transition(report.State, wallets)
		return report
	}

	report.State = StateDownloading
	w.transition(report.State, wallets)
	if err := w.fetchBlobs(ctx, sourceEndpoint, decoded); err != nil {
		report.State, report.Err = StateFailed, err
		w.transition(report.State, wallets)
		return report
	}
	for _, u := range decoded {
		for _, f := range u.Files {
			if f.Type != models.FileTypeDir {
				report.BlobsFetched++
			}
		}
	}

	report.State = StateCommitting
	w.transition(report.State, wallets)
	written, err := w.commit(decoded)
	if err != nil {
		report.State, report.Err = StateFailed, err
		w.transition(report.State, wallets)
		return report
	}
	report.RecordsWritten = written

	report.State = StateIdle
	w.transition(report.State, wallets)
	return report
}

func (w *Worker) transition(state SyncState, wallets []string) {
	w.Log.Info().Str("state", state.String()).Strs("wallets", wallets).Msg("sync state transition")
}

func (w *Worker) acquireAll(ctx context.Context, wallets []string) (map[string]string, error) {
	tokens := make(map[string]string, len(wallets))
	for _, wallet := range wallets {
		token, err := w.Locks.Acquire(ctx, wallet, w.LockTTL)
		if err != nil {
			for acquired, tok := range tokens {
				_ = w.Locks.Release(ctx, acquired, tok)
			}
			if err == synclock.ErrAlreadyHeld {
				return nil, cnerrors.Wrap(cnerrors.ErrLocked, "wallet %s already syncing", wallet)
			}
			return nil, err
		}
		tokens[wallet] = token
	}
	return tokens, nil
}

func (w *Worker) releaseAll(wallets []string, tokens map[string]string) {
	ctx := context.Background()
	for _, wallet := range wallets {
		token, ok := tokens[wallet]
		if !ok {
			continue
		}
		if err := w.Locks.Release(ctx, wallet, token); err != nil {
			w.Log.Warn().Err(err).Str("wallet", wallet).Msg("failed to release sync lock")
		}
	}
}

func (w *Worker) readLocalMax(wallets []string) (map[string]int64, error) {
	out := make(map[string]int64, len(wallets))
	for _, wallet := range wallets {
		var user models.User
		err := w.DB.Where("wallet_public_key = ?", wallet).First(&user).Error
		switch {
		case err == nil:
			out[wallet] = user.Clock
		case err == gorm.ErrRecordNotFound:
			out[wallet] = 0
		default:
			return nil, err
		}
	}
	return out, nil
}

func minClock(byWallet map[string]int64) int64 {
	min := int64(-1)
	for _, c := range byWallet {
		if min == -1 || c < min {
			min = c
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// decodedUser is one wallet's validated, fully-typed import payload.
type decodedUser struct {
	Wallet       string
	User         models.User
	ClockRecords []models.ClockRecord
	UserMetas    []models.UserMeta
	Tracks       []models.Track
	Files        []models.File
}

// decodeAndValidate implements spec §4.5 step 4: structural, identity,
// progress, and contiguity validation, in that order, each with its own
// error kind per spec §7.
func decodeAndValidate(resp *cnclient.ExportResponse, localMaxByWallet map[string]int64) ([]decodedUser, error) {
	if resp == nil || resp.CNodeUsers == nil {
		return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export response missing cnodeUsers")
	}

	var out []decodedUser
	for userUUID, raw := range resp.CNodeUsers {
		var user models.User
		if err := json.Unmarshal(raw.User, &user); err != nil {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: malformed user row: %v", userUUID, err)
		}
		if user.WalletPublicKey == "" {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: missing wallet identity", userUUID)
		}
		localMax, known := localMaxByWallet[user.WalletPublicKey]
		if !known {
			return nil, cnerrors.Wrap(cnerrors.ErrForbidden, "export user %s: wallet %s was not requested", userUUID, user.WalletPublicKey)
		}

		if raw.ClockInfo.LocalClockMax < localMax {
			return nil, cnerrors.Wrap(cnerrors.ErrRegression, "wallet %s: source clock %d behind local clock %d", user.WalletPublicKey, raw.ClockInfo.LocalClockMax, localMax)
		}

		var records []models.ClockRecord
		if err := json.Unmarshal(raw.ClockRecords, &records); err != nil {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: malformed clock records: %v", userUUID, err)
		}
		if len(records) > 0 && records[0].Clock != localMax+1 {
			return nil, cnerrors.Wrap(cnerrors.ErrNonContiguous, "wallet %s: window starts at %d, expected %d", user.WalletPublicKey, records[0].Clock, localMax+1)
		}
		for i := 1; i < len(records); i++ {
			if records[i].Clock != records[i-1].Clock+1 {
				return nil, cnerrors.Wrap(cnerrors.ErrNonContiguous, "wallet %s: gap between clocks %d and %d", user.WalletPublicKey, records[i-1].Clock, records[i].Clock)
			}
		}

		var metas []models.UserMeta
		if err := json.Unmarshal(raw.UserMetas, &metas); err != nil {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: malformed user metas: %v", userUUID, err)
		}
		var tracks []models.Track
		if err := json.Unmarshal(raw.Tracks, &tracks); err != nil {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: malformed tracks: %v", userUUID, err)
		}
		var files []models.File
		if err := json.Unmarshal(raw.Files, &files); err != nil {
			return nil, cnerrors.Wrap(cnerrors.ErrBadRequest, "export user %s: malformed files: %v", userUUID, err)
		}

		out = append(out, decodedUser{
			Wallet:       user.WalletPublicKey,
			User:         user,
			ClockRecords: records,
			UserMetas:    metas,
			Tracks:       tracks,
			Files:        files,
		})
	}
	return out, nil
}

// fetchBlobs implements spec §4.5 step 5: tracks and non-track files fetch
// concurrently as two batches, each internally bounded to BatchSize
// in-flight requests via errgroup.SetLimit.
func (w *Worker) fetchBlobs(ctx context.Context, sourceEndpoint string, users []decodedUser) error {
	outer, outerCtx := errgroup.WithContext(ctx)

	outer.Go(func() error {
		return w.fetchBatch(outerCtx, sourceEndpoint, trackFiles(users))
	})
	outer.Go(func() error {
		return w.fetchBatch(outerCtx, sourceEndpoint, nonTrackFiles(users))
	})

	return outer.Wait()
}

func trackFiles(users []decodedUser) []models.File {
	var out []models.File
	for _, u := range users {
		for _, f := range u.Files {
			if f.TrackUUID != nil {
				out = append(out, f)
			}
		}
	}
	return out
}

func nonTrackFiles(users []decodedUser) []models.File {
	var out []models.File
	for _, u := range users {
		for _, f := range u.Files {
			if f.TrackUUID == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

func (w *Worker) fetchBatch(ctx context.Context, sourceEndpoint string, files []models.File) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.BatchSize)
	for _, file := range files {
		if file.Type == models.FileTypeDir {
			continue // a directory row has no blob of its own; it is only inserted
		}
		file := file
		g.Go(func() error {
			body, err := w.Fetcher.FetchBlob(gctx, sourceEndpoint, file.Multihash)
			if err != nil {
				return cnerrors.Wrap(cnerrors.ErrUpstream, "fetch blob %s: %v", file.Multihash, err)
			}
			defer body.Close()
			return w.PersistBlob(file, body)
		})
	}
	return g.Wait()
}

func writeBlobToDisk(file models.File, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(file.StoragePath), 0o755); err != nil {
		return fmt.Errorf("syncworker: create storage dir: %w", err)
	}
	f, err := os.Create(file.StoragePath)
	if err != nil {
		return fmt.Errorf("syncworker: create blob file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("syncworker: write blob %s: %w", file.Multihash, err)
	}
	return nil
}

// commit implements spec §4.5 step 6: one transaction, writing in the
// order user upsert -> clock_records -> user_metas -> tracks -> files ->
// user clock advance, so that
// foreign-key-style references (tracks.track_uuid <- files.track_uuid)
// are always satisfied by the time a dependent row lands.
func (w *Worker) commit(users []decodedUser) (int, error) {
	written := 0
	err := w.DB.Transaction(func(tx *gorm.DB) error {
		for _, u := range users {
			if len(u.ClockRecords) == 0 {
				continue
			}
			// Upsert rather than FirstOrCreate: spec §4.5 step 6 calls for
			// setting UserUUID/walletPublicKey/latestBlockNumber/createdAt
			// on every sync, not only the first one, so an incremental
			// sync still advances latestBlockNumber on an already-known
			// user. CreatedAt and Clock are deliberately left out of
			// DoUpdates so a repeat sync never rewrites a user's original
			// creation time or clobbers its clock ahead of the explicit
			// Update below.
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_uuid"}},
				DoUpdates: clause.AssignmentColumns([]string{"wallet_public_key", "latest_block_number"}),
			}).Create(&models.User{
				UserUUID:          u.User.UserUUID,
				WalletPublicKey:   u.Wallet,
				LatestBlockNumber: u.User.LatestBlockNumber,
				CreatedAt:         time.Now().UTC(),
			}).Error; err != nil {
				return fmt.Errorf("syncworker: upsert user %s: %w", u.User.UserUUID, err)
			}
			if len(u.ClockRecords) > 0 {
				if err := tx.Create(&u.ClockRecords).Error; err != nil {
					return fmt.Errorf("syncworker: write clock records: %w", err)
				}
				written += len(u.ClockRecords)
			}
			if len(u.UserMetas) > 0 {
				if err := tx.Create(&u.UserMetas).Error; err != nil {
					return fmt.Errorf("syncworker: write user metas: %w", err)
				}
			}
			if len(u.Tracks) > 0 {
				if err := tx.Create(&u.Tracks).Error; err != nil {
					return fmt.Errorf("syncworker: write tracks: %w", err)
				}
			}
			if len(u.Files) > 0 {
				if err := tx.Create(&u.Files).Error; err != nil {
					return fmt.Errorf("syncworker: write files: %w", err)
				}
			}
			if err := tx.Model(&models.User{}).Where("user_uuid = ?", u.User.UserUUID).
				Update("clock", u.ClockRecords[len(u.ClockRecords)-1].Clock).Error; err != nil {
				return fmt.Errorf("syncworker: advance user clock: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}
