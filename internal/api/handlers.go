// Package api wires the HTTP surface described in spec §6 onto a Gin
// engine, translating gin.Context in/out and deferring every actual
// decision to the internal/* packages that implement it.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/audius-infra/creatornode/internal/contentstore"
	"github.com/audius-infra/creatornode/internal/export"
	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/internal/readpath"
	"github.com/audius-infra/creatornode/internal/synclock"
	"github.com/audius-infra/creatornode/internal/synctrigger"
	"github.com/audius-infra/creatornode/internal/syncworker"
	"gorm.io/gorm"

	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

// Verifier checks the delegate signature on /file_lookup requests, per
// spec §6's "signed by a registered delegate" note. A no-op implementation
// is wired by default; production deployments supply one backed by the
// on-chain registry's public keys.
type Verifier interface {
	Verify(signature, payload string) (delegateAddress string, err error)
}

// NoopVerifier accepts every request unverified. Recorded as an explicit
// Open Question resolution in DESIGN.md: the spec names no signature
// scheme, so this package ships a pass-through and leaves wiring a real
// verifier to the deployer.
type NoopVerifier struct{}

func (NoopVerifier) Verify(signature, payload string) (string, error) { return "", nil }

// Handler holds every collaborator the HTTP surface calls into.
type Handler struct {
	DB       *gorm.DB
	Store    *contentstore.Store
	Locks    *synclock.Lock
	Worker   *syncworker.Worker
	Trigger  *synctrigger.Trigger
	ReadPath *readpath.ReadPath
	Verifier Verifier
	Log      zerolog.Logger
}

// NewHandler constructs a Handler, defaulting Verifier to NoopVerifier
// when none is supplied.
func NewHandler(db *gorm.DB, store *contentstore.Store, locks *synclock.Lock, worker *syncworker.Worker, trigger *synctrigger.Trigger, rp *readpath.ReadPath, verifier Verifier, log zerolog.Logger) *Handler {
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	return &Handler{DB: db, Store: store, Locks: locks, Worker: worker, Trigger: trigger, ReadPath: rp, Verifier: verifier, Log: log}
}

// Register mounts every route from spec §6 onto r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/export", h.Export)
	r.POST("/sync", h.Sync)
	r.GET("/sync_status/:wallet", h.SyncStatus)
	r.GET("/users/clock_status/:wallet", h.ClockStatus)
	r.GET("/ipfs/:cid", h.ServeCID)
	r.GET("/ipfs/:cid/:filename", h.ServeCIDFile)
	r.GET("/file_lookup", h.FileLookup)

	r.POST("/audius_users/metadata", h.UploadUserMetadata)
	r.POST("/audius_users", h.UploadUser)
	r.POST("/tracks/metadata", h.UploadTrackMetadata)
	r.POST("/tracks", h.UploadTrack)
	r.POST("/image_upload", h.UploadImage)
	r.POST("/track_content", h.UploadTrackContent)
}

func respondErr(c *gin.Context, err error) {
	status, kind := cnerrors.Status(err)
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// Export handles GET /export.
func (h *Handler) Export(c *gin.Context) {
	wallets := c.QueryArray("wallet_public_key")
	if len(wallets) == 0 {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "wallet_public_key is required"))
		return
	}
	clockRangeMin := queryInt64(c, "clock_range_min", 0)

	var clockRangeMax *int64
	if raw := c.Query("clock_range_max"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "invalid clock_range_max"))
			return
		}
		clockRangeMax = &v
	}

	resp, err := export.Build(h.DB, wallets, clockRangeMin, clockRangeMax, export.PeerInfo{})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Sync handles POST /sync. Body: {"wallet": "...", "creator_node_endpoint": "...", "immediate": bool}.
func (h *Handler) Sync(c *gin.Context) {
	var body struct {
		Wallet         string `json:"wallet" binding:"required"`
		SourceEndpoint string `json:"creator_node_endpoint" binding:"required"`
		Immediate      bool   `json:"immediate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "%v", err))
		return
	}

	if body.Immediate {
		report := h.Worker.Sync(c.Request.Context(), []string{body.Wallet}, body.SourceEndpoint)
		if report.Err != nil {
			respondErr(c, report.Err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": report.State.String(), "recordsWritten": report.RecordsWritten, "blobsFetched": report.BlobsFetched})
		return
	}

	h.Trigger.Enqueue(body.Wallet)
	c.JSON(http.StatusAccepted, gin.H{"enqueued": body.Wallet})
}

// SyncStatus handles GET /sync_status/:wallet.
func (h *Handler) SyncStatus(c *gin.Context) {
	wallet := c.Param("wallet")
	held, err := h.Locks.Held(c.Request.Context(), wallet)
	if err != nil {
		respondErr(c, err)
		return
	}
	if held {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrLocked, "sync in progress for wallet %s", wallet))
		return
	}
	resp := gin.H{"wallet": wallet, "syncInProgress": false}
	var user models.User
	err = h.DB.Where("wallet_public_key = ?", wallet).First(&user).Error
	switch {
	case err == nil:
		resp["latestBlockNumber"] = user.LatestBlockNumber
		resp["clockValue"] = user.Clock
	case err != gorm.ErrRecordNotFound:
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ClockStatus handles GET /users/clock_status/:wallet.
func (h *Handler) ClockStatus(c *gin.Context) {
	wallet := c.Param("wallet")
	var user models.User
	err := h.DB.Where("wallet_public_key = ?", wallet).First(&user).Error
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"wallet": wallet, "clockValue": user.Clock})
	case err == gorm.ErrRecordNotFound:
		respondErr(c, cnerrors.Wrap(cnerrors.ErrNotFound, "no user for wallet %s", wallet))
	default:
		respondErr(c, err)
	}
}

// ServeCID handles GET /ipfs/:cid.
func (h *Handler) ServeCID(c *gin.Context) {
	if err := h.ReadPath.ServeCID(c.Writer, c.Request, c.Param("cid"), nil); err != nil {
		respondErr(c, err)
	}
}

// ServeCIDFile handles GET /ipfs/:cid/:filename.
func (h *Handler) ServeCIDFile(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.ReadPath.ServeCID(c.Writer, c.Request, c.Param("cid"), &filename); err != nil {
		respondErr(c, err)
	}
}

// FileLookup handles GET /file_lookup, gated on h.Verifier per spec §6.
func (h *Handler) FileLookup(c *gin.Context) {
	signature := c.Query("signature")
	cidStr := c.Query("cid")
	if cidStr == "" {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "cid is required"))
		return
	}
	if _, err := h.Verifier.Verify(signature, cidStr); err != nil {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrForbidden, "signature verification failed: %v", err))
		return
	}

	var file models.File
	err := h.DB.Where("multihash = ?", cidStr).First(&file).Error
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cid": cidStr, "found": true, "storagePath": file.StoragePath})
	case err == gorm.ErrRecordNotFound:
		c.JSON(http.StatusOK, gin.H{"cid": cidStr, "found": false})
	default:
		respondErr(c, err)
	}
}

// uploadIdentity holds the identifying fields every upload endpoint
// needs out of the JSON body: user_id maps to our UserUUID, wallet to our
// WalletPublicKey.
type uploadIdentity struct {
	UserUUID string `json:"user_id" binding:"required"`
	Wallet   string `json:"wallet" binding:"required"`
}

func (h *Handler) enqueueFollowupSync(wallet string) {
	if h.Trigger != nil {
		h.Trigger.Enqueue(wallet)
	}
}

// UploadUserMetadata handles POST /audius_users/metadata.
func (h *Handler) UploadUserMetadata(c *gin.Context) {
	var body struct {
		uploadIdentity
		Metadata models.JSONMap `json:"metadata" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "%v", err))
		return
	}
	meta, err := h.Store.WriteUserMeta(body.UserUUID, body.Wallet, body.Metadata)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.enqueueFollowupSync(body.Wallet)
	c.JSON(http.StatusOK, gin.H{"clock": meta.Clock})
}

// UploadUser handles POST /audius_users, an alias over the same write path
// used once a track's owning user is confirmed on-chain.
func (h *Handler) UploadUser(c *gin.Context) {
	h.UploadUserMetadata(c)
}

// UploadTrackMetadata handles POST /tracks/metadata.
func (h *Handler) UploadTrackMetadata(c *gin.Context) {
	var body struct {
		uploadIdentity
		TrackUUID string         `json:"track_id" binding:"required"`
		Metadata  models.JSONMap `json:"metadata" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "%v", err))
		return
	}
	track, err := h.Store.WriteTrack(body.UserUUID, body.Wallet, body.TrackUUID, body.Metadata)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.enqueueFollowupSync(body.Wallet)
	c.JSON(http.StatusOK, gin.H{"clock": track.Clock})
}

// UploadTrack handles POST /tracks, confirming a previously-uploaded
// track's metadata is now attached to an on-chain entity.
func (h *Handler) UploadTrack(c *gin.Context) {
	h.UploadTrackMetadata(c)
}

// UploadImage handles POST /image_upload: a standalone or directory-entry
// image file reference.
func (h *Handler) UploadImage(c *gin.Context) {
	h.uploadFile(c, models.FileTypeImage)
}

// UploadTrackContent handles POST /track_content: the audio blob for a
// track, linked by TrackUUID.
func (h *Handler) UploadTrackContent(c *gin.Context) {
	h.uploadFile(c, models.FileTypeAudio)
}

func (h *Handler) uploadFile(c *gin.Context, fileType string) {
	var body struct {
		uploadIdentity
		Multihash    string  `json:"multihash" binding:"required"`
		StoragePath  string  `json:"storage_path" binding:"required"`
		DirMultihash *string `json:"dir_multihash"`
		FileName     *string `json:"file_name"`
		TrackUUID    *string `json:"track_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, cnerrors.Wrap(cnerrors.ErrBadRequest, "%v", err))
		return
	}
	files, err := h.Store.WriteFiles(body.UserUUID, body.Wallet, []contentstore.FileSpec{{
		Multihash:    body.Multihash,
		StoragePath:  body.StoragePath,
		Type:         fileType,
		DirMultihash: body.DirMultihash,
		FileName:     body.FileName,
		TrackUUID:    body.TrackUUID,
	}})
	if err != nil {
		respondErr(c, err)
		return
	}
	h.enqueueFollowupSync(body.Wallet)
	c.JSON(http.StatusOK, gin.H{"clock": files[0].Clock, "multihash": files[0].Multihash})
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
