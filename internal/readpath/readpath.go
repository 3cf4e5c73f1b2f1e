// Package readpath implements the content-addressed read described in
// spec §4.8 (C8): serve a CID from local disk when present, falling back
// to known peers and then the wider content-addressable network before
// giving up, with on-demand rehydration so a successful fallback fetch
// makes the next local read a cache hit.
package readpath

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/audius-infra/creatornode/internal/cid"
	"github.com/audius-infra/creatornode/internal/denylist"
	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

// PeerFetcher fetches a CID's bytes from one of this user's known replica
// nodes. internal/syncworker's blob download needs the same "go get these
// bytes from a peer" capability, so it is implemented once here and
// consumed by both packages (syncworker depends on readpath, not the
// reverse, to keep the import graph acyclic).
type PeerFetcher interface {
	FetchBlob(ctx context.Context, endpoint, cidStr string) (io.ReadCloser, error)
}

// NetworkFetcher is the last-resort fallback: a content-addressable
// network lookup unscoped to any particular peer (spec §4.8 step 5).
// Production wiring may have none configured, in which case ServeCID
// simply skips this step.
type NetworkFetcher interface {
	FetchFromNetwork(ctx context.Context, cidStr string) (io.ReadCloser, error)
}

// Rehydrator persists a fallback-fetched blob to local disk so future
// reads hit the fast path. It is intentionally best-effort: a rehydration
// failure never fails the read that triggered it.
type Rehydrator interface {
	Rehydrate(userUUID, cidStr string, data io.Reader) error
}

const networkFallbackTimeout = 2 * time.Second

// ReadPath serves CIDs per spec §4.8.
type ReadPath struct {
	DB          *gorm.DB
	Deny        *denylist.List
	StorageRoot string
	Peers       PeerFetcher
	Network     NetworkFetcher
	Rehydrate   Rehydrator
	PeerEndpointsFor func(userUUID string) []string
	Log         zerolog.Logger
}

// ServeCID implements spec §4.8 steps 1-6 against an http.ResponseWriter,
// using http.ServeContent for the local-disk path so Range/If-Modified
// headers and 206/416 responses come from the standard library rather
// than a hand-rolled reimplementation.
//
// When fileName is nil this is the single-CID route (/ipfs/:cid), looked
// up by its own multihash; a type=dir row has no blob payload of its own
// and is rejected with BadRequest on that route. When fileName is set
// this is the directory-entry route (/ipfs/:dirCID/:filename), looked up
// by (dir_multihash, file_name) per spec §4.8 step 1.
func (rp *ReadPath) ServeCID(w http.ResponseWriter, r *http.Request, cidStr string, fileName *string) error {
	if !cid.Valid(cidStr) {
		return cnerrors.Wrap(cnerrors.ErrBadRequest, "invalid cid %q", cidStr)
	}
	if rp.Deny != nil && rp.Deny.IsCIDDenied(cidStr) {
		return cnerrors.Wrap(cnerrors.ErrForbidden, "cid %q is denylisted", cidStr)
	}

	var file models.File
	var err error
	if fileName != nil {
		err = rp.DB.Where("dir_multihash = ? AND file_name = ?", cidStr, *fileName).Order("created_at ASC").First(&file).Error
	} else {
		err = rp.DB.Where("multihash = ?", cidStr).Order("created_at ASC").First(&file).Error
	}
	switch {
	case err == nil:
		if fileName == nil && file.Type == models.FileTypeDir {
			return cnerrors.Wrap(cnerrors.ErrBadRequest, "cid %q is a directory, not a single file", cidStr)
		}
		return rp.serveLocal(w, r, file)
	case err != gorm.ErrRecordNotFound:
		return err
	}

	rp.Log.Info().Str("cid", cidStr).Msg("cid not found locally, falling back")
	return rp.serveFallback(w, r, cidStr, false)
}

func (rp *ReadPath) serveLocal(w http.ResponseWriter, r *http.Request, file models.File) error {
	f, err := os.Open(file.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			rp.Log.Warn().Str("storagePath", file.StoragePath).Msg("db row present but blob missing on disk, falling back")
			return rp.serveFallback(w, r, file.Multihash, true)
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := file.Multihash
	if file.FileName != nil {
		name = *file.FileName
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
	return nil
}

// serveFallback implements spec §4.8 steps 4-6: try known peers, then the
// wider network, each under a short deadline, rehydrating on success.
//
// rowFound distinguishes the two ways fallback gets reached: false means
// no File row exists anywhere for cidStr (a genuine NotFound); true means
// a row exists but its blob is missing from local disk, so exhausting
// every fallback is an upstream fetch failure (Upstream/500), not a
// "this CID doesn't exist" 404, per spec §4.8 step 5.
func (rp *ReadPath) serveFallback(w http.ResponseWriter, r *http.Request, cidStr string, rowFound bool) error {
	ctx, cancel := context.WithTimeout(r.Context(), networkFallbackTimeout)
	defer cancel()

	if rp.Peers != nil && rp.PeerEndpointsFor != nil {
		for _, endpoint := range rp.PeerEndpointsFor(cidStr) {
			body, err := rp.Peers.FetchBlob(ctx, endpoint, cidStr)
			if err != nil {
				continue
			}
			rp.streamAndRehydrate(w, cidStr, body)
			return nil
		}
	}

	if rp.Network != nil {
		body, err := rp.Network.FetchFromNetwork(ctx, cidStr)
		if err == nil {
			rp.streamAndRehydrate(w, cidStr, body)
			return nil
		}
	}

	if rowFound {
		return cnerrors.Wrap(cnerrors.ErrUpstream, "cid %q has a local record but its blob could not be fetched from any peer or the network", cidStr)
	}
	return cnerrors.Wrap(cnerrors.ErrNotFound, "cid %q not available locally, from peers, or on the network", cidStr)
}

func (rp *ReadPath) streamAndRehydrate(w http.ResponseWriter, cidStr string, body io.ReadCloser) {
	defer body.Close()

	if rp.Rehydrate == nil {
		if _, err := io.Copy(w, body); err != nil {
			rp.Log.Warn().Err(err).Str("cid", cidStr).Msg("fallback stream interrupted")
		}
		return
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rp.Rehydrate.Rehydrate("", cidStr, pr); err != nil {
			rp.Log.Warn().Err(err).Str("cid", cidStr).Msg("rehydration failed")
		}
		// Drain whatever the rehydrator left unread so the client stream
		// never blocks on the pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()
	_, err := io.Copy(w, io.TeeReader(body, pw))
	pw.CloseWithError(err)
	<-done
	if err != nil {
		rp.Log.Warn().Err(err).Str("cid", cidStr).Msg("fallback stream interrupted")
	}
}

// DiskPath returns the on-disk path this store would use for a blob under
// root, namespaced by a two-character shard of its multihash to avoid
// dumping every file into one directory (the same sharding shape as the
// teacher's write-ahead log segment naming).
func DiskPath(root, multihash string) string {
	shard := multihash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(root, shard, multihash)
}
