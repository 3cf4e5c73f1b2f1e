package readpath_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/audius-infra/creatornode/internal/denylist"
	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/internal/readpath"
	"github.com/audius-infra/creatornode/internal/testdb"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func writeLocalFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestServeCID_LocalHit(t *testing.T) {
	db := testdb.New(t)
	dir := t.TempDir()
	path := writeLocalFile(t, dir, "hello world")

	if err := db.Create(&models.File{
		UserUUID:    "u1",
		Clock:       1,
		Multihash:   testCID,
		StoragePath: path,
		Type:        models.FileTypeImage,
	}).Error; err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	if err := rp.ServeCID(rec, req, testCID, nil); err != nil {
		t.Fatalf("ServeCID: %v", err)
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("want hello world, got %q", rec.Body.String())
	}
}

func TestServeCID_LocalHitSupportsRange(t *testing.T) {
	db := testdb.New(t)
	dir := t.TempDir()
	path := writeLocalFile(t, dir, "0123456789")

	if err := db.Create(&models.File{
		UserUUID: "u1", Clock: 1, Multihash: testCID, StoragePath: path, Type: models.FileTypeAudio,
	}).Error; err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()

	if err := rp.ServeCID(rec, req, testCID, nil); err != nil {
		t.Fatalf("ServeCID: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("want 206, got %d", rec.Code)
	}
	if rec.Body.String() != "234" {
		t.Fatalf("want range bytes '234', got %q", rec.Body.String())
	}
}

func TestServeCID_DenylistedReturnsForbidden(t *testing.T) {
	db := testdb.New(t)
	deny := denylist.New()
	deny.DenyCID(testCID)

	rp := &readpath.ReadPath{DB: db, Deny: deny, Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	err := rp.ServeCID(rec, req, testCID, nil)
	if err == nil {
		t.Fatal("want error for denylisted cid")
	}
}

func TestServeCID_InvalidCIDRejected(t *testing.T) {
	db := testdb.New(t)
	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/not-a-cid", nil)
	rec := httptest.NewRecorder()

	if err := rp.ServeCID(rec, req, "not-a-cid", nil); err == nil {
		t.Fatal("want error for invalid cid")
	}
}

type fakePeerFetcher struct {
	data map[string]string
}

func (f *fakePeerFetcher) FetchBlob(ctx context.Context, endpoint, cidStr string) (io.ReadCloser, error) {
	data, ok := f.data[endpoint]
	if !ok {
		return nil, errors.New("peer miss")
	}
	return io.NopCloser(newStringReader(data)), nil
}

type fakeRehydrator struct {
	captured map[string]string
}

func (f *fakeRehydrator) Rehydrate(userUUID, cidStr string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.captured == nil {
		f.captured = map[string]string{}
	}
	f.captured[cidStr] = string(b)
	return nil
}

func newStringReader(s string) io.Reader {
	return &stringReader{s: s}
}

type stringReader struct {
	s string
	i int
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}

func TestServeCID_FallsBackToPeerAndRehydrates(t *testing.T) {
	db := testdb.New(t)
	rehydrator := &fakeRehydrator{}
	rp := &readpath.ReadPath{
		DB:    db,
		Deny:  denylist.New(),
		Peers: &fakePeerFetcher{data: map[string]string{"https://peer1": "fallback bytes"}},
		PeerEndpointsFor: func(cidStr string) []string {
			return []string{"https://peer1"}
		},
		Rehydrate: rehydrator,
		Log:       zerolog.Nop(),
	}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	if err := rp.ServeCID(rec, req, testCID, nil); err != nil {
		t.Fatalf("ServeCID: %v", err)
	}
	if rec.Body.String() != "fallback bytes" {
		t.Fatalf("want fallback bytes, got %q", rec.Body.String())
	}
	if rehydrator.captured[testCID] != "fallback bytes" {
		t.Fatalf("want rehydration capture, got %v", rehydrator.captured)
	}
}

func TestServeCID_NoFallbackAvailableIsNotFound(t *testing.T) {
	db := testdb.New(t)
	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	err := rp.ServeCID(rec, req, testCID, nil)
	if err == nil {
		t.Fatal("want not-found error when nothing local and no fallback configured")
	}
	if !errors.Is(err, cnerrors.ErrNotFound) {
		t.Fatalf("want ErrNotFound when no row exists anywhere, got %v", err)
	}
}

// TestServeCID_DirRowRejectedOnSingleCIDRoute exercises spec §4.8 step 1:
// a directory row has no blob of its own, so the single-CID route must
// reject it with BadRequest rather than attempt to serve it.
func TestServeCID_DirRowRejectedOnSingleCIDRoute(t *testing.T) {
	db := testdb.New(t)
	if err := db.Create(&models.File{
		UserUUID: "u1", Clock: 1, Multihash: testCID, StoragePath: "/unused", Type: models.FileTypeDir,
	}).Error; err != nil {
		t.Fatalf("seed dir file: %v", err)
	}

	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	err := rp.ServeCID(rec, req, testCID, nil)
	if !errors.Is(err, cnerrors.ErrBadRequest) {
		t.Fatalf("want BadRequest for a dir row on the single-CID route, got %v", err)
	}
}

// TestServeCID_DirectoryEntryRoute exercises the /ipfs/:dirCID/:filename
// route: lookup must key on (dir_multihash, file_name), not multihash.
func TestServeCID_DirectoryEntryRoute(t *testing.T) {
	db := testdb.New(t)
	dir := t.TempDir()
	path := writeLocalFile(t, dir, "entry bytes")

	dirCID := testCID
	fileName := "150x150.jpg"
	if err := db.Create(&models.File{
		UserUUID: "u1", Clock: 1, Multihash: "entryCID", StoragePath: path,
		Type: models.FileTypeImage, DirMultihash: &dirCID, FileName: &fileName,
	}).Error; err != nil {
		t.Fatalf("seed dir entry file: %v", err)
	}

	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+dirCID+"/"+fileName, nil)
	rec := httptest.NewRecorder()

	if err := rp.ServeCID(rec, req, dirCID, &fileName); err != nil {
		t.Fatalf("ServeCID: %v", err)
	}
	if rec.Body.String() != "entry bytes" {
		t.Fatalf("want entry bytes, got %q", rec.Body.String())
	}
}

// TestServeCID_DiskMissFallbackExhaustedIsUpstream exercises spec §4.8
// step 5: when a File row exists but its blob is missing on disk and
// every fallback also fails, the caller must see Upstream(500), not
// NotFound(404) -- the CID is known, just currently unreachable.
func TestServeCID_DiskMissFallbackExhaustedIsUpstream(t *testing.T) {
	db := testdb.New(t)
	if err := db.Create(&models.File{
		UserUUID: "u1", Clock: 1, Multihash: testCID, StoragePath: "/nonexistent/path", Type: models.FileTypeImage,
	}).Error; err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rp := &readpath.ReadPath{DB: db, Deny: denylist.New(), Log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/ipfs/"+testCID, nil)
	rec := httptest.NewRecorder()

	err := rp.ServeCID(rec, req, testCID, nil)
	if !errors.Is(err, cnerrors.ErrUpstream) {
		t.Fatalf("want Upstream error when a known row's blob can't be fetched anywhere, got %v", err)
	}
}
