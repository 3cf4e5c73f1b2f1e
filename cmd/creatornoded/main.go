// cmd/creatornoded is the main entrypoint for one content replication
// node.
//
// Configuration is entirely via flags so a single binary can
// serve any node in the network.
//
// Example:
//
//	./creatornoded --addr :4000 --postgres-dsn "postgres://..." \
//	               --redis-addr localhost:6379 --storage-root /var/cn/storage \
//	               --peer-endpoints https://cn2.example.com,https://cn3.example.com
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/audius-infra/creatornode/internal/api"
	"github.com/audius-infra/creatornode/internal/contentstore"
	"github.com/audius-infra/creatornode/internal/denylist"
	"github.com/audius-infra/creatornode/internal/models"
	"github.com/audius-infra/creatornode/internal/readpath"
	"github.com/audius-infra/creatornode/internal/selector"
	"github.com/audius-infra/creatornode/internal/synclock"
	"github.com/audius-infra/creatornode/internal/synctrigger"
	"github.com/audius-infra/creatornode/internal/syncworker"
	"github.com/audius-infra/creatornode/pkg/cnclient"
)

// httpPeerFetcherAdapter adapts cnclient into the readpath.PeerFetcher
// interface (which internal/syncworker also depends on) so both packages
// share one real HTTP implementation rather than each hand-rolling a
// client.
type httpPeerFetcherAdapter struct {
	timeout time.Duration
}

func (a httpPeerFetcherAdapter) FetchBlob(ctx context.Context, endpoint, cidStr string) (io.ReadCloser, error) {
	c := cnclient.New(endpoint, a.timeout)
	return c.FetchBlob(ctx, cidStr)
}

// syncDispatcher implements synctrigger.Dispatcher: on a debounced
// wallet-change event, pick the best-ranked known peer via internal/selector
// and pull a sync from it.
type syncDispatcher struct {
	worker          *syncworker.Worker
	endpoints       []selector.Endpoint
	checker         selector.HealthChecker
	expectedVersion string
	log             zerolog.Logger
}

func (d *syncDispatcher) Dispatch(ctx context.Context, wallet string) {
	if len(d.endpoints) == 0 {
		d.log.Warn().Str("wallet", wallet).Msg("sync dispatch skipped: no peer endpoints configured")
		return
	}
	decision, err := selector.Select(ctx, d.endpoints, d.checker, selector.Options{N: 1, ExpectedVersion: d.expectedVersion})
	if err != nil {
		d.log.Error().Err(err).Str("wallet", wallet).Msg("no source node available for sync")
		return
	}
	report := d.worker.Sync(ctx, []string{wallet}, decision.Primary.Endpoint)
	if report.Err != nil {
		d.log.Error().Err(report.Err).Str("wallet", wallet).Str("source", decision.Primary.Endpoint).Msg("debounced sync failed")
	}
}

func main() {
	addr := flag.String("addr", ":4000", "listen address")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address for the sync lock")
	storageRoot := flag.String("storage-root", "/var/creatornode/storage", "root directory for locally stored blobs")
	peerEndpointsFlag := flag.String("peer-endpoints", "", "comma-separated list of known replica node base URLs")
	debounce := flag.Duration("sync-debounce", 15*time.Second, "debounce window before an auto-triggered sync fires")
	expectedVersion := flag.String("expected-version", "", "semver this node expects from replica candidates (empty disables the check)")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "creatornoded").Logger()

	if *postgresDSN == "" {
		log.Fatal().Msg("postgres-dsn is required")
	}
	db, err := gorm.Open(postgres.Open(*postgresDSN), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	if err := db.AutoMigrate(models.AllTables()...); err != nil {
		log.Fatal().Err(err).Msg("automigrate")
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	locks := synclock.New(rdb)
	store := contentstore.New(db)
	deny := denylist.New()

	fetcher := httpPeerFetcherAdapter{timeout: 10 * time.Second}
	worker := syncworker.New(db, locks, fetcher, log)

	rp := &readpath.ReadPath{
		DB:          db,
		Deny:        deny,
		StorageRoot: *storageRoot,
		Peers:       fetcher,
		Log:         log,
	}

	var endpoints []selector.Endpoint
	if *peerEndpointsFlag != "" {
		for _, e := range strings.Split(*peerEndpointsFlag, ",") {
			endpoints = append(endpoints, selector.Endpoint{URL: strings.TrimSpace(e)})
		}
	}
	dispatcher := &syncDispatcher{
		worker:          worker,
		endpoints:       endpoints,
		checker:         selector.NewHTTPHealthChecker(),
		expectedVersion: *expectedVersion,
		log:             log,
	}
	trigger := synctrigger.New(*debounce, dispatcher, log)

	handler := api.NewHandler(db, store, locks, worker, trigger, rp, nil, log)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(handler, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": "1.0.0"})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("creatornoded listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
