// Command omegaupload runs the zero-knowledge ephemeral paste server:
// the HTTP surface (C6) backed by the bbolt store (C4), the expiration
// reaper (C5) and, when configured, the at-rest envelope layer (C9).
package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/edward-shen/omegaupload/cfg"
	"github.com/edward-shen/omegaupload/metrics"
	"github.com/edward-shen/omegaupload/pkg/kms"
	"github.com/edward-shen/omegaupload/pkg/store"
	"github.com/edward-shen/omegaupload/svc/api"
	"github.com/edward-shen/omegaupload/svc/auth"
	"github.com/edward-shen/omegaupload/svc/db"
	"github.com/edward-shen/omegaupload/svc/lim"
	"github.com/edward-shen/omegaupload/svc/reaper"
	"github.com/edward-shen/omegaupload/svc/svc"
	"github.com/edward-shen/omegaupload/svc/util"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		println("config error: " + err.Error())
		os.Exit(1)
	}
	defer c.Wipe()

	util.InitLog(c.LogLevel, c.Environment != "production")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := kms.NewAdapter(ctx, c.KMSProvider)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
	}
	var kekCache *kms.KEKCache
	var storeAdapter *kms.Adapter
	if c.KMSProvider != "" && c.KMSProvider != "none" {
		kekCache = kms.NewKEKCache(adapter, c.KEKCacheTTL)
		defer kekCache.Stop()
		storeAdapter = adapter
	}

	st, err := store.Open(c.StorePath, kekCache, storeAdapter, c.ReadCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	var rdb *db.Redis
	if c.RedisAddr != "" {
		rdb, err = db.NewRedis(c.RedisAddr, c)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
	}

	if c.Pepper.Value() != "" {
		if err := util.InitIPHasher([]byte(c.Pepper.Value()), c.IPHashRotationInterval); err != nil {
			util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		}
		defer util.StopIPHasher()
	}

	var adminAuth *auth.Hasher
	if c.AdminTokenHash != "" {
		adminAuth, err = auth.NewHasher(2, 15*1024, 2, []byte(c.AdminTokenPepper.Value()))
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize admin token hasher")
		}
		if err := adminAuth.Start(0); err != nil {
			util.Fatal().Err(err).Msg("failed to start admin token hasher")
		}
		defer adminAuth.Stop()
	}

	pasteSvc := svc.New(st, rdb, c)
	defer pasteSvc.Shutdown()

	rp := reaper.New(st, c.ReaperInterval, func(deletedExpired, deletedCorrupt int) {
		metrics.ReaperSweeps.Inc()
		metrics.ReaperDeletedExpired.Add(float64(deletedExpired))
		metrics.ReaperDeletedCorrupt.Add(float64(deletedCorrupt))
	})
	rp.Start(ctx)
	defer rp.Stop()

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()

	srv := api.NewServer(c, pasteSvc, limiter, rdb, adminAuth)

	go diagnosticHandler(st, rp)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			util.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()
	util.Info().Str("port", c.Port).Str("kms_provider", c.KMSProvider).Msg("omegaupload ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutdown signal received, draining")

	cancel() // stop the reaper's ticking loop cooperatively

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("graceful shutdown exceeded grace period")
	}

	if err := st.Flush(); err != nil {
		util.Error().Err(err).Msg("failed to flush store on shutdown")
	}
	util.Info().Msg("shutdown complete")
}

// diagnosticHandler answers SIGUSR1 with a snapshot of store size, cache
// stats and reaper last-run time, logged at info level without blocking
// request handling (§2.3).
func diagnosticHandler(st *store.Store, rp *reaper.Reaper) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	for range sigCh {
		stats := st.Stats()
		util.Info().
			Int("key_count", stats.KeyCount).
			Uint64("cache_hits", stats.CacheHits).
			Uint64("cache_misses", stats.CacheMiss).
			Time("reaper_last_run", rp.LastRun()).
			Msg("diagnostic snapshot")
	}
}
