package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"stashbin/cfg"
	"stashbin/pkg/kms"
	"stashbin/pkg/secrets"
	"stashbin/svc/api"
	"stashbin/svc/blob"
	"stashbin/svc/cache"
	"stashbin/svc/db"
	"stashbin/svc/lim"
	"stashbin/svc/svc"
	"stashbin/svc/tier"
	"stashbin/svc/util"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}
	os.Exit(run())
}

// run wires the service and blocks until shutdown. It returns the exit code
// so deferred cleanup runs before the process exits.
func run() int {
	c, err := cfg.Load()
	if err != nil {
		util.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := secrets.New(ctx, c)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize secrets provider")
		return 1
	}
	if err := resolver.Fill(ctx, c); err != nil {
		util.Error().Err(err).Msg("failed to resolve secrets")
		return 1
	}
	if err := cfg.Validate(c); err != nil {
		util.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	defer c.Wipe()
	util.Info().
		Str("store", c.StoreBackend).
		Str("blobs", c.BlobBackend).
		Str("secrets", resolver.Name()).
		Msg("starting stashbin")

	store, stopStore, err := openStore(ctx, c)
	if err != nil {
		util.Error().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize structured store")
		return 1
	}
	defer stopStore()

	bulk, err := openBlobs(ctx, c)
	if err != nil {
		util.Error().Err(err).Str("backend", c.BlobBackend).Msg("failed to initialize blob store")
		return 1
	}
	defer bulk.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				util.Error().Err(err).Msg("redis required in production")
				return 1
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without shared cache")
			rdb = nil
		} else {
			util.Info().Str("url", util.RedactURI(c.RedisURL)).Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Error().Err(err).Msg("failed to create LRU cache")
		return 1
	}
	var shared blob.SharedCache
	var counter lim.Counter
	var cachePing api.Pinger
	if rdb != nil {
		shared, counter, cachePing = rdb, rdb, rdb
	}
	cached := blob.NewCached(bulk, lruCache, shared, c.BlobCacheTTL)
	if rdb != nil {
		cached.WithEvictions(rdb)
		go func() {
			if err := cached.ListenEvictions(ctx); err != nil {
				util.Warn().Err(err).Msg("blob eviction listener stopped")
			}
		}()
	}
	var blobs blob.Store = cached
	wrapper, err := kms.NewWrapper(ctx, c)
	if err != nil {
		util.Error().Err(err).Str("mode", c.BlobEncryption).Msg("failed to initialize blob encryption")
		return 1
	}
	if wrapper != nil {
		keyring := kms.NewKeyring(wrapper, c.DEKCacheTTL)
		defer keyring.Stop()
		blobs = blob.NewSealed(blobs, keyring)
		util.Info().Str("provider", keyring.Name()).Msg("offloaded blobs encrypted at rest")
	}

	policy := tier.NewPolicy(c.InlineThreshold, blobs)
	ids := util.NewAllocator(c.IDLength, c.IDAlphabet)
	pasteSvc := svc.NewPaste(store, blobs, policy, ids, c)
	util.Info().
		Int("inline_threshold", policy.Threshold()).
		Int("id_length", ids.Length()).
		Msg("paste service initialized")

	sweeper := svc.NewSweeper(store, blobs, c.SweepInterval, c.SweepConcurrency, c.StoreTimeout).
		WithBatchSize(c.SweepBatchSize)
	res := sweeper.Sweep(ctx)
	util.Info().Int("found", res.Found).Int("reclaimed", res.Reclaimed).Int("failed", res.Failed).Msg("startup sweep finished")
	if err := sweeper.Start(ctx); err != nil {
		util.Error().Err(err).Msg("failed to start sweeper")
		return 1
	}

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, counter, c.TrustedProxies)
	if err != nil {
		util.Error().Err(err).Msg("failed to initialize rate limiter")
		return 1
	}
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", counter != nil).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, api.Deps{Store: store, Blobs: blobs, Cache: cachePing})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	code := 0
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		if err != nil {
			util.Error().Err(err).Msg("server stopped, shutting down")
			code = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	sweeper.Stop()
	pasteSvc.Shutdown()
	limiter.Stop()
	cancel()
	util.Info().Msg("shutdown complete")
	return code
}

// healthcheck probes the local /ready endpoint for container health checks.
func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/ready")
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
