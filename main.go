// Command streamer runs the entity-change notification broker: it accepts
// websocket subscriptions from web clients, receives entity updates from the
// host application and fans matching updates out with batching, filtering
// and per-client rate limiting.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/auth"
	"talentpulse/streamer/internal/cache"
	"talentpulse/streamer/internal/config"
	"talentpulse/streamer/internal/httpapi"
	"talentpulse/streamer/internal/logging"
	"talentpulse/streamer/internal/permission"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/session"
	"talentpulse/streamer/internal/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("failed to initialise logging", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	tokens, err := auth.NewTokenService(cfg.AuthSecret, cfg.TokenTTL, cfg.TokenLeeway, nil)
	if err != nil {
		logger.Fatal("failed to initialise token service", logging.Error(err))
	}

	evalCache, err := cache.NewEvaluationCache(cfg.CacheCapacity, nil, cfg.EntityCacheTTL, nil)
	if err != nil {
		logger.Fatal("failed to initialise evaluation cache", logging.Error(err))
	}

	perms := permission.NewService(permission.Options{
		PublicEntityTypes: permission.DefaultPublicEntityTypes(),
		RestrictedFields:  permission.DefaultRestrictedFields(),
	})
	limiter := ratelimit.New(cfg.RateLimits, nil)
	sessions := session.NewRegistry(nil)
	subs := subscription.NewRegistry(perms, limiter)
	collector := analytics.NewCollector(nil)

	broker := NewBroker(BrokerOptions{
		Config:    cfg,
		Logger:    logger,
		Tokens:    tokens,
		Perms:     perms,
		Limiter:   limiter,
		Sessions:  sessions,
		Subs:      subs,
		Cache:     evalCache,
		Collector: collector,
	})

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        logger,
		Tokens:        tokens,
		Sessions:      sessions,
		Subscriptions: subs,
		Collector:     collector,
		CacheStats:    evalCache.Snapshot,
		LimiterStats:  limiter.Stats,
		QueueDepth:    broker.Pipeline().QueuedMessages,
		CachedGrants:  perms.CachedDecisions,
		AdminToken:    cfg.AdminToken,
		RateLimiter:   httpapi.NewSlidingWindowLimiter(time.Minute, 60, nil),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.ServeWS)
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go broker.Run(ctx)

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	go func() {
		logger.Info("streamer listening", logging.String("url", listenerURL(cfg.Address, tlsEnabled)))
		var serveErr error
		if tlsEnabled {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Fatal("server failed", logging.Error(serveErr))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	broker.Shutdown()
	logger.Info("shutdown complete")
}
