package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prodg-xyz/tracksync/internal/httpapi"
	"github.com/prodg-xyz/tracksync/internal/oauthcfg"
	"github.com/prodg-xyz/tracksync/internal/tracksync"
)

func main() {
	addr := os.Getenv("TRACKSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	tracksync.RegisterMetrics()

	credentials, mappings, err := buildStoresFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize stores: %v", err)
	}

	oauthConfig, closeOAuthConfig, err := buildOAuthConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load oauth config: %v", err)
	}
	defer closeOAuthConfig()

	tokens := tracksync.NewTokenManager(tracksync.TokenManagerOptions{
		Credentials: credentials,
		OAuth: tracksync.NewHTTPOAuthClient(tracksync.HTTPOAuthClientOptions{
			HTTPClient: &http.Client{Timeout: durationEnv("TRACKSYNC_OAUTH_TIMEOUT", 15*time.Second)},
		}),
		Config: oauthConfig,
	})

	tracker := tracksync.NewHTTPTrackerClient(tracksync.TrackerClientOptions{
		BaseURL:    strings.TrimSpace(os.Getenv("TRACKSYNC_TRACKER_URL")),
		MaxRetries: intEnv("TRACKSYNC_TRACKER_MAX_RETRIES", 0),
		BaseDelay:  durationEnv("TRACKSYNC_TRACKER_BASE_DELAY", 0),
		MaxDelay:   durationEnv("TRACKSYNC_TRACKER_MAX_DELAY", 0),
		UserAgent:  "tracksync/1.0",
	})

	source, err := tracksync.NewHTTPEntitySource(tracksync.HTTPEntitySourceOptions{
		BaseURL:   strings.TrimSpace(os.Getenv("TRACKSYNC_SOURCE_URL")),
		AuthToken: strings.TrimSpace(os.Getenv("TRACKSYNC_SOURCE_TOKEN")),
	})
	if err != nil {
		log.Fatalf("TRACKSYNC_SOURCE_URL is required: %v", err)
	}

	events := tracksync.NewEventFeed(intEnv("TRACKSYNC_EVENT_BUFFER", 0))

	syncer, err := tracksync.NewSyncer(tracksync.SyncerOptions{
		Provider:    oauthConfig().Provider,
		Credentials: credentials,
		Mappings:    mappings,
		Tokens:      tokens,
		Tracker:     tracker,
		Source:      source,
		Events:      events,
	})
	if err != nil {
		log.Fatalf("failed to build syncer: %v", err)
	}

	if sweep := durationEnv("TRACKSYNC_SWEEP_INTERVAL", 0); sweep > 0 {
		go runSweep(syncer, sweep)
	}

	server := httpapi.NewServerWithConfig(syncer, tokens, events, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("TRACKSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("TRACKSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("TRACKSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("TRACKSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("tracksync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func runSweep(syncer *tracksync.Syncer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		summary, err := syncer.ReconcileAll(ctx)
		cancel()
		if err != nil {
			log.Printf("scheduled sweep failed: %v", err)
			continue
		}
		log.Printf("scheduled sweep: pushed=%d failed=%d skipped=%d", summary.Pushed, len(summary.Failed), summary.Skipped)
	}
}

func buildStoresFromEnv() (tracksync.CredentialStore, tracksync.MappingStore, error) {
	dsn := strings.TrimSpace(os.Getenv("TRACKSYNC_POSTGRES_DSN"))
	if dsn == "" {
		log.Printf("TRACKSYNC_POSTGRES_DSN not set; using in-memory stores")
		return tracksync.NewInMemoryCredentialStore(), tracksync.NewInMemoryMappingStore(), nil
	}
	store, err := tracksync.NewPostgresStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func buildOAuthConfigFromEnv() (func() tracksync.OAuthAppConfig, func(), error) {
	path := strings.TrimSpace(os.Getenv("TRACKSYNC_OAUTH_CONFIG"))
	if path != "" {
		watcher, err := oauthcfg.NewWatcher(path)
		if err != nil {
			return nil, nil, err
		}
		return watcher.Current, func() { _ = watcher.Close() }, nil
	}
	cfg, err := oauthcfg.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	return func() tracksync.OAuthAppConfig { return cfg }, func() {}, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
