package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alertops/alertrelay/internal/alertrelay"
	"github.com/alertops/alertrelay/internal/httpapi"
	"github.com/alertops/alertrelay/internal/platform"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	addr := os.Getenv("ALERTRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	primary, fallback, localPath, err := buildDocumentBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize document backends: %v", err)
	}

	store := alertrelay.NewStoreWithOptions(alertrelay.StoreOptions{
		Backend:  primary,
		Fallback: fallback,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if localPath != "" {
		if err := store.WatchFile(ctx, localPath); err != nil {
			logger.Warn("document file watch unavailable", "path", localPath, "error", err)
		}
	}

	client := platform.NewClient(platform.ClientOptions{
		BaseURL:      os.Getenv("ALERTRELAY_PLATFORM_BASE_URL"),
		ClientID:     os.Getenv("ALERTRELAY_CLIENT_ID"),
		ClientSecret: os.Getenv("ALERTRELAY_CLIENT_SECRET"),
		UserAgent:    "alertrelay",
	})
	resolver := alertrelay.NewResolver(alertrelay.ResolverOptions{
		Store:             store,
		API:               client,
		Logger:            logger,
		MaxProbes:         intEnv("ALERTRELAY_MAX_PROBES", 0),
		DefaultCredential: os.Getenv("ALERTRELAY_DEFAULT_BOT_TOKEN"),
	})
	deliverer := alertrelay.NewDeliverer(alertrelay.DelivererOptions{
		Store:    store,
		Resolver: resolver,
		API:      client,
		Logger:   logger,
	})
	server := httpapi.NewServer(store, deliverer, client, httpapi.ServerConfig{
		BaseURL:           os.Getenv("ALERTRELAY_BASE_URL"),
		PlatformBaseURL:   os.Getenv("ALERTRELAY_PLATFORM_BASE_URL"),
		ClientID:          os.Getenv("ALERTRELAY_CLIENT_ID"),
		Scopes:            scopesEnv("ALERTRELAY_BOT_SCOPES"),
		LegacyBearerToken: os.Getenv("ALERTRELAY_LEGACY_BEARER_TOKEN"),
		AdminUserID:       os.Getenv("ALERTRELAY_ADMIN_USER"),
		MaxBodyBytes:      int64Env("ALERTRELAY_MAX_BODY_BYTES", 0),
	}, logger)

	heartbeat := durationEnv("ALERTRELAY_HEARTBEAT_INTERVAL", 5*time.Minute)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Heartbeat(); err != nil {
					logger.Warn("heartbeat save failed", "error", err)
				}
			}
		}
	}()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		gracefulShutdown(httpServer, store, logger)
	}()

	logger.Info("alertrelay listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

// gracefulShutdown drains in-flight requests before the final save, so no
// request persists against an already-closed backend. The save itself is
// best-effort; it may race a hard kill.
func gracefulShutdown(httpServer *http.Server, store *alertrelay.Store, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("final save failed", "error", err)
	}
}

// buildDocumentBackendsFromEnv wires the primary backend (remote or DB when
// configured) and the local-file fallback. The returned path is the local
// file to watch, empty when no file backend is in play.
func buildDocumentBackendsFromEnv() (alertrelay.DocumentBackend, alertrelay.DocumentBackend, string, error) {
	dataDir := strings.TrimSpace(os.Getenv("ALERTRELAY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".alertrelay"
	}
	localPath := strings.TrimSpace(os.Getenv("ALERTRELAY_DOCUMENT_FILE"))
	if localPath == "" {
		localPath = filepath.Join(dataDir, "document.json")
	}
	local := alertrelay.NewFileDocumentBackend(localPath)

	dsn := strings.TrimSpace(os.Getenv("ALERTRELAY_DOCUMENT_DSN"))
	if dsn == "" {
		return local, nil, localPath, nil
	}
	primary, err := alertrelay.BuildDocumentBackendFromDSN(dsn)
	if err != nil {
		return nil, nil, "", err
	}
	return primary, local, localPath, nil
}

func scopesEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return []string{"chat:write", "channels:read", "channels:join", "groups:read"}
	}
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
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
