package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/profileguard/internal/config"
	"github.com/agentworkforce/profileguard/internal/httpapi"
	"github.com/agentworkforce/profileguard/internal/logging"
	"github.com/agentworkforce/profileguard/internal/profileblock"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("PROFILEBLOCK_CONFIG")), "config file path")
	issueFor := flag.String("issue-token", "", "print an access token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of tokens printed by --issue-token")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *issueFor != "" {
		secret := cfg.JWTSecret
		if secret == "" {
			secret = httpapi.DefaultJWTSecret
		}
		token, err := httpapi.IssueToken(secret, *issueFor,
			[]string{httpapi.ScopeRead, httpapi.ScopeWrite, httpapi.ScopeTabs}, *tokenTTL, time.Now().UTC())
		if err != nil {
			logger.Fatal("failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	kv, err := buildKVStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize block store", zap.Error(err))
	}
	defer closeKVStore(kv, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := profileblock.NewBlockStore(kv)
	if err := store.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize defaults", zap.Error(err))
	}
	svc := profileblock.NewService(store, profileblock.NewTabRegistry(cfg.SiteHost), logger)
	stopWatching, err := svc.WatchExternalChanges(ctx)
	if err != nil {
		logger.Fatal("failed to watch store", zap.Error(err))
	}
	defer stopWatching()

	server := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("profileblockd listening", zap.String("addr", cfg.Addr), zap.String("backend", describeKVStore(kv)))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("profileblockd stopped")
}

func buildKVStore(cfg *config.Config, logger *zap.Logger) (profileblock.KVStore, error) {
	dsn, err := storeDSNFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := profileblock.BuildKVStoreFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return profileblock.NewMemoryKV(), nil
	}
	switch typed := kv.(type) {
	case *profileblock.FileKV:
		typed.WithLogger(logger)
	case *profileblock.PostgresKV:
		typed.WithLogger(logger)
	case *profileblock.RedisKV:
		typed.WithLogger(logger)
	}
	return kv, nil
}

// storeDSNFromConfig picks the store: an explicit store_dsn wins, otherwise
// the backend profile decides.
func storeDSNFromConfig(cfg *config.Config) (string, error) {
	if dsn := strings.TrimSpace(cfg.StoreDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(cfg.BackendProfile))
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = ".profileblock"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(cfg.ProductionDSN)
		if productionDSN == "" {
			return "", fmt.Errorf("PROFILEBLOCK_PRODUCTION_DSN is required when backend_profile=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "sync.json"), nil
	default:
		return "", fmt.Errorf("unsupported backend_profile: %s", profile)
	}
}

func describeKVStore(kv profileblock.KVStore) string {
	switch typed := kv.(type) {
	case *profileblock.MemoryKV:
		return "memory"
	case *profileblock.FileKV:
		return "file:" + typed.Path
	case *profileblock.PostgresKV:
		return "postgres"
	case *profileblock.RedisKV:
		return "redis"
	default:
		return fmt.Sprintf("%T", kv)
	}
}

func closeKVStore(kv profileblock.KVStore, logger *zap.Logger) {
	closer, ok := kv.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("closing block store failed", zap.Error(err))
	}
}
