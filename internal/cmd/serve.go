package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/logger"
	"github.com/antigravity/codex-proxy/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long:  `Start the Responses API proxy and the admin API`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// usagePruneInterval 用量库清理周期
const usagePruneInterval = 6 * time.Hour

func runServe(cmd *cobra.Command, args []string) error {
	// 加载或创建配置
	cfg, err := config.LoadOrCreate(vp)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 初始化日志
	logs := logger.NewLogBuffer(cfg.Logging.BufferSize)
	log, err := logger.New(cfg.Logging, logs)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, true)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return err
	}

	log.Info("Starting codex-proxy",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("upstream", cfg.Codex.BaseURL),
		zap.String("strategy", cfg.Rotation.Strategy),
		zap.Int("accounts", len(a.pool.Accounts())),
	)
	if cfg.Security.APIKey != "" {
		log.Info("API key is required for proxy requests",
			zap.String("key_prefix", maskAPIKey(cfg.Security.APIKey)))
	} else {
		log.Warn("No API key set, proxy endpoint accepts any caller")
	}
	if len(a.pool.Accounts()) == 0 {
		log.Warn("No accounts configured; run `codex-proxy login` or POST /admin/login")
	}

	srv := server.New(cfg, server.Deps{
		Pool:      a.pool,
		Pipeline:  a.pipeline(),
		OAuth:     a.oauth,
		Refresher: a.queue,
		Files:     a.store,
		Usage:     a.usage,
		Logs:      logs,
		Clock:     a.clock,
		Version:   Version,
	}, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go pruneUsage(ctx, a)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("Server failed", zap.Error(err))
		a.Close(context.Background())
		return err
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Close()
	err = httpServer.Shutdown(shutdownCtx)
	a.Close(shutdownCtx)
	if err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("Server stopped gracefully")
	return nil
}

// pruneUsage drops usage records past the retention window until ctx ends
func pruneUsage(ctx context.Context, a *app) {
	if a.usage == nil {
		return
	}
	a.usage.Prune()
	ticker := time.NewTicker(usagePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.usage.Prune()
		}
	}
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
