// トークン発行サービスのエントリポイント。
// OAuth2クライアントクレデンシャルグラントでアクセストークンを発行し、
// ディスカバリドキュメントと検証用の公開鍵を公開する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/identity"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "トークン発行サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadIdentity(config.GetEnvOr("CONFIG_PATH", "configs/identity.yaml"))
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, "identity")
	if cfg.Environment == config.EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := cfg.Store()
	if err != nil {
		return err
	}
	keyOpts, err := cfg.KeyRingOptions()
	if err != nil {
		return err
	}
	keys, err := identity.NewKeyRing(keyOpts)
	if err != nil {
		return fmt.Errorf("署名鍵の初期化に失敗: %w", err)
	}
	if keyOpts.PrivateKeyPEM == nil {
		logger.Warn("署名鍵を生成しました。再起動すると発行済みのトークンは検証できなくなります",
			slog.String("kid", keys.ActiveKeyID()))
	}

	var (
		audit     identity.AuditLog = identity.NopAuditLog{}
		sqliteLog *identity.SQLiteAuditLog
	)
	if cfg.Audit.Enabled {
		sqliteLog, err = identity.OpenSQLiteAuditLog(ctx, cfg.AuditDSN(), logger)
		if err != nil {
			return err
		}
		defer func() { _ = sqliteLog.Close() }()

		async := identity.NewAsyncAuditLog(sqliteLog, identity.DefaultAuditQueueSize, logger)
		defer func() { _ = async.Close() }()
		audit = async
	}

	service, err := identity.NewService(cfg.ServiceConfig(), store, keys, audit, logger)
	if err != nil {
		return fmt.Errorf("トークン発行サービスの初期化に失敗: %w", err)
	}
	go service.RunKeyRotation(ctx, cfg.RotationInterval())

	server := identity.NewServer(service, logger)
	if sqliteLog != nil && cfg.Audit.ReadScope != "" {
		if err := server.MountAuditAPI(sqliteLog, cfg.Audit.ReadScope); err != nil {
			return err
		}
	}

	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 10*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	shutdownTimeout, _ := config.ParseDuration(cfg.Server.ShutdownTimeout, 15*time.Second)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("トークン発行サービスを起動します",
			slog.String("addr", srv.Addr),
			slog.String("issuer", service.Issuer()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("シャットダウンを開始します")
	case err := <-errCh:
		return fmt.Errorf("サーバーエラー: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	logger.Info("トークン発行サービスを停止しました")
	return nil
}
