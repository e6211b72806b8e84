// API Gatewayのエントリポイント。
// ルート表に従ってリクエストを転送し、保護されたルートではBearerトークンを検証する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
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
	"github.com/nao1215/apigw/internal/gateway"
	"github.com/nao1215/apigw/pkg/httpclient"
	"github.com/nao1215/apigw/pkg/jwks"
	"github.com/nao1215/apigw/pkg/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadGateway(config.GetEnvOr("CONFIG_PATH", "configs/gateway.yaml"))
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, "gateway")
	if cfg.Environment == config.EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Insecure.Enabled() {
		logger.Warn("トークン検証の一部を省略しています。開発環境以外では使用しないでください",
			slog.Bool("skip_issuer_validation", cfg.Insecure.SkipIssuerValidation),
			slog.Bool("skip_audience_validation", cfg.Insecure.SkipAudienceValidation),
		)
	}

	definitions, err := cfg.RouteDefinitions()
	if err != nil {
		return err
	}
	routes, err := gateway.NewRouteTable(definitions)
	if err != nil {
		return err
	}

	// 公開鍵は起動直後と一定間隔で取得する。取得できるまで保護されたルートは401になる
	keys := jwks.NewCache(httpclient.New(cfg.Authority.URL, cfg.AuthorityTimeout()), logger)
	go keys.Run(ctx, cfg.RefreshInterval())

	auth, err := middleware.NewAuthenticator(keys, cfg.AuthOptions())
	if err != nil {
		return fmt.Errorf("トークン検証器の初期化に失敗: %w", err)
	}

	server, err := gateway.NewServer(routes, auth, gateway.NewForwarder(cfg.ForwarderOptions()), gateway.ServerOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	return serve(ctx, cfg.Server, server.Handler(), logger)
}

// serve はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
func serve(ctx context.Context, sc config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	readTimeout, _ := config.ParseDuration(sc.ReadTimeout, 10*time.Second)
	writeTimeout, _ := config.ParseDuration(sc.WriteTimeout, 60*time.Second)
	shutdownTimeout, _ := config.ParseDuration(sc.ShutdownTimeout, 15*time.Second)

	srv := &http.Server{
		Addr:              sc.Addr(),
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gatewayサービスを起動します", slog.String("addr", srv.Addr))
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
	logger.Info("Gatewayサービスを停止しました")
	return nil
}
