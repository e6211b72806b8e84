// サンプルAPIサービスのエントリポイント。
// ゲートウェイの転送先として、保護されたエンドポイントと天気予報のエンドポイントを提供する。
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

	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/sampleapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(config.LogConfig{Level: config.GetEnvOr("LOG_LEVEL", "info")}, "sample-api")
	port := config.GetEnvOr("PORT", "5001")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           sampleapi.NewServer(logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("サンプルAPIサービスを起動します", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "サンプルAPIサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}
