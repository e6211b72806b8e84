// Package config はゲートウェイとトークン発行サービスのYAML設定を読み込み、検証する。
//
// 期間は "30s" のような文字列で指定する。環境変数 PORT はサーバーのポートを上書きする。
// 開発専用の安全でない設定は environment が development の場合にのみ受け付ける。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 実行環境。
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("設定が不正です")

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Addr は待ち受けアドレスを返す。
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LogConfig は構造化ログの設定。
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// GetEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func GetEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// ParseDuration は期間の文字列を解析する。空の場合はfallbackを返す。
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: 期間の形式が不正です: %q", ErrInvalidConfig, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: 期間は0以上である必要があります: %q", ErrInvalidConfig, s)
	}
	return d, nil
}

// NewLogger はログ設定に従って構造化ロガーを生成する。
func NewLogger(cfg LogConfig, service string) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", service))
}

// load はYAMLファイルを読み込み、PORTの上書きを適用してタグで検証する。
func load(path string, out any, server *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: PORT が数値ではありません: %q", ErrInvalidConfig, port)
		}
		server.Port = p
	}

	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// validateEnvironment は実行環境の値を検証する。
func validateEnvironment(env string) error {
	switch env {
	case EnvironmentDevelopment, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("%w: environment は %s または %s を指定してください: %q",
			ErrInvalidConfig, EnvironmentDevelopment, EnvironmentProduction, env)
	}
}

// requireHTTPS はdevelopment以外でhttpsでないURLを拒否する。
func requireHTTPS(env, field, raw string) error {
	if env == EnvironmentDevelopment || strings.HasPrefix(raw, "https://") {
		return nil
	}
	return fmt.Errorf("%w: %s はhttpsである必要があります: %q", ErrInvalidConfig, field, raw)
}
