package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/apigw/internal/gateway"
	"github.com/nao1215/apigw/pkg/middleware"
)

// Gateway の既定値。
const (
	DefaultJWKSRefreshInterval = 5 * time.Minute
	DefaultClockSkew           = 30 * time.Second
	DefaultAuthorityTimeout    = 10 * time.Second
)

// GatewayConfig はゲートウェイの設定。
type GatewayConfig struct {
	Environment string          `yaml:"environment" validate:"required"`
	Server      ServerConfig    `yaml:"server"`
	Log         LogConfig       `yaml:"log"`
	Authority   AuthorityConfig `yaml:"authority"`
	Insecure    InsecureConfig  `yaml:"insecure"`
	CORS        CORSConfig      `yaml:"cors"`
	Forward     ForwardConfig   `yaml:"forward"`
	Routes      []RouteConfig   `yaml:"routes" validate:"required,min=1,dive"`
}

// AuthorityConfig はトークン発行サービスの設定。
type AuthorityConfig struct {
	// URL はディスカバリを取得するベースURL。
	URL string `yaml:"url" validate:"required,url"`
	// Issuer は期待するissクレーム。空の場合はURL。
	Issuer string `yaml:"issuer"`
	// Audience は期待するaudクレーム。
	Audience        string `yaml:"audience"`
	RefreshInterval string `yaml:"refresh_interval"`
	ClockSkew       string `yaml:"clock_skew"`
	Timeout         string `yaml:"timeout"`
}

// InsecureConfig は開発専用の検証の緩和。production では全てfalseである必要がある。
type InsecureConfig struct {
	SkipIssuerValidation   bool `yaml:"skip_issuer_validation"`
	SkipAudienceValidation bool `yaml:"skip_audience_validation"`
}

// Enabled はいずれかの緩和が有効かを返す。
func (i InsecureConfig) Enabled() bool {
	return i.SkipIssuerValidation || i.SkipAudienceValidation
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ForwardConfig は転送の設定。
type ForwardConfig struct {
	Timeout          string `yaml:"timeout"`
	MaxResponseBytes int64  `yaml:"max_response_bytes" validate:"min=0"`
}

// RouteConfig はルート定義。methods に複数指定するとメソッドごとのルートに展開される。
type RouteConfig struct {
	Name          string         `yaml:"name"`
	Methods       []string       `yaml:"methods" validate:"required,min=1"`
	Pattern       string         `yaml:"pattern" validate:"required"`
	Upstream      UpstreamConfig `yaml:"upstream"`
	RequiresAuth  bool           `yaml:"requires_auth"`
	RequiredScope string         `yaml:"required_scope"`
	Timeout       string         `yaml:"timeout"`
}

// UpstreamConfig は転送先の設定。
type UpstreamConfig struct {
	Scheme string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	Host   string `yaml:"host" validate:"required"`
	Port   int    `yaml:"port" validate:"required,min=1,max=65535"`
	Path   string `yaml:"path" validate:"required"`
}

// LoadGateway はゲートウェイの設定ファイルを読み込んで検証する。
func LoadGateway(path string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := load(path, &cfg, &cfg.Server); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate はタグで表せない制約を検証する。
func (c *GatewayConfig) Validate() error {
	if err := validateEnvironment(c.Environment); err != nil {
		return err
	}
	if c.Environment != EnvironmentDevelopment && c.Insecure.Enabled() {
		return fmt.Errorf("%w: insecure の設定は %s でのみ使用できます", ErrInvalidConfig, EnvironmentDevelopment)
	}
	if err := requireHTTPS(c.Environment, "authority.url", c.Authority.URL); err != nil {
		return err
	}
	if !c.Insecure.SkipAudienceValidation && c.Authority.Audience == "" {
		return fmt.Errorf("%w: authority.audience が指定されていません", ErrInvalidConfig)
	}
	for _, d := range []string{
		c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.ShutdownTimeout,
		c.Authority.RefreshInterval, c.Authority.ClockSkew, c.Authority.Timeout, c.Forward.Timeout,
	} {
		if _, err := ParseDuration(d, 0); err != nil {
			return err
		}
	}
	if c.Authority.RefreshInterval != "" {
		d, _ := ParseDuration(c.Authority.RefreshInterval, 0)
		if d <= 0 {
			return fmt.Errorf("%w: authority.refresh_interval は正の値を指定してください: %q", ErrInvalidConfig, c.Authority.RefreshInterval)
		}
	}
	if _, err := c.RouteDefinitions(); err != nil {
		return err
	}
	return nil
}

// Issuer は期待するissクレームを返す。
func (c *GatewayConfig) Issuer() string {
	if c.Authority.Issuer != "" {
		return strings.TrimRight(c.Authority.Issuer, "/")
	}
	return strings.TrimRight(c.Authority.URL, "/")
}

// RefreshInterval は公開鍵の再取得間隔を返す。
func (c *GatewayConfig) RefreshInterval() time.Duration {
	d, _ := ParseDuration(c.Authority.RefreshInterval, DefaultJWKSRefreshInterval)
	if d <= 0 {
		return DefaultJWKSRefreshInterval
	}
	return d
}

// AuthorityTimeout はトークン発行サービスへの要求のタイムアウトを返す。
func (c *GatewayConfig) AuthorityTimeout() time.Duration {
	d, _ := ParseDuration(c.Authority.Timeout, DefaultAuthorityTimeout)
	return d
}

// AuthOptions はトークン検証器の設定を返す。
func (c *GatewayConfig) AuthOptions() middleware.AuthOptions {
	skew, _ := ParseDuration(c.Authority.ClockSkew, DefaultClockSkew)
	opts := middleware.AuthOptions{
		Issuer:    c.Issuer(),
		Audience:  c.Authority.Audience,
		ClockSkew: skew,
	}
	if c.Environment == EnvironmentDevelopment {
		opts.Insecure = middleware.DevOptions{
			SkipIssuer:   c.Insecure.SkipIssuerValidation,
			SkipAudience: c.Insecure.SkipAudienceValidation,
		}
	}
	return opts
}

// ForwarderOptions は転送器の設定を返す。
func (c *GatewayConfig) ForwarderOptions() gateway.ForwarderOptions {
	timeout, _ := ParseDuration(c.Forward.Timeout, gateway.DefaultForwardTimeout)
	return gateway.ForwarderOptions{
		DefaultTimeout:   timeout,
		MaxResponseBytes: c.Forward.MaxResponseBytes,
	}
}

// RouteDefinitions はルート設定をメソッドごとのルート定義に展開する。
func (c *GatewayConfig) RouteDefinitions() ([]gateway.Route, error) {
	var routes []gateway.Route
	for i, rc := range c.Routes {
		timeout, err := ParseDuration(rc.Timeout, 0)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		for _, method := range rc.Methods {
			name := rc.Name
			if name != "" && len(rc.Methods) > 1 {
				name += " " + strings.ToUpper(method)
			}
			routes = append(routes, gateway.Route{
				Name:    name,
				Method:  method,
				Pattern: rc.Pattern,
				Upstream: gateway.Upstream{
					Scheme:       rc.Upstream.Scheme,
					Host:         rc.Upstream.Host,
					Port:         rc.Upstream.Port,
					PathTemplate: rc.Upstream.Path,
				},
				RequiresAuth:  rc.RequiresAuth,
				RequiredScope: rc.RequiredScope,
				Timeout:       timeout,
			})
		}
	}
	if _, err := gateway.NewRouteTable(routes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return routes, nil
}
