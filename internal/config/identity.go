package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nao1215/apigw/internal/identity"
)

// DefaultAuditDSN は監査ログの既定のDSN。
const DefaultAuditDSN = "file:audit.db?_pragma=journal_mode(WAL)"


// IdentityConfig はトークン発行サービスの設定。
type IdentityConfig struct {
	Environment   string           `yaml:"environment" validate:"required"`
	Server        ServerConfig     `yaml:"server"`
	Log           LogConfig        `yaml:"log"`
	Issuer        string           `yaml:"issuer" validate:"required,url"`
	Audience      string           `yaml:"audience"`
	TokenLifetime string           `yaml:"token_lifetime"`
	Scopes        []ScopeConfig    `yaml:"scopes" validate:"required,min=1,dive"`
	Clients       []ClientConfig   `yaml:"clients" validate:"required,min=1,dive"`
	SigningKey    SigningKeyConfig `yaml:"signing_key"`
	Audit         AuditConfig      `yaml:"audit"`
}

// ScopeConfig はスコープの定義。
type ScopeConfig struct {
	Name        string `yaml:"name" validate:"required"`
	DisplayName string `yaml:"display_name"`
}

// ClientConfig はクライアントの定義。シークレットはハッシュで指定する。
type ClientConfig struct {
	ID                string   `yaml:"id" validate:"required"`
	SecretHash        string   `yaml:"secret_hash" validate:"required"`
	AllowedScopes     []string `yaml:"allowed_scopes" validate:"required,min=1"`
	AllowedGrantTypes []string `yaml:"allowed_grant_types"`
}

// SigningKeyConfig は署名鍵の設定。
type SigningKeyConfig struct {
	// PrivateKeyPath はPEM形式のRSA秘密鍵のパス。空の場合は起動時に生成する（development のみ）。
	PrivateKeyPath string `yaml:"private_key_path"`
	// KeyID は読み込んだ鍵のkid。
	KeyID string `yaml:"key_id"`
	// RotationInterval はローテーション間隔。空の場合はローテーションしない。
	RotationInterval string `yaml:"rotation_interval"`
	// Retention は退役した鍵を公開し続ける期間。空の場合はトークン有効期間の2倍。
	Retention string `yaml:"retention"`
}

// AuditConfig は監査ログの設定。
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	// ReadScope は監査イベントの参照APIに必要なスコープ。空の場合は参照APIを公開しない。
	ReadScope string `yaml:"read_scope"`
}

// LoadIdentity はトークン発行サービスの設定ファイルを読み込んで検証する。
func LoadIdentity(path string) (*IdentityConfig, error) {
	var cfg IdentityConfig
	if err := load(path, &cfg, &cfg.Server); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate はタグで表せない制約を検証する。
func (c *IdentityConfig) Validate() error {
	if err := validateEnvironment(c.Environment); err != nil {
		return err
	}
	if err := requireHTTPS(c.Environment, "issuer", c.Issuer); err != nil {
		return err
	}
	if c.Environment != EnvironmentDevelopment && c.SigningKey.PrivateKeyPath == "" {
		return fmt.Errorf("%w: signing_key.private_key_path が指定されていません", ErrInvalidConfig)
	}
	for _, d := range []string{
		c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.ShutdownTimeout,
		c.TokenLifetime, c.SigningKey.RotationInterval, c.SigningKey.Retention,
	} {
		if _, err := ParseDuration(d, 0); err != nil {
			return err
		}
	}
	if c.Audit.ReadScope != "" && !c.Audit.Enabled {
		return fmt.Errorf("%w: audit.read_scope は audit.enabled が true の場合にのみ指定できます", ErrInvalidConfig)
	}
	if c.RetentionPeriod() < c.TokenLifetimeDuration() {
		return fmt.Errorf("%w: signing_key.retention はトークンの有効期間以上である必要があります", ErrInvalidConfig)
	}
	store, err := c.Store()
	if err != nil {
		return err
	}
	if c.Audit.ReadScope != "" && !store.HasScope(c.Audit.ReadScope) {
		return fmt.Errorf("%w: audit.read_scope が scopes に登録されていません: %q", ErrInvalidConfig, c.Audit.ReadScope)
	}
	return nil
}

// TokenLifetimeDuration はアクセストークンの有効期間を返す。
func (c *IdentityConfig) TokenLifetimeDuration() time.Duration {
	d, _ := ParseDuration(c.TokenLifetime, identity.DefaultTokenLifetime)
	if d == 0 {
		return identity.DefaultTokenLifetime
	}
	return d
}

// RotationInterval は署名鍵のローテーション間隔を返す。0はローテーションしない。
func (c *IdentityConfig) RotationInterval() time.Duration {
	d, _ := ParseDuration(c.SigningKey.RotationInterval, 0)
	return d
}

// RetentionPeriod は退役鍵の保持期間を返す。
func (c *IdentityConfig) RetentionPeriod() time.Duration {
	d, _ := ParseDuration(c.SigningKey.Retention, 0)
	if d == 0 {
		return 2 * c.TokenLifetimeDuration()
	}
	return d
}

// AuditDSN は監査ログのDSNを返す。
func (c *IdentityConfig) AuditDSN() string {
	if c.Audit.DSN != "" {
		return c.Audit.DSN
	}
	return DefaultAuditDSN
}

// ServiceConfig はトークン発行サービスの設定を返す。
func (c *IdentityConfig) ServiceConfig() identity.Config {
	return identity.Config{
		Issuer:        strings.TrimRight(c.Issuer, "/"),
		Audience:      c.Audience,
		TokenLifetime: c.TokenLifetimeDuration(),
	}
}

// Store はスコープとクライアントの定義からクライアントストアを生成する。
func (c *IdentityConfig) Store() (*identity.Store, error) {
	scopes := make([]identity.Scope, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		scopes = append(scopes, identity.Scope{Name: s.Name, DisplayName: s.DisplayName})
	}

	clients := make([]identity.Client, 0, len(c.Clients))
	for _, cc := range c.Clients {
		grantTypes := cc.AllowedGrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{identity.GrantTypeClientCredentials}
		}
		clients = append(clients, identity.Client{
			ID:                cc.ID,
			SecretHash:        cc.SecretHash,
			AllowedScopes:     cc.AllowedScopes,
			AllowedGrantTypes: grantTypes,
		})
	}

	store, err := identity.NewStore(scopes, clients)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return store, nil
}

// KeyRingOptions は署名鍵の設定を返す。鍵ファイルが指定されている場合は読み込む。
func (c *IdentityConfig) KeyRingOptions() (identity.KeyRingOptions, error) {
	opts := identity.KeyRingOptions{
		KeyID:     c.SigningKey.KeyID,
		Retention: c.RetentionPeriod(),
	}
	if c.SigningKey.PrivateKeyPath != "" {
		pem, err := os.ReadFile(c.SigningKey.PrivateKeyPath)
		if err != nil {
			return identity.KeyRingOptions{}, fmt.Errorf("署名鍵の読み込みに失敗: %w", err)
		}
		opts.PrivateKeyPEM = pem
	}
	return opts, nil
}
