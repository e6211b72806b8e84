package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/apigw/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const gatewayYAML = `
environment: production
server:
  port: 4000
authority:
  url: https://identity.example.com
  audience: https://identity.example.com/resources
  refresh_interval: 1m
routes:
  - name: secured
    methods: [GET, post]
    pattern: /secured
    upstream:
      host: backend
      port: 8080
      path: /api/secured
    requires_auth: true
    required_scope: API
  - methods: [GET]
    pattern: /WeatherForecast
    upstream:
      host: backend
      port: 8080
      path: /WeatherForecast
    timeout: 5s
`

// TestLoadGateway はゲートウェイ設定の読み込みを検証する。
func TestLoadGateway(t *testing.T) {
	t.Parallel()

	t.Run("設定を読み込みルートをメソッドごとに展開できること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadGateway(writeConfig(t, gatewayYAML))
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Server.Port)
		assert.Equal(t, "https://identity.example.com", cfg.Issuer())
		assert.Equal(t, time.Minute, cfg.RefreshInterval())

		routes, err := cfg.RouteDefinitions()
		require.NoError(t, err)
		require.Len(t, routes, 3)
		assert.Equal(t, "secured GET", routes[0].Name)
		assert.Equal(t, "secured POST", routes[1].Name)
		assert.Equal(t, "post", routes[1].Method)
		assert.Equal(t, 5*time.Second, routes[2].Timeout)
		assert.False(t, routes[2].RequiresAuth)

		opts := cfg.AuthOptions()
		assert.Equal(t, "https://identity.example.com/resources", opts.Audience)
		assert.Equal(t, DefaultClockSkew, opts.ClockSkew)
		assert.False(t, opts.Insecure.SkipIssuer)
	})

	t.Run("同梱の開発用設定を読み込めること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadGateway(filepath.Join("..", "..", "configs", "gateway.yaml"))
		require.NoError(t, err)
		routes, err := cfg.RouteDefinitions()
		require.NoError(t, err)
		assert.Len(t, routes, 4)
	})

	tests := []struct {
		name    string
		content string
	}{
		{
			name: "productionで検証の緩和を指定するとエラーになること",
			content: gatewayYAML + `
insecure:
  skip_audience_validation: true
`,
		},
		{
			name: "productionでhttpの発行者を指定するとエラーになること",
			content: `
environment: production
server: {port: 4000}
authority: {url: "http://identity:5000", audience: x}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}}
`,
		},
		{
			name: "スコープの無い認証必須ルートはエラーになること",
			content: `
environment: development
server: {port: 4000}
authority: {url: "http://identity:5000", audience: x}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}, requires_auth: true}
`,
		},
		{
			name: "重なり合うルートはエラーになること",
			content: `
environment: development
server: {port: 4000}
authority: {url: "http://identity:5000", audience: x}
routes:
  - {methods: [GET], pattern: "/a/{id}", upstream: {host: b, port: 1, path: /a}}
  - {methods: [GET], pattern: /a/list, upstream: {host: b, port: 1, path: /a}}
`,
		},
		{
			name: "ルートが無い場合はエラーになること",
			content: `
environment: development
server: {port: 4000}
authority: {url: "http://identity:5000", audience: x}
`,
		},
		{
			name: "不正な期間はエラーになること",
			content: `
environment: development
server: {port: 4000, read_timeout: soon}
authority: {url: "http://identity:5000", audience: x}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}}
`,
		},
		{
			name: "公開鍵の再取得間隔に0を指定するとエラーになること",
			content: `
environment: development
server: {port: 4000}
authority: {url: "http://identity:5000", audience: x, refresh_interval: 0s}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}}
`,
		},
		{
			name: "不明な実行環境はエラーになること",
			content: `
environment: staging
server: {port: 4000}
authority: {url: "https://identity", audience: x}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadGateway(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("developmentでは検証の緩和を指定できること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadGateway(writeConfig(t, `
environment: development
server: {port: 4000}
authority: {url: "http://identity:5000"}
insecure: {skip_issuer_validation: true, skip_audience_validation: true}
routes:
  - {methods: [GET], pattern: /a, upstream: {host: b, port: 1, path: /a}}
`))
		require.NoError(t, err)
		opts := cfg.AuthOptions()
		assert.True(t, opts.Insecure.SkipIssuer)
		assert.True(t, opts.Insecure.SkipAudience)
	})

	t.Run("ファイルが無い場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := LoadGateway(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

// TestLoadGateway_PortOverride は環境変数PORTによる上書きを検証する。
func TestLoadGateway_PortOverride(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := LoadGateway(writeConfig(t, gatewayYAML))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":9090", cfg.Server.Addr())
}

const identityYAML = `
environment: development
server:
  port: 5000
issuer: http://localhost:5000/
token_lifetime: 30m
scopes:
  - name: API
    display_name: Ocelot API
clients:
  - id: client
    secret_hash: "sha256:ZSPli8DuxCwxuWNdXg38I7bRGbc+YzvzpShMebtKHt4="
    allowed_scopes: [API]
signing_key:
  rotation_interval: 12h
`

// TestLoadIdentity はトークン発行サービス設定の読み込みを検証する。
func TestLoadIdentity(t *testing.T) {
	t.Parallel()

	t.Run("設定を読み込み既定値が補われること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadIdentity(writeConfig(t, identityYAML))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, cfg.TokenLifetimeDuration())
		assert.Equal(t, time.Hour, cfg.RetentionPeriod())
		assert.Equal(t, 12*time.Hour, cfg.RotationInterval())
		assert.Equal(t, DefaultAuditDSN, cfg.AuditDSN())
		assert.Equal(t, "http://localhost:5000", cfg.ServiceConfig().Issuer)

		store, err := cfg.Store()
		require.NoError(t, err)
		client, ok := store.Client("client")
		require.True(t, ok)
		assert.True(t, client.VerifySecret("secret_key"))
		assert.True(t, client.AllowsGrantType(identity.GrantTypeClientCredentials))
	})

	t.Run("同梱の開発用設定を読み込めること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadIdentity(filepath.Join("..", "..", "configs", "identity.yaml"))
		require.NoError(t, err)
		assert.True(t, cfg.Audit.Enabled)
	})

	t.Run("鍵ファイルを指定すると読み込まれること", func(t *testing.T) {
		t.Parallel()

		keyPath := filepath.Join(t.TempDir(), "key.pem")
		require.NoError(t, os.WriteFile(keyPath, []byte("pem"), 0o600))

		cfg, err := LoadIdentity(writeConfig(t, identityYAML+"  private_key_path: "+keyPath+"\n  key_id: k1\n"))
		require.NoError(t, err)
		opts, err := cfg.KeyRingOptions()
		require.NoError(t, err)
		assert.Equal(t, []byte("pem"), opts.PrivateKeyPEM)
		assert.Equal(t, "k1", opts.KeyID)
	})

	tests := []struct {
		name    string
		content string
	}{
		{
			name: "productionで鍵ファイルが無い場合はエラーになること",
			content: `
environment: production
server: {port: 5000}
issuer: https://identity.example.com
scopes: [{name: API}]
clients: [{id: client, secret_hash: "sha256:ZSPli8DuxCwxuWNdXg38I7bRGbc+YzvzpShMebtKHt4=", allowed_scopes: [API]}]
`,
		},
		{
			name: "未定義のスコープを許可するとエラーになること",
			content: `
environment: development
server: {port: 5000}
issuer: http://localhost:5000
scopes: [{name: API}]
clients: [{id: client, secret_hash: "sha256:ZSPli8DuxCwxuWNdXg38I7bRGbc+YzvzpShMebtKHt4=", allowed_scopes: [admin]}]
`,
		},
		{
			name: "保持期間がトークンの有効期間より短いとエラーになること",
			content: identityWithRetention,
		},
		{
			name: "クライアントが無い場合はエラーになること",
			content: `
environment: development
server: {port: 5000}
issuer: http://localhost:5000
scopes: [{name: API}]
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadIdentity(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

const identityWithRetention = `
environment: development
server: {port: 5000}
issuer: http://localhost:5000
token_lifetime: 1h
scopes: [{name: API}]
clients: [{id: client, secret_hash: "sha256:ZSPli8DuxCwxuWNdXg38I7bRGbc+YzvzpShMebtKHt4=", allowed_scopes: [API]}]
signing_key: {retention: 10m}
`

// TestParseDuration は期間の解析を検証する。
func TestParseDuration(t *testing.T) {
	t.Parallel()

	d, err := ParseDuration("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDuration("90s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("-1s", 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestLoadIdentity_AuditReadScope は監査ログ参照スコープの検証を確認する。
func TestLoadIdentity_AuditReadScope(t *testing.T) {
	t.Parallel()

	base := `
environment: development
server: {port: 5000}
issuer: http://localhost:5000
scopes: [{name: API}, {name: audit}]
clients: [{id: client, secret_hash: "sha256:ZSPli8DuxCwxuWNdXg38I7bRGbc+YzvzpShMebtKHt4=", allowed_scopes: [API]}]
`
	t.Run("登録済みのスコープを指定できること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadIdentity(writeConfig(t, base+"audit: {enabled: true, read_scope: audit}\n"))
		require.NoError(t, err)
		assert.Equal(t, "audit", cfg.Audit.ReadScope)
	})

	t.Run("監査ログが無効の場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := LoadIdentity(writeConfig(t, base+"audit: {enabled: false, read_scope: audit}\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("未登録のスコープはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := LoadIdentity(writeConfig(t, base+"audit: {enabled: true, read_scope: admin}\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
