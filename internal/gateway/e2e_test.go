package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/apigw/internal/gateway"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/sampleapi"
	"github.com/nao1215/apigw/pkg/httpclient"
	"github.com/nao1215/apigw/pkg/jwks"
	"github.com/nao1215/apigw/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/clientcredentials"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// environment はトークン発行サービス、ゲートウェイ、転送先を起動した構成。
type environment struct {
	issuer  string
	service *identity.Service
	gateway *httptest.Server
	calls   *atomic.Int32
}

// startIdentity はトークン発行サービスを起動し、そのベースURLを返す。
func startIdentity(t *testing.T) (string, *identity.Service) {
	t.Helper()

	srv := httptest.NewUnstartedServer(nil)
	issuer := "http://" + srv.Listener.Addr().String()

	hash, err := identity.HashSecret("secret_key")
	require.NoError(t, err)
	store, err := identity.NewStore(
		[]identity.Scope{{Name: "API", DisplayName: "Ocelot API"}},
		[]identity.Client{{
			ID:                "client",
			SecretHash:        hash,
			AllowedScopes:     []string{"API"},
			AllowedGrantTypes: []string{identity.GrantTypeClientCredentials},
		}},
	)
	require.NoError(t, err)
	keys, err := identity.NewKeyRing(identity.KeyRingOptions{Retention: time.Hour})
	require.NoError(t, err)
	svc, err := identity.NewService(identity.Config{Issuer: issuer}, store, keys, identity.NopAuditLog{}, quietLogger)
	require.NoError(t, err)

	srv.Config.Handler = identity.NewServer(svc, quietLogger).Handler()
	srv.Start()
	t.Cleanup(srv.Close)
	return issuer, svc
}

// startBackend は呼び出し回数を数えるサンプルAPIを起動する。
func startBackend(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	api := sampleapi.NewServer(quietLogger).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startEnvironment(t *testing.T) *environment {
	t.Helper()

	issuer, svc := startIdentity(t)
	calls := &atomic.Int32{}
	backend := startBackend(t, calls)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	upstream := func(path string) gateway.Upstream {
		return gateway.Upstream{Host: host, Port: port, PathTemplate: path}
	}

	routes, err := gateway.NewRouteTable([]gateway.Route{
		{Method: "GET", Pattern: "/secured/{number:int}", Upstream: upstream("/api/secured/{number}"), RequiresAuth: true, RequiredScope: "API"},
		{Method: "POST", Pattern: "/secured", Upstream: upstream("/api/secured"), RequiresAuth: true, RequiredScope: "API"},
		{Method: "GET", Pattern: "/secured", Upstream: upstream("/api/secured"), RequiresAuth: true, RequiredScope: "API"},
		{Method: "GET", Pattern: "/WeatherForecast", Upstream: upstream("/WeatherForecast")},
	})
	require.NoError(t, err)

	cache := jwks.NewCache(httpclient.New(issuer, 5*time.Second), quietLogger)
	require.NoError(t, cache.Refresh(context.Background()))

	auth, err := middleware.NewAuthenticator(cache, middleware.AuthOptions{
		Issuer:   svc.Issuer(),
		Audience: svc.Audience(),
	})
	require.NoError(t, err)

	s, err := gateway.NewServer(routes, auth, gateway.NewForwarder(gateway.ForwarderOptions{DefaultTimeout: 5 * time.Second}), gateway.ServerOptions{
		AllowedOrigins: []string{"*"},
		Registry:       prometheus.NewRegistry(),
		Logger:         quietLogger,
	})
	require.NoError(t, err)

	gw := httptest.NewServer(s.Handler())
	t.Cleanup(gw.Close)

	return &environment{issuer: issuer, service: svc, gateway: gw, calls: calls}
}

func (e *environment) credentials() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "secret_key",
		TokenURL:     e.issuer + identity.PathToken,
		Scopes:       []string{"API"},
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

// TestEndToEnd はトークン取得からゲートウェイ経由の呼び出しまでを検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	t.Run("取得したトークンで保護されたルートを呼び出せること", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)
		ctx := context.Background()

		token, err := env.credentials().Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Bearer", token.TokenType)
		assert.NotEmpty(t, token.AccessToken)

		resp, err := env.credentials().Client(ctx).Get(env.gateway.URL + "/secured/12")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Secured number square: 144", readBody(t, resp))
	})

	t.Run("JSONボディ付きのPOSTが転送されること", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)
		client := env.credentials().Client(context.Background())

		resp, err := client.Post(env.gateway.URL+"/secured", "application/json",
			strings.NewReader(`{"FirstName":"Hello","LastName":"World"}`))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Your secured name: Hello World", readBody(t, resp))
	})

	t.Run("トークン無しの保護されたルートは401で転送されないこと", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)

		resp, err := http.Get(env.gateway.URL + "/secured")
		require.NoError(t, err)
		_ = readBody(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		assert.Zero(t, env.calls.Load())
	})

	t.Run("認証不要のルートはトークン無しで成功すること", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)

		resp, err := http.Get(env.gateway.URL + "/WeatherForecast")
		require.NoError(t, err)
		body := readBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "temperatureC")
		assert.Equal(t, int32(1), env.calls.Load())
	})

	t.Run("未登録のパスは転送せずに404を返すこと", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)

		resp, err := http.Get(env.gateway.URL + "/unknown/path")
		require.NoError(t, err)
		_ = readBody(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Zero(t, env.calls.Load())
	})

	t.Run("鍵のローテーション直後に発行されたトークンも再取得を待たずに通ること", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)
		ctx := context.Background()

		_, err := env.service.RotateSigningKey(ctx)
		require.NoError(t, err)

		resp, err := env.credentials().Client(ctx).Get(env.gateway.URL + "/secured/3")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Secured number square: 9", readBody(t, resp))
	})

	t.Run("改ざんされたトークンは401になること", func(t *testing.T) {
		t.Parallel()

		env := startEnvironment(t)
		token, err := env.credentials().Token(context.Background())
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, env.gateway.URL+"/secured", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token.AccessToken+"x")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = readBody(t, resp)

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, env.calls.Load())
	})
}
