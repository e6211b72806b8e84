package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matchFor はhttptestサーバーを転送先とする照合結果を生成する。
func matchFor(t *testing.T, backend *httptest.Server, method, pattern, template string, timeout time.Duration) *Match {
	t.Helper()

	host, port := hostPort(t, backend.URL)
	table, err := NewRouteTable([]Route{{
		Method:   method,
		Pattern:  pattern,
		Upstream: Upstream{Host: host, Port: port, PathTemplate: template},
		Timeout:  timeout,
	}})
	require.NoError(t, err)
	return &Match{Route: table.Routes()[0]}
}

// TestForwarder_Forward は転送を検証する。
func TestForwarder_Forward(t *testing.T) {
	t.Parallel()

	t.Run("メソッドとボディとクエリが転送され応答が中継されること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Backend", "yes")
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + string(body)))
		}))
		defer backend.Close()

		m := matchFor(t, backend, "POST", "/echo", "/api/echo", 0)
		req := httptest.NewRequest(http.MethodPost, "/echo?x=1", strings.NewReader("payload"))

		resp, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), req, m)
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "POST /api/echo?x=1 payload", string(resp.Body))
		assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
		assert.Empty(t, resp.Header.Get("Content-Length"))
	})

	t.Run("ホップバイホップヘッダーが除かれ転送用ヘッダーが付与されること", func(t *testing.T) {
		t.Parallel()

		got := make(chan http.Header, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got <- r.Header.Clone()
			w.Header().Set("Keep-Alive", "timeout=5")
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		m := matchFor(t, backend, "GET", "/h", "/h", 0)
		req := httptest.NewRequest(http.MethodGet, "http://gateway.example.com/h", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		req.Header.Set("Authorization", "Bearer token")
		req.Header.Set("Connection", "X-Internal")
		req.Header.Set("X-Internal", "secret")
		req.Header.Set("Proxy-Authorization", "Basic xyz")
		req.Header.Set("X-Correlation-Id", "corr-1")

		resp, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), req, m)
		require.NoError(t, err)
		assert.Empty(t, resp.Header.Get("Keep-Alive"))

		h := <-got
		assert.Equal(t, "Bearer token", h.Get("Authorization"))
		assert.Empty(t, h.Get("X-Internal"))
		assert.Empty(t, h.Get("Proxy-Authorization"))
		assert.Equal(t, "203.0.113.7", h.Get("X-Forwarded-For"))
		assert.Equal(t, "gateway.example.com", h.Get("X-Forwarded-Host"))
		assert.Equal(t, "http", h.Get("X-Forwarded-Proto"))
		assert.Equal(t, "corr-1", h.Get("X-Correlation-Id"))
	})

	t.Run("既存のX-Forwarded-Forに追記されること", func(t *testing.T) {
		t.Parallel()

		got := make(chan string, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got <- r.Header.Get("X-Forwarded-For")
		}))
		defer backend.Close()

		m := matchFor(t, backend, "GET", "/h", "/h", 0)
		req := httptest.NewRequest(http.MethodGet, "/h", nil)
		req.RemoteAddr = "10.0.0.2:1000"
		req.Header.Set("X-Forwarded-For", "198.51.100.1")

		_, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), req, m)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.1, 10.0.0.2", <-got)
	})

	t.Run("転送先のエラーステータスもそのまま中継されること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer backend.Close()

		m := matchFor(t, backend, "GET", "/h", "/h", 0)
		resp, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/h", nil), m)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "boom\n", string(resp.Body))
	})

	t.Run("リダイレクトは追わずに中継されること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		}))
		defer backend.Close()

		m := matchFor(t, backend, "GET", "/h", "/h", 0)
		resp, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/h", nil), m)
		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
	})

	t.Run("接続できない場合はErrDownstreamUnavailableになること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		m := matchFor(t, backend, "GET", "/h", "/h", 0)
		backend.Close()

		_, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/h", nil), m)
		assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	})

	t.Run("ルートのタイムアウトを超えるとErrDownstreamTimeoutになること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer backend.Close()
		defer close(release)

		m := matchFor(t, backend, "GET", "/slow", "/slow", 50*time.Millisecond)
		start := time.Now()
		_, err := NewForwarder(ForwarderOptions{}).Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/slow", nil), m)
		assert.ErrorIs(t, err, ErrDownstreamTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("応答が上限を超えるとErrDownstreamUnavailableになること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		}))
		defer backend.Close()

		m := matchFor(t, backend, "GET", "/big", "/big", 0)
		_, err := NewForwarder(ForwarderOptions{MaxResponseBytes: 10}).Forward(context.Background(), httptest.NewRequest(http.MethodGet, "/big", nil), m)
		assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	})
}
