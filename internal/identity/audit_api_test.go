package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nao1215/apigw/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServer_AuditAPI は監査イベントの参照APIを検証する。
func TestServer_AuditAPI(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Server, *Service) {
		t.Helper()

		audit := openTestAuditLog(t)
		svc, _ := newTestService(t, audit, nil)
		s := NewServer(svc, discardLogger)
		require.NoError(t, s.MountAuditAPI(audit, "admin"))
		return s, svc
	}

	issue := func(t *testing.T, svc *Service, clientID, secret, scope string) string {
		t.Helper()

		token, err := svc.IssueToken(context.Background(), TokenRequest{
			GrantType:    GrantTypeClientCredentials,
			ClientID:     clientID,
			ClientSecret: secret,
			Scope:        scope,
		})
		require.NoError(t, err)
		return token.Value
	}

	get := func(s *Server, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	t.Run("参照スコープを持つトークンでイベントを取得できること", func(t *testing.T) {
		t.Parallel()

		s, svc := setup(t)
		issue(t, svc, "client", testSecret, "API")
		_, err := svc.IssueToken(context.Background(), clientCredentials("client", "wrong", "API"))
		require.Error(t, err)
		admin := issue(t, svc, "ops", "ops-secret", "admin")

		w := get(s, "/audit/clients/client/events", admin)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			ClientID string         `json:"client_id"`
			Events   []*event.Event `json:"events"`
			Summary  auditSummary   `json:"summary"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "client", body.ClientID)
		require.Len(t, body.Events, 2)
		assert.Equal(t, event.TypeTokenIssued, body.Events[0].EventType)
		assert.Equal(t, event.TypeTokenRejected, body.Events[1].EventType)
		assert.Equal(t, 1, body.Summary.Issued)
		assert.Equal(t, map[string]int{"invalid_credentials": 1}, body.Summary.Rejected)
	})

	t.Run("イベントが無い場合は空の配列を返すこと", func(t *testing.T) {
		t.Parallel()

		s, svc := setup(t)
		admin := issue(t, svc, "ops", "ops-secret", "admin")

		w := get(s, "/audit/clients/nobody/events", admin)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"client_id":"nobody","events":[],"summary":{"issued":0,"rejected":{}}}`, w.Body.String())
	})

	t.Run("参照スコープの無いトークンは401になること", func(t *testing.T) {
		t.Parallel()

		s, svc := setup(t)
		token := issue(t, svc, "client", testSecret, "API")

		w := get(s, "/audit/clients/client/events", token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `Bearer error="insufficient_scope"`, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("トークンが無い場合は401になること", func(t *testing.T) {
		t.Parallel()

		s, _ := setup(t)
		w := get(s, "/audit/clients/client/events", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("未登録のスコープを指定するとエラーになること", func(t *testing.T) {
		t.Parallel()

		svc, _ := newTestService(t, nil, nil)
		err := NewServer(svc, discardLogger).MountAuditAPI(openTestAuditLog(t), "audit")
		assert.Error(t, err)
	})
}
