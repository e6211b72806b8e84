package identity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/pkg/event"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testIssuer = "https://identity.example.com"
	testSecret = "secret_key"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memoryAuditLog はテスト用のインメモリ監査ログ。
type memoryAuditLog struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (m *memoryAuditLog) Record(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memoryAuditLog) recorded() []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*event.Event(nil), m.events...)
}

// newTestStore はAPIスコープとclientを登録したStoreを生成する。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(
		[]Scope{{Name: "API", DisplayName: "Gateway API"}, {Name: "admin", DisplayName: "Admin"}},
		[]Client{
			{
				ID:                "client",
				SecretHash:        HashSecretSHA256(testSecret),
				AllowedScopes:     []string{"API"},
				AllowedGrantTypes: []string{GrantTypeClientCredentials},
			},
			{
				ID:                "ops",
				SecretHash:        HashSecretSHA256("ops-secret"),
				AllowedScopes:     []string{"API", "admin"},
				AllowedGrantTypes: []string{GrantTypeClientCredentials},
			},
		},
	)
	require.NoError(t, err)
	return store
}

// testClock はテスト用の進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestService はテスト用のトークン発行サービスを生成する。
func newTestService(t *testing.T, audit AuditLog, now func() time.Time) (*Service, *KeyRing) {
	t.Helper()

	keys, err := NewKeyRing(KeyRingOptions{Retention: 2 * time.Hour, Now: now})
	require.NoError(t, err)

	svc, err := NewService(Config{
		Issuer:        testIssuer,
		TokenLifetime: time.Hour,
		Now:           now,
	}, newTestStore(t), keys, audit, discardLogger)
	require.NoError(t, err)
	return svc, keys
}
