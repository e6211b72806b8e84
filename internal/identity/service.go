package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/nao1215/apigw/pkg/event"
	"github.com/nao1215/apigw/pkg/middleware"
)

// エンドポイントのパス。
const (
	PathToken     = "/connect/token"
	PathDiscovery = "/.well-known/openid-configuration"
	PathJWKS      = "/.well-known/openid-configuration/jwks"
)

// DefaultTokenLifetime はアクセストークンのデフォルトの有効期間。
const DefaultTokenLifetime = time.Hour

// Config はトークン発行サービスの設定。
type Config struct {
	// Issuer はissクレームとディスカバリのissuer。外部から到達できるベースURL。
	Issuer string
	// Audience はaudクレーム。空の場合は Issuer + "/resources"。
	Audience string
	// TokenLifetime はアクセストークンの有効期間。
	TokenLifetime time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Discovery はディスカバリドキュメント。
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// TokenRequest はトークン発行要求。
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	// Scope は空白区切りの要求スコープ。空の場合はクライアントに許可された全スコープ。
	Scope string
}

// AccessToken は発行したアクセストークン。
type AccessToken struct {
	// Value は署名済みのJWT。
	Value string
	// TokenType は常に "Bearer"。
	TokenType string
	// ExpiresIn は有効期間の秒数。
	ExpiresIn int64
	// Scopes は付与したスコープ。
	Scopes []string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
	// ID はjtiクレーム。
	ID string
}

// Service はアクセストークンを発行する。
type Service struct {
	cfg    Config
	store  *Store
	keys   *KeyRing
	audit  AuditLog
	logger *slog.Logger
}

// NewService は新しいトークン発行サービスを生成する。
// auditがnilの場合は監査ログを記録しない。
func NewService(cfg Config, store *Store, keys *KeyRing, audit AuditLog, logger *slog.Logger) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("発行者が指定されていません")
	}
	if store == nil || keys == nil {
		return nil, errors.New("クライアントストアと鍵が必要です")
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer + "/resources"
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if audit == nil {
		audit = NopAuditLog{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:    cfg,
		store:  store,
		keys:   keys,
		audit:  audit,
		logger: logger,
	}, nil
}

// Issuer は発行者を返す。
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// Audience はaudクレームの値を返す。
func (s *Service) Audience() string {
	return s.cfg.Audience
}

// Discover はディスカバリドキュメントを返す。
func (s *Service) Discover() Discovery {
	scopes := s.store.Scopes()
	names := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		names = append(names, scope.Name)
	}

	return Discovery{
		Issuer:                            s.cfg.Issuer,
		TokenEndpoint:                     s.cfg.Issuer + PathToken,
		JWKSURI:                           s.cfg.Issuer + PathJWKS,
		GrantTypesSupported:               []string{GrantTypeClientCredentials},
		ScopesSupported:                   names,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		IDTokenSigningAlgValuesSupported:  []string{jwt.SigningMethodRS256.Alg()},
	}
}

// PublicKeySet は現用鍵と保持期間内の退役鍵をJWKSとして返す。
func (s *Service) PublicKeySet() (jwk.Set, error) {
	return s.keys.PublicKeySet(s.cfg.Now())
}

// IssueToken はクライアントを認証してアクセストークンを発行する。
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (*AccessToken, error) {
	token, err := s.issue(ctx, req)
	if err != nil {
		s.reject(ctx, req, err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "アクセストークンを発行しました",
		slog.String("client_id", req.ClientID),
		slog.String("scope", strings.Join(token.Scopes, " ")),
		slog.String("jti", token.ID),
	)
	return token, nil
}

func (s *Service) issue(ctx context.Context, req TokenRequest) (*AccessToken, error) {
	if req.GrantType == "" || req.ClientID == "" {
		return nil, ErrInvalidRequest
	}
	if req.GrantType != GrantTypeClientCredentials {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGrantType, req.GrantType)
	}

	client, ok := s.store.Client(req.ClientID)
	if !ok {
		s.store.VerifyUnknown(req.ClientSecret)
		return nil, ErrUnknownClient
	}
	if !client.VerifySecret(req.ClientSecret) {
		return nil, ErrInvalidCredentials
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, ErrUnauthorizedClient
	}

	scopes, err := s.grantedScopes(client, req.Scope)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now().Truncate(time.Second)
	expiresAt := now.Add(s.cfg.TokenLifetime)
	claims := &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   client.ID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		ClientID: client.ID,
		Scope:    scopes,
	}

	signed, kid, err := s.keys.Sign(claims)
	if err != nil {
		return nil, err
	}

	token := &AccessToken{
		Value:     signed,
		TokenType: "Bearer",
		ExpiresIn: int64(s.cfg.TokenLifetime / time.Second),
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		ID:        claims.ID,
	}
	s.record(ctx, client.ID, event.TypeTokenIssued, event.TokenIssuedData{
		TokenID:   token.ID,
		Scopes:    scopes,
		KeyID:     kid,
		ExpiresAt: expiresAt,
	})
	return token, nil
}

// grantedScopes は要求スコープを重複を除いて検証する。
// 要求が空の場合はクライアントに許可された全スコープを付与する。
func (s *Service) grantedScopes(client *Client, requested string) ([]string, error) {
	fields := strings.Fields(requested)
	if len(fields) == 0 {
		return slices.Clone(client.AllowedScopes), nil
	}

	scopes := make([]string, 0, len(fields))
	for _, scope := range fields {
		if slices.Contains(scopes, scope) {
			continue
		}
		if !s.store.HasScope(scope) || !client.AllowsScope(scope) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// reject は拒否理由をログと監査ログに記録する。
// 未登録クライアントとシークレット不一致は内部でのみ区別する。
func (s *Service) reject(ctx context.Context, req TokenRequest, err error) {
	reason := rejectionReason(err)
	attrs := []any{
		slog.String("client_id", req.ClientID),
		slog.String("reason", reason),
	}
	if errors.Is(err, ErrSigningKeyUnavailable) {
		s.logger.ErrorContext(ctx, "署名鍵が利用できないためトークンを発行できません", append(attrs, slog.String("error", err.Error()))...)
	} else {
		s.logger.WarnContext(ctx, "トークン発行要求を拒否しました", attrs...)
	}

	if req.ClientID == "" {
		return
	}
	s.record(ctx, req.ClientID, event.TypeTokenRejected, event.TokenRejectedData{
		Reason:         reason,
		RequestedScope: req.Scope,
	})
}

// RotateSigningKey は署名鍵をローテーションし、監査ログに記録する。
func (s *Service) RotateSigningKey(ctx context.Context) (Rotation, error) {
	rotation, err := s.keys.Rotate()
	if err != nil {
		return Rotation{}, fmt.Errorf("署名鍵のローテーションに失敗: %w", err)
	}

	s.logger.InfoContext(ctx, "署名鍵をローテーションしました",
		slog.String("kid", rotation.KeyID),
		slog.String("previous_kid", rotation.PreviousKeyID),
		slog.String("next_kid", rotation.NextKeyID),
		slog.Time("retires_at", rotation.RetiresAt),
	)
	s.record(ctx, rotation.KeyID, event.TypeSigningKeyRotated, event.SigningKeyRotatedData{
		PreviousKeyID: rotation.PreviousKeyID,
		NextKeyID:     rotation.NextKeyID,
		RetiresAt:     rotation.RetiresAt,
	})
	return rotation, nil
}

// RunKeyRotation はintervalごとに署名鍵をローテーションする。ctxがキャンセルされるまでブロックする。
// intervalが0以下の場合は何もせずに戻る。
func (s *Service) RunKeyRotation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RotateSigningKey(ctx); err != nil {
				s.logger.ErrorContext(ctx, "定期ローテーションに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// record は監査イベントを記録する。失敗してもトークン発行は妨げない。
func (s *Service) record(ctx context.Context, aggregateID string, eventType event.Type, data any) {
	aggregateType := event.AggregateTypeClient
	if eventType == event.TypeSigningKeyRotated {
		aggregateType = event.AggregateTypeSigningKey
	}

	e, err := event.New(aggregateID, aggregateType, eventType, data)
	if err == nil {
		err = s.audit.Record(ctx, e)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "監査ログの記録に失敗しました",
			slog.String("event_type", string(eventType)),
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
	}
}
