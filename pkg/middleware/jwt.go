package middleware

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// 認証処理のエラー。いずれもHTTP 401に対応する。
var (
	// ErrMissingToken はAuthorizationヘッダーが無い、または "Bearer " で始まらないことを表す。
	ErrMissingToken = errors.New("missing_token")
	// ErrInvalidSignature はどの公開鍵でも署名を検証できない、または発行者や対象者が一致しないことを表す。
	ErrInvalidSignature = errors.New("invalid_signature")
	// ErrExpired はトークンの有効期間外であることを表す。
	ErrExpired = errors.New("expired")
	// ErrInsufficientScope はトークンがルートの要求するスコープを持たないことを表す。
	ErrInsufficientScope = errors.New("insufficient_scope")
)

// bearerPrefix はAuthorizationヘッダーのBearerトークンの接頭辞。大文字小文字を区別する。
const bearerPrefix = "Bearer "

// contextKeyClaims は検証済みクレームをGinコンテキストに格納するキー。
const contextKeyClaims = "claims"

// validMethods は受け付ける署名アルゴリズム。共通鍵方式とnoneは受け付けない。
var validMethods = []string{
	jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodES256.Alg(), jwt.SigningMethodES384.Alg(), jwt.SigningMethodES512.Alg(),
}

// ScopeList はトークンのscopeクレーム。
// 空白区切りの文字列として出力し、文字列と配列のどちらの形式でも読み込める。
type ScopeList []string

// MarshalJSON はスコープを空白区切りの文字列に変換する。
func (s ScopeList) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(s, " "))
}

// UnmarshalJSON は空白区切りの文字列またはJSON配列からスコープを読み込む。
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopeクレームの形式が不正です: %w", err)
	}
	*s = list
	return nil
}

// Claims はアクセストークンのクレームを表す。
// トークン発行サービスが署名し、ゲートウェイが検証する。
type Claims struct {
	jwt.RegisteredClaims
	// ClientID はトークンを取得したクライアントの識別子。
	ClientID string `json:"client_id"`
	// Scope はトークンに付与されたスコープ。
	Scope ScopeList `json:"scope"`
}

// HasScope はトークンが指定したスコープを持つかを返す。
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

// KeySource はkidから署名検証用の公開鍵を引く。
// 実装は要求ごとにネットワーク通信を行ってはならない。
type KeySource interface {
	Key(kid string) (crypto.PublicKey, bool)
}

// DevOptions は開発環境でのみ許可される検証の緩和設定。
// 設定の読み込み時に本番環境での使用は拒否される。
type DevOptions struct {
	// SkipIssuer はissクレームの検証を省略する。
	SkipIssuer bool
	// SkipAudience はaudクレームの検証を省略する。
	SkipAudience bool
}

// AuthOptions はAuthenticatorの設定。
type AuthOptions struct {
	// Issuer は期待するissクレーム。
	Issuer string
	// Audience は期待するaudクレーム。
	Audience string
	// ClockSkew は時刻検証で許容するずれ。
	ClockSkew time.Duration
	// Insecure は開発環境専用の緩和設定。
	Insecure DevOptions
}

// Authenticator はBearerトークンを検証する。
type Authenticator struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewAuthenticator は新しいAuthenticatorを生成する。
// 発行者と対象者は、開発用の緩和設定で省略しない限り必須。
func NewAuthenticator(keys KeySource, opts AuthOptions) (*Authenticator, error) {
	if keys == nil {
		return nil, errors.New("公開鍵の取得元が指定されていません")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithLeeway(opts.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if !opts.Insecure.SkipIssuer {
		if opts.Issuer == "" {
			return nil, errors.New("発行者が指定されていません")
		}
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if !opts.Insecure.SkipAudience {
		if opts.Audience == "" {
			return nil, errors.New("対象者が指定されていません")
		}
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &Authenticator{
		keys:   keys,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Authenticate はリクエストのBearerトークンを検証する。
// requiresAuthがfalseの場合はトークンを見ずに (nil, nil) を返す。
func (a *Authenticator) Authenticate(r *http.Request, requiresAuth bool, requiredScope string) (*Claims, error) {
	if !requiresAuth {
		return nil, nil
	}

	tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
	if !found || strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(tokenString, claims, a.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return nil, ErrInsufficientScope
	}
	return claims, nil
}

// keyFunc はトークンヘッダーのkidに対応する公開鍵を返す。
func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("kidがありません")
	}
	key, ok := a.keys.Key(kid)
	if !ok {
		return nil, fmt.Errorf("未知のkidです: %s", kid)
	}
	return key, nil
}

// errorCode はエラーをレスポンスのerrorフィールドに変換する。
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ErrMissingToken.Error()
	case errors.Is(err, ErrExpired):
		return ErrExpired.Error()
	case errors.Is(err, ErrInsufficientScope):
		return ErrInsufficientScope.Error()
	default:
		return ErrInvalidSignature.Error()
	}
}

// WriteUnauthorized は認証エラーを401レスポンスとして書き込み、後続の処理を中断する。
func WriteUnauthorized(c *gin.Context, err error) {
	code := errorCode(err)
	if errors.Is(err, ErrMissingToken) {
		c.Header("WWW-Authenticate", `Bearer`)
	} else {
		c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer error="%s"`, code))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":             code,
		"error_description": "認証に失敗しました",
	})
}

// RouteAuth はルートごとの認証要件に従ってトークンを検証するGinミドルウェアを返す。
// routeFnは要求が認証を必要とするかと要求スコープを返す。
// 検証に成功した場合、コンテキストにクレームを設定する。
func RouteAuth(auth *Authenticator, routeFn func(c *gin.Context) (requiresAuth bool, requiredScope string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		requiresAuth, scope := routeFn(c)
		claims, err := auth.Authenticate(c.Request, requiresAuth, scope)
		if err != nil {
			WriteUnauthorized(c, err)
			return
		}
		if claims != nil {
			SetClaims(c, claims)
		}
		c.Next()
	}
}

// SetClaims は検証済みクレームをGinコンテキストに設定する。
func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(contextKeyClaims, claims)
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// 認証不要のルートではnilを返す。
func GetClaims(c *gin.Context) *Claims {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
