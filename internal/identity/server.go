package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/pkg/middleware"
)

// Server はトークン発行サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// service はトークン発行サービス。
	service *Service
	// logger は構造化ロガー。
	logger *slog.Logger
}

// tokenResponse はトークンエンドポイントの成功レスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// NewServer は新しいトークン発行サーバーを生成する。
func NewServer(service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Correlation())
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router:  router,
		service: service,
		logger:  logger,
	}
	s.setupRoutes()

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.POST(PathToken, s.handleToken())
	s.router.GET(PathDiscovery, s.handleDiscovery())
	s.router.GET(PathJWKS, s.handleJWKS())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "identity"})
	})
}

// handleDiscovery はディスカバリドキュメントを返すハンドラを返す。
func (s *Server) handleDiscovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.service.Discover())
	}
}

// handleJWKS は公開鍵セットを返すハンドラを返す。
func (s *Server) handleJWKS() gin.HandlerFunc {
	return func(c *gin.Context) {
		set, err := s.service.PublicKeySet()
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "JWKSの生成に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		body, err := json.Marshal(set)
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "JWKSのシリアライズに失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// handleToken はクライアントクレデンシャルフローでトークンを発行するハンドラを返す。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")

		req, basic, err := parseTokenRequest(c.Request)
		if err != nil {
			writeOAuthError(c, err, basic)
			return
		}

		token, err := s.service.IssueToken(c.Request.Context(), req)
		if err != nil {
			writeOAuthError(c, err, basic)
			return
		}

		c.JSON(http.StatusOK, tokenResponse{
			AccessToken: token.Value,
			TokenType:   token.TokenType,
			ExpiresIn:   token.ExpiresIn,
			Scope:       strings.Join(token.Scopes, " "),
		})
	}
}

// parseTokenRequest はフォームとAuthorizationヘッダーからトークン要求を組み立てる。
// Basic認証の資格情報はフォームエンコードされているものとしてデコードする。
// 2番目の戻り値はBasic認証が使われたかを表す。
func parseTokenRequest(r *http.Request) (TokenRequest, bool, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return TokenRequest{}, false, ErrInvalidRequest
	}
	if err := r.ParseForm(); err != nil {
		return TokenRequest{}, false, ErrInvalidRequest
	}

	req := TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Scope:        r.PostForm.Get("scope"),
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return req, false, nil
	}
	if req.ClientSecret != "" {
		// 複数のクライアント認証方式は併用できない
		return req, true, ErrInvalidRequest
	}
	id, err := url.QueryUnescape(user)
	if err != nil {
		return req, true, ErrInvalidRequest
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return req, true, ErrInvalidRequest
	}
	if req.ClientID != "" && req.ClientID != id {
		return req, true, ErrInvalidRequest
	}
	req.ClientID = id
	req.ClientSecret = secret
	return req, true, nil
}

// writeOAuthError はOAuth2形式のエラーレスポンスを書き込む。
func writeOAuthError(c *gin.Context, err error, basic bool) {
	oe := toOAuthError(err)
	if oe.status == http.StatusUnauthorized && basic {
		c.Header("WWW-Authenticate", `Basic realm="identity"`)
	}
	if oe.status == http.StatusInternalServerError && !errors.Is(err, ErrSigningKeyUnavailable) {
		_ = c.Error(err)
	}
	c.JSON(oe.status, gin.H{
		"error":             oe.code,
		"error_description": oe.description,
	})
}
