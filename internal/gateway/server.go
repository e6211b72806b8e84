package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// contextKeyMatch は照合結果をGinコンテキストに格納するキー。
const contextKeyMatch = "route_match"

// reservedPaths はゲートウェイ自身が処理するパス。ルート表では使えない。
var reservedPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// routes は検証済みのルート表。
	routes *RouteTable
	// auth はBearerトークンの検証器。
	auth *middleware.Authenticator
	// forwarder は転送先への転送を行う。
	forwarder *Forwarder
	// logger は構造化ロガー。
	logger *slog.Logger
}

// ServerOptions はServerの設定。
type ServerOptions struct {
	// AllowedOrigins はCORSで許可するオリジン。"*" で全て許可する。
	AllowedOrigins []string
	// Registry はメトリクスの登録先。nilの場合は新しいレジストリを使う。
	Registry *prometheus.Registry
	// Logger は構造化ロガー。
	Logger *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(routes *RouteTable, auth *middleware.Authenticator, forwarder *Forwarder, opts ServerOptions) (*Server, error) {
	if routes == nil || auth == nil || forwarder == nil {
		return nil, errors.New("ルート表と認証器と転送器が必要です")
	}
	for _, r := range routes.Routes() {
		if _, ok := reservedPaths[r.Pattern]; ok {
			return nil, fmt.Errorf("%s はゲートウェイが使用するため設定できません", r.Pattern)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics, err := middleware.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Correlation())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(metrics.Handler())

	s := &Server{
		router:    router,
		routes:    routes,
		auth:      auth,
		forwarder: forwarder,
		logger:    logger,
	}
	s.setupRoutes(registry)

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はルーティングを設定する。
// ルート表のパスは全てNoRouteに入り、照合、認証、転送の順に処理される。
func (s *Server) setupRoutes(registry *prometheus.Registry) {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway", "routes": s.routes.Len()})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	s.router.NoRoute(
		s.handleMatch(),
		middleware.RouteAuth(s.auth, routeRequirements),
		s.handleForward(),
	)
}

// handleMatch はリクエストをルート表と照合するハンドラを返す。一致しない場合は404で終了する。
func (s *Server) handleMatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := s.routes.Match(c.Request.Method, c.Request.URL.EscapedPath())
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":             "not_found",
				"error_description": "ルートが見つかりません",
			})
			return
		}
		middleware.SetRouteName(c, m.Route.Name)
		c.Set(contextKeyMatch, m)
		c.Next()
	}
}

// routeRequirements は照合済みルートの認証要件を返す。
func routeRequirements(c *gin.Context) (bool, string) {
	m := getMatch(c)
	if m == nil {
		return true, ""
	}
	return m.Route.RequiresAuth, m.Route.RequiredScope
}

// handleForward は照合済みのルートへリクエストを転送し、応答を中継するハンドラを返す。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		m := getMatch(c)
		if m == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		s.doProxy(c, m)
	}
}

// doProxy は転送を行い、転送先の応答をステータス、ヘッダー、ボディともにそのまま返す。
func (s *Server) doProxy(c *gin.Context, m *Match) {
	resp, err := s.forwarder.Forward(c.Request.Context(), c.Request, m)
	if err != nil {
		status := http.StatusBadGateway
		code := ErrDownstreamUnavailable.Error()
		if errors.Is(err, ErrDownstreamTimeout) {
			status = http.StatusGatewayTimeout
			code = ErrDownstreamTimeout.Error()
		}
		s.logger.WarnContext(c.Request.Context(), "転送に失敗しました",
			slog.String("route", m.Route.Name),
			slog.String("correlation_id", middleware.GetCorrelationID(c)),
			slog.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(status, gin.H{
			"error":             code,
			"error_description": "転送先のサービスと通信できませんでした",
		})
		return
	}

	header := c.Writer.Header()
	for k, vs := range resp.Header {
		header[k] = vs
	}
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := c.Writer.Write(resp.Body); err != nil {
			_ = c.Error(err)
		}
	} else {
		c.Writer.WriteHeaderNow()
	}
}

func getMatch(c *gin.Context) *Match {
	v, ok := c.Get(contextKeyMatch)
	if !ok {
		return nil
	}
	m, _ := v.(*Match)
	return m
}
