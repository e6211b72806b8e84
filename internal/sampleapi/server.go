package sampleapi

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/pkg/middleware"
)

// summaries は天気予報の概要の候補。
var summaries = []string{
	"Freezing", "Bracing", "Chilly", "Cool", "Mild", "Warm", "Balmy", "Hot", "Sweltering", "Scorching",
}

// Server はサンプルAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// now は現在時刻を返す。
	now func() time.Time
}

// NewServer は新しいサンプルAPIサーバーを生成する。
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Correlation())
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router: router,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	secured := s.router.Group("/api/secured")
	{
		// 非公開情報の取得
		secured.GET("", s.handleGet())
		// 数値の2乗
		secured.GET("/:number", s.handleSquare())
		// 氏名の表示
		secured.POST("", s.handlePost())
	}

	// 天気予報
	s.router.GET("/WeatherForecast", s.handleWeatherForecast())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sample-api"})
	})
}

// namesRequest は氏名のJSON構造。
type namesRequest struct {
	// FirstName は名。
	FirstName string `json:"FirstName" binding:"required"`
	// LastName は姓。
	LastName string `json:"LastName" binding:"required"`
}

// weatherForecast は天気予報のJSON構造。
type weatherForecast struct {
	Date         string `json:"date"`
	TemperatureC int    `json:"temperatureC"`
	TemperatureF int    `json:"temperatureF"`
	Summary      string `json:"summary"`
}

func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Private information")
	}
}

func (s *Server) handleSquare() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := strconv.Atoi(c.Param("number"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "数値を指定してください"})
			return
		}
		c.String(http.StatusOK, "Secured number square: %d", n*n)
	}
}

func (s *Server) handlePost() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req namesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "FirstNameとLastNameは必須です"})
			return
		}
		c.String(http.StatusOK, "Your secured name: %s %s", req.FirstName, req.LastName)
	}
}

func (s *Server) handleWeatherForecast() gin.HandlerFunc {
	return func(c *gin.Context) {
		today := s.now()
		forecasts := make([]weatherForecast, 0, 5)
		for i := 1; i <= 5; i++ {
			celsius := rand.IntN(75) - 20
			forecasts = append(forecasts, weatherForecast{
				Date:         today.AddDate(0, 0, i).Format(time.DateOnly),
				TemperatureC: celsius,
				TemperatureF: 32 + int(float64(celsius)/0.5556),
				Summary:      summaries[rand.IntN(len(summaries))],
			})
		}
		c.JSON(http.StatusOK, forecasts)
	}
}
