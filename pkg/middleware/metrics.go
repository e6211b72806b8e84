package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// contextKeyRouteName はメトリクスのrouteラベルに使うルート名のキー。
const contextKeyRouteName = "route_name"

// unmatchedRoute はルートに一致しなかったリクエストのrouteラベル。
const unmatchedRoute = "unmatched"

// Metrics はゲートウェイのPrometheusメトリクス。
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "ゲートウェイが処理したリクエスト数",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "ゲートウェイのリクエスト処理時間",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler はリクエスト数と処理時間を記録するGinミドルウェアを返す。
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.GetString(contextKeyRouteName)
		if route == "" {
			route = c.FullPath()
		}
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		m.requests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// SetRouteName はメトリクスとログに使うルート名をGinコンテキストに設定する。
func SetRouteName(c *gin.Context, name string) {
	c.Set(contextKeyRouteName, name)
}
