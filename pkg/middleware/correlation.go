package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderCorrelationID はリクエストを追跡するための相関IDヘッダー。
const HeaderCorrelationID = "X-Correlation-Id"

const contextKeyCorrelationID = "correlation_id"

// maxCorrelationIDLen は受け入れる相関IDの最大長。超える場合は新しく採番する。
const maxCorrelationIDLen = 128

// Correlation は相関IDを確定するGinミドルウェアを返す。
// 受信したX-Correlation-Idを引き継ぎ、無ければUUIDを採番する。
// 確定したIDはリクエストとレスポンスの両方のヘッダーに設定する。
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		c.Set(contextKeyCorrelationID, id)
		c.Request.Header.Set(HeaderCorrelationID, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// GetCorrelationID はGinコンテキストから相関IDを取得する。
func GetCorrelationID(c *gin.Context) string {
	return c.GetString(contextKeyCorrelationID)
}
