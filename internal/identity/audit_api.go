package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/apigw/pkg/event"
	"github.com/nao1215/apigw/pkg/middleware"
)

// PathAuditEvents はクライアントの監査イベントを参照するエンドポイント。
const PathAuditEvents = "/audit/clients/:client_id/events"

// MountAuditAPI は監査イベントの参照APIを追加する。
// 呼び出しにはこのサービスが発行した、scopeを含むアクセストークンが必要。
func (s *Server) MountAuditAPI(reader AuditReader, scope string) error {
	if reader == nil {
		return errors.New("監査ログの読み出し先が必要です")
	}
	if !s.service.store.HasScope(scope) {
		return fmt.Errorf("監査ログの参照スコープが登録されていません: %q", scope)
	}

	auth, err := middleware.NewAuthenticator(s.service.keys, middleware.AuthOptions{
		Issuer:   s.service.Issuer(),
		Audience: s.service.Audience(),
	})
	if err != nil {
		return fmt.Errorf("トークン検証器の初期化に失敗: %w", err)
	}

	s.router.GET(PathAuditEvents,
		middleware.RouteAuth(auth, func(*gin.Context) (bool, string) { return true, scope }),
		s.handleListAuditEvents(reader),
	)
	return nil
}

// handleListAuditEvents はクライアントの監査イベントを古い順に返すハンドラを返す。
func (s *Server) handleListAuditEvents(reader AuditReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Param("client_id")
		events, err := reader.ListByClient(c.Request.Context(), clientID)
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "監査イベントの取得に失敗しました",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		if events == nil {
			events = []*event.Event{}
		}

		caller := ""
		if claims := middleware.GetClaims(c); claims != nil {
			caller = claims.ClientID
		}
		s.logger.InfoContext(c.Request.Context(), "監査イベントを参照しました",
			slog.String("client_id", clientID),
			slog.String("caller", caller),
			slog.Int("count", len(events)),
		)
		c.JSON(http.StatusOK, gin.H{
			"client_id": clientID,
			"events":    events,
			"summary":   s.summarize(c, events),
		})
	}
}

// auditSummary はクライアントの発行結果の集計。
type auditSummary struct {
	// Issued は発行に成功した回数。
	Issued int `json:"issued"`
	// Rejected は拒否理由ごとの回数。
	Rejected map[string]int `json:"rejected"`
}

func (s *Server) summarize(c *gin.Context, events []*event.Event) auditSummary {
	summary := auditSummary{Rejected: map[string]int{}}
	for _, e := range events {
		switch e.EventType {
		case event.TypeTokenIssued:
			summary.Issued++
		case event.TypeTokenRejected:
			data, err := event.DecodeData[event.TokenRejectedData](e)
			if err != nil {
				s.logger.WarnContext(c.Request.Context(), "監査イベントのデータを読み取れません",
					slog.String("event_id", e.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			summary.Rejected[data.Reason]++
		}
	}
	return summary
}
