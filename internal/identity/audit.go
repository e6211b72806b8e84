package identity

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/apigw/pkg/event"
	"github.com/nao1215/apigw/pkg/migration"
	// SQLiteドライバ
	_ "modernc.org/sqlite"
)

// timeLayout は作成日時の保存形式。文字列順が時刻順と一致するよう桁を固定する。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditLog はトークン発行に関するイベントを記録する。
type AuditLog interface {
	Record(ctx context.Context, e *event.Event) error
}

// AuditReader はクライアントごとの監査イベントを読み出す。
type AuditReader interface {
	ListByClient(ctx context.Context, clientID string) ([]*event.Event, error)
}

// NopAuditLog は何も記録しないAuditLog。
type NopAuditLog struct{}

// Record は何もしない。
func (NopAuditLog) Record(context.Context, *event.Event) error { return nil }

// SQLiteAuditLog はイベントをSQLiteに追記する監査ログ。
type SQLiteAuditLog struct {
	db *sql.DB
}

// OpenSQLiteAuditLog はSQLiteの監査ログを開き、マイグレーションを適用する。
// dsnに ":memory:" を指定するとインメモリで動作する。
func OpenSQLiteAuditLog(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteAuditLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dsn == ":memory:" {
		// インメモリDBは接続ごとに別物になるため1接続に固定する
		db.SetMaxOpenConns(1)
	}

	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("監査ログのマイグレーションに失敗: %w", err)
	}
	return &SQLiteAuditLog{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (l *SQLiteAuditLog) Close() error {
	return l.db.Close()
}

// Record はイベントを追記する。
func (l *SQLiteAuditLog) Record(ctx context.Context, e *event.Event) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, aggregate_id, aggregate_type, event_type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("監査イベントの記録に失敗: %w", err)
	}
	return nil
}

// ListByClient はクライアントに関するイベントを古い順に返す。
func (l *SQLiteAuditLog) ListByClient(ctx context.Context, clientID string) ([]*event.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, created_at
		 FROM audit_events
		 WHERE aggregate_type = ? AND aggregate_id = ?
		 ORDER BY created_at, rowid`,
		string(event.AggregateTypeClient), clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		var (
			e                              event.Event
			aggregateType, eventType, data string
			createdAt                      string
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggregateType, &eventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		e.AggregateType = event.AggregateType(aggregateType)
		e.EventType = event.Type(eventType)
		e.Data = []byte(data)
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("作成日時の形式が不正です: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
