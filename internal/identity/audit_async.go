package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/apigw/pkg/event"
)

var (
	// ErrAuditQueueFull は書き込み待ちのイベントが上限に達したことを表す。イベントは破棄される。
	ErrAuditQueueFull = errors.New("監査ログの書き込み待ちが上限に達しました")
	// ErrAuditLogClosed は停止済みの監査ログに記録しようとしたことを表す。
	ErrAuditLogClosed = errors.New("監査ログは停止済みです")
)

const (
	// DefaultAuditQueueSize は書き込み待ちイベントの既定の上限。
	DefaultAuditQueueSize = 1024
	// auditWriteTimeout は1件の書き込みにかける時間の上限。
	auditWriteTimeout = 5 * time.Second
)

// AsyncAuditLog は別のゴルーチンで書き込むAuditLog。
// Recordはキューに積むだけで戻るため、書き込み先の遅延がトークン発行を待たせない。
type AsyncAuditLog struct {
	next      AuditLog
	logger    *slog.Logger
	queue     chan *event.Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncAuditLog は書き込み用のゴルーチンを起動する。停止にはCloseを呼ぶ。
// queueSizeが0以下の場合はDefaultAuditQueueSizeを使う。
func NewAsyncAuditLog(next AuditLog, queueSize int, logger *slog.Logger) *AsyncAuditLog {
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &AsyncAuditLog{
		next:   next,
		logger: logger,
		queue:  make(chan *event.Event, queueSize),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// Record はイベントを書き込み待ちに積む。キューが一杯ならErrAuditQueueFullを返す。
func (l *AsyncAuditLog) Record(_ context.Context, e *event.Event) error {
	select {
	case <-l.stopCh:
		return ErrAuditLogClosed
	default:
	}

	select {
	case l.queue <- e:
		return nil
	default:
		return ErrAuditQueueFull
	}
}

func (l *AsyncAuditLog) worker() {
	defer l.wg.Done()

	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.stopCh:
			// 残りを書き切ってから終了する
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *AsyncAuditLog) write(e *event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if err := l.next.Record(ctx, e); err != nil {
		l.logger.Warn("監査ログの書き込みに失敗しました",
			slog.String("event_id", e.ID),
			slog.String("event_type", string(e.EventType)),
			slog.String("error", err.Error()),
		)
	}
}

// Close は書き込み待ちのイベントを書き切ってからゴルーチンを停止する。
func (l *AsyncAuditLog) Close() error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return nil
}
