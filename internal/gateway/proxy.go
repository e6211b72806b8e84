package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// 転送のエラー。
var (
	// ErrDownstreamUnavailable は転送先に接続できない、または応答を読めないことを表す。HTTP 502に対応する。
	ErrDownstreamUnavailable = errors.New("downstream_unavailable")
	// ErrDownstreamTimeout は転送がタイムアウトしたことを表す。HTTP 504に対応する。
	ErrDownstreamTimeout = errors.New("downstream_timeout")
)

const (
	// DefaultForwardTimeout は転送のデフォルトのタイムアウト。
	DefaultForwardTimeout = 30 * time.Second
	// DefaultMaxResponseBytes は転送先の応答ボディの上限。
	DefaultMaxResponseBytes int64 = 10 << 20
)

// hopByHopHeaders は転送しないホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response は転送先の応答。ボディは全て読み込み済み。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ForwarderOptions はForwarderの設定。
type ForwarderOptions struct {
	// Client は転送に使うHTTPクライアント。nilの場合は専用のクライアントを生成する。
	Client *http.Client
	// DefaultTimeout はルートにタイムアウトが無い場合のタイムアウト。
	DefaultTimeout time.Duration
	// MaxResponseBytes は応答ボディの上限。
	MaxResponseBytes int64
}

// Forwarder はリクエストを転送先に1回だけ転送する。
type Forwarder struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewForwarder は新しいForwarderを生成する。
func NewForwarder(opts ForwarderOptions) *Forwarder {
	var client *http.Client
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConnsPerHost = 64
		client = &http.Client{Transport: transport}
	}
	// リダイレクトは追わずにそのまま中継する
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &Forwarder{
		client:   client,
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Forward はリクエストを一致したルートの転送先に送り、応答を全て読み込んで返す。
// リトライは行わない。途中までの応答は返さない。
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, m *Match) (*Response, error) {
	timeout := m.Route.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := m.UpstreamURL(r.URL.RawQuery)
	body := r.Body
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: 転送リクエストの作成に失敗: %w", ErrDownstreamUnavailable, err)
	}
	req.ContentLength = r.ContentLength
	req.Header = outboundHeader(r)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: 応答が上限 %d バイトを超えました", ErrDownstreamUnavailable, f.maxBytes)
	}

	header := resp.Header.Clone()
	removeHopByHop(header)
	header.Del("Content-Length")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

// classify は転送エラーをタイムアウトと接続失敗に分類する。
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrDownstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrDownstreamUnavailable, err)
}

// outboundHeader は転送するヘッダーを組み立てる。
func outboundHeader(r *http.Request) http.Header {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	removeHopByHop(header)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		header.Set("X-Forwarded-For", host)
	}
	header.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	header.Set("X-Forwarded-Proto", proto)
	return header
}

// removeHopByHop はホップバイホップヘッダーとConnectionで指定されたヘッダーを取り除く。
func removeHopByHop(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}
