package jwks

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/nao1215/apigw/pkg/httpclient"
	"golang.org/x/sync/singleflight"
)

// DiscoveryPath はディスカバリドキュメントのパス。
const DiscoveryPath = "/.well-known/openid-configuration"

// ErrNoUsableKeys は鍵セットに検証に使える鍵が1つも含まれないことを表す。
var ErrNoUsableKeys = errors.New("jwks: 検証に使用できる鍵がありません")

// Discovery はディスカバリドキュメントのうちキャッシュが必要とする項目。
type Discovery struct {
	// Issuer はトークン発行者の識別子。
	Issuer string `json:"issuer"`
	// JWKSURI は公開鍵セットのURL。
	JWKSURI string `json:"jwks_uri"`
}

// keySet は公開済みの不変な鍵セット。
type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// Cache は公開鍵セットのキャッシュ。複数のゴルーチンから安全に使用できる。
type Cache struct {
	client  *httpclient.Client
	current atomic.Pointer[keySet]
	group   singleflight.Group
	logger  *slog.Logger
}

// NewCache は新しいキャッシュを生成する。clientはトークン発行サービス（Authority）を指す。
// Publishのみで使う場合はclientにnilを渡してよい。
func NewCache(client *httpclient.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: client,
		logger: logger,
	}
}

// Key はkidに対応する公開鍵を返す。
func (c *Cache) Key(kid string) (crypto.PublicKey, bool) {
	set := c.current.Load()
	if set == nil {
		return nil, false
	}
	key, ok := set.keys[kid]
	return key, ok
}

// Len は公開中の鍵の数を返す。
func (c *Cache) Len() int {
	set := c.current.Load()
	if set == nil {
		return 0
	}
	return len(set.keys)
}

// FetchedAt は現在の鍵セットが公開された日時を返す。未取得の場合はゼロ値。
func (c *Cache) FetchedAt() time.Time {
	set := c.current.Load()
	if set == nil {
		return time.Time{}
	}
	return set.fetchedAt
}

// Publish は鍵セットから検証用の公開鍵を取り出し、キャッシュを差し替える。
// 使用可能な鍵が無い場合は既存のキャッシュを維持してErrNoUsableKeysを返す。
func (c *Cache) Publish(set jwk.Set) (int, error) {
	keys := make(map[string]crypto.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" || key.KeyUsage() == string(jwk.ForEncryption) {
			continue
		}

		var raw any
		if err := key.Raw(&raw); err != nil {
			c.logger.Warn("JWKの変換に失敗したため無視します", slog.String("kid", kid), slog.String("error", err.Error()))
			continue
		}
		switch pub := raw.(type) {
		case *rsa.PublicKey:
			keys[kid] = pub
		case *ecdsa.PublicKey:
			keys[kid] = pub
		default:
			c.logger.Warn("未対応の鍵種別のため無視します", slog.String("kid", kid), slog.String("kty", key.KeyType().String()))
		}
	}

	if len(keys) == 0 {
		return 0, ErrNoUsableKeys
	}

	c.current.Store(&keySet{keys: keys, fetchedAt: time.Now()})
	return len(keys), nil
}

// Refresh はディスカバリドキュメントからJWKSのURLを解決し、鍵セットを再取得する。
// 同時に呼び出された場合は1回の取得にまとめられる。失敗時は既存のキャッシュを維持する。
func (c *Cache) Refresh(ctx context.Context) error {
	if c.client == nil {
		return errors.New("jwks: 取得先が設定されていません")
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		var doc Discovery
		if err := c.client.GetJSON(ctx, DiscoveryPath, &doc); err != nil {
			return nil, fmt.Errorf("ディスカバリドキュメントの取得に失敗: %w", err)
		}
		if doc.JWKSURI == "" {
			return nil, errors.New("ディスカバリドキュメントにjwks_uriがありません")
		}

		var raw json.RawMessage
		if err := c.client.GetJSON(ctx, doc.JWKSURI, &raw); err != nil {
			return nil, fmt.Errorf("JWKSの取得に失敗: %w", err)
		}
		set, err := jwk.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("JWKSのパースに失敗: %w", err)
		}

		n, err := c.Publish(set)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("JWKSを更新しました", slog.Int("keys", n), slog.String("jwks_uri", doc.JWKSURI))
		return nil, nil
	})
	return err
}

// Run はintervalごとに鍵セットを再取得する。ctxがキャンセルされるまでブロックする。
// 起動直後にも1回取得する。取得失敗はログに記録し、最後に成功した鍵セットを使い続ける。
// intervalが0以下なら初回取得のみ行う。
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("JWKSの初回取得に失敗しました", slog.String("error", err.Error()))
	}

	if interval <= 0 {
		c.logger.Warn("JWKSの更新間隔が0以下のため定期更新を行いません", slog.Duration("interval", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("JWKSの更新に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
