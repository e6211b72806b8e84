package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrSigningKeyUnavailable は署名に使用できる鍵が無いことを表す。
// この場合トークンは発行しない。
var ErrSigningKeyUnavailable = errors.New("署名鍵が利用できません")

const (
	// keyBits は生成するRSA鍵の長さ。
	keyBits = 2048
	// tokenType はアクセストークンのtypヘッダー。
	tokenType = "at+jwt"
)

// signingKey は署名鍵1つ分の不変な情報。
type signingKey struct {
	id        string
	private   *rsa.PrivateKey
	createdAt time.Time
	// retiresAt は退役した鍵がJWKSから外れる日時。現用鍵ではゼロ値。
	retiresAt time.Time
}

// ringState はある時点の鍵の集合。公開後は変更しない。
type ringState struct {
	active *signingKey
	// next は次のローテーションで現用鍵になる鍵。署名には使わずJWKSにだけ先行して載せる。
	next    *signingKey
	retired []*signingKey
}

// KeyRingOptions はKeyRingの設定。
type KeyRingOptions struct {
	// PrivateKeyPEM はPEM形式のRSA秘密鍵。空の場合は鍵を生成する。
	PrivateKeyPEM []byte
	// KeyID はPEMから読み込んだ鍵のkid。空の場合はUUIDを採番する。
	KeyID string
	// Retention は退役した鍵をJWKSに残す期間。トークンの有効期間以上にする。
	Retention time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Rotation はローテーションの結果。
type Rotation struct {
	// PreviousKeyID は退役した鍵のkid。
	PreviousKeyID string
	// KeyID は新しい現用鍵のkid。
	KeyID string
	// NextKeyID は次のローテーションに備えて公開を始めた鍵のkid。
	NextKeyID string
	// RetiresAt は旧鍵がJWKSから外れる日時。
	RetiresAt time.Time
}

// KeyRing はトークン署名用のRSA鍵を管理する。
// 署名とJWKSの生成はロック無しで行い、ローテーションのみ排他する。
// 秘密鍵はパッケージ外に公開しない。
type KeyRing struct {
	state     atomic.Pointer[ringState]
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
}

// NewKeyRing は新しいKeyRingを生成する。
func NewKeyRing(opts KeyRingOptions) (*KeyRing, error) {
	if opts.Retention <= 0 {
		return nil, errors.New("退役鍵の保持期間は正の値である必要があります")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var (
		key *signingKey
		err error
	)
	if len(opts.PrivateKeyPEM) > 0 {
		key, err = loadKey(opts.PrivateKeyPEM, opts.KeyID, now())
	} else {
		key, err = generateKey(now())
	}
	if err != nil {
		return nil, err
	}
	next, err := generateKey(now())
	if err != nil {
		return nil, err
	}

	r := &KeyRing{
		retention: opts.Retention,
		now:       now,
	}
	r.state.Store(&ringState{active: key, next: next})
	return r, nil
}

func generateKey(now time.Time) (*signingKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("RSA鍵の生成に失敗: %w", err)
	}
	return &signingKey{id: uuid.NewString(), private: priv, createdAt: now}, nil
}

func loadKey(pemData []byte, kid string, now time.Time) (*signingKey, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の読み込みに失敗: %w", err)
	}
	if priv.N.BitLen() < keyBits {
		return nil, fmt.Errorf("RSA鍵は%dビット以上である必要があります: %d", keyBits, priv.N.BitLen())
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("秘密鍵の検証に失敗: %w", err)
	}
	if kid == "" {
		kid = uuid.NewString()
	}
	return &signingKey{id: kid, private: priv, createdAt: now}, nil
}

// ActiveKeyID は現用鍵のkidを返す。現用鍵が無い場合は空文字列。
func (r *KeyRing) ActiveKeyID() string {
	if active := r.state.Load().active; active != nil {
		return active.id
	}
	return ""
}

// NextKeyID は次のローテーションで現用鍵になる鍵のkidを返す。
func (r *KeyRing) NextKeyID() string {
	if next := r.state.Load().next; next != nil {
		return next.id
	}
	return ""
}

// Key はkidに対応する検証用の公開鍵を返す。現用鍵と次の鍵、保持期間内の退役鍵が対象。
func (r *KeyRing) Key(kid string) (crypto.PublicKey, bool) {
	state := r.state.Load()
	for _, k := range []*signingKey{state.active, state.next} {
		if k != nil && k.id == kid {
			return &k.private.PublicKey, true
		}
	}
	now := r.now()
	for _, k := range state.retired {
		if k.id == kid && k.retiresAt.After(now) {
			return &k.private.PublicKey, true
		}
	}
	return nil, false
}

// Sign は現用鍵でクレームにRS256署名し、トークンと使用した鍵のkidを返す。
func (r *KeyRing) Sign(claims jwt.Claims) (string, string, error) {
	active := r.state.Load().active
	if active == nil {
		return "", "", ErrSigningKeyUnavailable
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = active.id
	token.Header["typ"] = tokenType

	signed, err := token.SignedString(active.private)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrSigningKeyUnavailable, err)
	}
	return signed, active.id, nil
}

// Rotate は公開済みの次の鍵を現用鍵にし、新しい次の鍵を生成して公開する。
// 現用鍵は1回前のローテーションからJWKSに載っているため、検証側が取り込み済みの鍵で署名が始まる。
// 旧鍵は保持期間が過ぎるまでJWKSに残し、期限切れの退役鍵は取り除く。
func (r *KeyRing) Rotate() (Rotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	upcoming, err := generateKey(now)
	if err != nil {
		return Rotation{}, err
	}

	current := r.state.Load()
	promoted := current.next
	if promoted == nil {
		if promoted, err = generateKey(now); err != nil {
			return Rotation{}, err
		}
	}

	retired := make([]*signingKey, 0, len(current.retired)+1)
	rotation := Rotation{KeyID: promoted.id, NextKeyID: upcoming.id}
	if current.active != nil {
		previous := *current.active
		previous.retiresAt = now.Add(r.retention)
		retired = append(retired, &previous)
		rotation.PreviousKeyID = previous.id
		rotation.RetiresAt = previous.retiresAt
	}
	for _, k := range current.retired {
		if k.retiresAt.After(now) {
			retired = append(retired, k)
		}
	}

	r.state.Store(&ringState{active: promoted, next: upcoming, retired: retired})
	return rotation, nil
}

// Revoke は現用鍵を直ちに破棄する。退役鍵にも残さない。
// 次にRotateされるまで署名はErrSigningKeyUnavailableで失敗する。
func (r *KeyRing) Revoke() {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.state.Load()
	r.state.Store(&ringState{next: current.next, retired: current.retired})
}

// PublicKeySet はnow時点で有効な公開鍵（現用鍵、次の鍵、保持期間内の退役鍵）をJWKSとして返す。
func (r *KeyRing) PublicKeySet(now time.Time) (jwk.Set, error) {
	state := r.state.Load()

	keys := make([]*signingKey, 0, len(state.retired)+2)
	for _, k := range []*signingKey{state.active, state.next} {
		if k != nil {
			keys = append(keys, k)
		}
	}
	for _, k := range state.retired {
		if k.retiresAt.After(now) {
			keys = append(keys, k)
		}
	}

	set := jwk.NewSet()
	for _, k := range keys {
		pub, err := jwk.FromRaw(&k.private.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("公開鍵の変換に失敗: %w", err)
		}
		if err := pub.Set(jwk.KeyIDKey, k.id); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, string(jwk.ForSignature)); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}
