package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// GrantTypeClientCredentials はサポートする唯一のグラントタイプ。
const GrantTypeClientCredentials = "client_credentials"

// sha256Prefix はSHA-256形式のシークレットハッシュの接頭辞。
const sha256Prefix = "sha256:"

// Scope はアクセストークンが持ちうる権限の単位。
type Scope struct {
	// Name はスコープ名。
	Name string
	// DisplayName は表示名。
	DisplayName string
}

// Client はトークンを取得できる登録済みクライアント。
type Client struct {
	// ID はクライアントの一意識別子。
	ID string
	// SecretHash はクライアントシークレットのハッシュ。
	// bcrypt形式、"sha256:" 接頭辞付きのBase64、または接頭辞無しのBase64（SHA-256）を受け付ける。
	SecretHash string
	// AllowedScopes はクライアントが要求できるスコープ。
	AllowedScopes []string
	// AllowedGrantTypes はクライアントが使用できるグラントタイプ。
	AllowedGrantTypes []string
}

// AllowsScope はクライアントがスコープを要求できるかを返す。
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// AllowsGrantType はクライアントがグラントタイプを使用できるかを返す。
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// VerifySecret はシークレットがハッシュと一致するかを定数時間で比較する。
func (c *Client) VerifySecret(secret string) bool {
	if isBcrypt(c.SecretHash) {
		return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
	}
	want, err := decodeSHA256(c.SecretHash)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

// HashSecret はクライアントシークレットをbcryptでハッシュ化する。
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("シークレットが空です")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("シークレットのハッシュ化に失敗: %w", err)
	}
	return string(hash), nil
}

// HashSecretSHA256 はシークレットを "sha256:" 接頭辞付きのBase64形式でハッシュ化する。
func HashSecretSHA256(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return sha256Prefix + base64.StdEncoding.EncodeToString(sum[:])
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

func decodeSHA256(hash string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hash, sha256Prefix))
	if err != nil {
		return nil, err
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("SHA-256ハッシュの長さが不正です: %d", len(raw))
	}
	return raw, nil
}

func validateSecretHash(hash string) error {
	if hash == "" {
		return errors.New("シークレットハッシュが空です")
	}
	if isBcrypt(hash) {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("bcryptハッシュが不正です: %w", err)
		}
		return nil
	}
	if _, err := decodeSHA256(hash); err != nil {
		return fmt.Errorf("シークレットハッシュの形式を認識できません: %w", err)
	}
	return nil
}

// decoySecret は照合用クライアントのシークレット。実在のクライアントの照合には使わない。
const decoySecret = "unknown-client"

// Store は登録済みのクライアントとスコープを保持する。
// 生成後は読み取り専用のため、複数のゴルーチンからロック無しで参照できる。
type Store struct {
	scopes  []Scope
	known   map[string]Scope
	clients map[string]*Client
	// decoy は未登録クライアントでも照合にかかる時間を揃えるための照合用クライアント。
	// 登録済みクライアントにbcryptがあればその最大コストのbcryptハッシュを持つ。
	decoy *Client
}

// NewStore はスコープとクライアントを検証してStoreを生成する。
func NewStore(scopes []Scope, clients []Client) (*Store, error) {
	s := &Store{
		known:   make(map[string]Scope, len(scopes)),
		clients: make(map[string]*Client, len(clients)),
	}

	for _, scope := range scopes {
		if scope.Name == "" {
			return nil, errors.New("スコープ名が空です")
		}
		if strings.ContainsAny(scope.Name, " \t\n") {
			return nil, fmt.Errorf("スコープ名に空白は使用できません: %q", scope.Name)
		}
		if _, dup := s.known[scope.Name]; dup {
			return nil, fmt.Errorf("スコープが重複しています: %s", scope.Name)
		}
		s.known[scope.Name] = scope
		s.scopes = append(s.scopes, scope)
	}

	for _, client := range clients {
		if client.ID == "" {
			return nil, errors.New("クライアントIDが空です")
		}
		if _, dup := s.clients[client.ID]; dup {
			return nil, fmt.Errorf("クライアントIDが重複しています: %s", client.ID)
		}
		if err := validateSecretHash(client.SecretHash); err != nil {
			return nil, fmt.Errorf("クライアント %s: %w", client.ID, err)
		}
		if len(client.AllowedGrantTypes) == 0 {
			return nil, fmt.Errorf("クライアント %s: グラントタイプが指定されていません", client.ID)
		}
		for _, gt := range client.AllowedGrantTypes {
			if gt != GrantTypeClientCredentials {
				return nil, fmt.Errorf("クライアント %s: 未対応のグラントタイプです: %s", client.ID, gt)
			}
		}
		for _, scope := range client.AllowedScopes {
			if _, ok := s.known[scope]; !ok {
				return nil, fmt.Errorf("クライアント %s: 未登録のスコープです: %s", client.ID, scope)
			}
		}

		c := client
		c.AllowedScopes = slices.Clone(client.AllowedScopes)
		c.AllowedGrantTypes = slices.Clone(client.AllowedGrantTypes)
		s.clients[c.ID] = &c
	}

	decoy, err := newDecoy(s.clients)
	if err != nil {
		return nil, err
	}
	s.decoy = decoy
	return s, nil
}

func newDecoy(clients map[string]*Client) (*Client, error) {
	maxCost := 0
	for _, c := range clients {
		if !isBcrypt(c.SecretHash) {
			continue
		}
		if cost, err := bcrypt.Cost([]byte(c.SecretHash)); err == nil && cost > maxCost {
			maxCost = cost
		}
	}
	if maxCost == 0 {
		return &Client{SecretHash: HashSecretSHA256(decoySecret)}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(decoySecret), maxCost)
	if err != nil {
		return nil, fmt.Errorf("照合用ハッシュの生成に失敗: %w", err)
	}
	return &Client{SecretHash: string(hash)}, nil
}

// VerifyUnknown は未登録クライアントに対して登録済みクライアントと同じ方式の照合を行う。結果は常に不一致。
func (s *Store) VerifyUnknown(secret string) bool {
	s.decoy.VerifySecret(secret)
	return false
}

// Client はIDに対応するクライアントを返す。
func (s *Store) Client(id string) (*Client, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Scopes は登録済みのスコープを登録順に返す。
func (s *Store) Scopes() []Scope {
	return slices.Clone(s.scopes)
}

// HasScope はスコープが登録済みかを返す。
func (s *Store) HasScope(name string) bool {
	_, ok := s.known[name]
	return ok
}
