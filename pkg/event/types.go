// Package event はトークン発行サービスの監査イベントを表す型を提供する。
//
// イベントは不変（immutable）であり、監査ログに追記のみで保存される。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeClient は登録済みクライアントを表す。
	AggregateTypeClient AggregateType = "Client"
	// AggregateTypeSigningKey は署名鍵を表す。
	AggregateTypeSigningKey AggregateType = "SigningKey"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeTokenIssued はアクセストークンが発行されたことを表す。
	TypeTokenIssued Type = "TokenIssued"
	// TypeTokenRejected はトークン発行要求が拒否されたことを表す。
	TypeTokenRejected Type = "TokenRejected"
	// TypeSigningKeyRotated は署名鍵がローテーションされたことを表す。
	TypeSigningKeyRotated Type = "SigningKeyRotated"
)

// Event は監査ログに記録される不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子（クライアントIDや鍵ID）。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// TokenIssuedData はTokenIssuedイベントのデータ。
type TokenIssuedData struct {
	// TokenID は発行したトークンのjti。
	TokenID string `json:"token_id"`
	// Scopes は付与したスコープ。
	Scopes []string `json:"scopes"`
	// KeyID は署名に使用した鍵のkid。
	KeyID string `json:"key_id"`
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRejectedData はTokenRejectedイベントのデータ。
type TokenRejectedData struct {
	// Reason は拒否理由の機械可読コード（unknown_client, invalid_credentials 等）。
	Reason string `json:"reason"`
	// RequestedScope は要求されたスコープ文字列。
	RequestedScope string `json:"requested_scope,omitempty"`
}

// SigningKeyRotatedData はSigningKeyRotatedイベントのデータ。
type SigningKeyRotatedData struct {
	// PreviousKeyID は退役した鍵のkid。初回生成時は空。
	PreviousKeyID string `json:"previous_key_id,omitempty"`
	// NextKeyID は次のローテーションに備えて公開を始めた鍵のkid。
	NextKeyID string `json:"next_key_id,omitempty"`
	// RetiresAt は旧鍵がJWKSから外れる日時。
	RetiresAt time.Time `json:"retires_at"`
}
