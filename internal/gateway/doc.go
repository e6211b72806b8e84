// Package gateway はAPI Gatewayの内部実装を提供する。
//
// 起動時に検証したルート表でリクエストを照合し、必要なルートではBearerトークンを検証してから
// 転送先のサービスに1回だけ転送する。転送先の応答はステータスとボディをそのまま中継する。
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
package gateway
