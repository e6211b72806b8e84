// Package httpclient はサービス間通信用のHTTPクライアントを提供する。
//
// ゲートウェイがトークン発行サービスのディスカバリドキュメントとJWKSを
// 取得する際に使用する。タイムアウト付きで、2xx以外のレスポンスはエラーとして扱う。
package httpclient
