// Package identity はOAuth2クライアントクレデンシャルフローのトークン発行サービスを提供する。
//
// 登録済みクライアントとスコープの管理、RS256署名鍵のローテーション、
// アクセストークンの発行、ディスカバリドキュメントとJWKSの公開、
// 発行結果の監査ログへの記録と参照APIを担当する。
package identity
