// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWKSで公開された鍵によるBearerトークンの検証、相関ID、構造化アクセスログ、
// パニックリカバリ、CORS、Prometheusメトリクスを含む。
package middleware
