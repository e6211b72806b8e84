// Package jwks はトークン発行サービスの公開鍵セット（JWKS）をキャッシュする。
//
// 鍵セットは定期的にバックグラウンドで再取得され、新しい鍵セットを構築してから
// atomic.Pointer で一括で差し替える。検証処理はロックを取らずに読み出すため、
// 更新途中の鍵セットが観測されることはない。リクエストごとのネットワーク呼び出しは行わない。
package jwks
