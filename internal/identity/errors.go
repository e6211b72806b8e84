package identity

import (
	"errors"
	"net/http"
)

// トークン発行のエラー。
var (
	// ErrInvalidRequest は必須パラメータの欠落など要求の形式が不正であることを表す。
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrUnsupportedGrantType はclient_credentials以外のグラントタイプが要求されたことを表す。
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	// ErrUnauthorizedClient はクライアントがグラントタイプの使用を許可されていないことを表す。
	ErrUnauthorizedClient = errors.New("unauthorized_client")
	// ErrUnknownClient は未登録のクライアントであることを表す。
	ErrUnknownClient = errors.New("unknown_client")
	// ErrInvalidCredentials はクライアントシークレットが一致しないことを表す。
	ErrInvalidCredentials = errors.New("invalid_credentials")
	// ErrInvalidScope は要求されたスコープがクライアントに許可されていないことを表す。
	ErrInvalidScope = errors.New("invalid_scope")
)

// oauthError はトークンエンドポイントのエラーレスポンス。
type oauthError struct {
	status      int
	code        string
	description string
}

// clientAuthFailed は未登録クライアントとシークレット不一致で共通の説明文。
// 呼び出し元から両者を区別できないようにする。
const clientAuthFailed = "クライアント認証に失敗しました"

// toOAuthError はエラーをHTTPステータスとOAuth2のエラーコードに変換する。
func toOAuthError(err error) oauthError {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return oauthError{http.StatusBadRequest, "invalid_request", "要求の形式が不正です"}
	case errors.Is(err, ErrUnsupportedGrantType):
		return oauthError{http.StatusBadRequest, "unsupported_grant_type", "未対応のグラントタイプです"}
	case errors.Is(err, ErrUnauthorizedClient):
		return oauthError{http.StatusBadRequest, "unauthorized_client", "このグラントタイプの使用は許可されていません"}
	case errors.Is(err, ErrUnknownClient), errors.Is(err, ErrInvalidCredentials):
		return oauthError{http.StatusUnauthorized, "invalid_client", clientAuthFailed}
	case errors.Is(err, ErrInvalidScope):
		return oauthError{http.StatusBadRequest, "invalid_scope", "要求されたスコープは許可されていません"}
	default:
		return oauthError{http.StatusInternalServerError, "server_error", "トークンを発行できません"}
	}
}

// rejectionReason は監査ログとアプリケーションログに記録する拒否理由を返す。
func rejectionReason(err error) string {
	for _, known := range []error{
		ErrInvalidRequest, ErrUnsupportedGrantType, ErrUnauthorizedClient,
		ErrUnknownClient, ErrInvalidCredentials, ErrInvalidScope,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "server_error"
}
