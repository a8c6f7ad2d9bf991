package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/proxyman/internal/model"
)

// Envelope はすべての応答の共通フォーマット。
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WriteData は成功エンベロープを書き込む。dataがnilの場合はdataを省略する。
func WriteData(w http.ResponseWriter, statusCode int, data any) {
	writeEnvelope(w, statusCode, Envelope{Status: StatusSuccess, Data: data})
}

// WriteError は失敗エンベロープを書き込む。
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeEnvelope(w, statusCode, Envelope{Status: StatusError, Code: code, Message: message})
}

// WriteAPIError はAPIErrorを失敗エンベロープとして書き込む。
// HTTPStatusが未設定の場合は分類から決める。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	status := apiErr.HTTPStatus
	if status == 0 {
		switch apiErr.Kind {
		case model.KindValidation:
			status = http.StatusUnprocessableEntity
		case model.KindInsufficientBalance:
			status = http.StatusPaymentRequired
		case model.KindUnauthenticated, model.KindSessionExpired:
			status = http.StatusUnauthorized
		default:
			status = http.StatusBadRequest
		}
	}
	WriteError(w, status, apiErr.Code, apiErr.Message)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "内部エラーが発生しました。")
}

func writeEnvelope(w http.ResponseWriter, statusCode int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(env)
}
