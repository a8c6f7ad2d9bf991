package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/proxyman/internal/model"
)

// サーバーが資格情報の期限切れを示すエンベロープコード
const (
	codeTokenExpired = "TOKEN_EXPIRED"
	codeUnauthorized = "UNAUTHORIZED"
	codeInvalidResp  = "INVALID_RESPONSE"
)

// envelope はすべてのAPI応答の共通フォーマット。
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// response はディスパッチ結果。ボディは読み取り済み。
type response struct {
	statusCode int
	body       []byte
	env        envelope
	envErr     error
}

func newResponse(statusCode int, body []byte) *response {
	r := &response{statusCode: statusCode, body: body}
	if len(bytes.TrimSpace(body)) > 0 {
		r.envErr = json.Unmarshal(body, &r.env)
	}
	return r
}

// unauthorized は資格情報の更新が必要な応答かを返す。
func (r *response) unauthorized() bool {
	if r.statusCode == http.StatusUnauthorized {
		return true
	}
	return r.envErr == nil && (r.env.Code == codeTokenExpired || r.env.Code == codeUnauthorized)
}

// success は成功応答かを返す。ボディのない2xxも成功とみなす。
func (r *response) success() bool {
	if r.statusCode < 200 || r.statusCode >= 300 {
		return false
	}
	if len(bytes.TrimSpace(r.body)) == 0 {
		return true
	}
	return r.envErr == nil && r.env.Status == "success"
}

// decode は成功応答のdataをoutに格納する。失敗応答は分類済みのエラーを返す。
func (r *response) decode(out any) error {
	if !r.success() {
		return r.classify()
	}
	if out == nil || len(r.env.Data) == 0 || string(r.env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.env.Data, out); err != nil {
		appErr := model.NewApplicationError(codeInvalidResp, "サーバー応答を解釈できませんでした。", r.statusCode)
		appErr.Cause = err
		return appErr
	}
	return nil
}

// classify は失敗応答をエラー分類に変換する。
//   - 400/422 → ValidationError
//   - 402 またはコード INSUFFICIENT_BALANCE → InsufficientBalance
//   - その他 → ApplicationError
func (r *response) classify() *model.APIError {
	code, message := r.env.Code, r.env.Message
	if r.envErr != nil {
		code, message = "", ""
	}
	if code == "" && r.statusCode >= 500 {
		code = model.ErrCodeServer
	}

	switch {
	case r.statusCode == http.StatusPaymentRequired || code == model.ErrCodeInsufficientBalance:
		return model.NewServerError(model.KindInsufficientBalance, code, message, r.statusCode)
	case r.statusCode == http.StatusBadRequest || r.statusCode == http.StatusUnprocessableEntity:
		return model.NewServerError(model.KindValidation, code, message, r.statusCode)
	case r.envErr != nil && r.statusCode >= 200 && r.statusCode < 300:
		appErr := model.NewApplicationError(codeInvalidResp, "サーバー応答を解釈できませんでした。", r.statusCode)
		appErr.Cause = r.envErr
		return appErr
	default:
		return model.NewServerError(model.KindApplication, code, message, r.statusCode)
	}
}
