package sandbox

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

type replaceRequest struct {
	Reason  model.ReasonCode `json:"reason"`
	Details string           `json:"details"`
}

// ProxyHandler は利用権エンドポイントのHTTPハンドラー。
type ProxyHandler struct {
	backend *Backend
}

// List は利用権一覧を返す。
// GET /proxies
func (h *ProxyHandler) List(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, h.backend.listEntitlements(subject(r)))
}

// Get は利用権を1件返す。
// GET /proxies/{id}
func (h *ProxyHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, apiErr := h.backend.entitlement(subject(r), chi.URLParam(r, "id"))
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusOK, e)
}

// Check はステータス確認を実行する。
// POST /proxies/{id}/check
func (h *ProxyHandler) Check(w http.ResponseWriter, r *http.Request) {
	res, apiErr := h.backend.check(subject(r), chi.URLParam(r, "id"))
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusOK, res)
}

// Rotate はローテーションプランの出口IPを切り替える。
// POST /proxies/{id}/rotate （idはプランID）
func (h *ProxyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	res, apiErr := h.backend.rotate(subject(r), chi.URLParam(r, "id"))
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusOK, res)
}

// Replace は交換申請を受け付ける。
// POST /proxies/{id}/replace
func (h *ProxyHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, apiErr := h.backend.replace(subject(r), chi.URLParam(r, "id"), req.Reason, req.Details)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusCreated, res)
}
