package sandbox

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

// AdminHandler は在庫管理のHTTPハンドラー。admin ロールのルートにのみ配置する。
type AdminHandler struct {
	backend *Backend
}

// ListProxies GET /admin/proxies
func (h *AdminHandler) ListProxies(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, h.backend.listInventory())
}

// CreateProxy POST /admin/proxies
func (h *AdminHandler) CreateProxy(w http.ResponseWriter, r *http.Request) {
	h.putProxy(w, r, "", http.StatusCreated)
}

// UpdateProxy PUT /admin/proxies/{id}
func (h *AdminHandler) UpdateProxy(w http.ResponseWriter, r *http.Request) {
	h.putProxy(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *AdminHandler) putProxy(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req model.InventoryProxy
	if !decodeBody(w, r, &req) {
		return
	}
	p, apiErr := h.backend.putInventory(id, req)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, status, p)
}

// DeleteProxy DELETE /admin/proxies/{id}
func (h *AdminHandler) DeleteProxy(w http.ResponseWriter, r *http.Request) {
	if apiErr := h.backend.deleteInventory(chi.URLParam(r, "id")); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusOK, nil)
}

// ListPools GET /admin/proxy-pools
func (h *AdminHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, h.backend.listPools())
}

// CreatePool POST /admin/proxy-pools
func (h *AdminHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	h.putPool(w, r, "", http.StatusCreated)
}

// UpdatePool PUT /admin/proxy-pools/{id}
func (h *AdminHandler) UpdatePool(w http.ResponseWriter, r *http.Request) {
	h.putPool(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *AdminHandler) putPool(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req model.ProxyPool
	if !decodeBody(w, r, &req) {
		return
	}
	p, apiErr := h.backend.putPool(id, req)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, status, p)
}

// DeletePool DELETE /admin/proxy-pools/{id}
func (h *AdminHandler) DeletePool(w http.ResponseWriter, r *http.Request) {
	if apiErr := h.backend.deletePool(chi.URLParam(r, "id")); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusOK, nil)
}
