package sandbox

import (
	"net/http"
	"strconv"

	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

type orderRequest struct {
	Items         []model.OrderItem `json:"items"`
	PaymentSource string            `json:"payment_source"`
}

// orderResponse は注文と発行した利用権を返す。
type orderResponse struct {
	model.Order
	Entitlements []model.ProxyEntitlement `json:"entitlements"`
}

type depositRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// CommerceHandler はカタログ、注文、ウォレットのHTTPハンドラー。
type CommerceHandler struct {
	backend *Backend
}

// Packages はパッケージ一覧を返す。
// GET /packages
func (h *CommerceHandler) Packages(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, h.backend.listPackages())
}

// PlaceOrder は注文を確定する。残高不足は402を返す。
// POST /orders
func (h *CommerceHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, ents, apiErr := h.backend.placeOrder(subject(r), req.Items, req.PaymentSource)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusCreated, orderResponse{Order: order, Entitlements: ents})
}

// Orders は注文履歴を返す。
// GET /orders
func (h *CommerceHandler) Orders(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, h.backend.listOrders(subject(r)))
}

// Wallet は残高を返す。
// GET /wallet
func (h *CommerceHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	middleware.WriteData(w, http.StatusOK, map[string]int64{"balance": h.backend.balance(subject(r))})
}

// Transactions は取引履歴を返す。
// GET /wallet/transactions?page=1&size=20
func (h *CommerceHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	page, size := 1, 20
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			middleware.WriteAPIError(w, model.NewValidationError("page", "1以上を指定してください"))
			return
		}
		page = n
	}
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			middleware.WriteAPIError(w, model.NewValidationError("size", "1から100の範囲で指定してください"))
			return
		}
		size = n
	}
	middleware.WriteData(w, http.StatusOK, h.backend.transactions(subject(r), page, size))
}

// Deposit は入金を受け付ける。
// POST /wallet/deposit
func (h *CommerceHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, apiErr := h.backend.deposit(subject(r), req.Amount, req.Method)
	if apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	middleware.WriteData(w, http.StatusCreated, d)
}
