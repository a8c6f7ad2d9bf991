package model

import "time"

// ServiceKind はサービスパッケージの種別を表す。
type ServiceKind string

const (
	ServiceStaticIPv4 ServiceKind = "static-ipv4"
	ServiceStaticIPv6 ServiceKind = "static-ipv6"
	ServiceRotating   ServiceKind = "rotating"
)

// Valid は既知のサービス種別かを返す。
func (k ServiceKind) Valid() bool {
	switch k {
	case ServiceStaticIPv4, ServiceStaticIPv6, ServiceRotating:
		return true
	}
	return false
}

// Package は販売中のサービスパッケージを表す。
type Package struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	ServiceKind  ServiceKind `json:"service_kind"`
	UnitPrice    int64       `json:"unit_price"`
	Country      string      `json:"country"`
	Protocol     Protocol    `json:"protocol"`
	DurationDays int         `json:"duration_days"`
	Active       bool        `json:"active"`
}

// CartItem はチェックアウト前のカート行を表す。
// 金額は最小通貨単位の整数で扱う。
type CartItem struct {
	PackageID    string
	PackageName  string
	UnitPrice    int64
	Quantity     int
	ServiceKind  ServiceKind
	CustomConfig map[string]string
}

// Subtotal は行の小計を返す。
func (i CartItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// OrderStatus は注文の状態を表す。サーバー主導で遷移する。
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderFailed     OrderStatus = "failed"
)

// OrderItem は注文明細を表す。
type OrderItem struct {
	PackageID    string            `json:"package_id"`
	Quantity     int               `json:"quantity"`
	CustomConfig map[string]string `json:"custom_config,omitempty"`
}

// Order は確定した購入を表す。
type Order struct {
	ID            string      `json:"id"`
	Items         []OrderItem `json:"items"`
	TotalAmount   int64       `json:"total_amount"`
	PaymentSource string      `json:"payment_source"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// WalletAccount はウォレット残高の読み取りモデル。
// 残高はサーバー確定値でのみ置き換えられ、ローカルで減算されることはない。
type WalletAccount struct {
	Balance      int64     `json:"balance"`
	LastSyncedAt time.Time `json:"-"`
}

// TransactionType はウォレット取引の種別を表す。
type TransactionType string

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionPurchase TransactionType = "purchase"
	TransactionRefund   TransactionType = "refund"
)

// Transaction はウォレット取引履歴の1件を表す。
type Transaction struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionPage は取引履歴のページを表す。
type TransactionPage struct {
	Items []Transaction `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int           `json:"total"`
}

// Deposit は入金申請を表す。入金確定はサーバー側で行われる。
type Deposit struct {
	ID         string    `json:"id"`
	Amount     int64     `json:"amount"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	PaymentURL string    `json:"payment_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
