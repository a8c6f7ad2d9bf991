package model

import "time"

// Protocol はプロキシの接続プロトコルを表す。
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Valid は既知のプロトコルかを返す。
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	}
	return false
}

// ProxyKind はエンタイトルメントの種別を表す。
type ProxyKind string

const (
	// ProxyKindStatic は固定IPのプロキシ。
	ProxyKindStatic ProxyKind = "static"
	// ProxyKindRotating はローテーション可能なプロキシ。
	ProxyKindRotating ProxyKind = "rotating"
)

// ProxyStatus はエンタイトルメントの稼働状態を表す。
type ProxyStatus string

const (
	ProxyStatusActive   ProxyStatus = "active"
	ProxyStatusInactive ProxyStatus = "inactive"
	ProxyStatusPending  ProxyStatus = "pending"
	ProxyStatusExpired  ProxyStatus = "expired"
)

// Valid は既知のステータスかを返す。
func (s ProxyStatus) Valid() bool {
	switch s {
	case ProxyStatusActive, ProxyStatusInactive, ProxyStatusPending, ProxyStatusExpired:
		return true
	}
	return false
}

// Credentials はプロキシ認証情報を表す。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProxyEntitlement は顧客が購入した個別のプロキシインスタンスを表す。
type ProxyEntitlement struct {
	ID            string      `json:"id"`
	PlanID        string      `json:"plan_id"`
	IP            string      `json:"ip"`
	Port          int         `json:"port"`
	Protocol      Protocol    `json:"protocol"`
	Credentials   Credentials `json:"credentials"`
	Country       string      `json:"country"`
	Kind          ProxyKind   `json:"kind"`
	Status        ProxyStatus `json:"status"`
	LastCheckedAt *time.Time  `json:"last_checked_at,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// Expired は有効期限切れ、またはステータスがexpiredかを返す。
func (e *ProxyEntitlement) Expired(now time.Time) bool {
	if e.Status == ProxyStatusExpired {
		return true
	}
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// HealthResult はサーバーが返すヘルスチェック結果を表す。
type HealthResult struct {
	EntitlementID string      `json:"id"`
	Status        ProxyStatus `json:"status"`
	LatencyMs     int         `json:"latency_ms"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// RotateResult はローテーション結果を表す。
type RotateResult struct {
	PlanID     string `json:"plan_id"`
	PreviousIP string `json:"previous_ip"`
	NewIP      string `json:"new_ip"`
}

// ReasonCode は交換リクエストの理由コードを表す。
type ReasonCode string

const (
	ReasonSlowSpeed     ReasonCode = "slow_speed"
	ReasonFrequentBlock ReasonCode = "frequent_block"
	ReasonNotWorking    ReasonCode = "not_working"
	ReasonWrongLocation ReasonCode = "wrong_location"
	ReasonOther         ReasonCode = "other"
)

// Valid は既知の理由コードかを返す。
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonSlowSpeed, ReasonFrequentBlock, ReasonNotWorking, ReasonWrongLocation, ReasonOther:
		return true
	}
	return false
}

// ReplacementStatus は交換リクエストの状態を表す。
type ReplacementStatus string

const (
	ReplacementPending  ReplacementStatus = "pending"
	ReplacementAccepted ReplacementStatus = "accepted"
	ReplacementRejected ReplacementStatus = "rejected"
)

// ReplacementRequest は顧客による交換リクエストを表す。
// サーバーが解決すると終端状態になる。
type ReplacementRequest struct {
	ID            string            `json:"id"`
	EntitlementID string            `json:"proxy_id"`
	ReasonCode    ReasonCode        `json:"reason"`
	FreeText      string            `json:"details"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	Status        ReplacementStatus `json:"status"`
}
