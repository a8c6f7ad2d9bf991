package model

// InventoryProxy は管理者が管理するプロキシ在庫の1件を表す。
type InventoryProxy struct {
	ID       string      `json:"id"`
	IP       string      `json:"ip"`
	Port     int         `json:"port"`
	Protocol Protocol    `json:"protocol"`
	Country  string      `json:"country"`
	Kind     ProxyKind   `json:"kind"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	PoolID   string      `json:"pool_id,omitempty"`
	Status   ProxyStatus `json:"status"`
}

// ProxyPool はローテーション用バックエンドを表す。
// 1つのエントリポイントとポート範囲で公開され、ローテーションごとに出口IPを割り当てる。
type ProxyPool struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	EntryPoint string   `json:"entry_point"`
	PortStart  int      `json:"port_start"`
	PortEnd    int      `json:"port_end"`
	Country    string   `json:"country"`
	Protocol   Protocol `json:"protocol"`
	Active     bool     `json:"active"`
}
