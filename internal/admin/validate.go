package admin

import (
	"net"
	"strings"

	"github.com/hitoshi/proxyman/internal/model"
)

const (
	minPort = 1
	maxPort = 65535
)

// ValidateProxy は在庫プロキシの入力を検証する。
func ValidateProxy(p model.InventoryProxy) error {
	if net.ParseIP(strings.TrimSpace(p.IP)) == nil {
		return model.NewValidationError("ip", "IPアドレスの形式が不正です")
	}
	if p.Port < minPort || p.Port > maxPort {
		return model.NewValidationError("port", "ポートは1から65535の範囲で指定してください")
	}
	if !p.Protocol.Valid() {
		return model.NewValidationError("protocol", "未対応のプロトコルです")
	}
	return nil
}

// ValidatePool はプールの入力を検証する。
func ValidatePool(p model.ProxyPool) error {
	if strings.TrimSpace(p.EntryPoint) == "" {
		return model.NewValidationError("entry_point", "エントリポイントを指定してください")
	}
	if p.PortStart < minPort || p.PortEnd > maxPort || p.PortStart > p.PortEnd {
		return model.NewValidationError("port_range", "ポート範囲が不正です")
	}
	if p.Protocol != "" && !p.Protocol.Valid() {
		return model.NewValidationError("protocol", "未対応のプロトコルです")
	}
	return nil
}
