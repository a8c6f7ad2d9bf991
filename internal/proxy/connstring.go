package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/hitoshi/proxyman/internal/model"
)

// Format は接続文字列の書式。
type Format string

const (
	// FormatURL は scheme://user:pass@ip:port 形式。
	FormatURL Format = "url"
	// FormatColon は ip:port:user:pass 形式。
	FormatColon Format = "colon"
)

// ConnectionString は利用権から接続文字列を組み立てる。値は保存しない。
func ConnectionString(e model.ProxyEntitlement, format Format) (string, error) {
	if e.IP == "" || e.Port < 1 || e.Port > 65535 {
		return "", model.NewValidationError("entitlement", "IPまたはポートが不正です")
	}
	port := strconv.Itoa(e.Port)
	creds := e.Credentials

	switch format {
	case FormatURL, "":
		if !e.Protocol.Valid() {
			return "", model.NewValidationError("protocol", "不明なプロトコルです: "+string(e.Protocol))
		}
		u := url.URL{Scheme: string(e.Protocol), Host: net.JoinHostPort(e.IP, port)}
		if creds.Username != "" {
			u.User = url.UserPassword(creds.Username, creds.Password)
		}
		return u.String(), nil
	case FormatColon:
		if creds.Username == "" {
			return e.IP + ":" + port, nil
		}
		return fmt.Sprintf("%s:%s:%s:%s", e.IP, port, creds.Username, creds.Password), nil
	}
	return "", model.NewValidationError("format", "不明な書式です: "+string(format))
}
