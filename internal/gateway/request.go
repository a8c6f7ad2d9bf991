package gateway

import "net/url"

// Request はゲートウェイ経由で送るAPIリクエスト。
type Request struct {
	Method string
	Path   string     // ベースURLからの相対パス（例: "/proxies"）
	Query  url.Values // 省略可
	Body   any        // JSONエンコードされる。nilの場合はボディなし
}

// requestState はリクエストの資格情報更新フェーズ。
// Fresh → Retried → Terminal の順にのみ進む。
type requestState int

const (
	stateFresh requestState = iota
	stateRetried
	stateTerminal
)

func (s requestState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateRetried:
		return "retried"
	case stateTerminal:
		return "terminal"
	}
	return "unknown"
}
