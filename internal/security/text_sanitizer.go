// Package security はユーザー入力の無害化を提供する。
//
// TextSanitizer は交換申請の自由記述欄などサーバーへ送るプレーンテキストから
// HTMLタグと制御文字を取り除く。bluemondayのStrictPolicyでタグをすべて除去し、
// エスケープされた文字実体は元の文字に戻す。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxFreeTextRunes は自由記述欄の最大文字数。
const MaxFreeTextRunes = 1000

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はタグ、山括弧、制御文字（改行とタブを除く）を除去し、前後の空白を取り除く。
	// MaxFreeTextRunesを超える部分は切り捨てる。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
type textSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: MaxFreeTextRunes,
	}
}

// Sanitize はプレーンテキストをサニタイズする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '<' || r == '>' {
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, stripped)
	cleaned = strings.TrimSpace(cleaned)

	if runes := []rune(cleaned); len(runes) > s.maxRunes {
		cleaned = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return cleaned
}
