package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/proxyman/internal/model"
)

// printer はコマンドの出力先。--json指定時は表の代わりにJSONを書き出す。
type printer struct {
	w    io.Writer
	json bool
}

// table はヘッダー付きの表を書き出す。JSONモードではvalueを出力する。
func (p printer) table(value any, header []string, rows [][]string) error {
	if p.json {
		return p.encode(value)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// fields はキーと値の組を1行ずつ書き出す。
func (p printer) fields(value any, pairs ...[2]string) error {
	if p.json {
		return p.encode(value)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, kv := range pairs {
		fmt.Fprintf(tw, "%s:\t%s\n", kv[0], kv[1])
	}
	return tw.Flush()
}

// message は人向けの1行を書き出す。JSONモードではvalueを出力する。
func (p printer) message(value any, format string, args ...any) error {
	if p.json {
		return p.encode(value)
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func (p printer) encode(value any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

// yen は金額を桁区切りで表示する。
func yen(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "¥" + b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func roleNames(roles []model.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

// FormatError はエラーを利用者向けの文言に整形する。
// 分類済みのエラーは対処方法を併記する。
func FormatError(err error) string {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return "エラー: " + err.Error()
	}
	var b strings.Builder
	b.WriteString("エラー: ")
	b.WriteString(apiErr.Message)
	if apiErr.Code != "" {
		fmt.Fprintf(&b, " (%s)", apiErr.Code)
	}
	if apiErr.Action != "" {
		b.WriteString("\n")
		b.WriteString(apiErr.Action)
	}
	return b.String()
}
