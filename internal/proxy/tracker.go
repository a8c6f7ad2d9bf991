// Package proxy は購入済みプロキシ利用権の状態を追跡する。
//
// 状態はサーバーが確定させる。ヘルスチェック、ローテーション、取得の各リクエストは
// 発行時に利用権ごとのシーケンス番号を取り、応答はそれより新しい番号の応答が
// まだ適用されていない場合にのみ反映する。遅れて届いた古い応答は破棄される。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/proxyman/internal/gateway"
	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/security"
)

// 失敗を記録する操作名
const (
	OpRefresh = "refresh"
	OpGet     = "get"
	OpCheck   = "check"
	OpRotate  = "rotate"
	OpReplace = "replace"
)

// Transport はAPI呼び出しのインターフェース。
type Transport interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// OpError は利用権に対する直近の失敗。
type OpError struct {
	Op  string
	Err error
	At  time.Time
}

func (e OpError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Op, e.At.Format(time.RFC3339), e.Err)
}

// sequence は利用権ごとの発行済みシーケンス番号と、項目グループごとの適用済み番号。
// endpointはIPや認証情報などStatus以外の項目、healthはStatusとLastCheckedAt。
// グループごとに発行順で適用するため、別グループを書く新しい応答が古い応答を打ち消すことはない。
type sequence struct {
	issued   uint64
	endpoint uint64
	health   uint64
}

// Tracker は利用権の集合と、それぞれの直近の失敗、交換申請を保持する。
type Tracker struct {
	api       Transport
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	entitlements map[string]model.ProxyEntitlement
	seqs         map[string]*sequence
	lastErrors   map[string]OpError
	replacements map[string][]model.ReplacementRequest
}

// NewTracker はTrackerを生成する。
func NewTracker(api Transport, sanitizer security.TextSanitizer, logger *slog.Logger) *Tracker {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		api:          api,
		sanitizer:    sanitizer,
		logger:       logger,
		now:          time.Now,
		entitlements: map[string]model.ProxyEntitlement{},
		seqs:         map[string]*sequence{},
		lastErrors:   map[string]OpError{},
		replacements: map[string][]model.ReplacementRequest{},
	}
}

// Refresh はサーバーから利用権一覧を取得し、集合を置き換える。
// 発行時点で追跡していてサーバー応答に含まれない利用権は削除する。
func (t *Tracker) Refresh(ctx context.Context) ([]model.ProxyEntitlement, error) {
	t.mu.Lock()
	drawn := make(map[string]uint64, len(t.entitlements))
	for id := range t.entitlements {
		drawn[id] = t.drawLocked(id)
	}
	t.mu.Unlock()

	var ents []model.ProxyEntitlement
	if err := t.api.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/proxies"}, &ents); err != nil {
		t.mu.Lock()
		for id := range drawn {
			t.recordLocked(id, OpRefresh, err)
		}
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(ents))
	for _, e := range ents {
		if e.ID == "" {
			continue
		}
		seen[e.ID] = true
		seq, known := drawn[e.ID]
		if !known {
			// 発行後に追加された利用権はその時点の状態を優先する
			if _, exists := t.entitlements[e.ID]; exists {
				continue
			}
			seq = t.drawLocked(e.ID)
		}
		if t.mergeLocked(e.ID, seq, e) {
			delete(t.lastErrors, e.ID)
		}
	}

	for id, seq := range drawn {
		if seen[id] {
			continue
		}
		if !t.removeIfNewerLocked(id, seq) {
			continue
		}
		t.logger.Info("一覧に存在しない利用権を削除しました", slog.String("id", id))
	}

	return t.listLocked(), nil
}

// Get はサーバーから1件の利用権を取得して置き換える。
// サーバーが404を返した場合は追跡から外す。
func (t *Tracker) Get(ctx context.Context, id string) (model.ProxyEntitlement, error) {
	if id == "" {
		return model.ProxyEntitlement{}, model.NewValidationError("id", "必須です")
	}

	t.mu.Lock()
	seq := t.drawLocked(id)
	t.mu.Unlock()

	var ent model.ProxyEntitlement
	err := t.api.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/proxies/" + url.PathEscape(id)}, &ent)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusNotFound && t.removeIfNewerLocked(id, seq) {
			return model.ProxyEntitlement{}, err
		}
		t.recordLocked(id, OpGet, err)
		return model.ProxyEntitlement{}, err
	}

	if ent.ID == "" {
		ent.ID = id
	}
	if t.mergeLocked(id, seq, ent) {
		delete(t.lastErrors, id)
		return t.entitlements[id], nil
	}
	t.logger.Debug("古い利用権の応答を破棄しました", slog.String("id", id), slog.Uint64("seq", seq))
	return t.entitlements[id], nil
}

// Register は利用権を追加または置き換える。チェックアウトの照合で使う。
// 登録は新しいシーケンス番号で全項目に適用されるため、発行済みの古い応答は破棄される。
func (t *Tracker) Register(ents ...model.ProxyEntitlement) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range ents {
		if e.ID == "" {
			continue
		}
		t.mergeLocked(e.ID, t.drawLocked(e.ID), e)
		delete(t.lastErrors, e.ID)
	}
}

// CheckStatus はサーバーにヘルスチェックを依頼し、ステータスと確認日時を更新する。
func (t *Tracker) CheckStatus(ctx context.Context, id string) (model.HealthResult, error) {
	t.mu.Lock()
	if _, ok := t.entitlements[id]; !ok {
		t.mu.Unlock()
		return model.HealthResult{}, model.NewValidationError("id", "追跡していない利用権です: "+id)
	}
	seq := t.drawLocked(id)
	t.mu.Unlock()

	var result model.HealthResult
	err := t.api.Send(ctx, gateway.Request{Method: http.MethodPost, Path: "/proxies/" + url.PathEscape(id) + "/check"}, &result)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.recordLocked(id, OpCheck, err)
		return model.HealthResult{}, err
	}
	if !result.Status.Valid() {
		err := model.NewApplicationError("INVALID_RESPONSE", "不明なステータスが返されました: "+string(result.Status), 0)
		t.recordLocked(id, OpCheck, err)
		return model.HealthResult{}, err
	}
	if result.EntitlementID == "" {
		result.EntitlementID = id
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = t.now()
	}

	ent, tracked := t.entitlements[id]
	if !tracked {
		return result, nil
	}
	if !t.applyHealthLocked(id, seq) {
		t.logger.Debug("古いステータス確認結果を破棄しました", slog.String("id", id), slog.Uint64("seq", seq))
		return result, nil
	}
	checkedAt := result.CheckedAt
	ent.Status = result.Status
	ent.LastCheckedAt = &checkedAt
	t.entitlements[id] = ent
	delete(t.lastErrors, id)
	return result, nil
}

// Rotate はローテーション型プランの出口IPを切り替える。
// 追跡中の利用権にそのプランのローテーション型がない場合はリクエストを送らない。
// 応答の previous_ip と一致するIPを持つそのプランの利用権を新しいIPに更新する。
func (t *Tracker) Rotate(ctx context.Context, planID string) (model.RotateResult, error) {
	t.mu.Lock()
	drawn := map[string]uint64{}
	rotating := false
	for id, e := range t.entitlements {
		if e.PlanID != planID {
			continue
		}
		if e.Kind == model.ProxyKindRotating {
			rotating = true
		}
		drawn[id] = t.drawLocked(id)
	}
	if !rotating {
		t.mu.Unlock()
		return model.RotateResult{}, model.NewValidationError("plan_id", "ローテーション型の利用権がありません: "+planID)
	}
	t.mu.Unlock()

	var result model.RotateResult
	err := t.api.Send(ctx, gateway.Request{Method: http.MethodPost, Path: "/proxies/" + url.PathEscape(planID) + "/rotate"}, &result)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		for id := range drawn {
			t.recordLocked(id, OpRotate, err)
		}
		return model.RotateResult{}, err
	}
	if result.PlanID == "" {
		result.PlanID = planID
	}

	updated := 0
	for id, seq := range drawn {
		ent, ok := t.entitlements[id]
		if !ok || ent.IP != result.PreviousIP {
			continue
		}
		if !t.applyEndpointLocked(id, seq) {
			t.logger.Debug("古いローテーション結果を破棄しました", slog.String("id", id), slog.Uint64("seq", seq))
			continue
		}
		ent.IP = result.NewIP
		t.entitlements[id] = ent
		delete(t.lastErrors, id)
		updated++
	}

	t.logger.Info("プランをローテーションしました",
		slog.String("plan_id", planID),
		slog.String("previous_ip", result.PreviousIP),
		slog.String("new_ip", result.NewIP),
		slog.Int("updated", updated),
	)
	return result, nil
}

// RequestReplacement は利用権の交換を申請する。利用権のステータスは変更しない。
func (t *Tracker) RequestReplacement(ctx context.Context, id string, reason model.ReasonCode, freeText string) (model.ReplacementRequest, error) {
	if !reason.Valid() {
		return model.ReplacementRequest{}, model.NewValidationError("reason", "不明な理由コードです: "+string(reason))
	}

	t.mu.Lock()
	_, tracked := t.entitlements[id]
	t.mu.Unlock()
	if !tracked {
		return model.ReplacementRequest{}, model.NewValidationError("id", "追跡していない利用権です: "+id)
	}

	details := t.sanitizer.Sanitize(freeText)

	var req model.ReplacementRequest
	err := t.api.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/proxies/" + url.PathEscape(id) + "/replace",
		Body:   map[string]string{"reason": string(reason), "details": details},
	}, &req)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.recordLocked(id, OpReplace, err)
		return model.ReplacementRequest{}, err
	}
	if req.EntitlementID == "" {
		req.EntitlementID = id
	}
	if req.ReasonCode == "" {
		req.ReasonCode = reason
	}
	if req.FreeText == "" {
		req.FreeText = details
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = t.now()
	}
	if req.Status == "" {
		req.Status = model.ReplacementPending
	}
	t.replacements[id] = append(t.replacements[id], req)
	return req, nil
}

// List は追跡中の利用権をID順に返す。
func (t *Tracker) List() []model.ProxyEntitlement {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked()
}

// Entitlement はIDで利用権を返す。
func (t *Tracker) Entitlement(id string) (model.ProxyEntitlement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entitlements[id]
	return e, ok
}

// LastError は利用権に対する直近の失敗を返す。成功した操作で消去される。
func (t *Tracker) LastError(id string) (OpError, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lastErrors[id]
	return e, ok
}

// Replacements は利用権に対する交換申請を申請順に返す。
func (t *Tracker) Replacements(id string) []model.ReplacementRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.ReplacementRequest(nil), t.replacements[id]...)
}

// Prune は期限切れの利用権を追跡から外し、外した件数を返す。
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.entitlements {
		if e.Expired(now) {
			t.removeLocked(id)
			removed++
		}
	}
	return removed
}

// StatusCounts はステータス別の件数を返す。
func (t *Tracker) StatusCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := map[string]int{}
	for _, e := range t.entitlements {
		counts[string(e.Status)]++
	}
	return counts
}

func (t *Tracker) drawLocked(id string) uint64 {
	s := t.seqs[id]
	if s == nil {
		s = &sequence{}
		t.seqs[id] = s
	}
	s.issued++
	return s.issued
}

// applyHealthLocked はseqがStatus系項目の適用済み番号より新しい場合に記録し、trueを返す。
func (t *Tracker) applyHealthLocked(id string, seq uint64) bool {
	s := t.seqs[id]
	if s == nil || seq <= s.health {
		return false
	}
	s.health = seq
	return true
}

// applyEndpointLocked はseqがendpoint項目の適用済み番号より新しい場合に記録し、trueを返す。
// 出口が変わるため、seqより前に発行されたステータス確認の結果も以後は適用しない。
func (t *Tracker) applyEndpointLocked(id string, seq uint64) bool {
	s := t.seqs[id]
	if s == nil || seq <= s.endpoint {
		return false
	}
	s.endpoint = seq
	s.health = max(s.health, seq)
	return true
}

// mergeLocked は利用権全体の応答を適用する。
// 一方のグループにより新しい結果が適用済みの場合、そのグループは現在の値を残す。
// どちらのグループにも適用できない場合はfalseを返す。
func (t *Tracker) mergeLocked(id string, seq uint64, in model.ProxyEntitlement) bool {
	s := t.seqs[id]
	if s == nil {
		return false
	}
	endpoint := seq > s.endpoint
	health := seq > s.health
	cur, exists := t.entitlements[id]
	if !exists && !(endpoint && health) {
		return false
	}
	if !endpoint && !health {
		return false
	}

	out := in
	if !endpoint {
		out = cur
		out.Status = in.Status
		out.LastCheckedAt = in.LastCheckedAt
	}
	if !health {
		out.Status = cur.Status
		out.LastCheckedAt = cur.LastCheckedAt
	}
	s.endpoint = max(s.endpoint, seq)
	s.health = max(s.health, seq)
	t.entitlements[id] = out
	return true
}

// removeIfNewerLocked はseqがどのグループの適用済み番号よりも新しい場合に利用権を外し、trueを返す。
func (t *Tracker) removeIfNewerLocked(id string, seq uint64) bool {
	s := t.seqs[id]
	if s == nil || seq <= s.endpoint || seq <= s.health {
		return false
	}
	s.endpoint = seq
	s.health = seq
	t.removeLocked(id)
	return true
}

func (t *Tracker) recordLocked(id, op string, err error) {
	if _, ok := t.entitlements[id]; !ok {
		return
	}
	t.lastErrors[id] = OpError{Op: op, Err: err, At: t.now()}
	t.logger.Warn("利用権の操作に失敗しました",
		slog.String("id", id),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

// removeLocked は利用権を外す。シーケンス番号は残し、遅れて届いた応答で復活しないようにする。
func (t *Tracker) removeLocked(id string) {
	delete(t.entitlements, id)
	delete(t.lastErrors, id)
}

func (t *Tracker) listLocked() []model.ProxyEntitlement {
	out := make([]model.ProxyEntitlement, 0, len(t.entitlements))
	for _, e := range t.entitlements {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
