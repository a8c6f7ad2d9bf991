package sandbox

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/proxyman/internal/admin"
	"github.com/hitoshi/proxyman/internal/model"
)

// user はサンドボックスの登録ユーザー。
type user struct {
	id           string
	email        string
	name         string
	passwordHash []byte
	roles        []model.Role
}

// account はユーザーごとのウォレット、注文、利用権。
type account struct {
	balance      int64
	transactions []model.Transaction
	orders       []model.Order
	entitlements map[string]*model.ProxyEntitlement
	replacements []model.ReplacementRequest
}

// Backend はサンドボックスAPIのインメモリ状態。複数goroutineから利用できる。
type Backend struct {
	mu  sync.Mutex
	now func() time.Time

	usersByEmail map[string]*user
	usersByID    map[string]*user
	refresh      map[string]string // refresh token → subject
	accounts     map[string]*account
	packages     []model.Package
	inventory    map[string]model.InventoryProxy
	pools        map[string]model.ProxyPool
	hostSeq      int
}

// NewBackend は空のBackendを生成する。
func NewBackend(now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	return &Backend{
		now:          now,
		usersByEmail: make(map[string]*user),
		usersByID:    make(map[string]*user),
		refresh:      make(map[string]string),
		accounts:     make(map[string]*account),
		inventory:    make(map[string]model.InventoryProxy),
		pools:        make(map[string]model.ProxyPool),
	}
}

// AddUser はユーザーを登録し、IDを返す。
func (b *Backend) AddUser(email, password, name string, balance int64, roles ...model.Role) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if len(roles) == 0 {
		roles = []model.Role{model.RoleCustomer}
	}
	u := &user{
		id:           uuid.NewString(),
		email:        strings.ToLower(email),
		name:         name,
		passwordHash: hash,
		roles:        roles,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.usersByEmail[u.email]; exists {
		return "", fmt.Errorf("user %s already exists", email)
	}
	b.usersByEmail[u.email] = u
	b.usersByID[u.id] = u
	b.accounts[u.id] = &account{balance: balance, entitlements: make(map[string]*model.ProxyEntitlement)}
	return u.id, nil
}

// AddPackage はパッケージをカタログに追加する。
func (b *Backend) AddPackage(p model.Package) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	b.packages = append(b.packages, p)
}

func (b *Backend) authenticate(email, password string) (*user, *model.APIError) {
	b.mu.Lock()
	u, ok := b.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	b.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return nil, model.NewApplicationError("INVALID_CREDENTIALS", "メールアドレスまたはパスワードが正しくありません。", http.StatusUnauthorized)
	}
	return u, nil
}

func (b *Backend) userByID(id string) (*user, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.usersByID[id]
	return u, ok
}

// issueRefresh は使い捨てのリフレッシュトークンを発行する。
func (b *Backend) issueRefresh(subject string) string {
	token := uuid.NewString()
	b.mu.Lock()
	b.refresh[token] = subject
	b.mu.Unlock()
	return token
}

// consumeRefresh はリフレッシュトークンを消費する。2回目以降は失敗する。
func (b *Backend) consumeRefresh(token string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subject, ok := b.refresh[token]
	delete(b.refresh, token)
	return subject, ok
}

// revokeRefresh は主体が所有するリフレッシュトークンを失効させる。
func (b *Backend) revokeRefresh(subject, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refresh[token] == subject {
		delete(b.refresh, token)
	}
}

func (b *Backend) listPackages() []model.Package {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.packages)
}

func (b *Backend) accountLocked(subject string) *account {
	acc, ok := b.accounts[subject]
	if !ok {
		acc = &account{entitlements: make(map[string]*model.ProxyEntitlement)}
		b.accounts[subject] = acc
	}
	return acc
}

// placeOrder は注文を検証し、残高から引き落として利用権を発行する。
func (b *Backend) placeOrder(subject string, items []model.OrderItem, paymentSource string) (model.Order, []model.ProxyEntitlement, *model.APIError) {
	if len(items) == 0 {
		return model.Order{}, nil, model.NewValidationError("items", "注文明細がありません")
	}
	if paymentSource == "" {
		paymentSource = "wallet"
	}
	if paymentSource != "wallet" {
		return model.Order{}, nil, model.NewValidationError("payment_source", "未対応の支払い元です: "+paymentSource)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	pkgs := make([]model.Package, len(items))
	for i, item := range items {
		idx := slices.IndexFunc(b.packages, func(p model.Package) bool { return p.ID == item.PackageID })
		if idx < 0 || !b.packages[idx].Active {
			return model.Order{}, nil, model.NewValidationError(item.PackageID, "購入できないパッケージです")
		}
		if item.Quantity < 1 {
			return model.Order{}, nil, model.NewValidationError(item.PackageID, "数量は1以上を指定してください")
		}
		pkgs[i] = b.packages[idx]
		total += pkgs[i].UnitPrice * int64(item.Quantity)
	}

	acc := b.accountLocked(subject)
	if acc.balance < total {
		return model.Order{}, nil, model.NewInsufficientBalanceError(acc.balance, total)
	}

	now := b.now()
	order := model.Order{
		ID:            uuid.NewString(),
		Items:         slices.Clone(items),
		TotalAmount:   total,
		PaymentSource: paymentSource,
		Status:        model.OrderCompleted,
		CreatedAt:     now,
	}

	acc.balance -= total
	acc.transactions = append(acc.transactions, model.Transaction{
		ID:          uuid.NewString(),
		Type:        model.TransactionPurchase,
		Amount:      -total,
		Status:      "completed",
		Description: "order " + order.ID,
		CreatedAt:   now,
	})

	var issued []model.ProxyEntitlement
	for i, item := range items {
		pkg := pkgs[i]
		planID := ""
		if pkg.ServiceKind == model.ServiceRotating {
			planID = fmt.Sprintf("plan-%s-%d", order.ID[:8], i)
		}
		for n := 0; n < item.Quantity; n++ {
			e := b.newEntitlementLocked(pkg, planID, now)
			acc.entitlements[e.ID] = e
			issued = append(issued, *e)
		}
	}
	acc.orders = append(acc.orders, order)
	return order, issued, nil
}

func (b *Backend) newEntitlementLocked(pkg model.Package, planID string, now time.Time) *model.ProxyEntitlement {
	kind := model.ProxyKindStatic
	if pkg.ServiceKind == model.ServiceRotating {
		kind = model.ProxyKindRotating
	}
	protocol := pkg.Protocol
	if !protocol.Valid() {
		protocol = model.ProtocolHTTP
	}
	days := pkg.DurationDays
	if days <= 0 {
		days = 30
	}
	ip := b.nextHostLocked()
	return &model.ProxyEntitlement{
		ID:       uuid.NewString(),
		PlanID:   planID,
		IP:       ip,
		Port:     8000 + b.hostSeq%1000,
		Protocol: protocol,
		Credentials: model.Credentials{
			Username: "u" + uuid.NewString()[:8],
			Password: uuid.NewString()[:12],
		},
		Country:   pkg.Country,
		Kind:      kind,
		Status:    model.ProxyStatusActive,
		ExpiresAt: now.AddDate(0, 0, days),
	}
}

// nextHostLocked はドキュメント用アドレス帯（198.51.100.0/24, 203.0.113.0/24）から出口IPを割り当てる。
func (b *Backend) nextHostLocked() string {
	b.hostSeq++
	n := b.hostSeq % 508
	if n < 254 {
		return fmt.Sprintf("198.51.100.%d", n+1)
	}
	return fmt.Sprintf("203.0.113.%d", n-253)
}

func (b *Backend) listOrders(subject string) []model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.accountLocked(subject).orders)
}

func (b *Backend) balance(subject string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accountLocked(subject).balance
}

// transactions は取引履歴を新しい順にページングして返す。
func (b *Backend) transactions(subject string, page, size int) model.TransactionPage {
	b.mu.Lock()
	defer b.mu.Unlock()

	txs := slices.Clone(b.accountLocked(subject).transactions)
	slices.Reverse(txs)

	result := model.TransactionPage{Items: []model.Transaction{}, Page: page, Size: size, Total: len(txs)}
	start := (page - 1) * size
	if start >= len(txs) {
		return result
	}
	end := min(start+size, len(txs))
	result.Items = txs[start:end]
	return result
}

// deposit は入金を受け付ける。サンドボックスでは即時に確定する。
func (b *Backend) deposit(subject string, amount int64, method string) (model.Deposit, *model.APIError) {
	if amount <= 0 {
		return model.Deposit{}, model.NewValidationError("amount", "正の値を指定してください")
	}
	if strings.TrimSpace(method) == "" {
		return model.Deposit{}, model.NewValidationError("method", "必須です")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	acc := b.accountLocked(subject)
	acc.balance += amount
	d := model.Deposit{ID: uuid.NewString(), Amount: amount, Method: method, Status: "completed", CreatedAt: now}
	acc.transactions = append(acc.transactions, model.Transaction{
		ID:          d.ID,
		Type:        model.TransactionDeposit,
		Amount:      amount,
		Status:      "completed",
		Description: "deposit via " + method,
		CreatedAt:   now,
	})
	return d, nil
}

func (b *Backend) listEntitlements(subject string) []model.ProxyEntitlement {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	acc := b.accountLocked(subject)
	out := make([]model.ProxyEntitlement, 0, len(acc.entitlements))
	for _, e := range acc.entitlements {
		expireLocked(e, now)
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b model.ProxyEntitlement) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (b *Backend) entitlement(subject, id string) (model.ProxyEntitlement, *model.APIError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.accountLocked(subject).entitlements[id]
	if !ok {
		return model.ProxyEntitlement{}, notFound("proxy")
	}
	expireLocked(e, b.now())
	return *e, nil
}

// check はステータス確認を行う。サンドボックスでは保持している状態をそのまま返す。
func (b *Backend) check(subject, id string) (model.HealthResult, *model.APIError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.accountLocked(subject).entitlements[id]
	if !ok {
		return model.HealthResult{}, notFound("proxy")
	}
	now := b.now()
	expireLocked(e, now)
	e.LastCheckedAt = &now
	latency := 0
	if e.Status == model.ProxyStatusActive {
		latency = 40 + b.hostSeq%60
	}
	return model.HealthResult{EntitlementID: e.ID, Status: e.Status, LatencyMs: latency, CheckedAt: now}, nil
}

// rotate はプランの出口IPを切り替える。
func (b *Backend) rotate(subject, planID string) (model.RotateResult, *model.APIError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []*model.ProxyEntitlement
	for _, e := range b.accountLocked(subject).entitlements {
		if e.PlanID == planID && e.Kind == model.ProxyKindRotating {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return model.RotateResult{}, notFound("plan")
	}

	result := model.RotateResult{PlanID: planID, PreviousIP: targets[0].IP, NewIP: b.nextHostLocked()}
	for _, e := range targets {
		if e.IP == result.PreviousIP {
			e.IP = result.NewIP
		}
	}
	return result, nil
}

// replace は交換申請を受け付ける。状態は申請中のままとし、利用権は変更しない。
func (b *Backend) replace(subject, id string, reason model.ReasonCode, details string) (model.ReplacementRequest, *model.APIError) {
	if !reason.Valid() {
		return model.ReplacementRequest{}, model.NewValidationError("reason", "不明な理由コードです")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	acc := b.accountLocked(subject)
	if _, ok := acc.entitlements[id]; !ok {
		return model.ReplacementRequest{}, notFound("proxy")
	}
	req := model.ReplacementRequest{
		ID:            uuid.NewString(),
		EntitlementID: id,
		ReasonCode:    reason,
		FreeText:      details,
		SubmittedAt:   b.now(),
		Status:        model.ReplacementPending,
	}
	acc.replacements = append(acc.replacements, req)
	return req, nil
}

func (b *Backend) listInventory() []model.InventoryProxy {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.InventoryProxy, 0, len(b.inventory))
	for _, p := range b.inventory {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.InventoryProxy) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (b *Backend) putInventory(id string, p model.InventoryProxy) (model.InventoryProxy, *model.APIError) {
	if err := admin.ValidateProxy(p); err != nil {
		return model.InventoryProxy{}, asAPIError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	} else if _, ok := b.inventory[id]; !ok {
		return model.InventoryProxy{}, notFound("proxy")
	}
	p.ID = id
	if p.Status == "" {
		p.Status = model.ProxyStatusActive
	}
	b.inventory[id] = p
	return p, nil
}

func (b *Backend) deleteInventory(id string) *model.APIError {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inventory[id]; !ok {
		return notFound("proxy")
	}
	delete(b.inventory, id)
	return nil
}

func (b *Backend) listPools() []model.ProxyPool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ProxyPool, 0, len(b.pools))
	for _, p := range b.pools {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.ProxyPool) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (b *Backend) putPool(id string, p model.ProxyPool) (model.ProxyPool, *model.APIError) {
	if err := admin.ValidatePool(p); err != nil {
		return model.ProxyPool{}, asAPIError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	} else if _, ok := b.pools[id]; !ok {
		return model.ProxyPool{}, notFound("pool")
	}
	p.ID = id
	b.pools[id] = p
	return p, nil
}

func (b *Backend) deletePool(id string) *model.APIError {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pools[id]; !ok {
		return notFound("pool")
	}
	delete(b.pools, id)
	return nil
}

// expireLocked は有効期限を過ぎた利用権の状態をexpiredにする。
func expireLocked(e *model.ProxyEntitlement, now time.Time) {
	if e.Status != model.ProxyStatusExpired && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
		e.Status = model.ProxyStatusExpired
	}
}

func asAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewApplicationError("", err.Error(), http.StatusBadRequest)
}

func notFound(what string) *model.APIError {
	return model.NewApplicationError(model.ErrCodeNotFound, what+" が見つかりません。", http.StatusNotFound)
}
