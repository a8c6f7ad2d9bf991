package app

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/proxyman/internal/cart"
	"github.com/hitoshi/proxyman/internal/catalog"
	"github.com/hitoshi/proxyman/internal/checkout"
	"github.com/hitoshi/proxyman/internal/model"
)

func newPackagesCommand(rt *runEnv) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "販売中のパッケージを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			pkgs, err := c.catalog.List(cmd.Context())
			if err != nil {
				return err
			}

			shown := make([]model.Package, 0, len(pkgs))
			rows := make([][]string, 0, len(pkgs))
			for _, p := range pkgs {
				if !p.Active && !all {
					continue
				}
				shown = append(shown, p)
				rows = append(rows, []string{
					p.ID, p.Name, string(p.ServiceKind), p.Country, string(p.Protocol),
					strconv.Itoa(p.DurationDays), yen(p.UnitPrice), strconv.FormatBool(p.Active),
				})
			}
			return rt.out().table(shown, []string{"ID", "NAME", "KIND", "COUNTRY", "PROTOCOL", "DAYS", "PRICE", "ACTIVE"}, rows)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "販売終了したパッケージも表示する")
	return cmd
}

// lineSpec はコマンドラインで指定された購入行。
type lineSpec struct {
	packageID string
	quantity  int
}

// parseItems は PACKAGE[:QTY] 形式の引数を解析する。数量の既定値は1。
func parseItems(args []string) ([]lineSpec, error) {
	specs := make([]lineSpec, 0, len(args))
	for _, arg := range args {
		id, qty, found := strings.Cut(arg, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, model.NewValidationError("package", "パッケージIDを指定してください")
		}
		n := 1
		if found {
			var err error
			n, err = strconv.Atoi(qty)
			if err != nil || n < 1 {
				return nil, model.NewValidationError("quantity", "数量は1以上の整数で指定してください: "+arg)
			}
		}
		specs = append(specs, lineSpec{packageID: id, quantity: n})
	}
	return specs, nil
}

// reviewView は購入前確認の表示用の形。
type reviewView struct {
	Items     []model.CartItem `json:"items"`
	Total     int64            `json:"total"`
	Balance   int64            `json:"balance"`
	Confirmed bool             `json:"confirmed"`
}

// purchaseView は購入結果の表示用の形。
type purchaseView struct {
	Order        model.Order              `json:"order"`
	Entitlements []model.ProxyEntitlement `json:"entitlements"`
}

func newBuyCommand(rt *runEnv) *cobra.Command {
	var (
		yes          bool
		source       string
		customConfig map[string]string
	)
	cmd := &cobra.Command{
		Use:   "buy PACKAGE[:QTY]...",
		Short: "パッケージを購入する",
		Long: `カートに指定したパッケージを入れ、カタログと残高を確認してから注文する。
--yes を付けない場合は確認内容を表示して終了する。`,
		Example: "proxyman buy static-jp-30d:2 rotating-jp-7d --yes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseItems(args)
			if err != nil {
				return err
			}
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// 1. カートの組み立て
			basket := cart.New()
			for _, s := range specs {
				pkg, ok, err := c.catalog.Find(ctx, s.packageID)
				if err != nil {
					return err
				}
				if !ok {
					return model.NewValidationError("package", "存在しないパッケージです: "+s.packageID)
				}
				if err := basket.Add(catalog.CartItem(pkg, s.quantity, customConfig)); err != nil {
					return err
				}
			}

			// 2. 確認
			orch := checkout.New(checkout.Deps{
				API:     c.gateway,
				Cart:    basket,
				Ledger:  c.ledger,
				Catalog: c.catalog,
				Tracker: c.tracker,
				Logger:  rt.logger,
				Metrics: c.metrics,
			})
			orch.OnTransition(func(from, to checkout.State) {
				rt.logger.Debug("チェックアウトの状態が変わりました",
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			})
			if err := orch.Open(); err != nil {
				return err
			}
			if err := orch.Proceed(ctx); err != nil {
				return err
			}

			snap := orch.Snapshot()
			acc, _ := c.ledger.Account()
			if !yes {
				return printReview(rt.out(), reviewView{Items: snap.Items(), Total: snap.Total(), Balance: acc.Balance})
			}

			// 3. 注文
			if source == "" {
				source = rt.cfg.PaymentSource
			}
			placed, err := orch.Submit(ctx, source)
			if err != nil {
				return err
			}
			return printPurchase(rt.out(), purchaseView{Order: placed, Entitlements: c.tracker.List()})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "確認せずに注文する")
	cmd.Flags().StringVar(&source, "payment-source", "", "支払い元（既定値は設定のPAYMENT_SOURCE）")
	cmd.Flags().StringToStringVar(&customConfig, "custom", nil, "全行に付けるカスタム設定（key=value）")
	return cmd
}

func printReview(p printer, v reviewView) error {
	if p.json {
		return p.encode(v)
	}
	rows := make([][]string, 0, len(v.Items))
	for _, item := range v.Items {
		rows = append(rows, []string{item.PackageID, item.PackageName, strconv.Itoa(item.Quantity), yen(item.UnitPrice), yen(item.Subtotal())})
	}
	if err := p.table(nil, []string{"PACKAGE", "NAME", "QTY", "UNIT", "SUBTOTAL"}, rows); err != nil {
		return err
	}
	return p.fields(nil,
		[2]string{"合計", yen(v.Total)},
		[2]string{"残高", yen(v.Balance)},
		[2]string{"購入後残高", yen(v.Balance - v.Total)},
		[2]string{"確定", "--yes を付けて再実行すると注文します"},
	)
}

func printPurchase(p printer, v purchaseView) error {
	if p.json {
		return p.encode(v)
	}
	if err := p.message(nil, "注文が完了しました: %s (%s)", v.Order.ID, yen(v.Order.TotalAmount)); err != nil {
		return err
	}
	return p.table(nil, entitlementHeader, entitlementRows(v.Entitlements))
}

func newOrdersCommand(rt *runEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "注文履歴を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			orders, err := c.orders.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(orders))
			for _, o := range orders {
				items := make([]string, len(o.Items))
				for i, item := range o.Items {
					items[i] = item.PackageID + "×" + strconv.Itoa(item.Quantity)
				}
				rows = append(rows, []string{o.ID, formatTime(o.CreatedAt), yen(o.TotalAmount), string(o.Status), strings.Join(items, " ")})
			}
			return rt.out().table(orders, []string{"ID", "CREATED", "TOTAL", "STATUS", "ITEMS"}, rows)
		},
	}
}

func newWalletCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "ウォレットの残高と取引履歴",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "残高を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			acc, err := c.ledger.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return rt.out().message(acc, "残高: %s", yen(acc.Balance))
		},
	})

	var page, size int
	txCmd := &cobra.Command{
		Use:   "transactions",
		Short: "取引履歴を新しい順に表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			result, err := c.ledger.TransactionsPage(cmd.Context(), page, size)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(result.Items))
			for _, tx := range result.Items {
				rows = append(rows, []string{tx.ID, formatTime(tx.CreatedAt), string(tx.Type), yen(tx.Amount), tx.Status, tx.Description})
			}
			if err := rt.out().table(result, []string{"ID", "CREATED", "TYPE", "AMOUNT", "STATUS", "DESCRIPTION"}, rows); err != nil {
				return err
			}
			if rt.jsonOut {
				return nil
			}
			return rt.out().message(nil, "%d/%d件 (ページ %d)", len(result.Items), result.Total, result.Page)
		},
	}
	txCmd.Flags().IntVar(&page, "page", 1, "ページ番号")
	txCmd.Flags().IntVar(&size, "size", 20, "1ページの件数")
	cmd.AddCommand(txCmd)

	var method string
	depositCmd := &cobra.Command{
		Use:   "deposit AMOUNT",
		Short: "入金を申請する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return model.NewValidationError("amount", "整数で指定してください")
			}
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			d, err := c.ledger.Deposit(cmd.Context(), amount, method)
			if err != nil {
				return err
			}
			pairs := [][2]string{
				{"ID", d.ID},
				{"金額", yen(d.Amount)},
				{"方法", d.Method},
				{"状態", d.Status},
			}
			if d.PaymentURL != "" {
				pairs = append(pairs, [2]string{"支払いURL", d.PaymentURL})
			}
			return rt.out().fields(d, pairs...)
		},
	}
	depositCmd.Flags().StringVar(&method, "method", "bank_transfer", "入金方法")
	cmd.AddCommand(depositCmd)

	return cmd
}
