package app

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hitoshi/proxyman/internal/model"
	"github.com/hitoshi/proxyman/internal/probe"
	"github.com/hitoshi/proxyman/internal/proxy"
)

var entitlementHeader = []string{"ID", "PLAN", "KIND", "PROTOCOL", "ENDPOINT", "COUNTRY", "STATUS", "EXPIRES"}

func entitlementRows(ents []model.ProxyEntitlement) [][]string {
	rows := make([][]string, 0, len(ents))
	for _, e := range ents {
		plan := e.PlanID
		if plan == "" {
			plan = "-"
		}
		rows = append(rows, []string{
			e.ID, plan, string(e.Kind), string(e.Protocol),
			e.IP + ":" + strconv.Itoa(e.Port), e.Country, string(e.Status), formatTime(e.ExpiresAt),
		})
	}
	return rows
}

func newProxiesCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proxies",
		Aliases: []string{"proxy"},
		Short:   "購入済みプロキシの管理",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "購入済みプロキシを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			ents, err := c.tracker.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			return rt.out().table(ents, entitlementHeader, entitlementRows(ents))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "プロキシの詳細を表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			e, err := c.tracker.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.out().fields(e,
				[2]string{"ID", e.ID},
				[2]string{"プラン", e.PlanID},
				[2]string{"種別", string(e.Kind)},
				[2]string{"プロトコル", string(e.Protocol)},
				[2]string{"エンドポイント", e.IP + ":" + strconv.Itoa(e.Port)},
				[2]string{"ユーザー名", e.Credentials.Username},
				[2]string{"国", e.Country},
				[2]string{"状態", string(e.Status)},
				[2]string{"最終確認", formatOptionalTime(e.LastCheckedAt)},
				[2]string{"有効期限", formatTime(e.ExpiresAt)},
			)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check ID",
		Short: "プロキシのステータスを確認する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if _, err := c.tracker.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			result, err := c.tracker.CheckStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.out().message(result, "%s: %s (%dms, %s)", result.EntitlementID, result.Status, result.LatencyMs, formatTime(result.CheckedAt))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate PLAN_ID",
		Short: "ローテーション型プランの出口IPを切り替える",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if _, err := c.tracker.Refresh(cmd.Context()); err != nil {
				return err
			}
			result, err := c.tracker.Rotate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.out().message(result, "%s: %s → %s", result.PlanID, result.PreviousIP, result.NewIP)
		},
	})

	var reason, details string
	replaceCmd := &cobra.Command{
		Use:   "replace ID",
		Short: "プロキシの交換を申請する",
		Long: `交換を申請する。利用権の状態は変更されず、申請はサーバーで処理される。
理由コード: slow_speed, frequent_block, not_working, wrong_location, other`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if _, err := c.tracker.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			req, err := c.tracker.RequestReplacement(cmd.Context(), args[0], model.ReasonCode(reason), details)
			if err != nil {
				return err
			}
			return rt.out().message(req, "交換を申請しました: %s (%s)", req.ID, req.Status)
		},
	}
	replaceCmd.Flags().StringVar(&reason, "reason", string(model.ReasonNotWorking), "理由コード")
	replaceCmd.Flags().StringVar(&details, "details", "", "詳細（任意）")
	cmd.AddCommand(replaceCmd)

	var format string
	connCmd := &cobra.Command{
		Use:   "conn ID",
		Short: "接続文字列を表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			e, err := c.tracker.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			conn, err := proxy.ConnectionString(e, proxy.Format(format))
			if err != nil {
				return err
			}
			return rt.out().message(map[string]string{"id": e.ID, "connection": conn}, "%s", conn)
		},
	}
	connCmd.Flags().StringVar(&format, "format", string(proxy.FormatURL), "書式（url または colon）")
	cmd.AddCommand(connCmd)

	var target string
	probeCmd := &cobra.Command{
		Use:   "probe ID",
		Short: "プロキシ経由でHTTP取得を試す",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			e, err := c.tracker.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if target == "" {
				target = rt.cfg.ProbeTargetURL
			}
			result, err := probe.NewProber(rt.cfg.ProbeTimeout, rt.logger).Probe(cmd.Context(), e, target)
			if err != nil {
				return err
			}
			return rt.out().fields(result,
				[2]string{"ターゲット", result.Target},
				[2]string{"ステータス", strconv.Itoa(result.StatusCode)},
				[2]string{"レイテンシ", result.Latency.String()},
				[2]string{"応答", result.Snippet},
			)
		},
	}
	probeCmd.Flags().StringVar(&target, "target", "", "取得するURL（既定値は設定のPROBE_TARGET_URL）")
	cmd.AddCommand(probeCmd)

	return cmd
}
