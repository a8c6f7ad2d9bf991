package app

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitoshi/proxyman/internal/model"
)

func newAdminCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "在庫管理（adminロールが必要）",
	}
	cmd.AddCommand(newAdminProxiesCommand(rt), newAdminPoolsCommand(rt))
	return cmd
}

// inventoryFlags は在庫プロキシの入力フラグ。
type inventoryFlags struct {
	ip, protocol, country, kind, username, password, pool, status string
	port                                                          int
}

func (f *inventoryFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.ip, "ip", "", "IPアドレス")
	fs.IntVar(&f.port, "port", 0, "ポート")
	fs.StringVar(&f.protocol, "protocol", string(model.ProtocolHTTP), "プロトコル")
	fs.StringVar(&f.country, "country", "", "国コード")
	fs.StringVar(&f.kind, "kind", string(model.ProxyKindStatic), "種別（static または rotating）")
	fs.StringVar(&f.username, "username", "", "認証ユーザー名")
	fs.StringVar(&f.password, "password", "", "認証パスワード")
	fs.StringVar(&f.pool, "pool", "", "所属プールID")
	fs.StringVar(&f.status, "status", "", "状態")
}

func (f *inventoryFlags) proxy() model.InventoryProxy {
	return model.InventoryProxy{
		IP:       f.ip,
		Port:     f.port,
		Protocol: model.Protocol(f.protocol),
		Country:  f.country,
		Kind:     model.ProxyKind(f.kind),
		Username: f.username,
		Password: f.password,
		PoolID:   f.pool,
		Status:   model.ProxyStatus(f.status),
	}
}

var inventoryHeader = []string{"ID", "ENDPOINT", "PROTOCOL", "KIND", "COUNTRY", "POOL", "STATUS"}

func inventoryRows(ps ...model.InventoryProxy) [][]string {
	rows := make([][]string, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, []string{p.ID, p.IP + ":" + strconv.Itoa(p.Port), string(p.Protocol), string(p.Kind), p.Country, p.PoolID, string(p.Status)})
	}
	return rows
}

func newAdminProxiesCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "在庫プロキシの管理",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "在庫プロキシを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			ps, err := c.admin.ListProxies(cmd.Context())
			if err != nil {
				return err
			}
			return rt.out().table(ps, inventoryHeader, inventoryRows(ps...))
		},
	})

	var create inventoryFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "在庫プロキシを登録する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			p, err := c.admin.CreateProxy(cmd.Context(), create.proxy())
			if err != nil {
				return err
			}
			return rt.out().table(p, inventoryHeader, inventoryRows(p))
		},
	}
	create.register(createCmd.Flags())
	cmd.AddCommand(createCmd)

	var update inventoryFlags
	updateCmd := &cobra.Command{
		Use:   "update ID",
		Short: "在庫プロキシを更新する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			p, err := c.admin.UpdateProxy(cmd.Context(), args[0], update.proxy())
			if err != nil {
				return err
			}
			return rt.out().table(p, inventoryHeader, inventoryRows(p))
		},
	}
	update.register(updateCmd.Flags())
	cmd.AddCommand(updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "在庫プロキシを削除する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if err := c.admin.DeleteProxy(cmd.Context(), args[0]); err != nil {
				return err
			}
			return rt.out().message(map[string]string{"deleted": args[0]}, "削除しました: %s", args[0])
		},
	})
	return cmd
}

// poolFlags はプールの入力フラグ。
type poolFlags struct {
	name, entryPoint, country, protocol string
	portStart, portEnd                  int
	active                              bool
}

func (f *poolFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "プール名")
	fs.StringVar(&f.entryPoint, "entry-point", "", "エントリポイントのホスト名")
	fs.IntVar(&f.portStart, "port-start", 0, "ポート範囲の開始")
	fs.IntVar(&f.portEnd, "port-end", 0, "ポート範囲の終了")
	fs.StringVar(&f.country, "country", "", "国コード")
	fs.StringVar(&f.protocol, "protocol", "", "プロトコル")
	fs.BoolVar(&f.active, "active", true, "有効にする")
}

func (f *poolFlags) pool() model.ProxyPool {
	return model.ProxyPool{
		Name:       f.name,
		EntryPoint: f.entryPoint,
		PortStart:  f.portStart,
		PortEnd:    f.portEnd,
		Country:    f.country,
		Protocol:   model.Protocol(f.protocol),
		Active:     f.active,
	}
}

var poolHeader = []string{"ID", "NAME", "ENTRY_POINT", "PORTS", "PROTOCOL", "COUNTRY", "ACTIVE"}

func poolRows(ps ...model.ProxyPool) [][]string {
	rows := make([][]string, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, []string{
			p.ID, p.Name, p.EntryPoint, strconv.Itoa(p.PortStart) + "-" + strconv.Itoa(p.PortEnd),
			string(p.Protocol), p.Country, strconv.FormatBool(p.Active),
		})
	}
	return rows
}

func newAdminPoolsCommand(rt *runEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "プロキシプールの管理",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "プールを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			ps, err := c.admin.ListPools(cmd.Context())
			if err != nil {
				return err
			}
			return rt.out().table(ps, poolHeader, poolRows(ps...))
		},
	})

	var create poolFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "プールを登録する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			p, err := c.admin.CreatePool(cmd.Context(), create.pool())
			if err != nil {
				return err
			}
			return rt.out().table(p, poolHeader, poolRows(p))
		},
	}
	create.register(createCmd.Flags())
	cmd.AddCommand(createCmd)

	var update poolFlags
	updateCmd := &cobra.Command{
		Use:   "update ID",
		Short: "プールを更新する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			p, err := c.admin.UpdatePool(cmd.Context(), args[0], update.pool())
			if err != nil {
				return err
			}
			return rt.out().table(p, poolHeader, poolRows(p))
		},
	}
	update.register(updateCmd.Flags())
	cmd.AddCommand(updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "プールを削除する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if err := c.admin.DeletePool(cmd.Context(), args[0]); err != nil {
				return err
			}
			return rt.out().message(map[string]string{"deleted": args[0]}, "削除しました: %s", args[0])
		},
	})
	return cmd
}
