package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/proxyman/internal/config"
	"github.com/hitoshi/proxyman/internal/model"
)

// newRootCommand はproxymanのコマンドツリーを組み立てる。
func newRootCommand(rt *runEnv) *cobra.Command {
	root := &cobra.Command{
		Use:           "proxyman",
		Short:         "プロキシ販売サービスのクライアント",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "デバッグログを出力する")
	root.PersistentFlags().BoolVar(&rt.jsonOut, "json", false, "結果をJSONで出力する")

	root.AddCommand(
		newLoginCommand(rt),
		newLogoutCommand(rt),
		newWhoamiCommand(rt),
		newPackagesCommand(rt),
		newBuyCommand(rt),
		newOrdersCommand(rt),
		newWalletCommand(rt),
		newProxiesCommand(rt),
		newAdminCommand(rt),
		newMonitorCommand(rt),
		newSandboxCommand(rt),
		newMigrateCommand(rt),
		newSessionsCommand(rt),
	)
	return root
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるcontextを返す。
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// clientFor はクライアント用の設定を読み込み、APIクライアントを組み立てる。
func (rt *runEnv) clientFor(cmd *cobra.Command) (*client, error) {
	if err := rt.init(config.Load); err != nil {
		return nil, err
	}
	return rt.newClient(cmd.Context(), nil)
}

// sessionView はセッションの表示用の形。トークンは含めない。
type sessionView struct {
	Subject   string       `json:"subject"`
	Name      string       `json:"name"`
	Roles     []model.Role `json:"roles"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

func newSessionView(s *model.Session) sessionView {
	return sessionView{Subject: s.SubjectID, Name: s.DisplayName, Roles: s.Roles, ExpiresAt: s.Expiry}
}

func newLoginCommand(rt *runEnv) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "メールアドレスとパスワードでログインする",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
			}
			sess, err := c.auth.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			return rt.out().message(newSessionView(sess), "ログインしました: %s (%s)", sess.DisplayName, roleNames(sess.Roles))
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "メールアドレス")
	cmd.Flags().StringVar(&password, "password", "", "パスワード（省略時は標準入力から読む）")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(rt *runEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "ログアウトしてセッションを消去する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			if err := c.auth.Logout(cmd.Context()); err != nil {
				return err
			}
			return rt.out().message(map[string]bool{"logged_out": true}, "ログアウトしました")
		},
	}
}

func newWhoamiCommand(rt *runEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "現在のセッションを表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rt.clientFor(cmd)
			if err != nil {
				return err
			}
			sess, err := c.auth.CurrentUser()
			if err != nil {
				return err
			}
			return rt.out().fields(newSessionView(sess),
				[2]string{"ID", sess.SubjectID},
				[2]string{"名前", sess.DisplayName},
				[2]string{"ロール", roleNames(sess.Roles)},
				[2]string{"トークン有効期限", formatOptionalTime(sess.Expiry)},
			)
		},
	}
}

// readLine は1行読み取り、末尾の改行を取り除く。
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
