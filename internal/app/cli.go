package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
	"github.com/hitoshi/loginkeeper/internal/pool"
	"github.com/hitoshi/loginkeeper/internal/provider"
	"github.com/hitoshi/loginkeeper/internal/site"
	"github.com/hitoshi/loginkeeper/internal/vault"
)

// 秘密情報はコマンドライン引数に残さないよう環境変数から受け取る
const (
	envAccountPassword = "LOGINKEEPER_ACCOUNT_PASSWORD"
	envTOTPSecret      = "LOGINKEEPER_TOTP_SECRET"
	envMailboxPassword = "LOGINKEEPER_MAILBOX_PASSWORD"
)

// ErrUsage はサブコマンドの引数が不正であることを表す。
var ErrUsage = errors.New("invalid usage")

// accountAdmin は技術アカウントの管理操作。pool.Poolが実装する。
type accountAdmin interface {
	AddAccount(ctx context.Context, in pool.NewAccount) (string, error)
	ListAccounts(ctx context.Context, site string) ([]*model.AccountConfig, error)
	RemoveAccount(ctx context.Context, id string) error
	ResetAccount(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status model.AccountStatus, message string) error
	Summary(ctx context.Context, site string) (map[model.AccountStatus]int, error)
}

// contextTester は技術アカウントで実際にログインを確認する。orchestrator.Orchestratorが実装する。
type contextTester interface {
	GetContext(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error)
}

// sessionResolver はprovider.Cascadeが実装する。
type sessionResolver interface {
	Resolve(ctx context.Context, userID, siteID string) (*provider.Result, error)
}

// cli は運用コマンドの出力先と環境変数の参照元。
type cli struct {
	out    io.Writer
	getenv func(string) string
}

// statusOrder はstatus集計の表示順。
var statusOrder = []model.AccountStatus{
	model.AccountStatusOK,
	model.AccountStatusDegraded,
	model.AccountStatusNeedsReauth,
	model.AccountStatusBlocked,
	model.AccountStatusSiteChanged,
	model.AccountStatusDisabled,
}

// runSites は設定済みサイトの一覧を表示する。DB接続は不要。
func runSites(w io.Writer, path string) error {
	registry, err := site.LoadRegistry(path)
	if err != nil {
		return fmt.Errorf("failed to load site registry: %w", err)
	}
	return printSites(w, registry.Sites())
}

func printSites(w io.Writer, sites []*site.Site) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDOMAIN\tREQUIRES_AUTH\tALTERNATES")
	for _, s := range sites {
		alternates := make([]string, 0, len(s.AlternateDomains))
		for label, domain := range s.AlternateDomains {
			alternates = append(alternates, label+"="+domain)
		}
		slices.Sort(alternates)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			s.ID, s.Name, s.Domain, s.RequiresAuth, dashIfEmpty(strings.Join(alternates, ",")))
	}
	return tw.Flush()
}

// runAccounts はaccountsサブコマンドを実行する。
//
//	accounts list [-site S]
//	accounts add -site S -username U [-mfa KIND] [-priority N] [-otp-mailbox ADDR -imap-host HOST]
//	accounts remove|reset|enable ID
//	accounts disable [-reason R] ID
//	accounts status [-site S]
//	accounts test -site S [-account ID]
func (c *cli) runAccounts(ctx context.Context, admin accountAdmin, tester contextTester, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: accounts requires a subcommand (list, add, remove, reset, enable, disable, status, test)", ErrUsage)
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return c.accountsList(ctx, admin, rest)
	case "add":
		return c.accountsAdd(ctx, admin, rest)
	case "remove":
		return c.withAccountID(sub, rest, func(id string) error {
			if err := admin.RemoveAccount(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "removed %s\n", id)
			return nil
		})
	case "reset":
		return c.withAccountID(sub, rest, func(id string) error {
			if err := admin.ResetAccount(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "reset %s (status OK)\n", id)
			return nil
		})
	case "enable":
		return c.withAccountID(sub, rest, func(id string) error {
			if err := admin.SetStatus(ctx, id, model.AccountStatusOK, ""); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "enabled %s\n", id)
			return nil
		})
	case "disable":
		return c.accountsDisable(ctx, admin, rest)
	case "status":
		return c.accountsStatus(ctx, admin, rest)
	case "test":
		return c.accountsTest(ctx, tester, rest)
	default:
		return fmt.Errorf("%w: unknown accounts subcommand %q", ErrUsage, sub)
	}
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}

func (c *cli) withAccountID(name string, args []string, fn func(id string) error) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("%w: accounts %s requires exactly one account id", ErrUsage, name)
	}
	return fn(strings.TrimSpace(args[0]))
}

func (c *cli) accountsList(ctx context.Context, admin accountAdmin, args []string) error {
	fs := c.flagSet("accounts list")
	siteID := fs.String("site", "", "filter by site id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	accounts, err := admin.ListAccounts(ctx, *siteID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSITE\tUSERNAME\tMFA\tSTATUS\tPRIORITY\tFAILURES\tLAST_SUCCESS\tMESSAGE")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			a.ID, a.Site, vault.MaskEmail(a.Credentials.Username), a.MFAKind, a.Status,
			a.Priority, a.ConsecutiveFailures, formatTime(a.LastSuccessAt), dashIfEmpty(a.StatusMessage))
	}
	return tw.Flush()
}

func (c *cli) accountsAdd(ctx context.Context, admin accountAdmin, args []string) error {
	fs := c.flagSet("accounts add")
	siteID := fs.String("site", "", "site id (required)")
	username := fs.String("username", "", "login username (required)")
	mfa := fs.String("mfa", string(model.MFAKindNone), "MFA kind: NONE, TOTP, EMAIL_OTP, SMS_OTP, APP_APPROVAL")
	priority := fs.Int("priority", 0, "selection priority, higher wins")
	mailbox := fs.String("otp-mailbox", "", "mailbox address receiving one-time codes")
	imapHost := fs.String("imap-host", "", "IMAP host of the OTP mailbox")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	password := c.getenv(envAccountPassword)
	if *siteID == "" || *username == "" {
		return fmt.Errorf("%w: accounts add requires -site and -username", ErrUsage)
	}
	if password == "" {
		return fmt.Errorf("%w: set %s to the account password", ErrUsage, envAccountPassword)
	}

	in := pool.NewAccount{
		Site:       *siteID,
		Username:   *username,
		Password:   password,
		TOTPSecret: c.getenv(envTOTPSecret),
		MFAKind:    model.MFAKind(strings.ToUpper(*mfa)),
		Priority:   *priority,
	}
	if *mailbox != "" {
		in.OTPMailbox = &pool.MailboxInput{
			Address:  *mailbox,
			Password: c.getenv(envMailboxPassword),
			IMAPHost: *imapHost,
		}
	}

	id, err := admin.AddAccount(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "added %s for %s\n", id, *siteID)
	return nil
}

func (c *cli) accountsDisable(ctx context.Context, admin accountAdmin, args []string) error {
	fs := c.flagSet("accounts disable")
	reason := fs.String("reason", "disabled by operator", "status message to record")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return c.withAccountID("disable", fs.Args(), func(id string) error {
		if err := admin.SetStatus(ctx, id, model.AccountStatusDisabled, *reason); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "disabled %s\n", id)
		return nil
	})
}

func (c *cli) accountsStatus(ctx context.Context, admin accountAdmin, args []string) error {
	fs := c.flagSet("accounts status")
	siteID := fs.String("site", "", "filter by site id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	counts, err := admin.Summary(ctx, *siteID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	total := 0
	for _, status := range statusOrder {
		fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", total)
	return tw.Flush()
}

// accountsTest はオーケストレーター経由でログイン状態を確認し、必要なら再ログインする。
func (c *cli) accountsTest(ctx context.Context, tester contextTester, args []string) error {
	fs := c.flagSet("accounts test")
	siteID := fs.String("site", "", "site id (required)")
	accountID := fs.String("account", "", "account id; selected from the pool when empty")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *siteID == "" {
		return fmt.Errorf("%w: accounts test requires -site", ErrUsage)
	}

	started := time.Now()
	authCtx, err := tester.GetContext(ctx, *siteID, *accountID)
	if err != nil {
		if orchestrator.IsManualIntervention(err) {
			fmt.Fprintf(c.out, "FAILED: manual intervention required: %v\n", err)
		} else {
			fmt.Fprintf(c.out, "FAILED: %v\n", err)
		}
		return err
	}
	defer authCtx.Release()

	fmt.Fprintf(c.out, "OK: site=%s account=%s authenticated=%t elapsed=%s\n",
		*siteID, authCtx.Account.ID, authCtx.State.IsAuthenticated, time.Since(started).Round(time.Millisecond))
	return nil
}

// runResolve はプロバイダカスケードで(ユーザー, サイト)のセッションを取得し、結果を表示して返却する。
//
//	resolve [-user U] SITE
func (c *cli) runResolve(ctx context.Context, resolver sessionResolver, args []string) error {
	fs := c.flagSet("resolve")
	userID := fs.String("user", "", "user id whose uploaded session is tried first")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: resolve requires exactly one site id", ErrUsage)
	}
	siteID := fs.Arg(0)

	res, err := resolver.Resolve(ctx, *userID, siteID)
	if res != nil {
		defer res.Release()
		fmt.Fprintf(c.out, "provider=%s status=%s success=%t needs_user_action=%t anonymous=%t\n",
			dashIfEmpty(res.Provider), res.Status, res.Success, res.NeedsUserAction, res.Anonymous)
		if res.Message != "" {
			fmt.Fprintf(c.out, "message: %s\n", res.Message)
		}
	}
	return err
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
