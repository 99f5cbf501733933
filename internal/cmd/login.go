package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/logger"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var forceLogin bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add a ChatGPT account through the OAuth PKCE flow",
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().BoolVar(&forceLogin, "force-login", false, "ask the provider for a fresh sign-in")
}

// runLogin 执行OAuth登录流程
func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrCreate(vp)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 初始化开发模式日志（控制台输出，包含debug级别）
	log, err := logger.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	flow, err := a.oauth.NewAuthorizationFlow(forceLogin)
	if err != nil {
		return err
	}

	receiver := oauth.StartReceiver(flow.State, oauth.ReceiverOptions{
		Addr:         fmt.Sprintf("%s:%d", cfg.OAuth.CallbackHost, cfg.OAuth.CallbackPort),
		Path:         cfg.OAuth.CallbackPath,
		Timeout:      cfg.OAuth.Timeout,
		PollInterval: cfg.OAuth.PollInterval,
	}, log)
	defer receiver.Close()

	fmt.Println("\nOpen this URL in your browser to sign in:")
	fmt.Printf("\n   %s\n\n", flow.URL)
	log.Info("Press Ctrl+C to cancel")

	in := bufio.NewReader(cmd.InOrStdin())

	var res oauth.TokenResult
	code := receiver.WaitForCode(ctx)
	switch {
	case code != "":
		res = a.oauth.Exchange(ctx, code, flow.Verifier)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		// 回调端口不可用或超时，改为手动粘贴
		fmt.Println("Paste the full redirect URL (or the code) here:")
		line, err := in.ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			return fmt.Errorf("failed to read redirect URL: %w", err)
		}
		res = a.oauth.CompletePasted(ctx, flow, line)
	}
	if !res.OK() {
		log.Error("OAuth login failed", zap.String("reason", string(res.Reason)), zap.String("message", res.Message))
		return fmt.Errorf("login failed: %s", res.Describe())
	}

	chosen := chooseCandidate(in, res)
	index, err := a.pool.AddFromOAuth(res, chosen)
	if err != nil {
		return err
	}
	if err := a.pool.Save(ctx); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}

	acc, _ := a.pool.Get(index)
	fmt.Println("\n✅ Login successful!")
	fmt.Printf("   Email: %s\n", acc.Email)
	fmt.Printf("   Account ID: %s\n", acc.AccountID)
	if acc.AccountLabel != "" {
		fmt.Printf("   Workspace: %s\n", acc.AccountLabel)
	}
	fmt.Printf("   Pool size: %d\n", len(a.pool.Accounts()))
	fmt.Println("\nStart the proxy with:")
	fmt.Println("   codex-proxy serve")
	return nil
}

// chooseCandidate asks which workspace to bind when the token carries several.
// An empty or invalid answer keeps the automatic choice.
func chooseCandidate(in *bufio.Reader, res oauth.TokenResult) *identity.Candidate {
	if !res.MultiAccount {
		return nil
	}
	cands := identity.Dedup(identity.Candidates(res.Access, res.IDToken))
	if len(cands) < 2 {
		return nil
	}
	best, _ := identity.SelectBest(cands)

	fmt.Println("\nThis login can use several workspaces:")
	for i, c := range cands {
		mark := " "
		if c.Key() == best.Key() {
			mark = "*"
		}
		label := c.Label
		if label == "" {
			label = c.AccountID
		}
		fmt.Printf("  %s %d) %s [%s]\n", mark, i+1, label, c.Source)
	}
	fmt.Printf("Select a workspace [default %s]: ", best.Label)

	line, _ := in.ReadString('\n')
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(cands) {
		return nil
	}
	return &cands[n-1]
}
