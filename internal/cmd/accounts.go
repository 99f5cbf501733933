package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/logger"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	jsonOutput   bool
	exportForce  bool
	importBackup string
	clearConfirm bool
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "acc"},
	Short:   "Manage the account pool",
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")

	exportCmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export the pool to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, exportAccounts),
	}
	exportCmd.Flags().BoolVar(&exportForce, "force", false, "overwrite an existing file")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge accounts from an export file",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, importAccounts),
	}
	importCmd.Flags().StringVar(&importBackup, "backup-mode", string(storage.BackupBestEffort), "pre-import backup: none, best-effort or required")

	flaggedCmd := &cobra.Command{Use: "flagged", Short: "Accounts removed after a revoked refresh token"}
	flaggedCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List flagged accounts", Args: cobra.NoArgs, RunE: withApp(false, listFlagged)},
		&cobra.Command{Use: "restore <n>", Short: "Move a flagged account back into the pool", Args: cobra.ExactArgs(1), RunE: withApp(false, restoreFlagged)},
		&cobra.Command{Use: "clear", Short: "Delete every flagged account", Args: cobra.NoArgs, RunE: withApp(false, clearFlagged)},
	)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every account after writing a backup",
		Args:  cobra.NoArgs,
		RunE:  withApp(false, clearAccounts),
	}
	clearCmd.Flags().BoolVar(&clearConfirm, "yes", false, "confirm removing all accounts")

	accountsCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List accounts", Args: cobra.NoArgs, RunE: withApp(false, listAccounts)},
		&cobra.Command{Use: "switch <n>", Short: "Make account n active for every model family", Args: cobra.ExactArgs(1), RunE: withApp(false, switchAccount)},
		&cobra.Command{Use: "status", Short: "Show cursors and per-family eligibility", Args: cobra.NoArgs, RunE: withApp(false, showStatus)},
		&cobra.Command{Use: "metrics", Short: "Show per-account request metrics", Args: cobra.NoArgs, RunE: withApp(true, showMetrics)},
		&cobra.Command{Use: "health", Short: "Show health scores and token balances", Args: cobra.NoArgs, RunE: withApp(false, showHealth)},
		&cobra.Command{Use: "remove <n>", Aliases: []string{"rm"}, Short: "Remove account n", Args: cobra.ExactArgs(1), RunE: withApp(false, removeAccount)},
		&cobra.Command{Use: "refresh <n>", Short: "Refresh the access token of account n", Args: cobra.ExactArgs(1), RunE: withApp(false, refreshAccount)},
		&cobra.Command{Use: "enable <n>", Short: "Enable account n", Args: cobra.ExactArgs(1), RunE: withApp(false, setEnabled(true))},
		&cobra.Command{Use: "disable <n>", Short: "Disable account n", Args: cobra.ExactArgs(1), RunE: withApp(false, setEnabled(false))},
		&cobra.Command{Use: "tag <n> [tags...]", Short: "Replace the tags of account n", Args: cobra.MinimumNArgs(1), RunE: withApp(false, tagAccount)},
		&cobra.Command{Use: "note <n> [text...]", Short: "Set the note of account n", Args: cobra.MinimumNArgs(1), RunE: withApp(false, noteAccount)},
		exportCmd,
		importCmd,
		flaggedCmd,
		clearCmd,
	)
}

type appFunc func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error

// withApp loads the config and pool, runs fn and flushes pending writes
func withApp(usage bool, fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(vp)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// 子命令只写日志文件，不刷屏
		logCfg := cfg.Logging
		logCfg.ConsoleOutput = false
		log, err := logger.New(logCfg, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg, log, usage)
		if err != nil {
			return err
		}
		defer a.Close(ctx)
		return fn(ctx, cmd, a, args)
	}
}

// parseIndex turns a 1-based CLI position into a pool index
func parseIndex(arg string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return 0, fmt.Errorf("invalid account number %q", arg)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("account %d out of range (1-%d)", i, n)
	}
	return i - 1, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func ago(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func listAccounts(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
	views := a.pool.List()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No accounts. Run `codex-proxy login` to add one.")
		return nil
	}

	tw := newTable(out)
	fmt.Fprintln(tw, "#\tEMAIL\tACCOUNT\tSTATE\tLAST USED\tRATE LIMITED\tTAGS")
	now := a.clock.Now()
	for _, v := range views {
		marker := fmt.Sprintf("%d", v.Index+1)
		if v.Active {
			marker += "*"
		}
		state := "enabled"
		switch {
		case !v.Enabled:
			state = "disabled"
		case v.CoolingDownUntil > 0:
			state = fmt.Sprintf("cooling (%s, %s)", v.CooldownReason, humanize.Time(time.UnixMilli(v.CoolingDownUntil)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			marker, v.Email, accountLabel(v), state, ago(v.LastUsed),
			resetSummary(v.ResetTimes, now), strings.Join(v.Tags, ","))
	}
	return tw.Flush()
}

func accountLabel(v accounts.AccountView) string {
	if v.Label != "" {
		return v.Label
	}
	return v.AccountID
}

// resetSummary lists the quota keys still rate limited, soonest first
func resetSummary(resets map[string]int64, now time.Time) string {
	if len(resets) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(resets))
	for k, until := range resets {
		if until > now.UnixMilli() {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "-"
	}
	sort.Slice(keys, func(i, j int) bool { return resets[keys[i]] < resets[keys[j]] })
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s until %s", k, humanize.Time(time.UnixMilli(resets[k])))
	}
	return strings.Join(parts, "; ")
}

func switchAccount(_ context.Context, cmd *cobra.Command, a *app, args []string) error {
	index, err := parseIndex(args[0], len(a.pool.Accounts()))
	if err != nil {
		return err
	}
	if _, err := a.pool.SetActiveIndex(index); err != nil {
		return err
	}
	acc, _ := a.pool.Get(index)
	fmt.Fprintf(cmd.OutOrStdout(), "Switched to account %d (%s)\n", index+1, acc.Email)
	return nil
}

func showStatus(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
	report := a.pool.Status()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}

	fmt.Fprintf(out, "Accounts: %d (%d enabled)\n", report.Total, report.Enabled)
	fmt.Fprintf(out, "Strategy: %s\n", report.Strategy)
	if report.ForcedAccount != "" {
		fmt.Fprintf(out, "Forced account: %s\n", report.ForcedAccount)
	}
	if report.Total == 0 {
		return nil
	}
	fmt.Fprintf(out, "Active: %d\n\n", report.ActiveIndex+1)

	tw := newTable(out)
	fmt.Fprintln(tw, "FAMILY\tACTIVE\tELIGIBLE\tBLOCKED")
	for _, family := range models.ModelFamilies {
		eligible := 0
		var blocked []string
		for _, e := range report.Eligibility[family] {
			if e.Eligible {
				eligible++
				continue
			}
			blocked = append(blocked, fmt.Sprintf("%d: %s", e.Index+1, strings.Join(e.Reasons, ", ")))
		}
		b := "-"
		if len(blocked) > 0 {
			b = strings.Join(blocked, "; ")
		}
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\n", family, report.FamilyIndexes[family]+1, eligible, report.Total, b)
	}
	return tw.Flush()
}

func showMetrics(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
	views, err := a.pool.Metrics(a.usage)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, views)
	}

	tw := newTable(out)
	fmt.Fprintln(tw, "#\tEMAIL\tREQUESTS\tOK\tRATE LIMITED\tFAILED\tAVG LATENCY\tLAST USED")
	for _, v := range views {
		u := v.Usage
		last := "never"
		if !u.LastUsedAt.IsZero() {
			last = humanize.Time(u.LastUsedAt)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Index+1, v.Email,
			humanize.Comma(u.Requests), humanize.Comma(u.Successes),
			humanize.Comma(u.RateLimited), humanize.Comma(u.Failures),
			(time.Duration(u.AvgLatencyMs()) * time.Millisecond).String(), last)
	}
	return tw.Flush()
}

func showHealth(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
	views := a.pool.Health()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, views)
	}

	tw := newTable(out)
	header := []string{"#", "EMAIL"}
	for _, family := range models.ModelFamilies {
		header = append(header, strings.ToUpper(family))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, v := range views {
		row := []string{strconv.Itoa(v.Index + 1), v.Email}
		for _, family := range models.ModelFamilies {
			row = append(row, fmt.Sprintf("%.0f (%s tok)", v.Health[family], humanize.Ftoa(v.Tokens[family])))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func removeAccount(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	index, err := parseIndex(args[0], len(a.pool.Accounts()))
	if err != nil {
		return err
	}
	acc, err := a.pool.RemoveAccount(index)
	if err != nil {
		return err
	}
	if err := a.pool.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed account %d (%s)\n", index+1, acc.Email)
	return nil
}

func refreshAccount(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	index, err := parseIndex(args[0], len(a.pool.Accounts()))
	if err != nil {
		return err
	}
	res, err := a.pool.RefreshAccount(ctx, index, a.queue)
	if err != nil {
		if res.IsInvalidGrant() {
			fmt.Fprintf(cmd.ErrOrStderr(), "Refresh token was revoked; account %d moved to flagged accounts\n", index+1)
		}
		return err
	}
	if err := a.pool.Save(ctx); err != nil {
		a.log.Warn("Failed to save refreshed token", zap.Error(err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed account %d, token expires %s\n", index+1, humanize.Time(time.UnixMilli(res.Expires)))
	return nil
}

func setEnabled(enabled bool) appFunc {
	return func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
		index, err := parseIndex(args[0], len(a.pool.Accounts()))
		if err != nil {
			return err
		}
		acc, err := a.pool.SetEnabled(index, enabled)
		if err != nil {
			return err
		}
		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s account %d (%s)\n", verb, index+1, acc.Email)
		return a.pool.Save(ctx)
	}
}

func tagAccount(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	index, err := parseIndex(args[0], len(a.pool.Accounts()))
	if err != nil {
		return err
	}
	acc, err := a.pool.SetTags(index, args[1:])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %d tags: %s\n", index+1, strings.Join(acc.AccountTags, ", "))
	return a.pool.Save(ctx)
}

func noteAccount(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	index, err := parseIndex(args[0], len(a.pool.Accounts()))
	if err != nil {
		return err
	}
	if _, err := a.pool.SetNote(index, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated note of account %d\n", index+1)
	return a.pool.Save(ctx)
}

func exportAccounts(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	n, err := a.pool.Export(ctx, a.store, args[0], exportForce)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d accounts to %s\n", n, args[0])
	return nil
}

func importAccounts(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	mode, err := storage.ParseBackupMode(importBackup)
	if err != nil {
		return err
	}
	res, err := a.pool.Import(ctx, a.store, args[0], mode)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.BackupPath != "" {
		fmt.Fprintf(out, "Backup written to %s\n", res.BackupPath)
	}
	fmt.Fprintf(out, "Imported %d accounts (%d new, %d total)\n", res.Imported, res.Added, res.Total)
	return nil
}

func listFlagged(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	flagged, err := a.pool.Flagged(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, flagged)
	}
	if len(flagged) == 0 {
		fmt.Fprintln(out, "No flagged accounts.")
		return nil
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "#\tEMAIL\tREASON\tFLAGGED\tLAST ERROR")
	for i, f := range flagged {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, f.Email, f.FlaggedReason, ago(f.FlaggedAt), f.LastError)
	}
	return tw.Flush()
}

func restoreFlagged(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	flagged, err := a.pool.Flagged(ctx)
	if err != nil {
		return err
	}
	index, err := parseIndex(args[0], len(flagged))
	if err != nil {
		return err
	}
	acc, err := a.pool.RestoreFlagged(ctx, index)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to the pool\n", acc.Email)
	return nil
}

func clearFlagged(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	if err := a.store.ClearFlagged(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Flagged accounts cleared.")
	return nil
}

func clearAccounts(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
	if !clearConfirm {
		return fmt.Errorf("refusing to remove %d accounts without --yes", len(a.pool.Accounts()))
	}
	path, err := a.store.BackupAccounts(ctx, "codex-accounts-pre-clear")
	if err != nil {
		return fmt.Errorf("backup failed, nothing removed: %w", err)
	}
	if err := a.store.ClearAccounts(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if path != "" {
		fmt.Fprintf(out, "Backup written to %s\n", path)
	}
	fmt.Fprintln(out, "All accounts removed.")
	return nil
}
