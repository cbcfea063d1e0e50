package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ottohq/otto/internal/api"
	"github.com/ottohq/otto/internal/config"
	"github.com/ottohq/otto/internal/connect"
	"github.com/ottohq/otto/internal/notify"
	"github.com/ottohq/otto/internal/session"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Send a query turn to the assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		if err := a.controller.Query(cmd.Context(), text); err != nil {
			return a.reportBanner("query")
		}

		th, ok := a.controller.SelectedThread()
		if !ok || len(th.Messages) == 0 {
			return fmt.Errorf("query produced no response")
		}
		last := th.Messages[len(th.Messages)-1]
		fmt.Println(last.Text)
		for _, s := range last.ToolSummaries {
			printStatus("Tool", "%s", s)
		}
		return nil
	},
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		threads := a.controller.Threads()
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}

		selected, _ := a.controller.SelectedThread()
		for _, th := range threads {
			marker := " "
			if th.ID == selected.ID {
				marker = "*"
			}
			first := ""
			if len(th.Messages) > 0 {
				first = th.Messages[0].Text
				if len(first) > 60 {
					first = first[:60] + "..."
				}
			}
			fmt.Printf("%s %s  %s  %2d msgs  %s\n",
				marker,
				colorize(colorCyan, shortID(th.ID)),
				th.UpdatedAt.Local().Format("2006-01-02 15:04"),
				len(th.Messages),
				first,
			)
		}
		return nil
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a thread (or all with --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) != 1 {
			return fmt.Errorf("provide a thread id or --all")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		if all {
			if err := a.controller.DeleteAllThreads(cmd.Context()); err != nil {
				return a.reportBanner("delete")
			}
			printSuccess("All threads deleted")
			return nil
		}

		id, err := resolveThreadID(a, args[0])
		if err != nil {
			return err
		}
		if err := a.controller.DeleteThread(cmd.Context(), id); err != nil {
			return a.reportBanner("delete")
		}
		printSuccess("Thread %s deleted", shortID(id))
		return nil
	},
}

func init() {
	threadsDeleteCmd.Flags().Bool("all", false, "delete every thread")
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		rules := a.controller.Rules()
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}

		for _, e := range rules {
			state := "off"
			if e.Summary.Enabled {
				state = "on"
			}
			prompt := "prompt not cached"
			if e.HasPrompt() {
				prompt = "prompt cached"
			}
			fmt.Printf("%s  %-4s %-20s %s  (%s)\n",
				colorize(colorCyan, shortID(e.Summary.ID)),
				state,
				e.Summary.Name,
				e.Summary.Schedule,
				prompt,
			)
		}
		return nil
	},
}

var rulesSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update an automation rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		schedule, _ := cmd.Flags().GetString("schedule")
		enabled, _ := cmd.Flags().GetBool("enabled")
		prompt, _ := cmd.Flags().GetString("prompt")

		if name == "" {
			return fmt.Errorf("--name is required")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		req := api.RuleRequest{Name: name, Schedule: schedule, Enabled: enabled, Prompt: prompt}
		if err := a.controller.SaveRule(cmd.Context(), id, req); err != nil {
			return a.reportBanner("save rule")
		}
		printSuccess("Rule %q saved", name)
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an automation rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		if err := a.controller.DeleteRule(cmd.Context(), args[0]); err != nil {
			return a.reportBanner("delete rule")
		}
		printSuccess("Rule %s deleted", shortID(args[0]))
		return nil
	},
}

func init() {
	rulesSetCmd.Flags().String("id", "", "rule id to update (omit to create)")
	rulesSetCmd.Flags().String("name", "", "rule name")
	rulesSetCmd.Flags().String("schedule", "", "cron-style schedule")
	rulesSetCmd.Flags().Bool("enabled", true, "whether the rule is enabled")
	rulesSetCmd.Flags().String("prompt", "", "the rule's prompt")
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesSetCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
}

// --- connect ---

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Link an external account via OAuth",
	Long: `Link an external account. Starts a loopback callback server, prints
the authorization URL to open in a browser, and waits for the provider
to redirect back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		srv, err := connect.StartCallbackServer(a.controller.Flow(), a.cfg.Connect.CallbackAddr, nil)
		if err != nil {
			return err
		}
		defer srv.Close()

		if err := a.controller.Connect(cmd.Context(), srv.RedirectURI()); err != nil {
			return a.reportBanner("connect")
		}

		printStep("Open this URL in your browser:")
		fmt.Println(a.controller.AuthURL())

		deadline := time.Now().Add(timeout)
		for a.controller.Flow().Pending() {
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for the provider callback")
			}
			if banner := a.controller.Banner(); banner != nil {
				return a.reportBanner("connect")
			}
			time.Sleep(200 * time.Millisecond)
		}

		printSuccess("Account connected")
		return nil
	},
}

func init() {
	connectCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the callback")
}

// --- connectors ---

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Manage linked external accounts",
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		conns := a.controller.Connectors()
		if len(conns) == 0 {
			fmt.Println("No connected accounts.")
			return nil
		}
		for _, c := range conns {
			fmt.Printf("%s  %-12s %-10s since %s\n",
				colorize(colorCyan, shortID(c.ID)),
				c.Provider,
				c.Status,
				c.ConnectedAt.Local().Format("2006-01-02"),
			)
		}
		return nil
	},
}

var connectorsRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Unlink an external account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		if err := a.controller.RevokeConnector(cmd.Context(), args[0]); err != nil {
			return a.reportBanner("revoke")
		}
		printSuccess("Connector %s revoked", shortID(args[0]))
		return nil
	},
}

func init() {
	connectorsCmd.AddCommand(connectorsListCmd)
	connectorsCmd.AddCommand(connectorsRevokeCmd)
}

// --- activity ---

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the activity feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt("pages")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		for i := 1; i < pages; i++ {
			if err := a.controller.LoadMoreActivity(cmd.Context()); err != nil {
				return a.reportBanner("activity")
			}
		}

		items := a.controller.Activity()
		if len(items) == 0 {
			fmt.Println("No activity.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-16s %s\n",
				it.OccurredAt.Local().Format("2006-01-02 15:04"),
				colorize(colorBold, it.Kind),
				it.Summary,
			)
		}
		return nil
	},
}

func init() {
	activityCmd.Flags().Int("pages", 1, "number of activity pages to load")
}

// --- status / session ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		st := a.controller.State()
		printStatus("Session", "%s", st.Phase)
		if st.Message != "" {
			printStatus("Detail", "%s", st.Message)
		}
		if banner := a.controller.Banner(); banner != nil {
			printStatus("Error", "%s", banner.Message)
		}
		if st.Phase == session.PhaseSignedIn {
			prefs := a.controller.Preferences()
			if prefs.DisplayName != "" {
				printStatus("User", "%s", prefs.DisplayName)
			}
			printStatus("Threads", "%d", len(a.controller.Threads()))
			printStatus("Rules", "%d", len(a.controller.Rules()))
			printStatus("Connectors", "%d", len(a.controller.Connectors()))
		}
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry the last failed action",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if a.controller.State().Phase == session.PhaseBootstrapFailed {
			a.controller.RetryBootstrap(cmd.Context())
			if st := a.controller.State(); st.Phase == session.PhaseBootstrapFailed {
				return fmt.Errorf("bootstrap failed: %s", st.Message)
			}
			printSuccess("Signed in")
			return nil
		}

		banner := a.controller.Banner()
		if banner == nil || banner.Retry == nil {
			fmt.Println("Nothing to retry.")
			return nil
		}
		a.controller.RetryLast(cmd.Context())
		if banner := a.controller.Banner(); banner != nil {
			return a.reportBanner("retry")
		}
		printSuccess("Retried")
		return nil
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and clear local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		a.controller.SignOut(cmd.Context())
		printSuccess("Signed out")
		return nil
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Request deletion of all server-side data",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This requests deletion of ALL server-side data. Use --confirm to proceed.")
			return nil
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireSignedIn(a); err != nil {
			return err
		}

		if err := a.controller.RequestDeleteAll(cmd.Context()); err != nil {
			return a.reportBanner("delete-all")
		}
		printSuccess("Deletion requested (status: %s)", a.controller.DeleteAllStatus())
		return nil
	},
}

func init() {
	deleteAllCmd.Flags().Bool("confirm", false, "confirm the deletion request")
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Inspect notification delivery history",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notification deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListDeliveries(limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No deliveries recorded.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %-10s %s\n",
				r.DeliveredAt.Local().Format("2006-01-02 15:04:05"),
				r.Outcome,
				colorize(colorCyan, shortID(r.ID)),
			)
		}
		return nil
	},
}

var notificationsDecodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decrypt a raw notification payload (debugging)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyHex, _ := cmd.Flags().GetString("key")
		if keyHex == "" {
			return fmt.Errorf("--key is required")
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("invalid key hex: %w", err)
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		d := notify.NewDecryptor(func(string) ([]byte, bool) { return key, true })
		content, err := d.Open(cmd.Context(), raw)
		if err != nil {
			return fmt.Errorf("decrypting payload: %w", err)
		}

		printStatus("Title", "%s", content.Title)
		printStatus("Body", "%s", content.Body)
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().Int("limit", 20, "maximum number of deliveries to list")
	notificationsDecodeCmd.Flags().String("key", "", "hex-encoded 32-byte notification key")
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsDecodeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func requireSignedIn(a *app) error {
	st := a.controller.State()
	switch st.Phase {
	case session.PhaseSignedIn:
		return nil
	case session.PhaseBootstrapFailed:
		return fmt.Errorf("bootstrap failed: %s (retry with: otto retry)", st.Message)
	default:
		return fmt.Errorf("not signed in (state: %s)", st.Phase)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveThreadID accepts either a full thread id or the 8-char short
// form printed by list.
func resolveThreadID(a *app, arg string) (string, error) {
	var match string
	for _, th := range a.controller.Threads() {
		if th.ID == arg {
			return th.ID, nil
		}
		if strings.HasPrefix(th.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("thread id %q is ambiguous", arg)
			}
			match = th.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no thread matching %q", arg)
	}
	return match, nil
}
