package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ollamanager/internal/config"
	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/settings"
	"github.com/kalambet/ollamanager/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Ollama and console server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}
		defer l.Close()

		if l.client.IsRunning(cmd.Context()) {
			printStatus("Ollama", "running at %s", l.client.BaseURL())
			if ov, err := l.client.Overview(cmd.Context()); err == nil {
				printStatus("Version", "%s", ov.Version)
				printStatus("Models", "%d installed (%s)", len(ov.Models), formatBytes(ov.TotalSize))
				printStatus("Loaded", "%d running (%s VRAM)", len(ov.Running), formatBytes(ov.TotalVRAM))
			}
		} else {
			printStatus("Ollama", "not reachable at %s", l.client.BaseURL())
		}

		if client, err := newAPIClient(); err == nil && consoleHealthy(cmd.Context(), client) {
			printStatus("Console", "running on %s", l.cfg.Server.Addr())
		} else {
			printStatus("Console", "stopped")
		}

		printStatus("Default model", "%s", l.cfg.Ollama.DefaultModel)
		printStatus("Data dir", "%s", l.cfg.Storage.DataDir)
		return nil
	},
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:     "models",
	Aliases: []string{"model"},
	Short:   "List, inspect, pull and delete models",
}

var modelsListCmd = &cobra.Command{
	Use:     "list [filter]",
	Aliases: []string{"ls"},
	Short:   "List installed models, optionally only those whose name contains filter",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		models, err := l.client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			matched := filterModels(models, args[0])
			if len(matched) == 0 && len(models) > 0 {
				fmt.Fprintf(os.Stdout, "No models match %q.\n", args[0])
				return nil
			}
			models = matched
		}
		writeModelTable(os.Stdout, models)
		return nil
	},
}

var modelsPsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List models loaded in memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		running, err := l.client.RunningModels(cmd.Context())
		if err != nil {
			return err
		}
		writeRunningTable(os.Stdout, running)
		return nil
	},
}

var modelsShowCmd = &cobra.Command{
	Use:   "show <model>",
	Short: "Show model details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		d, err := l.client.ShowModel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		writeModelDetail(os.Stdout, args[0], d)
		return nil
	},
}

var modelsDeleteCmd = &cobra.Command{
	Use:     "delete <model>...",
	Aliases: []string{"rm"},
	Short:   "Delete installed models",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		var failed int
		for _, name := range args {
			if err := l.client.DeleteModel(cmd.Context(), name); err != nil {
				printError("%v", err)
				failed++
				continue
			}
			printSuccess("Deleted %s", name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletions failed", failed, len(args))
		}
		return nil
	},
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download a model, showing progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		return pullWithProgress(cmd.Context(), l.client, args[0], os.Stderr)
	},
}

// pullWithProgress runs a pull, redrawing one progress line per layer and
// failing on an error record.
func pullWithProgress(ctx context.Context, client *ollama.Client, model string, w io.Writer) error {
	printStep("Pulling %s", model)
	var streamErr, lastStatus string
	err := client.Pull(ctx, model, func(p ollama.PullProgress) {
		if p.Error != "" {
			streamErr = p.Error
			return
		}
		if p.Status != lastStatus && lastStatus != "" {
			fmt.Fprintln(w)
		}
		lastStatus = p.Status
		fmt.Fprintf(w, "\r%s", progressLine(p))
	})
	if lastStatus != "" {
		fmt.Fprintln(w)
	}
	if err != nil {
		return err
	}
	if streamErr != "" {
		return fmt.Errorf("pull %s: %s", model, streamErr)
	}
	printSuccess("Pulled %s", model)
	return nil
}

func init() {
	modelsShowCmd.Flags().Bool("json", false, "print the raw model detail as JSON")
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsPsCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsDeleteCmd)
	modelsCmd.AddCommand(modelsPullCmd)
}

// filterModels keeps models whose name contains query, ignoring case.
func filterModels(models []ollama.ModelInfo, query string) []ollama.ModelInfo {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return models
	}
	var out []ollama.ModelInfo
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), query) {
			out = append(out, m)
		}
	}
	return out
}

func writeModelTable(w io.Writer, models []ollama.ModelInfo) {
	if len(models) == 0 {
		fmt.Fprintln(w, "No models installed.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tSIZE\tPARAMS\tQUANT\tMODIFIED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Name, shortDigest(m.Digest), formatBytes(m.Size),
			m.Details.ParameterSize, m.Details.QuantizationLevel, formatAge(m.ModifiedAt))
	}
	tw.Flush()
}

func writeRunningTable(w io.Writer, running []ollama.RunningModel) {
	if len(running) == 0 {
		fmt.Fprintln(w, "No models loaded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tPROCESSOR\tCONTEXT\tUNTIL")
	for _, m := range running {
		ctxLen := "-"
		if m.ContextLength > 0 {
			ctxLen = fmt.Sprintf("%d", m.ContextLength)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Name, formatBytes(m.Size), processorLabel(m), ctxLen, formatAge(m.ExpiresAt))
	}
	tw.Flush()
}

// processorLabel reports how much of a loaded model sits in VRAM.
func processorLabel(m ollama.RunningModel) string {
	switch {
	case m.Size <= 0:
		return "-"
	case m.SizeVRAM <= 0:
		return "100% CPU"
	case m.SizeVRAM >= m.Size:
		return "100% GPU"
	}
	gpu := float64(m.SizeVRAM) / float64(m.Size) * 100
	return fmt.Sprintf("%.0f%%/%.0f%% CPU/GPU", 100-gpu, gpu)
}

func writeModelDetail(w io.Writer, name string, d ollama.ModelDetail) {
	fmt.Fprintf(w, "%s\n", colorize(colorBold, name))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "  %s\t%s\n", k, v)
		}
	}
	row("family", d.Details.Family)
	row("parameters", d.Details.ParameterSize)
	row("quantization", d.Details.QuantizationLevel)
	row("format", d.Details.Format)
	row("capabilities", strings.Join(d.Capabilities, ", "))
	if !d.ModifiedAt.IsZero() {
		row("modified", formatAge(d.ModifiedAt))
	}
	tw.Flush()

	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		fmt.Fprintf(w, "\n%s\n", colorize(colorCyan, title))
		for _, line := range strings.Split(body, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	section("Parameters", d.Parameters)
	section("System", d.System)
	section("Template", d.Template)
	if lic := strings.TrimSpace(d.License); lic != "" {
		first, _, _ := strings.Cut(lic, "\n")
		section("License", first)
	}
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse saved chat conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		convs, err := l.store.ListConversations(limit)
		if err != nil {
			return err
		}
		writeConversationList(os.Stdout, convs)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		c, err := l.store.GetConversation(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if err != nil {
			return err
		}
		writeConversation(os.Stdout, c)
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		if err := l.store.DeleteConversation(args[0]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			return err
		}
		printSuccess("Deleted conversation %s", args[0])
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}

func writeConversationList(w io.Writer, convs []storage.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}
	for _, c := range convs {
		fmt.Fprintf(w, "%s  %-12s  %-16s  %s\n",
			colorize(colorCyan, c.ID[:min(8, len(c.ID))]),
			formatAge(c.UpdatedAt),
			c.Model,
			c.Title,
		)
	}
}

func writeConversation(w io.Writer, c storage.Conversation) {
	fmt.Fprintf(w, "%s  %s  %s\n\n", colorize(colorBold, c.Title), c.Model, c.CreatedAt.Local().Format(time.DateTime))
	for _, m := range c.Messages {
		label := m.Role
		switch m.Role {
		case ollama.RoleUser:
			label = colorize(colorGreen, ">>> ")
		case ollama.RoleAssistant:
			label = ""
		case ollama.RoleSystem:
			label = colorize(colorDim, "[system] ")
		}
		fmt.Fprintf(w, "%s%s\n\n", label, m.Content)
	}
}

// resolveConversationID expands an unambiguous id prefix (as shown by
// `history list`) to the full id.
func resolveConversationID(store *storage.Store, prefix string) (string, error) {
	if _, err := store.GetConversation(prefix); err == nil {
		return prefix, nil
	}
	convs, err := store.ListConversations(0)
	if err != nil {
		return "", err
	}
	var match string
	for _, c := range convs {
		if strings.HasPrefix(c.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("conversation id %q is ambiguous", prefix)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("conversation %s not found", prefix)
	}
	return match, nil
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the saved Ollama server address",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show saved settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		s := l.settings.Get()
		printStatus("Base URL", "%s", s.BaseURL)
		if l.settings.IsFirstVisit() {
			printStatus("Source", "default (nothing saved yet)")
		} else {
			printStatus("Source", "saved settings")
		}
		return nil
	},
}

var settingsSetURLCmd = &cobra.Command{
	Use:   "set-url <url>",
	Short: "Save the Ollama server base URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipTest, _ := cmd.Flags().GetBool("no-test")

		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		if !skipTest {
			if _, err := settings.TestConnection(cmd.Context(), args[0]); err != nil {
				printWarning("connection test failed: %v", err)
			}
		}
		saved, err := l.settings.Save(settings.Settings{BaseURL: args[0]})
		if err != nil {
			return err
		}
		printSuccess("Base URL set to %s", saved.BaseURL)
		return nil
	},
}

var settingsTestCmd = &cobra.Command{
	Use:   "test [url]",
	Short: "Test the connection to an Ollama server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		target := l.settings.Get().BaseURL
		if len(args) == 1 {
			target = args[0]
		}
		rep, err := settings.TestConnection(cmd.Context(), target)
		if err != nil {
			return fmt.Errorf("connection to %s failed: %w", target, err)
		}
		printSuccess("Connected to %s", rep.BaseURL)
		if rep.Version != "" {
			printStatus("Version", "%s", rep.Version)
		}
		printStatus("Models", "%d installed", rep.ModelCount)
		return nil
	},
}

func init() {
	settingsSetURLCmd.Flags().Bool("no-test", false, "save without probing the server first")
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetURLCmd)
	settingsCmd.AddCommand(settingsTestCmd)
}

// --- pulls (background queue on a running console) ---

var pullsCmd = &cobra.Command{
	Use:   "pulls",
	Short: "Queue and track background pulls on the console server",
}

type pullJob struct {
	ID        string  `json:"id"`
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Progress  string  `json:"progress_status"`
	Percent   float64 `json:"percent"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error"`
	CreatedAt string  `json:"created_at"`
}

var pullsAddCmd = &cobra.Command{
	Use:   "add <model>",
	Short: "Queue a model pull",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/console/pulls", map[string]string{"model": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued pull %s for %s", result["id"], args[0])
		return nil
	},
}

var pullsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and finished pulls",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/console/pulls?limit=%d", limit))
		if err != nil {
			return err
		}
		var jobs []pullJob
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		writePullJobs(os.Stdout, jobs)
		return nil
	},
}

func init() {
	pullsListCmd.Flags().Int("limit", 20, "maximum number of pulls to list")
	pullsCmd.AddCommand(pullsAddCmd)
	pullsCmd.AddCommand(pullsListCmd)
}

func writePullJobs(w io.Writer, jobs []pullJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No pulls found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tSTATUS\tPROGRESS\tERROR")
	for _, j := range jobs {
		progress := j.Progress
		if j.Percent > 0 {
			progress = fmt.Sprintf("%s %.0f%%", j.Progress, j.Percent)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID[:min(8, len(j.ID))], j.Model, j.Status, progress, j.LastError)
	}
	tw.Flush()
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

		fmt.Printf("%s\n", colorize(colorDim, config.Path()))
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// consoleHealthy reports whether a console server answers on its health route.
func consoleHealthy(ctx context.Context, client *apiClient) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
