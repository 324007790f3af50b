package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentrelay/agentrelay/internal/app"
	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/infrastructure/config"
	"github.com/agentrelay/agentrelay/internal/infrastructure/logger"
	"github.com/agentrelay/agentrelay/internal/infrastructure/persistence"
	"github.com/agentrelay/agentrelay/internal/interfaces/cli"
)

const (
	cliVersion = "0.2.0"
	cliName    = "agentrelay"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [message]",
		Short: "agentrelay — AI coding agent",
		Long:  "agentrelay CLI — interactive tool-calling coding assistant",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("model", "m", "", "override the configured model")
	rootCmd.Flags().StringP("role", "r", "", "role policy to run under")
	rootCmd.Flags().BoolP("no-approve", "y", false, "skip tool approval prompts")
	rootCmd.Flags().StringP("workspace", "w", "", "working directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "check local environment",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "list past sessions",
		RunE:  runSessions,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runInteractive builds a Runtime and drives it from a readline REPL.
func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, "")
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}
	model, _ := cmd.Flags().GetString("model")
	role, _ := cmd.Flags().GetString("role")
	noApprove, _ := cmd.Flags().GetBool("no-approve")

	ui := cli.NewRenderer(0)
	opts := app.Options{
		Model:     model,
		Role:      role,
		Workspace: workspace,
		ConfirmSpending: func(snap conversation.Snapshot) bool {
			return ui.ConfirmSpending(snap.TotalCost)
		},
	}
	if !noApprove {
		opts.ConfirmLargeOutput = ui.ConfirmLargeOutput
	}

	fmt.Print("\033[90minitializing...\033[0m")
	runtime, err := app.Build(cfg, log, opts)
	if err != nil {
		fmt.Print("\r\033[2K")
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer runtime.Close()
	fmt.Print("\r\033[2K")

	toolCount := len(runtime.Builtin.List())

	initPrompt := ""
	if len(args) > 0 {
		initPrompt = strings.Join(args, " ")
	}

	replCfg := cli.REPLConfig{
		Model:      runtime.Config.Model,
		Workspace:  workspace,
		ToolCount:  toolCount,
		NoApprove:  noApprove,
		InitPrompt: initPrompt,
	}
	if model != "" {
		replCfg.Model = model
	}

	return cli.RunREPL(runtime.Loop, runtime.Layers, runtime.Recorder, replCfg)
}

// ─── Sessions ───

// runSessions prints the derived session index, most recently active
// first. The index is rebuilt as sessions run; a missing database just
// means no sessions have been recorded yet.
func runSessions(cmd *cobra.Command, args []string) error {
	db, err := persistence.NewIndexDB(persistence.IndexPath(config.DataDir()))
	if err != nil {
		return fmt.Errorf("open session index: %w", err)
	}
	rows, err := persistence.NewSessionIndex(db).List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("no sessions recorded yet")
		return nil
	}

	fmt.Printf("%-28s  %-16s  %-16s  %6s  %10s\n", "SESSION", "STARTED", "LAST ACTIVITY", "TOOLS", "COST")
	for _, r := range rows {
		fmt.Printf("%-28s  %-16s  %-16s  %6d  $%9.4f\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.LastActivity.Local().Format("2006-01-02 15:04"),
			r.ToolCalls,
			r.TotalCost,
		)
	}
	return nil
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("agentrelay doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"LLM credentials", checkCredentials},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("see flagged items above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := config.Path()
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return fmt.Sprintf("%s not found (defaults apply)", path), true
}

func checkCredentials() (string, bool) {
	for _, env := range []string{"OPENROUTER_API_KEY", "OPENAI_API_KEY", "OLLAMA_BASE_URL"} {
		if os.Getenv(env) != "" {
			return env, true
		}
	}
	return "no provider credentials found in environment", false
}
