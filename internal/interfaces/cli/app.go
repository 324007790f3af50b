package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
	"github.com/agentrelay/agentrelay/internal/infrastructure/persistence"
)

const clearLine = "\033[2K\r"

var (
	styleDim     = lipgloss.NewStyle().Foreground(colorGray)
	styleWarn    = lipgloss.NewStyle().Foreground(colorYellow)
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(colorGreen)
	styleTool    = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	styleSpinner = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// REPLConfig holds the interactive session's display settings.
type REPLConfig struct {
	Model      string
	Workspace  string
	ToolCount  int
	NoApprove  bool
	InitPrompt string
}

// RunREPL drives the Conversation Loop from an interactive terminal
// session: readline for input, the Loop's event channel for output, and a
// Recorder keeping the session log and derived index in sync after every
// turn. The first free-form turn is routed through layers (if the role
// configured any); "/run <layer> <input>" invokes a single layer ad-hoc
// without touching conversation history.
func RunREPL(loop *conversation.Loop, layers *conversation.LayerPipeline, recorder *persistence.Recorder, cfg REPLConfig) error {
	width := termWidth()
	renderer := NewRenderer(width)

	fmt.Println(RenderBanner(BannerInfo{
		Model:      cfg.Model,
		ToolCount:  cfg.ToolCount,
		Workspace:  cfg.Workspace,
		ProjectLng: DetectProjectLanguage(cfg.Workspace),
	}, width))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println(styleDim.Render("goodbye"))
		rl.Close()
		os.Exit(0)
	}()

	if cfg.InitPrompt != "" {
		runTurn(loop, recorder, renderer, throughLayers(layers, loop, cfg.InitPrompt))
	}

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println(styleDim.Render("goodbye"))
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if name, layerInput, ok := conversation.ParseCommandLayer(input); ok {
			runCommandLayer(layers, recorder, renderer, name, layerInput)
			continue
		}

		if cmd := ParseSlashCommand(input); cmd != nil {
			result := ExecuteCommand(cmd, cfg.Model, cfg.ToolCount)
			if result.IsQuit {
				fmt.Println(styleDim.Render("goodbye"))
				return nil
			}
			if result.Output != "" {
				fmt.Println(result.Output)
			}
			continue
		}

		runTurn(loop, recorder, renderer, throughLayers(layers, loop, input))
	}
}

// throughLayers routes the session's first free-form turn through the
// role's layer pipeline; every later call is a pass-through. The final
// layer's output becomes the effective user message for the main loop.
func throughLayers(layers *conversation.LayerPipeline, loop *conversation.Loop, input string) string {
	if layers == nil {
		return input
	}
	results, effective, ran := layers.Run(context.Background(), loop.Store().Messages(), input)
	if !ran {
		return input
	}
	for _, r := range results {
		if r.Content != "" {
			fmt.Println(styleDim.Render(fmt.Sprintf("── layer %s ──", r.LayerName)))
			fmt.Println(styleDim.Render(r.Content))
		}
	}
	if effective == "" {
		return input
	}
	return effective
}

// runCommandLayer handles "/run <layer> <input>": the layer's output is
// shown and logged, but never enters conversation history.
func runCommandLayer(layers *conversation.LayerPipeline, recorder *persistence.Recorder, renderer *Renderer, name, input string) {
	if layers == nil {
		fmt.Println(styleWarn.Render("no layers configured for this role"))
		return
	}
	out, err := layers.CommandLayer(context.Background(), name, input)
	if err != nil {
		fmt.Println(styleFail.Render("✗ " + err.Error()))
		return
	}
	fmt.Println(renderer.Markdown(out))
	if recorder != nil {
		if err := recorder.RecordCommandLayer(name, input, out); err != nil {
			fmt.Println(styleDim.Render(fmt.Sprintf("session log write failed: %v", err)))
		}
	}
}

// runTurn drives one Loop.Run call to completion, rendering its event
// stream as it arrives and recording the turn once the channel closes.
func runTurn(loop *conversation.Loop, recorder *persistence.Recorder, renderer *Renderer, userMessage string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT)
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
			fmt.Println("\n" + styleWarn.Render("interrupted"))
		case <-ctx.Done():
		}
	}()

	width := termWidth()
	spinner := newSpinner()
	spinner.Update("thinking...")

	for event := range loop.Run(ctx, userMessage) {
		switch event.Type {
		case entity.EventModelCallStart:
			spinner.Update("thinking...")

		case entity.EventModelCallDone:
			spinner.Stop()

		case entity.EventToolCallStart:
			spinner.Stop()
			if event.ToolCall != nil {
				printToolHeader(event.ToolCall, width)
				spinner.Update(fmt.Sprintf("%s running...", event.ToolCall.Name))
			}

		case entity.EventToolCallDone:
			spinner.Stop()
			if event.ToolCall != nil {
				printToolFooter(event.ToolCall, width)
			}

		case entity.EventTruncated:
			spinner.Update("context truncated, continuing...")

		case entity.EventError:
			spinner.Stop()
			fmt.Println("\n" + styleFail.Render("✗ "+event.Error))

		case entity.EventDone:
			spinner.Stop()
		}
	}
	spinner.Stop()

	if recorder != nil {
		if err := recorder.RecordTurn(loop.Store(), loop.Ledger()); err != nil {
			fmt.Println(styleDim.Render(fmt.Sprintf("session log write failed: %v", err)))
		}
	}

	if m := loop.Store().LastAssistantMessage(); m != nil {
		fmt.Println(renderer.Markdown(m.Content()))
	}

	snap := loop.Ledger().Snapshot()
	fmt.Println("\n" + styleDim.Render(fmt.Sprintf("─── %d tool calls · %s tokens · $%.4f ───",
		snap.ToolCalls, formatTokens(int(snap.InputTokens+snap.OutputTokens)), snap.TotalCost)))
}

// printToolHeader renders: ╭─ ⊷ tool_name args ──────
func printToolHeader(tc *entity.ToolCallEvent, width int) {
	if tc == nil {
		return
	}
	icon := toolIcon(tc.Name)
	args := summarizeArgs(tc.Arguments)

	label := fmt.Sprintf(" %s %s %s ", icon, tc.Name, args)
	rule := strings.Repeat("─", ruleWidth(width, label))

	fmt.Printf("\n%s %s %s %s\n",
		styleDim.Render("╭─")+" "+styleWarn.Render(icon),
		styleTool.Render(tc.Name),
		styleDim.Render(args),
		styleDim.Render(rule))
}

// printToolFooter renders: ╰─ ✓ tool_name (duration) ──────
func printToolFooter(tc *entity.ToolCallEvent, width int) {
	if tc == nil {
		return
	}

	status := styleOK.Render("✓")
	if !tc.Success {
		status = styleFail.Render("✗")
	}

	dur := ""
	if tc.Duration > 0 {
		dur = " (" + formatDuration(tc.Duration) + ")"
	}

	label := fmt.Sprintf(" x %s%s ", tc.Name, dur)
	rule := strings.Repeat("─", ruleWidth(width, label))

	fmt.Printf("%s %s %s %s\n",
		styleDim.Render("╰─")+" "+status,
		styleDim.Render(tc.Name),
		styleDim.Render(strings.TrimSpace(dur)),
		styleDim.Render(rule))
}

func ruleWidth(termW int, label string) int {
	w := termW - len([]rune(label)) - 4
	if w < 3 {
		w = 3
	}
	return w
}

func toolIcon(name string) string {
	switch name {
	case "bash":
		return "$"
	case "read_file", "list_dir":
		return "→"
	case "write_file", "edit_file":
		return "←"
	case "search":
		return "✱"
	}
	return "⚙"
}

// asyncSpinner animates a status line until stopped. Update restarts it
// with a new message; Stop blocks until the line is cleared.
type asyncSpinner struct {
	mu      sync.Mutex
	running bool
	msg     string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msg = msg
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.run()
	}
}

func (s *asyncSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	fmt.Print(clearLine)
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)

	frame := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.msg
			s.mu.Unlock()

			f := spinnerFrames[frame%len(spinnerFrames)]
			fmt.Printf("%s%s %s", clearLine, styleSpinner.Render(f), styleDim.Render(msg))
			frame++
		}
	}
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
