package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Renderer turns assistant output and tool activity into styled terminal
// text. Markdown goes through glamour; everything else is lipgloss.
type Renderer struct {
	markdown *glamour.TermRenderer
	width    int
}

// NewRenderer builds a Renderer for the given terminal width.
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	md, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{markdown: md, width: width}
}

// Markdown renders md as styled terminal text, falling back to the raw
// string when glamour is unavailable.
func (r *Renderer) Markdown(md string) string {
	if r.markdown == nil {
		return md
	}
	out, err := r.markdown.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// ConfirmLargeOutput asks whether a tool result estimated at estTokens
// should enter the conversation. Declining drops the result and unlinks
// its call from the assistant message.
func (r *Renderer) ConfirmLargeOutput(toolName string, estTokens int) bool {
	warn := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	fmt.Printf("\n%s %s returned ~%s tokens. Keep it? [y/N] ",
		warn.Render("⚠"), toolName, formatTokens(estTokens))
	return readYes()
}

// ConfirmSpending asks whether to keep going after the session cost
// crossed the configured ceiling.
func (r *Renderer) ConfirmSpending(totalCost float64) bool {
	warn := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	fmt.Printf("\n%s session cost is $%.4f, over the configured limit. Continue? [y/N] ",
		warn.Render("⚠"), totalCost)
	return readYes()
}

func readYes() bool {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// summarizeArgs picks the most informative argument for a one-line tool
// header.
func summarizeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	for _, key := range []string{"command", "file_path", "path", "directory", "query", "url", "pattern"} {
		if v, ok := args[key]; ok {
			return clipArg(fmt.Sprintf("%v", v))
		}
	}
	for _, v := range args {
		return clipArg(fmt.Sprintf("%v", v))
	}
	return ""
}

func clipArg(s string) string {
	r := []rune(s)
	if len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return s
}

func formatTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%d", n)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
