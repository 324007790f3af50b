package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SlashCommand is one parsed "/name arg..." input line.
type SlashCommand struct {
	Name string
	Args []string
}

// ParseSlashCommand returns nil for anything that is not a slash command.
func ParseSlashCommand(input string) *SlashCommand {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return nil
	}

	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &SlashCommand{Name: name, Args: args}
}

// CommandResult is a slash command's outcome.
type CommandResult struct {
	Output string
	IsQuit bool
}

// ExecuteCommand handles the built-in slash commands. "/run <layer> ..."
// never reaches here; the REPL intercepts it as a command-layer invocation
// first. A bare "/run" with no layer name gets the unknown-command reply.
func ExecuteCommand(cmd *SlashCommand, model string, toolCount int) CommandResult {
	switch cmd.Name {
	case "help", "h":
		return CommandResult{Output: renderHelp()}
	case "exit", "quit", "q":
		return CommandResult{IsQuit: true}
	case "status", "s":
		return CommandResult{Output: renderStatus(model, toolCount)}
	case "version":
		return CommandResult{Output: fmt.Sprintf("agentrelay v%s", appVersion)}
	default:
		return CommandResult{Output: fmt.Sprintf("unknown command: /%s — see /help", cmd.Name)}
	}
}

func renderHelp() string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	cmdStyle := lipgloss.NewStyle().Foreground(colorGreen)
	descStyle := lipgloss.NewStyle().Foreground(colorGray)

	cmds := []struct {
		name string
		desc string
	}{
		{"/help", "show this help"},
		{"/status", "session status"},
		{"/run <layer> [input]", "invoke a named layer ad-hoc"},
		{"/version", "version info"},
		{"/exit", "quit"},
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ commands"))
	sb.WriteString("\n\n")
	for _, c := range cmds {
		sb.WriteString(fmt.Sprintf("  %s  %s\n",
			cmdStyle.Render(fmt.Sprintf("%-22s", c.name)),
			descStyle.Render(c.desc),
		))
	}
	return sb.String()
}

func renderStatus(model string, toolCount int) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ status"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("model"), valueStyle.Render(model)))
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("tools"), valueStyle.Render(fmt.Sprintf("%d loaded", toolCount))))
	return sb.String()
}
