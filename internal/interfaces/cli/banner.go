package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const appVersion = "0.1.0"

// brand colors
var (
	colorCyan    = lipgloss.Color("#00D7FF")
	colorDimCyan = lipgloss.Color("#00AFAF")
	colorGray    = lipgloss.Color("#6C6C6C")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#4E4E4E")
	colorGreen   = lipgloss.Color("#00FF87")
	colorYellow  = lipgloss.Color("#FFD75F")
)

// Logo lines — clean block font, no box-drawing corners
var logoLines = []string{
	" █████   ██████  ███████ ███    ██ ████████ ██████  ███████ ██       █████  ██    ██",
	"██   ██ ██       ██      ████   ██    ██    ██   ██ ██      ██      ██   ██  ██  ██ ",
	"███████ ██   ███ █████   ██ ██  ██    ██    ██████  █████   ██      ███████   ████  ",
	"██   ██ ██    ██ ██      ██  ██ ██    ██    ██   ██ ██      ██      ██   ██    ██   ",
	"██   ██  ██████  ███████ ██   ████    ██    ██   ██ ███████ ███████ ██   ██    ██   ",
}

// Gradient colors top→bottom (cyan → blue → violet)
var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#00CFFF"),
	lipgloss.Color("#009FFF"),
	lipgloss.Color("#006FFF"),
	lipgloss.Color("#5F5FFF"),
}

// BannerInfo carries dynamic stats shown in the welcome banner.
type BannerInfo struct {
	Model      string
	ToolCount  int
	MCPServers int
	Workspace  string
	ProjectLng string
}

// DetectProjectLanguage scans dir for known project markers.
func DetectProjectLanguage(dir string) string {
	markers := []struct {
		file string
		lang string
	}{
		{"go.mod", "Go"},
		{"Cargo.toml", "Rust"},
		{"package.json", "Node.js"},
		{"pyproject.toml", "Python"},
		{"requirements.txt", "Python"},
		{"pom.xml", "Java"},
		{"build.gradle", "Java"},
		{"Gemfile", "Ruby"},
		{"mix.exs", "Elixir"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.lang
		}
	}
	return ""
}

// RenderBanner returns the styled welcome banner with a gradient logo.
func RenderBanner(info BannerInfo, width int) string {
	label := lipgloss.NewStyle().Foreground(colorGray)
	value := lipgloss.NewStyle().Foreground(colorWhite)

	var sb strings.Builder
	sb.WriteString("\n")

	if width >= 90 {
		for i, line := range logoLines {
			c := logoGradient[i%len(logoGradient)]
			sb.WriteString(lipgloss.NewStyle().Foreground(c).Bold(true).Render(line))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render(" ◇  A G E N T R E L A Y"))
		sb.WriteString("\n")
	}
	sb.WriteString(lipgloss.NewStyle().Foreground(colorDimCyan).Render("  v" + appVersion))
	sb.WriteString("\n\n")

	ws := info.Workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	if info.ProjectLng != "" {
		ws += fmt.Sprintf(" (%s)", info.ProjectLng)
	}

	rows := []struct{ k, v string }{
		{"Model", info.Model},
		{"Tools", lipgloss.NewStyle().Foreground(colorGreen).Render(fmt.Sprintf("%d loaded", info.ToolCount))},
		{"Path ", ws},
		{"Env  ", runtime.GOOS + "/" + runtime.GOARCH},
	}
	for _, row := range rows {
		sb.WriteString(fmt.Sprintf("  %s %s\n", label.Render(row.k), value.Render(row.v)))
	}

	sb.WriteString("\n")
	sb.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  Enter to ask · /help for commands · Ctrl+C to interrupt"))
	sb.WriteString("\n")
	return sb.String()
}
