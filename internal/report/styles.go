package report

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	ColorPrimary   = lipgloss.Color("#7C3AED")
	ColorSecondary = lipgloss.Color("#06B6D4")
	ColorSuccess   = lipgloss.Color("#10B981")
	ColorWarning   = lipgloss.Color("#F59E0B")
	ColorError     = lipgloss.Color("#EF4444")
	ColorTextMuted = lipgloss.Color("#9CA3AF")
	ColorBorder    = lipgloss.Color("#374151")
)

var (
	// HeaderStyle is the style for section titles.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// CellStyle pads table cells.
	CellStyle = lipgloss.NewStyle().Padding(0, 1)

	// TableHeaderStyle is the style for table header cells.
	TableHeaderStyle = CellStyle.
				Bold(true).
				Foreground(ColorSecondary)

	// MutedStyle is used for secondary details.
	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	ScheduledStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	StartedStyle = lipgloss.NewStyle().
			Foreground(ColorWarning).
			Bold(true)

	CompletedStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// SuspectStyle marks entries retired before completing.
	SuspectStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)
)
