// Package report renders cache, quota and usage data for the terminal.
package report

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/repcache/internal/models"
)

// Color definitions.
var (
	Primary   = lipgloss.Color("205") // Pink
	Secondary = lipgloss.Color("63")  // Purple
	Subtle    = lipgloss.Color("240") // Gray

	Success = lipgloss.Color("42")  // Green
	Error   = lipgloss.Color("196") // Red
	Warning = lipgloss.Color("220") // Yellow
	Info    = lipgloss.Color("39")  // Blue

	TextPrimary   = lipgloss.Color("252")
	TextSecondary = lipgloss.Color("245")
	TextMuted     = lipgloss.Color("240")
)

// TitleStyle is used for main headings.
var TitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary).
	MarginBottom(1)

// SubTitleStyle is used for section headings.
var SubTitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Secondary)

// CardStyle creates a bordered card container.
var CardStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(Subtle).
	Padding(0, 1)

// LabelStyle styles the left column of key/value lines.
var LabelStyle = lipgloss.NewStyle().
	Foreground(TextSecondary).
	Width(18)

// ValueStyle styles the right column of key/value lines.
var ValueStyle = lipgloss.NewStyle().
	Foreground(TextPrimary)

// MutedStyle is used for secondary information and empty states.
var MutedStyle = lipgloss.NewStyle().
	Foreground(TextMuted)

// TableHeaderStyle styles table headers.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary)

var (
	ErrorTextStyle   = lipgloss.NewStyle().Foreground(Error)
	SuccessTextStyle = lipgloss.NewStyle().Foreground(Success)
	WarningTextStyle = lipgloss.NewStyle().Foreground(Warning)
	InfoTextStyle    = lipgloss.NewStyle().Foreground(Info)
)

var criticalStyle = lipgloss.NewStyle().
	Foreground(Error).
	Bold(true)

// QuotaStyle returns the style for a remaining-quota percentage.
func QuotaStyle(percentRemaining float64) lipgloss.Style {
	switch {
	case percentRemaining > 50:
		return SuccessTextStyle
	case percentRemaining > 20:
		return WarningTextStyle
	default:
		return ErrorTextStyle
	}
}

// ProjectionStyle returns the style for a quota projection status.
func ProjectionStyle(status models.ProjectionStatus) lipgloss.Style {
	switch status {
	case models.ProjectionSafe:
		return SuccessTextStyle
	case models.ProjectionWarning:
		return WarningTextStyle.Bold(true)
	case models.ProjectionCritical:
		return criticalStyle
	default:
		return MutedStyle
	}
}

// ScoreStyle returns the style for an abuse confidence score.
func ScoreStyle(score int) lipgloss.Style {
	switch {
	case score >= 75:
		return criticalStyle
	case score >= 50:
		return ErrorTextStyle
	case score >= 25:
		return WarningTextStyle
	default:
		return SuccessTextStyle
	}
}

func line(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), ValueStyle.Render(value))
}
