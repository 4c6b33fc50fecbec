package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/repcache/internal/models"
)

const timeLayout = "2006-01-02 15:04 MST"

// QuotaBar renders the remaining share of a quota window as a static bar.
func QuotaBar(remaining, allowed, width int) string {
	barWidth := width - 8
	if barWidth < 10 {
		barWidth = 10
	}
	p := progress.New(
		progress.WithScaledGradient("#ff6b6b", "#51cf66"),
		progress.WithWidth(barWidth),
		progress.WithoutPercentage(),
	)

	percent := 0.0
	if allowed > 0 {
		percent = float64(remaining) / float64(allowed) * 100
	}
	percentStr := QuotaStyle(percent).
		Width(6).
		Align(lipgloss.Right).
		Render(fmt.Sprintf("%.0f%%", percent))

	return lipgloss.JoinHorizontal(lipgloss.Center, p.ViewAs(percent/100), " ", percentStr)
}

// QuotaView renders the quota window with its upstream reconciliation state.
func QuotaView(status models.QuotaStatus, now time.Time, width int) string {
	w := status.Window
	var b strings.Builder

	b.WriteString(TitleStyle.Render("AbuseIPDB quota"))
	b.WriteString("\n")
	b.WriteString(QuotaBar(status.Remaining, w.CallsAllowed, width))
	b.WriteString("\n\n")

	remaining := fmt.Sprintf("%d / %d", status.Remaining, w.CallsAllowed)
	if status.Critical {
		remaining += " " + criticalStyle.Render("CRITICAL")
	}
	b.WriteString(line("Remaining", remaining) + "\n")
	b.WriteString(line("Used", fmt.Sprintf("%d (%.1f%%)", w.CallsMade, status.UsagePercent)) + "\n")
	b.WriteString(line("Window", fmt.Sprintf("%s (%s)", w.WindowStart.UTC().Format(timeLayout), w.Period)) + "\n")
	b.WriteString(line("Resets", fmt.Sprintf("%s (in %s)", w.WindowEnd.UTC().Format(timeLayout), FormatDuration(w.WindowEnd.Sub(now)))) + "\n")

	if p := status.Projection; p != nil {
		b.WriteString(line("Projection", ProjectionStyle(p.Status).Render(string(p.Status))+MutedStyle.Render(" ("+p.Confidence+" confidence)")) + "\n")
		b.WriteString(line("Pace", fmt.Sprintf("%.1f calls/h, %s", p.WindowRate, p.Trend)) + "\n")
		if p.WillDepleteBeforeReset && p.DepleteAt != nil {
			b.WriteString(line("Runs out", fmt.Sprintf("%s (in %s)", p.DepleteAt.UTC().Format(timeLayout), FormatDuration(p.DepleteAt.Sub(now)))) + "\n")
		}
	}

	if w.UpstreamRemaining == nil {
		b.WriteString(line("Upstream", MutedStyle.Render("not reported yet")))
		return b.String()
	}

	upstream := fmt.Sprintf("%d remaining", *w.UpstreamRemaining)
	if w.UpstreamLimit != nil {
		upstream = fmt.Sprintf("%d / %d remaining", *w.UpstreamRemaining, *w.UpstreamLimit)
	}
	if w.UpstreamCheckedAt != nil {
		upstream += MutedStyle.Render(" as of " + w.UpstreamCheckedAt.UTC().Format(timeLayout))
	}
	b.WriteString(line("Upstream", upstream))

	if status.Drift != nil && *status.Drift != 0 {
		b.WriteString("\n")
		b.WriteString(line("Drift", WarningTextStyle.Render(fmt.Sprintf("%+d", *status.Drift))))
	}
	return b.String()
}

// FormatDuration renders a duration as a compact "1h 5m" style string.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
