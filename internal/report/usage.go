package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/guptarohit/asciigraph"

	"github.com/j-veylop/repcache/internal/models"
)

var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// HourlyChart plots upstream calls per hour.
func HourlyChart(hourly []models.HourlyStats, width, height int) string {
	if len(hourly) == 0 {
		return MutedStyle.Render("No calls in this period")
	}
	if width < 20 {
		width = 20
	}
	if height < 3 {
		height = 3
	}

	calls := make([]float64, len(hourly))
	errs := make([]float64, len(hourly))
	for i, h := range hourly {
		calls[i] = float64(h.TotalCalls)
		errs[i] = float64(h.ErrorCount)
	}

	caption := fmt.Sprintf("calls per hour since %s", hourly[0].Hour.UTC().Format(timeLayout))
	return asciigraph.PlotMany([][]float64{calls, errs},
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
		asciigraph.SeriesColors(asciigraph.Blue, asciigraph.Red),
	)
}

// Sparkline renders values as a compact inline chart.
func Sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	maxVal := slices.Max(values)
	if maxVal <= 0 {
		maxVal = 1
	}

	step := float64(len(values)) / float64(width)
	if step < 1 {
		step = 1
	}

	var b strings.Builder
	for i := 0; i < width && int(float64(i)*step) < len(values); i++ {
		v := values[int(float64(i)*step)]
		n := int(v / maxVal * float64(len(sparkChars)-1))
		n = max(0, min(n, len(sparkChars)-1))
		b.WriteRune(sparkChars[n])
	}
	return b.String()
}

// UsageView renders a usage summary with the hourly chart.
func UsageView(stats *models.UsageStats, hours, width int) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(fmt.Sprintf("Upstream usage, last %dh", hours)))
	b.WriteString("\n")

	rate := stats.SuccessRate()
	b.WriteString(line("Calls", fmt.Sprintf("%d", stats.TotalCalls)) + "\n")
	b.WriteString(line("Failed", fmt.Sprintf("%d", stats.FailedCalls)) + "\n")
	b.WriteString(line("Success rate", QuotaStyle(rate).Render(fmt.Sprintf("%.1f%%", rate))) + "\n")
	b.WriteString(line("Avg latency", fmt.Sprintf("%.0fms", stats.AvgDurationMs)) + "\n")

	if len(stats.ByEndpoint) > 0 {
		endpoints := make([]string, 0, len(stats.ByEndpoint))
		for ep := range stats.ByEndpoint {
			endpoints = append(endpoints, ep)
		}
		slices.Sort(endpoints)

		b.WriteString("\n" + SubTitleStyle.Render("By endpoint") + "\n")
		for _, ep := range endpoints {
			b.WriteString(line(ep, fmt.Sprintf("%d", stats.ByEndpoint[ep])) + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(HourlyChart(stats.Hourly, width-10, 8))
	return b.String()
}
