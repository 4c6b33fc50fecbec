package report

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/j-veylop/repcache/internal/cache"
	"github.com/j-veylop/repcache/internal/models"
)

// Column describes one table column. Width 0 lets the column absorb the
// space the fixed columns leave over.
type Column struct {
	Title string
	Width int
}

// Table renders rows in fixed-width columns, truncating wide cells.
func Table(cols []Column, rows [][]string, width int) string {
	widths := make([]int, len(cols))
	fixed, flex := 0, 0
	for i, c := range cols {
		widths[i] = c.Width
		if c.Width == 0 {
			flex++
		}
		fixed += c.Width + 1
	}
	if flex > 0 {
		share := max((width-fixed)/flex, 8)
		for i := range widths {
			if widths[i] == 0 {
				widths[i] = share
			}
		}
	}

	var b strings.Builder
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = cell(c.Title, widths[i])
	}
	b.WriteString(TableHeaderStyle.Render(strings.Join(header, " ")))

	for _, row := range rows {
		b.WriteString("\n")
		cells := make([]string, len(cols))
		for i := range cols {
			var v string
			if i < len(row) {
				v = row[i]
			}
			cells[i] = cell(v, widths[i])
		}
		b.WriteString(strings.Join(cells, " "))
	}
	return b.String()
}

func cell(s string, width int) string {
	s = ansi.Truncate(s, width, "…")
	if pad := width - ansi.StringWidth(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	return s
}

// CallsTable renders recent upstream calls, newest first.
func CallsTable(calls []models.APICall, width int) string {
	if len(calls) == 0 {
		return MutedStyle.Render("No upstream calls recorded")
	}
	cols := []Column{
		{Title: "TIME", Width: 19},
		{Title: "ENDPOINT", Width: 11},
		{Title: "SUBJECT"},
		{Title: "STATUS", Width: 6},
		{Title: "MS", Width: 6},
		{Title: "REMAINING", Width: 9},
		{Title: "ERROR"},
	}
	rows := make([][]string, 0, len(calls))
	for _, c := range calls {
		status := strconv.Itoa(c.ResponseStatus)
		if c.Failed() {
			status = ErrorTextStyle.Render(status)
		}
		remaining := "-"
		if c.RateLimitRemaining != nil {
			remaining = strconv.Itoa(*c.RateLimitRemaining)
		}
		errText := c.ErrorKind
		if c.ErrorMessage != "" {
			errText += ": " + c.ErrorMessage
		}
		rows = append(rows, []string{
			c.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			c.Endpoint,
			c.Subject,
			status,
			strconv.Itoa(c.ResponseTimeMs),
			remaining,
			errText,
		})
	}
	return Table(cols, rows, width)
}

// ReportsTable renders individual abuse reports as returned by the
// reports endpoint.
func ReportsTable(reports []models.Report, width int) string {
	if len(reports) == 0 {
		return MutedStyle.Render("No reports on this page")
	}
	cols := []Column{
		{Title: "REPORTED", Width: 19},
		{Title: "CC", Width: 2},
		{Title: "CATEGORIES", Width: 14},
		{Title: "COMMENT"},
	}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.ReportedAt.UTC().Format("2006-01-02 15:04:05"),
			r.ReporterCountryCode,
			joinInts(r.Categories),
			strings.Join(strings.Fields(r.Comment), " "),
		})
	}
	return Table(cols, rows, width)
}

// EntriesTable renders cache entries with their score and age.
func EntriesTable(entries []models.CacheEntry, now time.Time, width int) string {
	if len(entries) == 0 {
		return MutedStyle.Render("Cache is empty")
	}
	cols := []Column{
		{Title: "TYPE", Width: 6},
		{Title: "KEY"},
		{Title: "SCORE", Width: 5},
		{Title: "REPORTS", Width: 7},
		{Title: "CC", Width: 2},
		{Title: "AGE", Width: 8},
		{Title: "STATE", Width: 7},
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		state := SuccessTextStyle.Render("fresh")
		if !e.IsFresh(now) {
			state = MutedStyle.Render("stale")
		}
		rows = append(rows, []string{
			string(e.QueryType),
			e.Key,
			ScoreStyle(e.Payload.AbuseScore).Render(strconv.Itoa(e.Payload.AbuseScore)),
			strconv.Itoa(e.Payload.TotalReports),
			e.Payload.CountryCode,
			FormatDuration(e.Age(now)),
			state,
		})
	}
	return Table(cols, rows, width)
}

// ResultView renders one resolve result. Reports results list the page
// of reports in a table sized to width.
func ResultView(res *cache.Result, now time.Time, width int) string {
	p := res.Payload
	var b strings.Builder

	b.WriteString(TitleStyle.Render(fmt.Sprintf("%s %s", res.QueryType, res.Key)))
	b.WriteString("\n")
	if res.QueryType == models.QueryReports {
		b.WriteString(line("Reports", fmt.Sprintf("%d total, page %d of %d", p.TotalReports, p.Page, max(p.LastPage, p.Page))) + "\n")
	} else {
		b.WriteString(line("Score", ScoreStyle(p.AbuseScore).Render(fmt.Sprintf("%d%%", p.AbuseScore))) + "\n")
		b.WriteString(line("Reports", fmt.Sprintf("%d from %d users", p.TotalReports, p.NumDistinctUsers)) + "\n")
	}

	optional := []struct{ label, value string }{
		{"Resolved IP", p.ResolvedIP},
		{"Network", networkString(p)},
		{"Country", strings.TrimSpace(p.CountryName + " " + bracket(p.CountryCode))},
		{"ISP", p.ISP},
		{"Usage type", p.UsageType},
		{"Domain", p.Domain},
		{"Hostnames", strings.Join(p.Hostnames, ", ")},
		{"Categories", joinInts(p.Categories)},
	}
	for _, o := range optional {
		if o.value != "" {
			b.WriteString(line(o.label, o.value) + "\n")
		}
	}

	var flags []string
	if p.IsTor {
		flags = append(flags, "tor")
	}
	if p.IsWhitelisted {
		flags = append(flags, "whitelisted")
	}
	if p.IsPublic {
		flags = append(flags, "public")
	}
	if len(flags) > 0 {
		b.WriteString(line("Flags", strings.Join(flags, ", ")) + "\n")
	}
	if p.LastReportedAt != nil {
		b.WriteString(line("Last reported", p.LastReportedAt.UTC().Format(timeLayout)) + "\n")
	}
	if res.QueryType == models.QueryReports {
		b.WriteString("\n" + ReportsTable(p.Reports, width) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(line("Origin", originString(res)) + "\n")
	b.WriteString(line("Cached", fmt.Sprintf("%s, expires in %s", res.CachedAt.UTC().Format(timeLayout), FormatDuration(res.ExpiresAt.Sub(now)))))
	if res.Warning != "" {
		b.WriteString("\n" + line("Warning", WarningTextStyle.Render(res.Warning)))
	}
	if res.RetryAfter != nil {
		b.WriteString("\n" + line("Retry after", res.RetryAfter.UTC().Format(timeLayout)))
	}
	return b.String()
}

// StatsView renders cache statistics.
func StatsView(stats *models.CacheStats, width int) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Cache"))
	b.WriteString("\n")
	b.WriteString(line("Entries", strconv.Itoa(stats.Total)) + "\n")
	b.WriteString(line("Fresh", SuccessTextStyle.Render(strconv.Itoa(stats.Valid))) + "\n")
	b.WriteString(line("Expired", MutedStyle.Render(strconv.Itoa(stats.Expired))) + "\n")
	b.WriteString(line("High risk", ErrorTextStyle.Render(strconv.Itoa(stats.HighRisk))))

	if len(stats.ByType) > 0 {
		b.WriteString("\n\n" + SubTitleStyle.Render("By type"))
		for _, qt := range models.QueryTypes {
			if n, ok := stats.ByType[qt]; ok {
				b.WriteString("\n" + line(string(qt), strconv.Itoa(n)))
			}
		}
	}

	if len(stats.ByCountry) > 0 {
		countries := make([]string, 0, len(stats.ByCountry))
		for cc := range stats.ByCountry {
			countries = append(countries, cc)
		}
		// Largest first, then alphabetical.
		slices.SortFunc(countries, func(a, b string) int {
			if d := stats.ByCountry[b] - stats.ByCountry[a]; d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})
		if len(countries) > 10 {
			countries = countries[:10]
		}

		b.WriteString("\n\n" + SubTitleStyle.Render("Top countries"))
		barWidth := max(width-30, 10)
		top := stats.ByCountry[countries[0]]
		for _, cc := range countries {
			n := stats.ByCountry[cc]
			bar := strings.Repeat("█", max(n*barWidth/top, 1))
			b.WriteString("\n" + line(cc, InfoTextStyle.Render(bar)+" "+strconv.Itoa(n)))
		}
	}

	return CardStyle.Render(b.String())
}

func originString(res *cache.Result) string {
	s := string(res.Origin)
	if res.Shared {
		s += " (shared)"
	}
	if res.Degraded {
		return WarningTextStyle.Render(s + ", degraded")
	}
	return s
}

func networkString(p models.Payload) string {
	if p.NetworkAddress == "" {
		return ""
	}
	return fmt.Sprintf("%s netmask %s, %d hosts, %d reported", p.NetworkAddress, p.Netmask, p.NumPossibleHosts, p.ReportedAddresses)
}

func bracket(s string) string {
	if s == "" {
		return ""
	}
	return "(" + s + ")"
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
