package enrich

import (
	"slices"
	"strings"
	"time"

	"github.com/j-veylop/repcache/internal/models"
)

type checkResponse struct {
	Data *checkData `json:"data"`
}

type checkData struct {
	LastReportedAt       *time.Time    `json:"lastReportedAt"`
	IPAddress            string        `json:"ipAddress"`
	CountryCode          string        `json:"countryCode"`
	CountryName          string        `json:"countryName"`
	ISP                  string        `json:"isp"`
	Domain               string        `json:"domain"`
	UsageType            string        `json:"usageType"`
	Hostnames            []string      `json:"hostnames"`
	Reports              []checkReport `json:"reports"`
	AbuseConfidenceScore int           `json:"abuseConfidenceScore"`
	TotalReports         int           `json:"totalReports"`
	NumDistinctUsers     int           `json:"numDistinctUsers"`
	IsWhitelisted        bool          `json:"isWhitelisted"`
	IsTor                bool          `json:"isTor"`
	IsPublic             bool          `json:"isPublic"`
}

type checkReport struct {
	Categories []int `json:"categories"`
}

type blockResponse struct {
	Data *blockData `json:"data"`
}

type blockData struct {
	NetworkAddress   string            `json:"networkAddress"`
	Netmask          string            `json:"netmask"`
	ReportedAddress  []reportedAddress `json:"reportedAddress"`
	NumPossibleHosts int64             `json:"numPossibleHosts"`
}

type reportedAddress struct {
	MostRecentReport     *time.Time `json:"mostRecentReport"`
	IPAddress            string     `json:"ipAddress"`
	CountryCode          string     `json:"countryCode"`
	NumReports           int        `json:"numReports"`
	AbuseConfidenceScore int        `json:"abuseConfidenceScore"`
}

type reportsResponse struct {
	Data *reportsData `json:"data"`
}

type reportsData struct {
	Results  []reportResult `json:"results"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	Count    int            `json:"count"`
	PerPage  int            `json:"perPage"`
	LastPage int            `json:"lastPage"`
}

type reportResult struct {
	ReportedAt          time.Time `json:"reportedAt"`
	Comment             string    `json:"comment"`
	ReporterCountryCode string    `json:"reporterCountryCode"`
	ReporterCountryName string    `json:"reporterCountryName"`
	Categories          []int     `json:"categories"`
	ReporterID          int       `json:"reporterId"`
}

type errorResponse struct {
	Errors []struct {
		Detail string `json:"detail"`
		Status int    `json:"status"`
	} `json:"errors"`
}

func (r errorResponse) detail() string {
	details := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Detail != "" {
			details = append(details, e.Detail)
		}
	}
	return strings.Join(details, "; ")
}

// toPayload normalizes a /check record. subject is the key the caller asked
// for, which differs from the checked address for domain lookups.
func (d *checkData) toPayload(qt models.QueryType, subject string) models.Payload {
	p := models.Payload{
		Subject:          subject,
		QueryType:        qt,
		CountryCode:      d.CountryCode,
		CountryName:      d.CountryName,
		ISP:              d.ISP,
		Domain:           d.Domain,
		UsageType:        d.UsageType,
		Hostnames:        d.Hostnames,
		AbuseScore:       d.AbuseConfidenceScore,
		TotalReports:     d.TotalReports,
		NumDistinctUsers: d.NumDistinctUsers,
		IsWhitelisted:    d.IsWhitelisted,
		IsTor:            d.IsTor,
		IsPublic:         d.IsPublic,
		LastReportedAt:   utcPtr(d.LastReportedAt),
		Categories:       reportCategories(d.Reports),
	}
	if qt == models.QueryDomain {
		p.ResolvedIP = d.IPAddress
	}
	return p
}

// toPayload aggregates a /check-block record: the highest score and the sum
// of reports across every reported address in the network.
func (d *blockData) toPayload(subject string) models.Payload {
	p := models.Payload{
		Subject:           subject,
		QueryType:         models.QueryBlock,
		NetworkAddress:    d.NetworkAddress,
		Netmask:           d.Netmask,
		NumPossibleHosts:  d.NumPossibleHosts,
		ReportedAddresses: len(d.ReportedAddress),
	}
	for _, a := range d.ReportedAddress {
		p.AbuseScore = max(p.AbuseScore, a.AbuseConfidenceScore)
		p.TotalReports += a.NumReports
		if a.MostRecentReport != nil && (p.LastReportedAt == nil || a.MostRecentReport.After(*p.LastReportedAt)) {
			p.LastReportedAt = utcPtr(a.MostRecentReport)
		}
	}
	return p
}

// toPayload normalizes one /reports page. Categories is the union over the
// page's reports and LastReportedAt the newest of them.
func (d *reportsData) toPayload(ip string) models.Payload {
	p := models.Payload{
		Subject:      ip,
		QueryType:    models.QueryReports,
		TotalReports: d.Total,
		Page:         d.Page,
		LastPage:     d.LastPage,
		Reports:      make([]models.Report, 0, len(d.Results)),
	}
	for _, r := range d.Results {
		reportedAt := r.ReportedAt.UTC()
		p.Reports = append(p.Reports, models.Report{
			ReportedAt:          reportedAt,
			Comment:             r.Comment,
			ReporterCountryCode: r.ReporterCountryCode,
			ReporterCountryName: r.ReporterCountryName,
			Categories:          r.Categories,
			ReporterID:          r.ReporterID,
		})
		for _, c := range r.Categories {
			if !slices.Contains(p.Categories, c) {
				p.Categories = append(p.Categories, c)
			}
		}
		if p.LastReportedAt == nil || reportedAt.After(*p.LastReportedAt) {
			p.LastReportedAt = &reportedAt
		}
	}
	slices.Sort(p.Categories)
	return p
}

func reportCategories(reports []checkReport) []int {
	var out []int
	for _, r := range reports {
		for _, c := range r.Categories {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
