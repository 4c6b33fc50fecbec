package models

import "time"

// Payload is the normalized reputation record returned by the upstream.
type Payload struct {
	LastReportedAt    *time.Time `json:"lastReportedAt,omitempty"`
	Subject           string     `json:"subject"`
	QueryType         QueryType  `json:"queryType"`
	ResolvedIP        string     `json:"resolvedIp,omitempty"`
	CountryCode       string     `json:"countryCode,omitempty"`
	CountryName       string     `json:"countryName,omitempty"`
	ISP               string     `json:"isp,omitempty"`
	Domain            string     `json:"domain,omitempty"`
	UsageType         string     `json:"usageType,omitempty"`
	NetworkAddress    string     `json:"networkAddress,omitempty"`
	Netmask           string     `json:"netmask,omitempty"`
	Hostnames         []string   `json:"hostnames,omitempty"`
	Categories        []int      `json:"categories,omitempty"`
	AbuseScore        int        `json:"abuseConfidenceScore"`
	TotalReports      int        `json:"totalReports"`
	NumDistinctUsers  int        `json:"numDistinctUsers"`
	NumPossibleHosts  int64      `json:"numPossibleHosts,omitempty"`
	ReportedAddresses int        `json:"reportedAddresses,omitempty"`
	IsWhitelisted     bool       `json:"isWhitelisted"`
	IsTor             bool       `json:"isTor"`
	IsPublic          bool       `json:"isPublic"`
	// Reports, Page and LastPage are set for reports queries only.
	Reports  []Report `json:"reports,omitempty"`
	Page     int      `json:"page,omitempty"`
	LastPage int      `json:"lastPage,omitempty"`
}

// Report is one abuse report filed against an address.
type Report struct {
	ReportedAt          time.Time `json:"reportedAt"`
	Comment             string    `json:"comment,omitempty"`
	ReporterCountryCode string    `json:"reporterCountryCode,omitempty"`
	ReporterCountryName string    `json:"reporterCountryName,omitempty"`
	Categories          []int     `json:"categories,omitempty"`
	ReporterID          int       `json:"reporterId"`
}

// Enrichment is a payload together with the endpoint that produced it.
type Enrichment struct {
	Source  string
	Payload Payload
}

// CacheEntry is one stored enrichment result.
type CacheEntry struct {
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	QueryType QueryType `json:"queryType"`
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	Payload   Payload   `json:"payload"`
}

// IsFresh reports whether the entry may be served without a refresh.
// An entry expiring exactly at now is stale.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Age returns how long ago the entry was written.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}
