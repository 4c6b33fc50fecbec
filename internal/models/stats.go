package models

import "time"

// HourlyStats is upstream call volume for one hour bucket.
type HourlyStats struct {
	Hour          time.Time `json:"hour"`
	TotalCalls    int       `json:"totalCalls"`
	ErrorCount    int       `json:"errorCount"`
	AvgDurationMs float64   `json:"avgDurationMs"`
}

// UsageStats summarizes upstream calls over a period.
type UsageStats struct {
	Since         time.Time      `json:"since"`
	ByEndpoint    map[string]int `json:"byEndpoint"`
	Hourly        []HourlyStats  `json:"hourly"`
	TotalCalls    int            `json:"totalCalls"`
	FailedCalls   int            `json:"failedCalls"`
	AvgDurationMs float64        `json:"avgDurationMs"`
}

// SuccessRate returns the share of successful calls as 0-100. A period
// with no calls counts as fully successful.
func (s *UsageStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 100
	}
	return float64(s.TotalCalls-s.FailedCalls) / float64(s.TotalCalls) * 100
}

// CacheStats summarizes the cache contents at a point in time.
type CacheStats struct {
	ByType    map[QueryType]int `json:"byType"`
	ByCountry map[string]int    `json:"byCountry"`
	Total     int               `json:"total"`
	Valid     int               `json:"valid"`
	Expired   int               `json:"expired"`
	HighRisk  int               `json:"highRisk"`
}
