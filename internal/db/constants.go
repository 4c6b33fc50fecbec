package db

// SQL query fragments used across multiple functions
const (
	// cacheEntryColumns is the select list scanned by scanCacheEntry.
	cacheEntryColumns = "query_type, subject, payload, source, cached_at, expires_at"

	// apiCallColumns is the select list scanned by scanAPICall.
	apiCallColumns = `id, timestamp, request_id, endpoint, query_type, subject, request_params,
		response_status, rate_limit_remaining, rate_limit_limit, response_time_ms,
		error_kind, error_message`

	// quotaWindowColumns is the select list scanned by scanQuotaWindow.
	quotaWindowColumns = `name, window_start, window_end, period_ms, calls_made, calls_allowed,
		upstream_remaining, upstream_limit, upstream_checked_at`

	// highRiskScore is the abuse confidence at or above which an entry
	// counts as high risk in cache statistics.
	highRiskScore = 50
)
