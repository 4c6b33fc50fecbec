package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/j-veylop/repcache/internal/models"
)

const checkBody = `{"data":{
	"ipAddress":"203.0.113.7","isPublic":true,"ipVersion":4,"isWhitelisted":false,
	"abuseConfidenceScore":87,"countryCode":"NL","countryName":"Netherlands",
	"usageType":"Data Center/Web Hosting/Transit","isp":"Example Hosting","domain":"example.net",
	"hostnames":["host.example.net"],"isTor":true,"totalReports":12,"numDistinctUsers":4,
	"lastReportedAt":"2024-04-30T10:00:00+00:00",
	"reports":[{"categories":[18,22]},{"categories":[22,14]},{"categories":[]}]
}}`

const blockBody = `{"data":{
	"networkAddress":"198.51.100.0","netmask":"255.255.255.0","numPossibleHosts":254,
	"reportedAddress":[
		{"ipAddress":"198.51.100.5","numReports":3,"mostRecentReport":"2024-04-20T00:00:00+00:00","abuseConfidenceScore":40,"countryCode":"US"},
		{"ipAddress":"198.51.100.9","numReports":7,"mostRecentReport":"2024-04-28T00:00:00+00:00","abuseConfidenceScore":92,"countryCode":"US"}
	]
}}`

const reportsBody = `{"data":{
	"total":31,"page":2,"count":2,"perPage":25,"lastPage":2,
	"nextPageUrl":null,"previousPageUrl":"https://api.abuseipdb.com/api/v2/reports?page=1",
	"results":[
		{"reportedAt":"2024-04-29T08:00:00+00:00","comment":"ssh brute force","categories":[18,22],"reporterId":1,"reporterCountryCode":"DE","reporterCountryName":"Germany"},
		{"reportedAt":"2024-04-30T09:30:00+00:00","comment":"","categories":[14],"reporterId":7,"reporterCountryCode":"US","reporterCountryName":"United States"}
	]
}}`

type fakeRecorder struct {
	mu    sync.Mutex
	calls []*models.APICall
	err   error
}

func (r *fakeRecorder) InsertAPICall(_ context.Context, call *models.APICall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.err
}

func (r *fakeRecorder) last(t *testing.T) *models.APICall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("no api call recorded")
	}
	return r.calls[len(r.calls)-1]
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []models.UpstreamQuota
}

func (o *fakeObserver) ObserveUpstream(_ context.Context, q models.UpstreamQuota) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, q)
	return nil
}

type fakeResolver struct {
	addrs []string
	err   error
}

func (r fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return r.addrs, r.err
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *fakeRecorder, *fakeObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &fakeRecorder{}
	obs := &fakeObserver{}
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	opts = append([]Option{WithRecorder(rec), WithObserver(obs)}, opts...)
	return New(cfg, opts...), rec, obs
}

func TestLookup_IP(t *testing.T) {
	client, rec, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" {
			t.Errorf("path = %q, want /check", r.URL.Path)
		}
		if got := r.Header.Get("Key"); got != "test-key" {
			t.Errorf("Key header = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept header = %q", got)
		}
		q := r.URL.Query()
		if q.Get("ipAddress") != "203.0.113.7" || q.Get("maxAgeInDays") != "30" || q.Get("verbose") != "true" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.Header().Set("X-RateLimit-Remaining", "958")
		_, _ = w.Write([]byte(checkBody))
	})

	got, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got.Source != EndpointCheck {
		t.Errorf("Source = %q, want %q", got.Source, EndpointCheck)
	}
	p := got.Payload
	if p.Subject != "203.0.113.7" || p.QueryType != models.QueryIP {
		t.Errorf("Subject/QueryType = %q/%q", p.Subject, p.QueryType)
	}
	if p.AbuseScore != 87 || p.TotalReports != 12 || p.NumDistinctUsers != 4 {
		t.Errorf("score/reports/users = %d/%d/%d", p.AbuseScore, p.TotalReports, p.NumDistinctUsers)
	}
	if p.CountryCode != "NL" || p.ISP != "Example Hosting" || !p.IsTor || !p.IsPublic {
		t.Errorf("unexpected payload: %+v", p)
	}
	wantCats := []int{14, 18, 22}
	if len(p.Categories) != len(wantCats) {
		t.Fatalf("Categories = %v, want %v", p.Categories, wantCats)
	}
	for i, c := range wantCats {
		if p.Categories[i] != c {
			t.Errorf("Categories = %v, want %v", p.Categories, wantCats)
			break
		}
	}
	wantLast := time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	if p.LastReportedAt == nil || !p.LastReportedAt.Equal(wantLast) {
		t.Errorf("LastReportedAt = %v, want %v", p.LastReportedAt, wantLast)
	}
	if p.ResolvedIP != "" {
		t.Errorf("ResolvedIP = %q, want empty for ip lookups", p.ResolvedIP)
	}

	call := rec.last(t)
	if call.Endpoint != EndpointCheck || call.ResponseStatus != http.StatusOK || call.ErrorKind != "" {
		t.Errorf("recorded call = %+v", call)
	}
	if call.RateLimitRemaining == nil || *call.RateLimitRemaining != 958 {
		t.Errorf("RateLimitRemaining = %v, want 958", call.RateLimitRemaining)
	}
	if call.RateLimitLimit == nil || *call.RateLimitLimit != 1000 {
		t.Errorf("RateLimitLimit = %v, want 1000", call.RateLimitLimit)
	}
	if call.RequestID == "" || call.RequestParams == "" {
		t.Errorf("RequestID/RequestParams should be set: %+v", call)
	}

	if len(obs.seen) != 1 || obs.seen[0].Remaining != 958 || obs.seen[0].Exhausted {
		t.Errorf("observer saw %+v", obs.seen)
	}
}

func TestLookup_Block(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check-block" {
			t.Errorf("path = %q, want /check-block", r.URL.Path)
		}
		if got := r.URL.Query().Get("network"); got != "198.51.100.0/24" {
			t.Errorf("network = %q", got)
		}
		_, _ = w.Write([]byte(blockBody))
	})

	got, err := client.Lookup(context.Background(), models.QueryBlock, "198.51.100.0/24")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	p := got.Payload
	if got.Source != EndpointCheckBlock {
		t.Errorf("Source = %q", got.Source)
	}
	if p.AbuseScore != 92 {
		t.Errorf("AbuseScore = %d, want max 92", p.AbuseScore)
	}
	if p.TotalReports != 10 {
		t.Errorf("TotalReports = %d, want sum 10", p.TotalReports)
	}
	if p.ReportedAddresses != 2 || p.NumPossibleHosts != 254 {
		t.Errorf("ReportedAddresses/NumPossibleHosts = %d/%d", p.ReportedAddresses, p.NumPossibleHosts)
	}
	if p.NetworkAddress != "198.51.100.0" || p.Netmask != "255.255.255.0" {
		t.Errorf("network = %s/%s", p.NetworkAddress, p.Netmask)
	}
	wantLast := time.Date(2024, 4, 28, 0, 0, 0, 0, time.UTC)
	if p.LastReportedAt == nil || !p.LastReportedAt.Equal(wantLast) {
		t.Errorf("LastReportedAt = %v, want %v", p.LastReportedAt, wantLast)
	}
}

func TestLookup_Domain(t *testing.T) {
	var gotAddr string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAddr = r.URL.Query().Get("ipAddress")
		_, _ = w.Write([]byte(checkBody))
	}, WithResolver(fakeResolver{addrs: []string{"2001:db8::1", "203.0.113.7"}}))

	got, err := client.Lookup(context.Background(), models.QueryDomain, "example.net")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if gotAddr != "203.0.113.7" {
		t.Errorf("checked address = %q, want the IPv4 address", gotAddr)
	}
	if got.Payload.Subject != "example.net" || got.Payload.ResolvedIP != "203.0.113.7" {
		t.Errorf("Subject/ResolvedIP = %q/%q", got.Payload.Subject, got.Payload.ResolvedIP)
	}
	if got.Payload.QueryType != models.QueryDomain {
		t.Errorf("QueryType = %q", got.Payload.QueryType)
	}
}

func TestLookup_DomainResolveFailure(t *testing.T) {
	var hits int
	client, rec, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
	}, WithResolver(fakeResolver{err: errors.New("no such host")}))

	_, err := client.Lookup(context.Background(), models.QueryDomain, "missing.example")
	if KindOf(err) != KindNotFound {
		t.Fatalf("Lookup() error = %v, want kind %s", err, KindNotFound)
	}
	if hits != 0 {
		t.Errorf("upstream called %d times after resolve failure", hits)
	}
	call := rec.last(t)
	if call.Endpoint != EndpointResolve || call.ErrorKind != string(KindNotFound) {
		t.Errorf("recorded call = %+v", call)
	}
}

func TestPrepare(t *testing.T) {
	var hits int
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
	}, WithResolver(fakeResolver{addrs: []string{"203.0.113.7"}}))
	ctx := context.Background()

	tests := []struct {
		name string
		qt   models.QueryType
		key  string
		want string
	}{
		{"IP", models.QueryIP, "203.0.113.7", "203.0.113.7"},
		{"Block", models.QueryBlock, "198.51.100.0/24", "198.51.100.0/24"},
		{"Domain", models.QueryDomain, "example.net", "203.0.113.7"},
		{"Reports", models.QueryReports, "203.0.113.7@3", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.Prepare(ctx, tt.qt, tt.key)
			if err != nil {
				t.Fatalf("Prepare() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Prepare() = %q, want %q", got, tt.want)
			}
		})
	}
	if hits != 0 {
		t.Errorf("Prepare() sent %d upstream requests, want 0", hits)
	}

	failing, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
	}, WithResolver(fakeResolver{err: errors.New("no such host")}))
	if _, err := failing.Prepare(ctx, models.QueryDomain, "missing.example"); !IsKind(err, KindNotFound) {
		t.Errorf("Prepare() error = %v, want not_found", err)
	}
	if hits != 0 {
		t.Errorf("failed resolution sent %d upstream requests", hits)
	}
}

func TestLookup_Reports(t *testing.T) {
	client, rec, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports" {
			t.Errorf("path = %q, want /reports", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("ipAddress") != "203.0.113.7" || q.Get("page") != "2" || q.Get("maxAgeInDays") != "30" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("X-RateLimit-Remaining", "500")
		_, _ = w.Write([]byte(reportsBody))
	})

	got, err := client.Lookup(context.Background(), models.QueryReports, "203.0.113.7@2")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got.Source != EndpointReports {
		t.Errorf("Source = %q, want %q", got.Source, EndpointReports)
	}
	p := got.Payload
	if p.Subject != "203.0.113.7" || p.QueryType != models.QueryReports {
		t.Errorf("Subject/QueryType = %q/%q", p.Subject, p.QueryType)
	}
	if p.TotalReports != 31 || p.Page != 2 || p.LastPage != 2 {
		t.Errorf("TotalReports/Page/LastPage = %d/%d/%d", p.TotalReports, p.Page, p.LastPage)
	}
	if len(p.Reports) != 2 || p.Reports[0].Comment != "ssh brute force" || p.Reports[1].ReporterCountryCode != "US" {
		t.Errorf("Reports = %+v", p.Reports)
	}
	if fmt.Sprint(p.Categories) != "[14 18 22]" {
		t.Errorf("Categories = %v, want [14 18 22]", p.Categories)
	}
	wantLast := time.Date(2024, 4, 30, 9, 30, 0, 0, time.UTC)
	if p.LastReportedAt == nil || !p.LastReportedAt.Equal(wantLast) {
		t.Errorf("LastReportedAt = %v, want %v", p.LastReportedAt, wantLast)
	}

	call := rec.last(t)
	if call.Endpoint != EndpointReports || call.Subject != "203.0.113.7@2" || call.QueryType != models.QueryReports {
		t.Errorf("recorded call = %+v", call)
	}
}

func TestLookup_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
		detail string
	}{
		{"Unauthorized", 401, `{"errors":[{"detail":"Authentication failed.","status":401}]}`, KindUnauthorized, "Authentication failed."},
		{"Forbidden", 403, `forbidden`, KindUnauthorized, "forbidden"},
		{"NotFound", 404, `{}`, KindNotFound, "{}"},
		{"Unprocessable", 422, `{"errors":[{"detail":"The ip address must be a valid IPv4 or IPv6 address.","status":422}]}`, KindNotFound, "The ip address must be a valid IPv4 or IPv6 address."},
		{"TooManyRequests", 429, `{"errors":[{"detail":"Daily rate limit of 1000 requests exceeded.","status":429}]}`, KindRateLimited, "Daily rate limit of 1000 requests exceeded."},
		{"ServerError", 500, `oops`, KindNetwork, "oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, rec, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("Lookup() error = %v, want *UpstreamError", err)
			}
			if ue.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", ue.Kind, tt.want)
			}
			if ue.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tt.status)
			}
			if ue.Detail != tt.detail {
				t.Errorf("Detail = %q, want %q", ue.Detail, tt.detail)
			}
			call := rec.last(t)
			if call.ResponseStatus != tt.status || call.ErrorKind != string(tt.want) {
				t.Errorf("recorded call = %+v", call)
			}
			if !call.Failed() {
				t.Error("recorded call should be marked failed")
			}
		})
	}
}

func TestLookup_RateLimitedReportsExhaustion(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client, _, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.Header().Set("X-RateLimit-Limit", "1000")
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithClock(func() time.Time { return now }))

	_, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindRateLimited {
		t.Fatalf("Lookup() error = %v, want rate_limited", err)
	}
	if want := now.Add(time.Hour); !ue.RetryAfter.Equal(want) {
		t.Errorf("RetryAfter = %v, want %v", ue.RetryAfter, want)
	}
	if len(obs.seen) != 1 || !obs.seen[0].Exhausted || obs.seen[0].Remaining != 0 {
		t.Errorf("observer saw %+v, want one exhausted report", obs.seen)
	}
}

func TestLookup_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"InvalidJSON", `{"data":`},
		{"MissingData", `{"meta":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
			if KindOf(err) != KindMalformedResponse {
				t.Errorf("Lookup() error = %v, want %s", err, KindMalformedResponse)
			}
		})
	}
}

func TestLookup_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	client := New(cfg)

	_, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
	if KindOf(err) != KindTimeout {
		t.Errorf("Lookup() error = %v, want %s", err, KindTimeout)
	}
}

func TestLookup_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = url
	client := New(cfg)

	_, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7")
	if KindOf(err) != KindNetwork {
		t.Errorf("Lookup() error = %v, want %s", err, KindNetwork)
	}
}

func TestLookup_RecorderFailureIgnored(t *testing.T) {
	client, rec, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(checkBody))
	})
	rec.err = errors.New("disk full")

	if _, err := client.Lookup(context.Background(), models.QueryIP, "203.0.113.7"); err != nil {
		t.Errorf("Lookup() failed because of recorder: %v", err)
	}
}

func TestLookup_UnsupportedType(t *testing.T) {
	client := New(DefaultConfig())
	if _, err := client.Lookup(context.Background(), models.QueryType("asn"), "AS64500"); err == nil {
		t.Error("Lookup() should reject unknown query types")
	}
}

func TestParseRateHeaders(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		headers map[string]string
		status  int
		wantOK  bool
		want    models.UpstreamQuota
	}{
		{
			name:   "NoHeaders",
			status: 200,
		},
		{
			name:    "Remaining",
			headers: map[string]string{"X-RateLimit-Remaining": "42", "X-RateLimit-Limit": "1000", "X-RateLimit-Reset": "1714608000"},
			status:  200,
			wantOK:  true,
			want:    models.UpstreamQuota{Remaining: 42, Limit: 1000, ResetAt: time.Unix(1714608000, 0).UTC()},
		},
		{
			name:    "NegativeRemainingClamped",
			headers: map[string]string{"X-RateLimit-Remaining": "-3"},
			status:  200,
			wantOK:  true,
			want:    models.UpstreamQuota{Remaining: 0},
		},
		{
			name:    "TooManyRequests",
			headers: map[string]string{"Retry-After": "120", "X-RateLimit-Remaining": "5"},
			status:  429,
			wantOK:  true,
			want:    models.UpstreamQuota{Exhausted: true, RetryAfter: 2 * time.Minute},
		},
		{
			name:    "RetryAfterDate",
			headers: map[string]string{"Retry-After": now.Add(time.Hour).Format(http.TimeFormat)},
			status:  429,
			wantOK:  true,
			want:    models.UpstreamQuota{Exhausted: true, RetryAfter: time.Hour},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got, ok := parseRateHeaders(h, tt.status, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("parseRateHeaders() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUpstreamError_Error(t *testing.T) {
	err := &UpstreamError{Kind: KindRateLimited, Endpoint: "check", StatusCode: 429, Detail: "slow down"}
	want := "upstream check: rate_limited (status 429): slow down"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf() on a plain error should be empty")
	}
	wrapped := fmt.Errorf("refresh: %w", err)
	if !IsKind(wrapped, KindRateLimited) || IsKind(wrapped, KindTimeout) {
		t.Error("IsKind() should see through wrapping")
	}
}
