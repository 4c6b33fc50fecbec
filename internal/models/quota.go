package models

import "time"

// QuotaSpec describes a quota window to initialize.
type QuotaSpec struct {
	Name    string
	Period  time.Duration
	Allowed int
}

// QuotaWindow is the persisted state of one quota window.
type QuotaWindow struct {
	WindowStart       time.Time     `json:"windowStart"`
	WindowEnd         time.Time     `json:"windowEnd"`
	UpstreamCheckedAt *time.Time    `json:"upstreamCheckedAt,omitempty"`
	UpstreamRemaining *int          `json:"upstreamRemaining,omitempty"`
	UpstreamLimit     *int          `json:"upstreamLimit,omitempty"`
	Name              string        `json:"name"`
	Period            time.Duration `json:"period"`
	CallsMade         int           `json:"callsMade"`
	CallsAllowed      int           `json:"callsAllowed"`
}

// Remaining returns the calls left in the window.
func (w QuotaWindow) Remaining() int {
	if r := w.CallsAllowed - w.CallsMade; r > 0 {
		return r
	}
	return 0
}

// UsagePercent returns the consumed share of the window as 0-100.
func (w QuotaWindow) UsagePercent() float64 {
	if w.CallsAllowed <= 0 {
		return 100
	}
	return float64(w.CallsMade) / float64(w.CallsAllowed) * 100
}

// Drift returns local remaining minus the last upstream-reported remaining.
// ok is false when the upstream has not reported yet.
func (w QuotaWindow) Drift() (drift int, ok bool) {
	if w.UpstreamRemaining == nil {
		return 0, false
	}
	return w.Remaining() - *w.UpstreamRemaining, true
}

// QuotaDecision is the outcome of a quota acquire attempt.
type QuotaDecision struct {
	RetryAfter time.Time
	Remaining  int
	Granted    bool
}

// UpstreamQuota is the rate-limit state reported by upstream response headers.
type UpstreamQuota struct {
	ResetAt    time.Time
	RetryAfter time.Duration
	Remaining  int
	Limit      int
	Exhausted  bool
}

// QuotaStatus is an operator view of the current quota window.
type QuotaStatus struct {
	Window QuotaWindow `json:"window"`
	// Drift is local remaining minus the last upstream-reported remaining.
	Drift        *int             `json:"drift,omitempty"`
	Projection   *QuotaProjection `json:"projection,omitempty"`
	UsagePercent float64          `json:"usagePercent"`
	Remaining    int              `json:"remaining"`
	Critical     bool             `json:"critical"`
}

// NewQuotaStatus builds a status from a window. Critical is set once
// remaining falls to the warning threshold.
func NewQuotaStatus(w QuotaWindow, warningThreshold int) QuotaStatus {
	s := QuotaStatus{
		Window:       w,
		Remaining:    w.Remaining(),
		UsagePercent: w.UsagePercent(),
		Critical:     w.Remaining() <= warningThreshold,
	}
	if d, ok := w.Drift(); ok {
		s.Drift = &d
	}
	return s
}

// ProjectionStatus indicates how urgently the quota is running out.
type ProjectionStatus string

const (
	ProjectionSafe     ProjectionStatus = "SAFE"
	ProjectionWarning  ProjectionStatus = "WARNING"
	ProjectionCritical ProjectionStatus = "CRITICAL"
	ProjectionUnknown  ProjectionStatus = "UNKNOWN"
)

// QuotaProjection estimates when the current window runs out at the
// observed pace.
type QuotaProjection struct {
	DepleteAt *time.Time `json:"depleteAt,omitempty"`
	// HoursLeft is nil when there is no pace to project from.
	HoursLeft              *float64         `json:"hoursLeft,omitempty"`
	Status                 ProjectionStatus `json:"status"`
	Confidence             string           `json:"confidence"` // low, medium, high
	Trend                  string           `json:"trend"`
	WindowRate             float64          `json:"windowRate"`     // calls/hour in this window
	HistoricalRate         float64          `json:"historicalRate"` // calls/hour over the history period
	DataPoints             int              `json:"dataPoints"`     // whole hours observed in this window
	WillDepleteBeforeReset bool             `json:"willDepleteBeforeReset"`
}
