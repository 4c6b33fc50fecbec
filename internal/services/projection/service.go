// Package projection estimates when the upstream quota runs out.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
)

const (
	historyPeriod    = 7 * 24 * time.Hour
	lowConfThreshold = 6
	medConfThreshold = 24
)

// CallCounter counts logged upstream calls.
type CallCounter interface {
	CountAPICalls(ctx context.Context, since time.Time, endpoints ...string) (int, error)
}

// Service projects quota depletion from the current window and call history.
type Service struct {
	counter   CallCounter
	log       *slog.Logger
	endpoints []string
}

// New creates a projection service. endpoints are the upstream endpoints
// that consume quota.
func New(counter CallCounter, endpoints ...string) *Service {
	return &Service{
		counter:   counter,
		endpoints: endpoints,
		log:       logger.Component("projection"),
	}
}

// Project returns the projection for a window at now.
func (s *Service) Project(ctx context.Context, w models.QuotaWindow, now time.Time) (*models.QuotaProjection, error) {
	calls, err := s.counter.CountAPICalls(ctx, now.Add(-historyPeriod), s.endpoints...)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent calls: %w", err)
	}
	historicalRate := float64(calls) / historyPeriod.Hours()

	p := Calculate(w, historicalRate, now)
	s.log.Debug("quota projected",
		"status", p.Status,
		"window_rate", p.WindowRate,
		"historical_rate", historicalRate,
	)
	return p, nil
}

// Calculate projects a window at now. The pace observed in the window is
// preferred; historicalRate is used until the window has calls.
func Calculate(w models.QuotaWindow, historicalRate float64, now time.Time) *models.QuotaProjection {
	elapsed := now.Sub(w.WindowStart)
	p := &models.QuotaProjection{
		Status:         models.ProjectionUnknown,
		HistoricalRate: historicalRate,
		DataPoints:     max(int(elapsed.Hours()), 0),
	}
	p.Confidence = confidence(p.DataPoints)

	if elapsed >= time.Minute {
		p.WindowRate = float64(w.CallsMade) / elapsed.Hours()
	}
	p.Trend = trend(p.WindowRate, historicalRate)

	remaining := w.Remaining()
	if remaining == 0 {
		zero := 0.0
		p.HoursLeft = &zero
		p.DepleteAt = &now
		p.WillDepleteBeforeReset = true
		p.Status = models.ProjectionCritical
		return p
	}

	rate := p.WindowRate
	if rate <= 0 {
		rate = historicalRate
	}
	if rate <= 0 {
		return p
	}

	hoursLeft := float64(remaining) / rate
	depleteAt := now.Add(time.Duration(hoursLeft * float64(time.Hour)))
	p.HoursLeft = &hoursLeft
	p.DepleteAt = &depleteAt
	p.WillDepleteBeforeReset = depleteAt.Before(w.WindowEnd)

	switch {
	case !p.WillDepleteBeforeReset:
		p.Status = models.ProjectionSafe
	case hoursLeft < 1:
		p.Status = models.ProjectionCritical
	default:
		p.Status = models.ProjectionWarning
	}
	return p
}

func confidence(dataPoints int) string {
	switch {
	case dataPoints < lowConfThreshold:
		return "low"
	case dataPoints < medConfThreshold:
		return "medium"
	default:
		return "high"
	}
}

func trend(current, historical float64) string {
	if historical <= 0 {
		return "building history"
	}
	diff := (current - historical) / historical * 100
	switch {
	case math.Abs(diff) < 15:
		return "typical"
	case diff > 0:
		return "above average"
	default:
		return "below average"
	}
}
