// ABOUTME: Spend quota checks over daily, weekly, and monthly windows
// ABOUTME: A window is exceeded once recorded cost reaches the project's limit

package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// Window names reported in QuotaStatus
const (
	WindowDaily           = "daily"
	WindowWeekly          = "weekly"
	WindowMonthly         = "monthly"
	WindowProjectNotFound = "project_not_found"
)

// QuotaStatus is the outcome of a quota check
type QuotaStatus struct {
	Allowed         bool
	ExceededWindows []string
	Costs           map[string]float64
	Limits          map[string]float64
}

// Store is the persistence the guard reads from
type Store interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	CostSince(ctx context.Context, projectID string, since time.Time) (float64, error)
}

// Guard checks project spend against configured limits
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard creates a Guard
func NewGuard(s Store) *Guard {
	return &Guard{store: s, now: time.Now}
}

type window struct {
	name  string
	span  time.Duration
	limit func(p *store.Project) float64
}

var windows = []window{
	{WindowDaily, 24 * time.Hour, func(p *store.Project) float64 { return p.CostLimitDaily }},
	{WindowWeekly, 7 * 24 * time.Hour, func(p *store.Project) float64 { return p.CostLimitWeekly }},
	{WindowMonthly, 30 * 24 * time.Hour, func(p *store.Project) float64 { return p.CostLimitMonthly }},
}

// CheckQuota reports whether the project may start another turn. Zero limits are unlimited.
// An unknown project is not allowed and reports the project_not_found window.
func (g *Guard) CheckQuota(ctx context.Context, projectID string) (*QuotaStatus, error) {
	p, err := g.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return &QuotaStatus{
			ExceededWindows: []string{WindowProjectNotFound},
			Costs:           map[string]float64{},
			Limits:          map[string]float64{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	status := &QuotaStatus{
		Allowed: true,
		Costs:   make(map[string]float64, len(windows)),
		Limits:  make(map[string]float64, len(windows)),
	}

	now := g.now()
	for _, w := range windows {
		cost, err := g.store.CostSince(ctx, projectID, now.Add(-w.span))
		if err != nil {
			return nil, fmt.Errorf("summing %s cost: %w", w.name, err)
		}
		limit := w.limit(p)
		status.Costs[w.name] = cost
		status.Limits[w.name] = limit

		if limit > 0 && cost >= limit {
			status.Allowed = false
			status.ExceededWindows = append(status.ExceededWindows, w.name)
		}
	}

	return status, nil
}
