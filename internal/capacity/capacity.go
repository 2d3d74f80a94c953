// Package capacity answers whether any vendor account has a free slot.
//
// Counts are read from the jobs table on every call and never cached, so the
// answer is advisory: two admissions racing on the last slot may both see it
// free. The vendor enforces the hard limit.
package capacity

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Counter is the slice of store.Store the registry reads from.
type Counter interface {
	CountRunningByAccount(ctx context.Context) (map[string]int, error)
	CountQueued(ctx context.Context) (int, error)
}

// Registry holds the configured accounts in declaration order.
type Registry struct {
	counter  Counter
	accounts []models.Account
	byName   map[string]models.Account
}

func NewRegistry(counter Counter, accounts []models.Account) *Registry {
	byName := make(map[string]models.Account, len(accounts))
	for _, a := range accounts {
		byName[a.Name] = a
	}
	return &Registry{counter: counter, accounts: accounts, byName: byName}
}

// Account looks up a configured account by name.
func (r *Registry) Account(name string) (models.Account, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// MaxConcurrent is the sum of all account ceilings.
func (r *Registry) MaxConcurrent() int {
	total := 0
	for _, a := range r.accounts {
		total += a.Ceiling
	}
	return total
}

// CheckAvailability picks the first account, in configuration order, whose
// running count is below its ceiling.
func (r *Registry) CheckAvailability(ctx context.Context) (models.Availability, error) {
	counts, err := r.counter.CountRunningByAccount(ctx)
	if err != nil {
		return models.Availability{}, fmt.Errorf("count running jobs: %w", err)
	}

	avail := models.Availability{Accounts: make([]models.AccountLoad, 0, len(r.accounts))}
	for _, n := range counts {
		avail.RunningCount += n
	}
	for _, a := range r.accounts {
		running := counts[a.Name]
		avail.Accounts = append(avail.Accounts, models.AccountLoad{
			Name:    a.Name,
			Running: running,
			Ceiling: a.Ceiling,
		})
		if !avail.Available && running < a.Ceiling {
			avail.Available = true
			avail.Account = a.Name
		}
	}
	return avail, nil
}

// Queued returns how many jobs are waiting in the queue.
func (r *Registry) Queued(ctx context.Context) (int, error) {
	n, err := r.counter.CountQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// Snapshot returns the totals served by the queue-status endpoint.
func (r *Registry) Snapshot(ctx context.Context) (models.QueueStatus, error) {
	avail, err := r.CheckAvailability(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}
	queued, err := r.Queued(ctx)
	if err != nil {
		return models.QueueStatus{}, err
	}
	return models.QueueStatus{
		Running:       avail.RunningCount,
		Queued:        queued,
		MaxConcurrent: r.MaxConcurrent(),
		Available:     avail.Available,
	}, nil
}
