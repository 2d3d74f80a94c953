// Package supervisor guards running jobs against lost webhooks.
//
// Every dispatched job gets a timer for its tool's horizon. The timer is
// stopped when the job reaches a terminal state early; if it fires, the
// expire callback cancels and refunds the job. Timers live in process memory,
// so Reconciler re-arms them after a restart.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// expireTimeout bounds a single expiry, including the vendor cancel call.
const expireTimeout = 30 * time.Second

// ExpireFunc handles a timer that fired before the job finished.
type ExpireFunc func(ctx context.Context, jobID uuid.UUID)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Supervisor is a registry of outstanding job timers keyed by job id.
type Supervisor struct {
	mu     sync.Mutex
	timers map[uuid.UUID]entry
	gen    uint64
	closed bool

	queue  config.QueueConfig
	expire ExpireFunc
}

func New(queue config.QueueConfig, expire ExpireFunc) *Supervisor {
	return &Supervisor{
		timers: map[uuid.UUID]entry{},
		queue:  queue,
		expire: expire,
	}
}

// Schedule arms the watchdog for a job using its tool's horizon.
func (s *Supervisor) Schedule(jobID uuid.UUID, tool models.Tool) {
	s.ScheduleAfter(jobID, s.queue.TimeoutFor(tool))
}

// ScheduleAfter arms the watchdog to fire after d, replacing any existing
// timer for the job.
func (s *Supervisor) ScheduleAfter(jobID uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.timers[jobID]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[jobID] = entry{
		gen:   gen,
		timer: time.AfterFunc(d, func() { s.fire(jobID, gen) }),
	}
}

// Stop disarms the job's timer. It reports whether a timer was pending.
func (s *Supervisor) Stop(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[jobID]
	if !ok {
		return false
	}
	delete(s.timers, jobID)
	return e.timer.Stop()
}

// Has reports whether a timer is armed for the job.
func (s *Supervisor) Has(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

// Pending is the number of armed timers.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops every timer and refuses new ones. Jobs left running are
// picked up by the reconciler on the next start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Supervisor) fire(jobID uuid.UUID, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[jobID]
	if !ok || e.gen != gen {
		// Replaced or stopped after the timer had already started firing.
		s.mu.Unlock()
		return
	}
	delete(s.timers, jobID)
	s.mu.Unlock()

	slog.Info("job timer fired", "job_id", jobID)

	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	s.expire(ctx, jobID)
}
