// Package mock provides an in-memory store.Store with the same transition and
// credit semantics as the Postgres implementation. It backs unit tests for
// the admission, webhook and supervisor packages.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Store satisfies store.Store for testing. The zero value is not usable; call
// NewStore.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	balances map[uuid.UUID]int64
	ledger   []*models.LedgerEntry
	now      func() time.Time

	// enqueueSeq breaks queued_at ties in insertion order.
	enqueueSeq map[uuid.UUID]uint64
	seq        uint64

	// PingErr, when set, is returned from Ping.
	PingErr error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		jobs:     map[uuid.UUID]*models.Job{},
		balances: map[uuid.UUID]int64{},
		now:      func() time.Time { return time.Now().UTC() },

		enqueueSeq: map[uuid.UUID]uint64{},
	}
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) GetJobByTaskID(_ context.Context, taskID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.TaskID != nil && *j.TaskID == taskID {
			return clone(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) TransitionJob(_ context.Context, id uuid.UUID, to models.JobStatus, opts ...store.JobUpdateOption) (*models.Job, error) {
	params := store.ApplyJobUpdateOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := j.Status.ValidateTransition(to); err != nil {
		return nil, err
	}
	if params.TaskID != nil {
		for _, other := range s.jobs {
			if other.ID != id && other.TaskID != nil && *other.TaskID == *params.TaskID {
				return nil, store.ErrDuplicateKey
			}
		}
	}

	if params.Refund && j.CreditsCharged {
		s.refundLocked(j)
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusRunning {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	if to != models.JobStatusQueued {
		j.Position = nil
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = ptr(*params.ErrorMessage)
	}
	if params.TaskID != nil {
		j.TaskID = ptr(*params.TaskID)
	}
	if params.APIAccount != nil {
		j.APIAccount = ptr(*params.APIAccount)
	}
	if params.OutputRef != nil {
		j.OutputRef = ptr(*params.OutputRef)
	}
	return clone(j), nil
}

func (s *Store) EnqueueJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := j.Status.ValidateTransition(models.JobStatusQueued); err != nil {
		return nil, err
	}
	if j.CreditsCharged {
		return nil, models.ErrInvalidTransition
	}

	pos := len(s.queuedLocked()) + 1
	now := s.now()
	s.seq++
	s.enqueueSeq[id] = s.seq
	j.Status = models.JobStatusQueued
	j.QueuedAt = &now
	j.Position = &pos
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *Store) ClaimNextQueued(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.queuedLocked()
	if len(queued) == 0 {
		return nil, store.ErrNotFound
	}
	j := queued[0]
	j.Status = models.JobStatusPending
	j.Position = nil
	j.UpdatedAt = s.now()
	s.renumberLocked()
	return clone(j), nil
}

func (s *Store) RequeueJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := j.Status.ValidateTransition(models.JobStatusQueued); err != nil {
		return nil, err
	}
	if j.CreditsCharged || j.QueuedAt == nil {
		return nil, models.ErrInvalidTransition
	}

	j.Status = models.JobStatusQueued
	j.UpdatedAt = s.now()
	s.renumberLocked()
	return clone(j), nil
}

func (s *Store) RenumberQueue(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renumberLocked(), nil
}

func (s *Store) CountQueued(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queuedLocked()), nil
}

func (s *Store) CountRunningByAccount(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{}
	for _, j := range s.jobs {
		if j.Status != models.JobStatusRunning {
			continue
		}
		account := ""
		if j.APIAccount != nil {
			account = *j.APIAccount
		}
		counts[account]++
	}
	return counts, nil
}

func (s *Store) ListStaleJobs(_ context.Context, filter store.StaleFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != filter.Status {
			continue
		}
		if filter.Tool != "" && j.Tool != filter.Tool {
			continue
		}
		ref := j.UpdatedAt
		if filter.Status == models.JobStatusRunning {
			if j.StartedAt == nil {
				continue
			}
			ref = *j.StartedAt
		}
		if !ref.Before(filter.Before) {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ChargeCredits(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.CreditsCharged {
		return clone(j), nil
	}
	if j.Status != models.JobStatusPending {
		return nil, models.ErrInvalidTransition
	}
	if s.balances[j.OwnerID] < j.CreditCost {
		return nil, models.ErrInsufficientCredits
	}

	s.balances[j.OwnerID] -= j.CreditCost
	s.appendLocked(j.OwnerID, &j.ID, models.LedgerDebit, j.CreditCost, "job charge")
	j.CreditsCharged = true
	j.UpdatedAt = s.now()
	return clone(j), nil
}

func (s *Store) RefundCredits(_ context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !j.CreditsCharged {
		return false, nil
	}
	s.refundLocked(j)
	return true, nil
}

func (s *Store) GrantCredits(_ context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] += amount
	s.appendLocked(userID, nil, models.LedgerGrant, amount, reason)
	return s.balances[userID], nil
}

func (s *Store) GetBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter store.LedgerFilter) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		if filter.UserID != nil && e.UserID != *filter.UserID {
			continue
		}
		if filter.JobID != nil && (e.JobID == nil || *e.JobID != *filter.JobID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put inserts or replaces a job as-is, bypassing the state machine. Used to
// seed fixtures such as already-running jobs.
func (s *Store) Put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
}

func (s *Store) refundLocked(j *models.Job) {
	s.balances[j.OwnerID] += j.CreditCost
	s.appendLocked(j.OwnerID, &j.ID, models.LedgerCredit, j.CreditCost, "job refund")
	j.CreditsCharged = false
	j.UpdatedAt = s.now()
}

func (s *Store) appendLocked(userID uuid.UUID, jobID *uuid.UUID, kind models.LedgerKind, amount int64, reason string) {
	var jid *uuid.UUID
	if jobID != nil {
		id := *jobID
		jid = &id
	}
	s.ledger = append(s.ledger, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		JobID:        jid,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: s.balances[userID],
		Reason:       reason,
		CreatedAt:    s.now(),
	})
}

func (s *Store) queuedLocked() []*models.Job {
	var queued []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		qa, qb := queued[a].QueuedAt, queued[b].QueuedAt
		if !qa.Equal(*qb) {
			return qa.Before(*qb)
		}
		return s.enqueueSeq[queued[a].ID] < s.enqueueSeq[queued[b].ID]
	})
	return queued
}

func (s *Store) renumberLocked() int {
	changed := 0
	for i, j := range s.queuedLocked() {
		pos := i + 1
		if j.Position == nil || *j.Position != pos {
			j.Position = &pos
			changed++
		}
	}
	return changed
}

func clone(j *models.Job) *models.Job {
	cp := *j
	cp.TaskID = copyPtr(j.TaskID)
	cp.APIAccount = copyPtr(j.APIAccount)
	cp.Position = copyPtr(j.Position)
	cp.QueuedAt = copyPtr(j.QueuedAt)
	cp.OutputRef = copyPtr(j.OutputRef)
	cp.ErrorMessage = copyPtr(j.ErrorMessage)
	cp.StartedAt = copyPtr(j.StartedAt)
	cp.CompletedAt = copyPtr(j.CompletedAt)
	return &cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }

var _ store.Store = (*Store)(nil)
