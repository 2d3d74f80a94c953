package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/lifecycle"
	storemock "github.com/kiranshivaraju/upscaler/internal/store/mock"
	"github.com/kiranshivaraju/upscaler/internal/supervisor"
	"github.com/kiranshivaraju/upscaler/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	mu        sync.Mutex
	expired   []uuid.UUID
	recovered []uuid.UUID
	promotes  int
	expireErr error
}

func (f *fakeAdmitter) Expire(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expireErr != nil {
		return f.expireErr
	}
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeAdmitter) RecoverOrphan(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, id)
	return nil
}

func (f *fakeAdmitter) Promote(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promotes++
	return 0, nil
}

func (f *fakeAdmitter) promoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promotes
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		ImageTimeout:      5 * time.Minute,
		VideoTimeout:      10 * time.Minute,
		ReconcileInterval: 10 * time.Millisecond,
		OrphanGrace:       2 * time.Minute,
	}
}

func runningJob(tool models.Tool, startedAgo time.Duration) *models.Job {
	started := now.Add(-startedAgo)
	task := uuid.NewString()
	account := "primary"
	return &models.Job{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		Tool:           tool,
		Status:         models.JobStatusRunning,
		TaskID:         &task,
		APIAccount:     &account,
		CreditCost:     1,
		CreditsCharged: true,
		CreatedAt:      started,
		StartedAt:      &started,
		UpdatedAt:      started,
	}
}

func setupReconciler(t *testing.T) (*supervisor.Reconciler, *storemock.Store, *fakeAdmitter, *supervisor.Supervisor) {
	t.Helper()
	s := storemock.NewStore()
	adm := &fakeAdmitter{}
	sup := supervisor.New(queueConfig(), func(context.Context, uuid.UUID) {})
	t.Cleanup(sup.Shutdown)

	r := supervisor.NewReconciler(lifecycle.NewManager(s, nil), adm, sup, queueConfig())
	r.SetClock(func() time.Time { return now })
	return r, s, adm, sup
}

func TestSweep_ExpiresOverdueRunningJobs(t *testing.T) {
	r, s, adm, _ := setupReconciler(t)

	overdueImage := runningJob(models.ToolImageUpscale, 6*time.Minute)
	freshVideo := runningJob(models.ToolVideoUpscale, 6*time.Minute)
	s.Put(overdueImage)
	s.Put(freshVideo)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, []uuid.UUID{overdueImage.ID}, adm.expired)
}

func TestSweep_RearmsLostTimers(t *testing.T) {
	r, s, _, sup := setupReconciler(t)

	job := runningJob(models.ToolVideoUpscale, 3*time.Minute)
	s.Put(job)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rearmed)
	assert.True(t, sup.Has(job.ID))

	rep, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Rearmed)
}

func TestSweep_RecoversStalePendingJobs(t *testing.T) {
	r, s, adm, _ := setupReconciler(t)

	charged := &models.Job{
		ID: uuid.New(), OwnerID: uuid.New(), Tool: models.ToolImageUpscale,
		Status: models.JobStatusPending, CreditCost: 2, CreditsCharged: true,
		CreatedAt: now.Add(-5 * time.Minute), UpdatedAt: now.Add(-5 * time.Minute),
	}
	recent := &models.Job{
		ID: uuid.New(), OwnerID: uuid.New(), Tool: models.ToolImageUpscale,
		Status: models.JobStatusPending, CreditCost: 2, CreditsCharged: true,
		CreatedAt: now.Add(-30 * time.Second), UpdatedAt: now.Add(-30 * time.Second),
	}
	queuedAt := now.Add(-6 * time.Minute)
	claimed := &models.Job{
		ID: uuid.New(), OwnerID: uuid.New(), Tool: models.ToolImageUpscale,
		Status: models.JobStatusPending, CreditCost: 2, QueuedAt: &queuedAt,
		CreatedAt: now.Add(-7 * time.Minute), UpdatedAt: now.Add(-4 * time.Minute),
	}
	uncharged := &models.Job{
		ID: uuid.New(), OwnerID: uuid.New(), Tool: models.ToolImageUpscale,
		Status: models.JobStatusPending, CreditCost: 2,
		CreatedAt: now.Add(-3 * time.Minute), UpdatedAt: now.Add(-3 * time.Minute),
	}
	s.Put(charged)
	s.Put(recent)
	s.Put(claimed)
	s.Put(uncharged)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Recovered)
	assert.ElementsMatch(t, []uuid.UUID{charged.ID, claimed.ID, uncharged.ID}, adm.recovered)
}

func TestSweep_RenumbersAndPromotes(t *testing.T) {
	r, s, adm, _ := setupReconciler(t)

	pos := 7
	queuedAt := now.Add(-time.Minute)
	s.Put(&models.Job{
		ID: uuid.New(), OwnerID: uuid.New(), Tool: models.ToolImageUpscale,
		Status: models.JobStatusQueued, CreditCost: 1, Position: &pos, QueuedAt: &queuedAt,
		CreatedAt: queuedAt, UpdatedAt: queuedAt,
	})

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Renumbered)
	assert.Equal(t, 1, adm.promoteCount())
}

func TestSweep_SkipsJobsThatFailToExpire(t *testing.T) {
	r, s, adm, _ := setupReconciler(t)
	adm.expireErr = errors.New("db busy")
	s.Put(runningJob(models.ToolImageUpscale, 10*time.Minute))

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Expired)
	assert.Equal(t, 1, adm.promoteCount())
}

func TestStartStop_RunsPeriodically(t *testing.T) {
	r, _, adm, _ := setupReconciler(t)

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return adm.promoteCount() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()

	after := adm.promoteCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, adm.promoteCount())
}
