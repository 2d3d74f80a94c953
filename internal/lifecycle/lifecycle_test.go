package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	cachemock "github.com/kiranshivaraju/upscaler/internal/cache/mock"
	"github.com/kiranshivaraju/upscaler/internal/lifecycle"
	"github.com/kiranshivaraju/upscaler/internal/store"
	storemock "github.com/kiranshivaraju/upscaler/internal/store/mock"
	"github.com/kiranshivaraju/upscaler/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*lifecycle.Manager, *storemock.Store, *cachemock.Cache) {
	t.Helper()
	s := storemock.NewStore()
	c := cachemock.NewCache()
	return lifecycle.NewManager(s, c), s, c
}

func newJob(owner uuid.UUID, cost int64) *models.Job {
	return &models.Job{
		ID:         uuid.New(),
		OwnerID:    owner,
		Tool:       models.ToolImageUpscale,
		CreditCost: cost,
		PayloadRef: "s3://in/image.png",
	}
}

func ledgerKinds(t *testing.T, s *storemock.Store, jobID uuid.UUID) map[models.LedgerKind]int {
	t.Helper()
	entries, err := s.ListLedgerEntries(context.Background(), store.LedgerFilter{JobID: &jobID})
	require.NoError(t, err)
	kinds := map[models.LedgerKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	return kinds
}

func TestCreate_ForcesPendingAndMirrors(t *testing.T) {
	m, _, c := setup(t)
	ctx := context.Background()

	j := newJob(uuid.New(), 5)
	j.Status = models.JobStatusCompleted
	j.CreditsCharged = true

	got, err := m.Create(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.False(t, got.CreditsCharged)
	assert.False(t, got.CreatedAt.IsZero())

	status, ok := m.CachedStatus(ctx, j.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusPending, status)
	assert.True(t, c.Has(cache.JobStatusKey(j.ID)))
}

func TestCreate_Duplicate(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	j := newJob(uuid.New(), 5)
	_, err := m.Create(ctx, j)
	require.NoError(t, err)

	dup := *j
	_, err = m.Create(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestCharge_ThenStartRunning(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, err := s.GrantCredits(ctx, owner, 10, "test")
	require.NoError(t, err)

	j, err := m.Create(ctx, newJob(owner, 4))
	require.NoError(t, err)

	charged, err := m.Charge(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, charged.CreditsCharged)
	assert.Equal(t, models.JobStatusPending, charged.Status)

	running, err := m.StartRunning(ctx, j.ID, "task-1", "primary")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)
	require.NotNil(t, running.TaskID)
	assert.Equal(t, "task-1", *running.TaskID)
	require.NotNil(t, running.StartedAt)

	bal, err := s.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal)
	assert.Equal(t, map[models.LedgerKind]int{models.LedgerDebit: 1}, ledgerKinds(t, s, j.ID))
}

func TestCharge_InsufficientCreditsFailsJob(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, err := s.GrantCredits(ctx, owner, 3, "test")
	require.NoError(t, err)

	j, err := m.Create(ctx, newJob(owner, 4))
	require.NoError(t, err)

	failed, err := m.Charge(ctx, j.ID)
	require.ErrorIs(t, err, models.ErrInsufficientCredits)
	require.NotNil(t, failed)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "Insufficient credits", *failed.ErrorMessage)
	assert.False(t, failed.CreditsCharged)

	bal, _ := s.GetBalance(ctx, owner)
	assert.Equal(t, int64(3), bal)
	assert.Empty(t, ledgerKinds(t, s, j.ID))
}

func TestFail_RefundsExactlyOnce(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, _ = s.GrantCredits(ctx, owner, 10, "test")

	j, _ := m.Create(ctx, newJob(owner, 4))
	_, err := m.Charge(ctx, j.ID)
	require.NoError(t, err)
	_, err = m.StartRunning(ctx, j.ID, "task-1", "primary")
	require.NoError(t, err)

	failed, err := m.Fail(ctx, j.ID, "vendor exploded")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.False(t, failed.CreditsCharged)

	refunded, err := m.Refund(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, refunded)

	_, err = m.Fail(ctx, j.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	bal, _ := s.GetBalance(ctx, owner)
	assert.Equal(t, int64(10), bal)
	assert.Equal(t, map[models.LedgerKind]int{models.LedgerDebit: 1, models.LedgerCredit: 1}, ledgerKinds(t, s, j.ID))
}

func TestComplete_KeepsCharge(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, _ = s.GrantCredits(ctx, owner, 10, "test")

	j, _ := m.Create(ctx, newJob(owner, 4))
	_, _ = m.Charge(ctx, j.ID)
	_, _ = m.StartRunning(ctx, j.ID, "task-1", "primary")

	done, err := m.Complete(ctx, j.ID, "s3://out/image.png")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.NotNil(t, done.OutputRef)
	assert.Equal(t, "s3://out/image.png", *done.OutputRef)
	assert.NotNil(t, done.CompletedAt)
	assert.True(t, done.CreditsCharged)

	_, err = m.Cancel(ctx, j.ID, lifecycle.ReasonTimeout)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	bal, _ := s.GetBalance(ctx, owner)
	assert.Equal(t, int64(6), bal)
}

func TestCancel_QueuedJobRenumbersQueue(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		j, err := m.Create(ctx, newJob(uuid.New(), 1))
		require.NoError(t, err)
		q, err := m.Enqueue(ctx, j.ID)
		require.NoError(t, err)
		require.NotNil(t, q.Position)
		assert.Equal(t, i+1, *q.Position)
		ids = append(ids, j.ID)
	}

	cancelled, err := m.Cancel(ctx, ids[0], lifecycle.ReasonUserCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.Position)

	second, _ := m.Get(ctx, ids[1])
	third, _ := m.Get(ctx, ids[2])
	assert.Equal(t, 1, *second.Position)
	assert.Equal(t, 2, *third.Position)
}

func TestCancel_RunningJobRefunds(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, _ = s.GrantCredits(ctx, owner, 10, "test")

	j, _ := m.Create(ctx, newJob(owner, 7))
	_, _ = m.Charge(ctx, j.ID)
	_, _ = m.StartRunning(ctx, j.ID, "task-1", "primary")

	cancelled, err := m.Cancel(ctx, j.ID, lifecycle.ReasonTimeout)
	require.NoError(t, err)
	require.NotNil(t, cancelled.ErrorMessage)
	assert.Equal(t, "timeout", *cancelled.ErrorMessage)

	bal, _ := s.GetBalance(ctx, owner)
	assert.Equal(t, int64(10), bal)
}

func TestCancel_NotFound(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimNext_FIFO(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	first, _ := m.Create(ctx, newJob(uuid.New(), 1))
	second, _ := m.Create(ctx, newJob(uuid.New(), 1))
	_, _ = m.Enqueue(ctx, first.ID)
	_, _ = m.Enqueue(ctx, second.ID)

	claimed, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.JobStatusPending, claimed.Status)

	rest, _ := m.Get(ctx, second.ID)
	assert.Equal(t, 1, *rest.Position)

	_, _ = m.ClaimNext(ctx)
	_, err = m.ClaimNext(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequeue_RestoresHeadOfQueue(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	first, _ := m.Create(ctx, newJob(uuid.New(), 1))
	second, _ := m.Create(ctx, newJob(uuid.New(), 1))
	_, _ = m.Enqueue(ctx, first.ID)
	_, _ = m.Enqueue(ctx, second.ID)

	claimed, err := m.ClaimNext(ctx)
	require.NoError(t, err)

	requeued, err := m.Requeue(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, requeued.Status)
	assert.Equal(t, 1, *requeued.Position)

	status, ok := m.CachedStatus(ctx, first.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, status)

	rest, _ := m.Get(ctx, second.ID)
	assert.Equal(t, 2, *rest.Position)

	again, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestRequeue_RejectsChargedJob(t *testing.T) {
	m, s, _ := setup(t)
	ctx := context.Background()
	owner := uuid.New()
	_, err := s.GrantCredits(ctx, owner, 10, "test")
	require.NoError(t, err)

	j, _ := m.Create(ctx, newJob(owner, 1))
	_, _ = m.Enqueue(ctx, j.ID)
	_, err = m.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = m.Charge(ctx, j.ID)
	require.NoError(t, err)

	_, err = m.Requeue(ctx, j.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestMirror_LateWriteKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	c := cachemock.NewCache()
	owner := uuid.New()

	// Two writers share the cache. The fast one has already completed the
	// job; the slow one is still recording the vendor's acceptance.
	fast, slow := storemock.NewStore(), storemock.NewStore()
	for _, s := range []*storemock.Store{fast, slow} {
		_, err := s.GrantCredits(ctx, owner, 10, "test")
		require.NoError(t, err)
	}
	j := newJob(owner, 2)
	fastMgr := lifecycle.NewManager(fast, c)
	slowMgr := lifecycle.NewManager(slow, c)

	_, err := fastMgr.Create(ctx, j)
	require.NoError(t, err)
	dup := *j
	_, err = slowMgr.Create(ctx, &dup)
	require.NoError(t, err)
	for _, m := range []*lifecycle.Manager{fastMgr, slowMgr} {
		_, err = m.Charge(ctx, j.ID)
		require.NoError(t, err)
	}

	_, err = fastMgr.StartRunning(ctx, j.ID, "task-1", "primary")
	require.NoError(t, err)
	_, err = fastMgr.Complete(ctx, j.ID, "s3://out/a.png")
	require.NoError(t, err)

	_, err = slowMgr.StartRunning(ctx, j.ID, "task-1", "primary")
	require.NoError(t, err)

	status, ok := fastMgr.CachedStatus(ctx, j.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func TestMirror_InvalidatesQueueStatus(t *testing.T) {
	m, _, c := setup(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, cache.QueueStatusKey(), []byte(`{}`), 0))

	j, _ := m.Create(ctx, newJob(uuid.New(), 1))
	assert.False(t, c.Has(cache.QueueStatusKey()))

	require.NoError(t, c.Set(ctx, cache.QueueStatusKey(), []byte(`{}`), 0))
	_, _ = m.Enqueue(ctx, j.ID)
	assert.False(t, c.Has(cache.QueueStatusKey()))
}

func TestCacheFailuresAreIgnored(t *testing.T) {
	s := storemock.NewStore()
	m := lifecycle.NewManager(s, cachemock.NewFailingCache(errors.New("redis down")))
	ctx := context.Background()

	j, err := m.Create(ctx, newJob(uuid.New(), 1))
	require.NoError(t, err)

	_, ok := m.CachedStatus(ctx, j.ID)
	assert.False(t, ok)
}

func TestNilCache(t *testing.T) {
	m := lifecycle.NewManager(storemock.NewStore(), nil)
	ctx := context.Background()

	j, err := m.Create(ctx, newJob(uuid.New(), 1))
	require.NoError(t, err)
	_, ok := m.CachedStatus(ctx, j.ID)
	assert.False(t, ok)
}
