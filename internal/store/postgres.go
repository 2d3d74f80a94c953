package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// queueLockKey serializes position assignment. Always taken before any job
// row lock so enqueue, claim and renumber cannot deadlock each other.
const queueLockKey = 7_301_001

const jobColumns = `id, owner_id, tool, status, task_id, api_account, position, queued_at,
	credit_cost, credits_charged, payload_ref, output_ref, error_message,
	created_at, started_at, completed_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, tool, status, credit_cost, payload_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.OwnerID, string(job.Tool), string(job.Status), job.CreditCost, job.PayloadRef,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByTaskID(ctx context.Context, taskID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by task: %w", err)
	}
	return j, nil
}

// TransitionJob locks the row, validates the move against the state machine
// and applies it. With WithRefund the refund happens in the same transaction.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, to models.JobStatus, opts ...JobUpdateOption) (*models.Job, error) {
	params := ApplyJobUpdateOptions(opts...)

	var updated *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := job.Status.ValidateTransition(to); err != nil {
			return err
		}

		if params.Refund && job.CreditsCharged {
			if err := refundTx(ctx, tx, job); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		query := `UPDATE jobs SET status = $2, updated_at = $3`
		args := []any{id, string(to), now}
		argIdx := 4

		if to == models.JobStatusRunning {
			query += fmt.Sprintf(", started_at = $%d", argIdx)
			args = append(args, now)
			argIdx++
		}
		if to.IsTerminal() {
			query += fmt.Sprintf(", completed_at = $%d", argIdx)
			args = append(args, now)
			argIdx++
		}
		if to != models.JobStatusQueued {
			query += ", position = NULL"
		}
		if params.ErrorMessage != nil {
			query += fmt.Sprintf(", error_message = $%d", argIdx)
			args = append(args, *params.ErrorMessage)
			argIdx++
		}
		if params.TaskID != nil {
			query += fmt.Sprintf(", task_id = $%d", argIdx)
			args = append(args, *params.TaskID)
			argIdx++
		}
		if params.APIAccount != nil {
			query += fmt.Sprintf(", api_account = $%d", argIdx)
			args = append(args, *params.APIAccount)
			argIdx++
		}
		if params.OutputRef != nil {
			query += fmt.Sprintf(", output_ref = $%d", argIdx)
			args = append(args, *params.OutputRef)
			argIdx++
		}

		query += " WHERE id = $1 RETURNING " + jobColumns

		updated, err = scanJob(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Queue ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var queued *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}

		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := job.Status.ValidateTransition(models.JobStatusQueued); err != nil {
			return err
		}
		if job.CreditsCharged {
			return fmt.Errorf("%w: charged job cannot be queued", models.ErrInvalidTransition)
		}

		queued, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'queued', queued_at = NOW(), updated_at = NOW(),
			   position = (SELECT COUNT(*) FROM jobs WHERE status = 'queued') + 1
			 WHERE id = $1 RETURNING `+jobColumns, id))
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queued, nil
}

func (s *PostgresStore) ClaimNextQueued(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM jobs WHERE status = 'queued'
			 ORDER BY queued_at, id LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select next queued: %w", err)
		}

		claimed, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'pending', position = NULL, updated_at = NOW()
			 WHERE id = $1 RETURNING `+jobColumns, id))
		if err != nil {
			return fmt.Errorf("claim queued job: %w", err)
		}

		_, err = renumberTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var requeued *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}

		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := job.Status.ValidateTransition(models.JobStatusQueued); err != nil {
			return err
		}
		if job.CreditsCharged || job.QueuedAt == nil {
			return fmt.Errorf("%w: only a claimed, uncharged job can be requeued", models.ErrInvalidTransition)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'queued', updated_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if _, err := renumberTx(ctx, tx); err != nil {
			return err
		}

		requeued, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		if err != nil {
			return fmt.Errorf("reload requeued job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func (s *PostgresStore) RenumberQueue(ctx context.Context) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}
		var err error
		n, err = renumberTx(ctx, tx)
		return err
	})
	return n, err
}

func (s *PostgresStore) CountQueued(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountRunningByAccount(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(api_account, ''), COUNT(*) FROM jobs WHERE status = 'running' GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("count running jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var account string
		var n int
		if err := rows.Scan(&account, &n); err != nil {
			return nil, fmt.Errorf("scan running count: %w", err)
		}
		counts[account] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, filter StaleFilter) ([]*models.Job, error) {
	conditions := []string{"status = $1"}
	args := []any{string(filter.Status)}
	argIdx := 2

	if filter.Status == models.JobStatusRunning {
		conditions = append(conditions, fmt.Sprintf("started_at < $%d", argIdx))
	} else {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIdx))
	}
	args = append(args, filter.Before)
	argIdx++

	if filter.Tool != "" {
		conditions = append(conditions, fmt.Sprintf("tool = $%d", argIdx))
		args = append(args, string(filter.Tool))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Credits ---

// ChargeCredits debits the job's cost from its owner and sets credits_charged.
// Charging an already charged job is a no-op.
func (s *PostgresStore) ChargeCredits(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var charged *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.CreditsCharged {
			charged = job
			return nil
		}
		if job.Status != models.JobStatusPending {
			return fmt.Errorf("%w: charge requires a pending job, got %s", models.ErrInvalidTransition, job.Status)
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`UPDATE credit_balances SET balance = balance - $2, updated_at = NOW()
			 WHERE user_id = $1 AND balance >= $2 RETURNING balance`,
			job.OwnerID, job.CreditCost).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		if err := insertLedger(ctx, tx, job.OwnerID, &job.ID, models.LedgerDebit, job.CreditCost, balance, "job charge"); err != nil {
			return err
		}

		charged, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET credits_charged = TRUE, updated_at = NOW()
			 WHERE id = $1 RETURNING `+jobColumns, jobID))
		if err != nil {
			return fmt.Errorf("mark credits charged: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charged, nil
}

// RefundCredits credits back a charged job and clears the flag. Returns false
// when there was nothing to refund.
func (s *PostgresStore) RefundCredits(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var refunded bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !job.CreditsCharged {
			return nil
		}
		if err := refundTx(ctx, tx, job); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}

func (s *PostgresStore) GrantCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	var balance int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (user_id) DO UPDATE SET
			   balance = credit_balances.balance + EXCLUDED.balance,
			   updated_at = NOW()
			 RETURNING balance`, userID, amount).Scan(&balance)
		if err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		return insertLedger(ctx, tx, userID, nil, models.LedgerGrant, amount, balance, reason)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.JobID != nil {
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", argIdx))
		args = append(args, *filter.JobID)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, job_id, kind, amount, balance_after, reason, created_at
		 FROM credit_ledger %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &kind, &e.Amount, &e.BalanceAfter,
			&e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = models.LedgerKind(kind)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- helpers ---

func lockJob(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

// refundTx credits the owner, appends the ledger entry and clears the flag.
// The caller holds the job row lock.
func refundTx(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	var balance int64
	err := tx.QueryRow(ctx,
		`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   balance = credit_balances.balance + EXCLUDED.balance,
		   updated_at = NOW()
		 RETURNING balance`, job.OwnerID, job.CreditCost).Scan(&balance)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if err := insertLedger(ctx, tx, job.OwnerID, &job.ID, models.LedgerCredit, job.CreditCost, balance, "job refund"); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET credits_charged = FALSE, updated_at = NOW() WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("clear credits charged: %w", err)
	}
	job.CreditsCharged = false
	return nil
}

func insertLedger(ctx context.Context, tx pgx.Tx, userID uuid.UUID, jobID *uuid.UUID, kind models.LedgerKind, amount, balanceAfter int64, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, job_id, kind, amount, balance_after, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New(), userID, jobID, string(kind), amount, balanceAfter, reason)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("ledger %s for job already recorded: %w", kind, ErrDuplicateKey)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func renumberTx(ctx context.Context, tx pgx.Tx) (int, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE jobs j SET position = q.rn
		 FROM (SELECT id, ROW_NUMBER() OVER (ORDER BY queued_at, id) AS rn
		       FROM jobs WHERE status = 'queued') q
		 WHERE j.id = q.id AND j.position IS DISTINCT FROM q.rn`)
	if err != nil {
		return 0, fmt.Errorf("renumber queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var tool, status string
	err := row.Scan(&j.ID, &j.OwnerID, &tool, &status, &j.TaskID, &j.APIAccount, &j.Position,
		&j.QueuedAt, &j.CreditCost, &j.CreditsCharged, &j.PayloadRef, &j.OutputRef,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Tool = models.Tool(tool)
	j.Status, err = models.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
