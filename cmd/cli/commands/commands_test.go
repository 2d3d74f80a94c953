package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/store"
	storemock "github.com/kiranshivaraju/upscaler/internal/store/mock"
	"github.com/kiranshivaraju/upscaler/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockOpener(s *storemock.Store) StoreOpener {
	return func(context.Context) (store.Store, func(), error) {
		return s, func() {}, nil
	}
}

func execute(t *testing.T, open StoreOpener, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCreditsGrantAndBalance(t *testing.T) {
	s := storemock.NewStore()
	user := uuid.New()

	out, err := execute(t, mockOpener(s), "credits", "grant", "--user", user.String(), "--amount", "25")
	require.NoError(t, err)

	var granted map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &granted))
	assert.Equal(t, float64(25), granted["balance"])

	out, err = execute(t, mockOpener(s), "credits", "balance", "-u", user.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"balance": 25`)
}

func TestCreditsGrant_Validation(t *testing.T) {
	s := storemock.NewStore()

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing user", args: []string{"credits", "grant", "--amount", "5"}},
		{name: "bad user", args: []string{"credits", "grant", "--user", "bob", "--amount", "5"}},
		{name: "zero amount", args: []string{"credits", "grant", "--user", uuid.NewString(), "--amount", "0"}},
		{name: "missing amount", args: []string{"credits", "grant", "--user", uuid.NewString()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, mockOpener(s), tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCreditsLedger(t *testing.T) {
	s := storemock.NewStore()
	user := uuid.New()
	ctx := context.Background()
	_, err := s.GrantCredits(ctx, user, 10, "signup bonus")
	require.NoError(t, err)
	_, err = s.GrantCredits(ctx, user, 5, "promo")
	require.NoError(t, err)

	out, err := execute(t, mockOpener(s), "credits", "ledger", "--user", user.String(), "--limit", "1")
	require.NoError(t, err)

	var entries []models.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "promo", entries[0].Reason)
	assert.Equal(t, int64(15), entries[0].BalanceAfter)
}

func TestQueueStatusAndRenumber(t *testing.T) {
	s := storemock.NewStore()
	now := time.Now().UTC()
	account := "primary"
	s.Put(&models.Job{ID: uuid.New(), Status: models.JobStatusRunning, APIAccount: &account, CreatedAt: now, UpdatedAt: now})

	pos := 4
	s.Put(&models.Job{ID: uuid.New(), Status: models.JobStatusQueued, Position: &pos, QueuedAt: &now, CreatedAt: now, UpdatedAt: now})

	out, err := execute(t, mockOpener(s), "queue", "status")
	require.NoError(t, err)
	var status struct {
		Running map[string]int `json:"running"`
		Queued  int            `json:"queued"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, map[string]int{"primary": 1}, status.Running)
	assert.Equal(t, 1, status.Queued)

	out, err = execute(t, mockOpener(s), "queue", "renumber")
	require.NoError(t, err)
	assert.Contains(t, out, `"renumbered": 1`)
}

func TestStoreOpenErrorIsReturned(t *testing.T) {
	failing := func(context.Context) (store.Store, func(), error) {
		return nil, nil, errors.New("connect database: refused")
	}

	_, err := execute(t, failing, "queue", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, mockOpener(storemock.NewStore()), "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrateDown_RejectsZeroSteps(t *testing.T) {
	_, err := execute(t, mockOpener(storemock.NewStore()), "migrate", "down", "--steps", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}
