package postgres

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/domain"
)

func TestListRoundsQuery(t *testing.T) {
	since := time.Unix(100, 0)
	tests := []struct {
		name     string
		status   domain.RoundStatus
		opts     domain.ListOpts
		contains []string
		args     int
	}{
		{name: "no filter", contains: []string{"ORDER BY created_at DESC, id"}},
		{
			name:     "status and paging",
			status:   domain.RoundStatusPending,
			opts:     domain.ListOpts{Limit: 10, Offset: 20},
			contains: []string{"status = $1", "LIMIT $2", "OFFSET $3"},
			args:     3,
		},
		{
			name:     "since without status",
			opts:     domain.ListOpts{Since: &since, Limit: 5},
			contains: []string{"created_at >= $1", "LIMIT $2"},
			args:     2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			query, args := listRoundsQuery(tc.status, tc.opts)
			for _, want := range tc.contains {
				assert.Contains(t, query, want)
			}
			assert.Len(t, args, tc.args)
		})
	}
}

func TestAmountText(t *testing.T) {
	for _, v := range []uint64{0, 1, math.MaxInt64, math.MaxInt64 + 1, math.MaxUint64} {
		got, err := parseAmount(formatAmount(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := parseAmount("18446744073709551616")
	require.Error(t, err)
	_, err = parseAmount("-1")
	require.Error(t, err)

	got, err := parseOptionalAmount(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, formatOptionalAmount(nil))
}

func TestContributionKind(t *testing.T) {
	assert.Equal(t, kindOnLedger, contributionKind(domain.OnLedger(5)))
	assert.Equal(t, kindAttested, contributionKind(domain.Attested(5)))
}

func TestMapWriteErr(t *testing.T) {
	unique := fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "rounds_pkey"})
	assert.ErrorIs(t, mapWriteErr(unique), domain.ErrAlreadyExists)

	check := &pgconn.PgError{Code: pgCheckViolation, ConstraintName: "native_balances_balance_check"}
	assert.ErrorIs(t, mapWriteErr(check), domain.ErrArithmeticOverflow)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapWriteErr(other))
}

func TestNotFoundKeepsContext(t *testing.T) {
	err := notFound("delete voucher", "r1/0xabc")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "postgres: delete voucher r1/0xabc: "+domain.ErrNotFound.Error(), err.Error())
}
