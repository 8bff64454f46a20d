package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/domain"
)

func testRound(status domain.RoundStatus) domain.Round {
	return domain.Round{
		ID:           "r",
		Status:       status,
		BiddingStart: time.Unix(biddingStart, 0),
		BiddingEnd:   time.Unix(biddingEnd, 0),
	}
}

func TestCheckContribute(t *testing.T) {
	r := testRound(domain.RoundStatusPending)
	cases := []struct {
		now  int64
		want error
	}{
		{biddingStart - 1, domain.ErrNotYetOpen},
		{biddingStart, nil},
		{1500, nil},
		{biddingEnd, nil},
		{biddingEnd + 1, domain.ErrWindowClosed},
	}
	for _, tc := range cases {
		err := checkContribute(r, time.Unix(tc.now, 0))
		if tc.want == nil {
			assert.NoError(t, err, "now=%d", tc.now)
		} else {
			assert.ErrorIs(t, err, tc.want, "now=%d", tc.now)
		}
	}

	for _, s := range []domain.RoundStatus{domain.RoundStatusAccepted, domain.RoundStatusRejected, domain.RoundStatusReconciliation} {
		require.ErrorIs(t, checkContribute(testRound(s), time.Unix(1500, 0)), domain.ErrWrongStatus)
	}
}

func TestCheckHeirWindow(t *testing.T) {
	timeout := heirTimeout * time.Second
	r := testRound(domain.RoundStatusPending)
	cases := []struct {
		now  int64
		want error
	}{
		{1500, domain.ErrStillBidding},
		{biddingEnd, domain.ErrStillBidding},
		{biddingEnd + 1, nil},
		{biddingEnd + heirTimeout, nil},
		{biddingEnd + heirTimeout + 1, domain.ErrHeirTimedOut},
	}
	for _, tc := range cases {
		err := checkHeirWindow(r, time.Unix(tc.now, 0), timeout, "accept")
		if tc.want == nil {
			assert.NoError(t, err, "now=%d", tc.now)
		} else {
			assert.ErrorIs(t, err, tc.want, "now=%d", tc.now)
		}
	}
	require.ErrorIs(t, checkHeirWindow(testRound(domain.RoundStatusRejected), time.Unix(2500, 0), timeout, "accept"), domain.ErrWrongStatus)
}

func TestCheckWithdraw(t *testing.T) {
	timeout := heirTimeout * time.Second
	pending := testRound(domain.RoundStatusPending)

	_, err := checkWithdraw(pending, time.Unix(biddingStart-1, 0), timeout, true)
	require.ErrorIs(t, err, domain.ErrNotYetOpen)

	reason, err := checkWithdraw(pending, time.Unix(1500, 0), timeout, true)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawUserInitiated, reason)

	_, err = checkWithdraw(pending, time.Unix(1500, 0), timeout, false)
	require.ErrorIs(t, err, domain.ErrMissingConsent)

	_, err = checkWithdraw(pending, time.Unix(2001, 0), timeout, false)
	require.ErrorIs(t, err, domain.ErrMissingConsent)

	reason, err = checkWithdraw(pending, time.Unix(2_000_000, 0), timeout, false)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawHeirTimeout, reason)

	// Accepted and reconciling rounds never release bids; rejected rounds
	// always do.
	for now := int64(0); now < 3_000_000; now += 99_991 {
		for _, consent := range []bool{true, false} {
			at := time.Unix(now, 0)
			_, err := checkWithdraw(testRound(domain.RoundStatusAccepted), at, timeout, consent)
			assert.ErrorIs(t, err, domain.ErrWrongStatus)
			_, err = checkWithdraw(testRound(domain.RoundStatusReconciliation), at, timeout, consent)
			assert.ErrorIs(t, err, domain.ErrWrongStatus)

			reason, err := checkWithdraw(testRound(domain.RoundStatusRejected), at, timeout, consent)
			assert.NoError(t, err)
			assert.Equal(t, domain.WithdrawRoundRejected, reason)
		}
	}
}

func TestCheckCancel(t *testing.T) {
	r := testRound(domain.RoundStatusPending)
	require.NoError(t, checkCancel(r, time.Unix(biddingStart, 0)))
	require.ErrorIs(t, checkCancel(r, time.Unix(biddingStart+1, 0)), domain.ErrBiddingStarted)

	r.VouchersCount = 1
	for _, now := range []int64{0, biddingStart, biddingEnd, 2_000_000} {
		require.ErrorIs(t, checkCancel(r, time.Unix(now, 0)), domain.ErrNonEmptyPool)
	}
}

func TestCheckClose(t *testing.T) {
	timeout := heirTimeout * time.Second
	at := time.Unix(biddingEnd+1, 0)

	require.NoError(t, checkClose(testRound(domain.RoundStatusAccepted), at, timeout))
	require.NoError(t, checkClose(testRound(domain.RoundStatusRejected), at, timeout))
	require.ErrorIs(t, checkClose(testRound(domain.RoundStatusPending), at, timeout), domain.ErrNonEmptyPool)
	require.NoError(t, checkClose(testRound(domain.RoundStatusPending), time.Unix(biddingEnd+heirTimeout+1, 0), timeout))
	require.ErrorIs(t, checkClose(testRound(domain.RoundStatusReconciliation), at, timeout), domain.ErrWrongStatus)

	busy := testRound(domain.RoundStatusAccepted)
	busy.VouchersCount = 3
	require.ErrorIs(t, checkClose(busy, at, timeout), domain.ErrNonEmptyPool)
}

func TestCheckRedeem(t *testing.T) {
	require.ErrorIs(t, checkRedeem(testRound(domain.RoundStatusPending)), domain.ErrWrongStatus)
	require.ErrorIs(t, checkRedeem(testRound(domain.RoundStatusAccepted)), domain.ErrWrongStatus)

	r := testRound(domain.RoundStatusAccepted)
	bid, offer := uint64(10), uint64(5)
	r.TotalBid, r.TotalOffer = &bid, &offer
	require.NoError(t, checkRedeem(r))
}
