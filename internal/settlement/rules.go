package settlement

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// DefaultHeirTimeout is how long after bidding ends the heir may still
// accept or reject before contributors can force withdrawals.
const DefaultHeirTimeout = 7 * 24 * time.Hour

func wrongStatus(r domain.Round, op string) error {
	return fmt.Errorf("%s on %s round %s: %w", op, r.Status, r.ID, domain.ErrWrongStatus)
}

func checkContribute(r domain.Round, now time.Time) error {
	if r.Status != domain.RoundStatusPending {
		return wrongStatus(r, "contribute")
	}
	if now.Before(r.BiddingStart) {
		return domain.ErrNotYetOpen
	}
	if now.After(r.BiddingEnd) {
		return domain.ErrWindowClosed
	}
	return nil
}

// checkHeirWindow guards accept, reject and reject_bid: the round must be
// pending, bidding must be over and the heir deadline not yet passed.
func checkHeirWindow(r domain.Round, now time.Time, timeout time.Duration, op string) error {
	if r.Status != domain.RoundStatusPending {
		return wrongStatus(r, op)
	}
	if !now.After(r.BiddingEnd) {
		return domain.ErrStillBidding
	}
	if now.After(r.HeirDeadline(timeout)) {
		return domain.ErrHeirTimedOut
	}
	return nil
}

func checkWithdraw(r domain.Round, now time.Time, timeout time.Duration, consent bool) (domain.WithdrawReason, error) {
	switch r.Status {
	case domain.RoundStatusRejected:
		return domain.WithdrawRoundRejected, nil
	case domain.RoundStatusPending:
		if now.Before(r.BiddingStart) {
			return "", domain.ErrNotYetOpen
		}
		if consent {
			return domain.WithdrawUserInitiated, nil
		}
		if now.After(r.HeirDeadline(timeout)) {
			return domain.WithdrawHeirTimeout, nil
		}
		return "", domain.ErrMissingConsent
	default:
		return "", wrongStatus(r, "withdraw")
	}
}

func checkRedeem(r domain.Round) error {
	if r.Status != domain.RoundStatusAccepted {
		return wrongStatus(r, "redeem")
	}
	if !r.Accepted() {
		return fmt.Errorf("round %s accepted without totals: %w", r.ID, domain.ErrWrongStatus)
	}
	return nil
}

func checkReconciling(r domain.Round, op string) error {
	if r.Status != domain.RoundStatusReconciliation || r.ReconciliationAuthority == nil {
		return wrongStatus(r, op)
	}
	return nil
}

func checkCancel(r domain.Round, now time.Time) error {
	if r.VouchersCount > 0 {
		return domain.ErrNonEmptyPool
	}
	if r.Status != domain.RoundStatusPending {
		return wrongStatus(r, "cancel")
	}
	if now.After(r.BiddingStart) {
		return domain.ErrBiddingStarted
	}
	return nil
}

func checkClose(r domain.Round, now time.Time, timeout time.Duration) error {
	if r.VouchersCount > 0 {
		return domain.ErrNonEmptyPool
	}
	switch r.Status {
	case domain.RoundStatusAccepted, domain.RoundStatusRejected:
		return nil
	case domain.RoundStatusPending:
		if now.After(r.HeirDeadline(timeout)) {
			return nil
		}
		return fmt.Errorf("pending round %s before heir deadline: %w", r.ID, domain.ErrNonEmptyPool)
	default:
		return wrongStatus(r, "close")
	}
}
