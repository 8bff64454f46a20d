package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// Reconciling is the handle through which the reconciliation authority
// records attested contributions. It can only be obtained for a round in
// reconciliation, by that round's authority.
type Reconciling struct {
	engine    *Engine
	roundID   string
	authority common.Address
}

// Reconciling returns the reconciliation handle for roundID.
func (e *Engine) Reconciling(ctx context.Context, roundID string, caller common.Address) (*Reconciling, error) {
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("settlement: reconciling: %w", err)
	}
	if err := checkAuthority(r, caller, "reconcile"); err != nil {
		return nil, fmt.Errorf("settlement: reconciling: %w", err)
	}
	return &Reconciling{engine: e, roundID: roundID, authority: caller}, nil
}

func checkAuthority(r domain.Round, caller common.Address, op string) error {
	if err := checkReconciling(r, op); err != nil {
		return err
	}
	if *r.ReconciliationAuthority != caller {
		return fmt.Errorf("%s: caller is not the reconciliation authority: %w", op, domain.ErrUnauthorized)
	}
	return nil
}

// RoundID returns the round the handle is bound to.
func (rc *Reconciling) RoundID() string { return rc.roundID }

// Record registers an attested contribution for user. A user who already
// holds a voucher keeps it unchanged and Record reports false.
func (rc *Reconciling) Record(ctx context.Context, user common.Address, amount uint64) (bool, error) {
	e := rc.engine
	if amount == 0 {
		return false, fmt.Errorf("settlement: record offchain: zero amount: %w", domain.ErrInvalidRequest)
	}
	recorded := false
	err := e.run(ctx, "record_offchain", rc.roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, rc.roundID)
		if err != nil {
			return nil, err
		}
		if err := checkAuthority(r, rc.authority, "record_offchain"); err != nil {
			return nil, err
		}

		if _, err := tx.GetVoucher(ctx, r.ID, user); err == nil {
			e.logger.InfoContext(ctx, "settlement: offchain contribution already recorded",
				slog.String("round_id", r.ID),
				slog.String("user", user.Hex()),
			)
			return nil, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		if err := e.book.ChargeDeposit(ctx, tx, rc.authority, e.cfg.VoucherDeposit); err != nil {
			return nil, err
		}
		if r.VouchersCount, err = addAmount(r.VouchersCount, 1); err != nil {
			return nil, err
		}
		if r.AttestedBid, err = addAmount(r.AttestedBid, amount); err != nil {
			return nil, err
		}
		v := domain.Voucher{
			RoundID:      r.ID,
			User:         user,
			Payer:        rc.authority,
			Contribution: domain.Attested(amount),
			Deposit:      e.cfg.VoucherDeposit,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.PutVoucher(ctx, v); err != nil {
			return nil, err
		}
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		recorded = true
		return []domain.Event{{
			Type:    domain.EventOffchainRecorded,
			RoundID: r.ID,
			Actor:   rc.authority.Hex(),
			User:    user.Hex(),
			Amount:  amount,
		}}, nil
	})
	return recorded, err
}

// Finish ends reconciliation and makes the round redeemable.
func (rc *Reconciling) Finish(ctx context.Context) (domain.Round, error) {
	e := rc.engine
	var out domain.Round
	err := e.run(ctx, "finish_reconciliation", rc.roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, rc.roundID)
		if err != nil {
			return nil, err
		}
		if err := checkAuthority(r, rc.authority, "finish_reconciliation"); err != nil {
			return nil, err
		}
		r.Status = domain.RoundStatusAccepted
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		out = r
		return []domain.Event{{
			Type:    domain.EventReconciliationFinished,
			RoundID: r.ID,
			Actor:   rc.authority.Hex(),
			Amount:  r.AttestedBid,
		}}, nil
	})
	return out, err
}
