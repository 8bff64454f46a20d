package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/metrics"
)

// CreateParams describes a new round. RoundID comes from ReserveRound so
// the caller can approve the round authority beforehand. Caller owns the
// offer source wallet and pays the storage deposits.
type CreateParams struct {
	RoundID           string
	Caller            common.Address
	Heir              common.Address
	Recipient         common.Address
	BidAsset          string
	OfferSourceWallet string
	TargetBid         uint64
	BiddingStart      time.Time
	BiddingEnd        time.Time
}

// CreateRound escrows the allowance the offer source wallet granted to the
// new round's authority and opens the round as pending.
func (e *Engine) CreateRound(ctx context.Context, p CreateParams) (domain.Round, error) {
	if !p.BiddingStart.Before(p.BiddingEnd) {
		return domain.Round{}, fmt.Errorf("settlement: create round: %w", domain.ErrInvalidWindow)
	}
	if p.TargetBid == 0 {
		return domain.Round{}, fmt.Errorf("settlement: create round: %w", domain.ErrInvalidTarget)
	}
	if p.RoundID == "" || p.BidAsset == "" || p.OfferSourceWallet == "" {
		return domain.Round{}, fmt.Errorf("settlement: create round: round id, bid asset and offer wallet required: %w", domain.ErrInvalidRequest)
	}

	id := p.RoundID
	auth, err := e.authority(id)
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: create round: %w", err)
	}

	var created domain.Round
	err = e.run(ctx, "create_round", id, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		src, err := tx.GetWallet(ctx, p.OfferSourceWallet)
		if err != nil {
			return nil, err
		}
		if src.Owner != p.Caller {
			return nil, fmt.Errorf("offer wallet %s not owned by caller: %w", src.ID, domain.ErrUnauthorized)
		}

		offerWallet := custody.OfferWalletID(id)
		if _, err := e.book.OpenWallet(ctx, tx, offerWallet, auth.Address(), src.Asset, p.Caller); err != nil {
			return nil, err
		}
		if _, err := e.book.OpenWallet(ctx, tx, custody.BidWalletID(id), auth.Address(), p.BidAsset, p.Caller); err != nil {
			return nil, err
		}
		offered, err := e.book.Pull(ctx, tx, auth, src.ID, offerWallet)
		if err != nil {
			return nil, err
		}
		if err := e.book.ChargeDeposit(ctx, tx, p.Caller, e.cfg.RoundDeposit); err != nil {
			return nil, err
		}

		created = domain.Round{
			ID:           id,
			Version:      domain.RoundVersionCurrent,
			Status:       domain.RoundStatusPending,
			BidAsset:     p.BidAsset,
			OfferAsset:   src.Asset,
			Heir:         p.Heir,
			Recipient:    p.Recipient,
			Payer:        p.Caller,
			ReturnWallet: src.ID,
			BiddingStart: p.BiddingStart.UTC(),
			BiddingEnd:   p.BiddingEnd.UTC(),
			CreatedAt:    now,
			UpdatedAt:    now,
			TargetBid:    p.TargetBid,
			Deposit:      e.cfg.RoundDeposit,
		}
		if err := tx.InsertRound(ctx, created); err != nil {
			return nil, err
		}
		return []domain.Event{{
			Type:    domain.EventRoundCreated,
			RoundID: id,
			Actor:   p.Caller.Hex(),
			Amount:  offered,
		}}, nil
	})
	if err != nil {
		return domain.Round{}, err
	}

	e.logger.InfoContext(ctx, "settlement: round created",
		slog.String("round_id", id),
		slog.String("heir", p.Heir.Hex()),
		slog.Uint64("target_bid", p.TargetBid),
	)
	return created, nil
}

// Contribute pulls the allowance source granted to the round authority into
// the bid wallet and credits it to user's voucher. source must be owned by
// user.
func (e *Engine) Contribute(ctx context.Context, roundID string, user common.Address, source string) (domain.Voucher, error) {
	var out domain.Voucher
	err := e.run(ctx, "contribute", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if err := checkContribute(r, now); err != nil {
			return nil, err
		}
		src, err := tx.GetWallet(ctx, source)
		if err != nil {
			return nil, err
		}
		if src.Owner != user {
			return nil, fmt.Errorf("source wallet %s not owned by contributor: %w", src.ID, domain.ErrUnauthorized)
		}
		auth, err := e.authority(r.ID)
		if err != nil {
			return nil, err
		}
		amount, err := e.book.Pull(ctx, tx, auth, source, custody.BidWalletID(r.ID))
		if err != nil {
			return nil, err
		}

		v, err := tx.GetVoucher(ctx, r.ID, user)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := e.book.ChargeDeposit(ctx, tx, user, e.cfg.VoucherDeposit); err != nil {
				return nil, err
			}
			if r.VouchersCount, err = addAmount(r.VouchersCount, 1); err != nil {
				return nil, err
			}
			v = domain.Voucher{
				RoundID:      r.ID,
				User:         user,
				Payer:        user,
				Contribution: domain.OnLedger(amount),
				Deposit:      e.cfg.VoucherDeposit,
				CreatedAt:    now,
			}
		case err != nil:
			return nil, err
		default:
			if v.IsFiat() {
				return nil, fmt.Errorf("voucher for %s is attested: %w", user.Hex(), domain.ErrWrongStatus)
			}
			total, err := addAmount(v.Amount(), amount)
			if err != nil {
				return nil, err
			}
			v.Contribution = domain.OnLedger(total)
		}
		v.UpdatedAt = now
		r.UpdatedAt = now

		if err := tx.PutVoucher(ctx, v); err != nil {
			return nil, err
		}
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		out = v
		return []domain.Event{{
			Type:    domain.EventContributed,
			RoundID: r.ID,
			Actor:   user.Hex(),
			User:    user.Hex(),
			Amount:  amount,
		}}, nil
	})
	return out, err
}

// WithdrawParams names a withdrawal. Consent is true when the user signed
// the request; Caller pays the temporary unwrap deposit if one is needed.
type WithdrawParams struct {
	RoundID string
	User    common.Address
	Caller  common.Address
	Consent bool
}

// Withdraw returns a voucher's bid to its user and closes the voucher.
func (e *Engine) Withdraw(ctx context.Context, p WithdrawParams) (uint64, domain.WithdrawReason, error) {
	var (
		amount uint64
		reason domain.WithdrawReason
	)
	err := e.run(ctx, "withdraw", p.RoundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, p.RoundID)
		if err != nil {
			return nil, err
		}
		if reason, err = checkWithdraw(r, now, e.cfg.HeirTimeout, p.Consent); err != nil {
			return nil, err
		}
		amount, err = e.releaseBid(ctx, tx, &r, p.User, p.Caller, now)
		if err != nil {
			return nil, err
		}
		return []domain.Event{{
			Type:    domain.EventWithdrawn,
			RoundID: r.ID,
			Actor:   p.Caller.Hex(),
			User:    p.User.Hex(),
			Amount:  amount,
			Reason:  reason,
		}}, nil
	})
	if err != nil {
		return 0, "", err
	}
	metrics.Settlement().ObservePayout("withdraw", amount)
	return amount, reason, nil
}

// RejectBid lets the heir refund a single contributor after bidding ends.
func (e *Engine) RejectBid(ctx context.Context, roundID string, caller, user common.Address) (uint64, error) {
	var amount uint64
	err := e.run(ctx, "reject_bid", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if caller != r.Heir {
			return nil, fmt.Errorf("reject bid: caller is not heir: %w", domain.ErrUnauthorized)
		}
		if err := checkHeirWindow(r, now, e.cfg.HeirTimeout, "reject_bid"); err != nil {
			return nil, err
		}
		amount, err = e.releaseBid(ctx, tx, &r, user, caller, now)
		if err != nil {
			return nil, err
		}
		return []domain.Event{{
			Type:    domain.EventWithdrawn,
			RoundID: r.ID,
			Actor:   caller.Hex(),
			User:    user.Hex(),
			Amount:  amount,
			Reason:  domain.WithdrawBidRejected,
		}}, nil
	})
	if err != nil {
		return 0, err
	}
	metrics.Settlement().ObservePayout("reject_bid", amount)
	return amount, nil
}

// releaseBid refunds user's on-ledger voucher and closes it.
func (e *Engine) releaseBid(ctx context.Context, tx domain.Tx, r *domain.Round, user, payer common.Address, now time.Time) (uint64, error) {
	v, err := tx.GetVoucher(ctx, r.ID, user)
	if err != nil {
		return 0, err
	}
	if v.IsFiat() {
		return 0, fmt.Errorf("attested voucher cannot be refunded on ledger: %w", domain.ErrWrongStatus)
	}
	auth, err := e.authority(r.ID)
	if err != nil {
		return 0, err
	}
	if err := e.refundBid(ctx, tx, *r, auth, v, payer); err != nil {
		return 0, err
	}
	if err := e.closeVoucher(ctx, tx, r, v); err != nil {
		return 0, err
	}
	r.UpdatedAt = now
	if err := tx.UpdateRound(ctx, *r); err != nil {
		return 0, err
	}
	return v.Amount(), nil
}

// Accept snapshots the escrowed totals and hands the bid pool to the
// recipient. With a reconciliation authority the round moves to
// reconciliation instead of straight to accepted.
func (e *Engine) Accept(ctx context.Context, roundID string, caller common.Address, reconciler *common.Address) (domain.Round, error) {
	var out domain.Round
	err := e.run(ctx, "accept", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if caller != r.Heir {
			return nil, fmt.Errorf("accept: caller is not heir: %w", domain.ErrUnauthorized)
		}
		if err := checkHeirWindow(r, now, e.cfg.HeirTimeout, "accept"); err != nil {
			return nil, err
		}
		if r.VouchersCount == 0 {
			return nil, domain.ErrZeroPool
		}
		if r.Accepted() {
			return nil, fmt.Errorf("round %s totals already set: %w", r.ID, domain.ErrWrongStatus)
		}

		auth, err := e.authority(r.ID)
		if err != nil {
			return nil, err
		}
		bidWallet, err := tx.GetWallet(ctx, custody.BidWalletID(r.ID))
		if err != nil {
			return nil, err
		}
		offerWallet, err := tx.GetWallet(ctx, custody.OfferWalletID(r.ID))
		if err != nil {
			return nil, err
		}
		totalBid, totalOffer := bidWallet.Balance, offerWallet.Balance

		if e.book.IsWrappedNative(r.BidAsset) {
			if _, err := e.book.CloseWallet(ctx, tx, auth, bidWallet.ID, r.Recipient); err != nil {
				return nil, err
			}
		} else if err := e.book.Deliver(ctx, tx, auth, bidWallet.ID, r.Recipient, totalBid); err != nil {
			return nil, err
		}

		r.TotalBid = &totalBid
		r.TotalOffer = &totalOffer
		if reconciler != nil {
			a := *reconciler
			r.Status = domain.RoundStatusReconciliation
			r.ReconciliationAuthority = &a
		} else {
			r.Status = domain.RoundStatusAccepted
		}
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		out = r
		return []domain.Event{{
			Type:       domain.EventRoundAccepted,
			RoundID:    r.ID,
			Actor:      caller.Hex(),
			TotalBid:   totalBid,
			TotalOffer: totalOffer,
		}}, nil
	})
	if err != nil {
		return domain.Round{}, err
	}
	metrics.Settlement().ObservePayout("accept", *out.TotalBid)
	e.logger.InfoContext(ctx, "settlement: round accepted",
		slog.String("round_id", out.ID),
		slog.String("status", string(out.Status)),
		slog.Uint64("total_bid", *out.TotalBid),
		slog.Uint64("total_offer", *out.TotalOffer),
	)
	return out, nil
}

// Reject returns the whole offer to the round's return wallet.
func (e *Engine) Reject(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	var out domain.Round
	err := e.run(ctx, "reject", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if caller != r.Heir {
			return nil, fmt.Errorf("reject: caller is not heir: %w", domain.ErrUnauthorized)
		}
		if err := checkHeirWindow(r, now, e.cfg.HeirTimeout, "reject"); err != nil {
			return nil, err
		}
		returned, err := e.returnOffer(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		r.Status = domain.RoundStatusRejected
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		out = r
		return []domain.Event{{
			Type:    domain.EventRoundRejected,
			RoundID: r.ID,
			Actor:   caller.Hex(),
			Amount:  returned,
		}}, nil
	})
	if err != nil {
		return domain.Round{}, err
	}
	return out, nil
}

// Redeem pays user's pro-rata share of the offer and closes the voucher.
func (e *Engine) Redeem(ctx context.Context, roundID string, caller, user common.Address) (uint64, error) {
	if caller != user {
		return 0, fmt.Errorf("settlement: redeem: caller is not the voucher owner: %w", domain.ErrUnauthorized)
	}
	var amount uint64
	err := e.run(ctx, "redeem", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if err := checkRedeem(r); err != nil {
			return nil, err
		}
		v, err := tx.GetVoucher(ctx, r.ID, user)
		if err != nil {
			return nil, err
		}
		realized, err := realizedBid(r)
		if err != nil {
			return nil, err
		}
		if r.TargetBid == 0 {
			e.logger.WarnContext(ctx, "settlement: legacy round without target bid, paying against realized pool",
				slog.String("round_id", r.ID),
				slog.Uint64("realized_bid", realized),
			)
		}
		amount, err = RedeemAmount(v.Amount(), r.TargetBid, realized, *r.TotalOffer)
		if err != nil {
			return nil, err
		}

		auth, err := e.authority(r.ID)
		if err != nil {
			return nil, err
		}
		if err := e.book.Deliver(ctx, tx, auth, custody.OfferWalletID(r.ID), user, amount); err != nil {
			return nil, err
		}
		if err := e.closeVoucher(ctx, tx, &r, v); err != nil {
			return nil, err
		}
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		return []domain.Event{{
			Type:    domain.EventRedeemed,
			RoundID: r.ID,
			Actor:   user.Hex(),
			User:    user.Hex(),
			Amount:  amount,
		}}, nil
	})
	if err != nil {
		return 0, err
	}
	metrics.Settlement().ObservePayout("redeem", amount)
	return amount, nil
}

// Cancel unwinds a round before bidding starts and returns the final
// snapshot of the deleted record.
func (e *Engine) Cancel(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	var out domain.Round
	err := e.run(ctx, "cancel", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if caller != r.Heir {
			return nil, fmt.Errorf("cancel: caller is not heir: %w", domain.ErrUnauthorized)
		}
		if err := checkCancel(r, now); err != nil {
			return nil, err
		}
		returned, err := e.dissolve(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		r.UpdatedAt = now
		out = r
		return []domain.Event{{
			Type:    domain.EventRoundCancelled,
			RoundID: r.ID,
			Actor:   caller.Hex(),
			Amount:  returned,
		}}, nil
	})
	return out, err
}

// Close retires a drained round and returns the final snapshot of the
// deleted record. Anyone may close.
func (e *Engine) Close(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	var out domain.Round
	err := e.run(ctx, "close", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if err := checkClose(r, now, e.cfg.HeirTimeout); err != nil {
			return nil, err
		}
		returned, err := e.dissolve(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		r.UpdatedAt = now
		out = r
		return []domain.Event{{
			Type:    domain.EventRoundClosed,
			RoundID: r.ID,
			Actor:   caller.Hex(),
			Amount:  returned,
		}}, nil
	})
	return out, err
}

// Migrate upgrades a round record to the current schema. Running it on a
// current record changes nothing.
func (e *Engine) Migrate(ctx context.Context, roundID string) (domain.Round, bool, error) {
	var (
		out     domain.Round
		changed bool
	)
	err := e.run(ctx, "migrate", roundID, func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error) {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		out = r
		if r.ReturnWallet == "" {
			wallet, err := e.book.EnsureAssociated(ctx, tx, r.Heir, r.OfferAsset)
			if err != nil {
				return nil, err
			}
			r.ReturnWallet = wallet
			changed = true
		}
		if r.Version < domain.RoundVersionCurrent {
			r.Version = domain.RoundVersionCurrent
			changed = true
		}
		if !changed {
			return nil, nil
		}
		r.UpdatedAt = now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return nil, err
		}
		out = r
		return []domain.Event{{Type: domain.EventRoundMigrated, RoundID: r.ID}}, nil
	})
	if err != nil {
		return domain.Round{}, false, err
	}
	return out, changed, nil
}

func (e *Engine) returnOffer(ctx context.Context, tx domain.Tx, r domain.Round) (uint64, error) {
	if r.ReturnWallet == "" {
		return 0, fmt.Errorf("round %s has no return wallet, migrate it first: %w", r.ID, domain.ErrInvalidRequest)
	}
	auth, err := e.authority(r.ID)
	if err != nil {
		return 0, err
	}
	offer, err := tx.GetWallet(ctx, custody.OfferWalletID(r.ID))
	if err != nil {
		return 0, err
	}
	if err := e.book.Push(ctx, tx, auth, offer.ID, r.ReturnWallet, offer.Balance); err != nil {
		return 0, err
	}
	return offer.Balance, nil
}

// dissolve returns the residual offer, closes the custody wallets that
// still exist and deletes the round, refunding every deposit to its payer.
func (e *Engine) dissolve(ctx context.Context, tx domain.Tx, r domain.Round) (uint64, error) {
	returned, err := e.returnOffer(ctx, tx, r)
	if err != nil {
		return 0, err
	}
	auth, err := e.authority(r.ID)
	if err != nil {
		return 0, err
	}
	for _, id := range []string{custody.OfferWalletID(r.ID), custody.BidWalletID(r.ID)} {
		if _, err := tx.GetWallet(ctx, id); errors.Is(err, domain.ErrNotFound) {
			continue
		} else if err != nil {
			return 0, err
		}
		if _, err := e.book.CloseWallet(ctx, tx, auth, id, r.Payer); err != nil {
			return 0, err
		}
	}
	if err := tx.DeleteRound(ctx, r.ID); err != nil {
		return 0, err
	}
	if err := e.book.RefundDeposit(ctx, tx, r.Payer, r.Deposit); err != nil {
		return 0, err
	}
	return returned, nil
}
