package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/settlement"
)

// archiveTimeout bounds the snapshot upload that follows close and cancel.
const archiveTimeout = 30 * time.Second

// RoundService is the application boundary over the settlement engine. It
// serves reads from the round cache, keeps the cache coherent with writes,
// and archives rounds that leave the system.
type RoundService struct {
	engine   *settlement.Engine
	store    domain.Store
	cache    domain.RoundCache
	archiver domain.Archiver
	logger   *slog.Logger
}

// NewRoundService creates a RoundService. cache and archiver are optional.
func NewRoundService(
	engine *settlement.Engine,
	store domain.Store,
	cache domain.RoundCache,
	archiver domain.Archiver,
	logger *slog.Logger,
) *RoundService {
	return &RoundService{
		engine:   engine,
		store:    store,
		cache:    cache,
		archiver: archiver,
		logger:   logger,
	}
}

// HeirTimeout returns the configured heir grace period.
func (s *RoundService) HeirTimeout() time.Duration {
	return s.engine.HeirTimeout()
}

// Reserve allocates a round id and returns the authority address that must
// receive the offer allowance before CreateRound.
func (s *RoundService) Reserve() (string, common.Address, error) {
	return s.engine.ReserveRound()
}

// Authority returns the custody authority address of a round.
func (s *RoundService) Authority(roundID string) (common.Address, error) {
	return s.engine.AuthorityAddress(roundID)
}

// GetRound returns a round, from cache when possible.
func (s *RoundService) GetRound(ctx context.Context, id string) (domain.Round, error) {
	if s.cache != nil {
		r, err := s.cache.Get(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "round_service: cache read failed",
				slog.String("round_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	r, err := s.engine.Round(ctx, id)
	if err != nil {
		return domain.Round{}, err
	}
	s.remember(ctx, r)
	return r, nil
}

// ListRounds pages through rounds, newest first.
func (s *RoundService) ListRounds(ctx context.Context, status domain.RoundStatus, opts domain.ListOpts) ([]domain.Round, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("round_service: unknown status %q: %w", status, domain.ErrInvalidRequest)
	}
	return s.store.ListRounds(ctx, status, opts)
}

// GetVoucher returns user's open voucher in a round.
func (s *RoundService) GetVoucher(ctx context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	return s.engine.Voucher(ctx, roundID, user)
}

// ListVouchers returns the open vouchers of a round.
func (s *RoundService) ListVouchers(ctx context.Context, roundID string) ([]domain.Voucher, error) {
	return s.store.ListVouchers(ctx, roundID)
}

// CreateRound opens a round.
func (s *RoundService) CreateRound(ctx context.Context, p settlement.CreateParams) (domain.Round, error) {
	r, err := s.engine.CreateRound(ctx, p)
	if err != nil {
		return domain.Round{}, err
	}
	s.remember(ctx, r)
	return r, nil
}

// Contribute adds the allowance of source to user's bid.
func (s *RoundService) Contribute(ctx context.Context, roundID string, user common.Address, source string) (domain.Voucher, error) {
	v, err := s.engine.Contribute(ctx, roundID, user, source)
	s.forget(ctx, roundID, err)
	return v, err
}

// RecordOffchain records an attested contribution for user on behalf of the
// reconciliation authority.
func (s *RoundService) RecordOffchain(ctx context.Context, roundID string, caller, user common.Address, amount uint64) (bool, error) {
	rc, err := s.engine.Reconciling(ctx, roundID, caller)
	if err != nil {
		return false, err
	}
	recorded, err := rc.Record(ctx, user, amount)
	s.forget(ctx, roundID, err)
	return recorded, err
}

// FinishReconciliation makes a reconciled round redeemable.
func (s *RoundService) FinishReconciliation(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	rc, err := s.engine.Reconciling(ctx, roundID, caller)
	if err != nil {
		return domain.Round{}, err
	}
	r, err := rc.Finish(ctx)
	if err != nil {
		return domain.Round{}, err
	}
	s.remember(ctx, r)
	return r, nil
}

// Withdraw returns user's bid.
func (s *RoundService) Withdraw(ctx context.Context, p settlement.WithdrawParams) (uint64, domain.WithdrawReason, error) {
	amount, reason, err := s.engine.Withdraw(ctx, p)
	s.forget(ctx, p.RoundID, err)
	return amount, reason, err
}

// RejectBid lets the heir refuse one contributor.
func (s *RoundService) RejectBid(ctx context.Context, roundID string, caller, user common.Address) (uint64, error) {
	amount, err := s.engine.RejectBid(ctx, roundID, caller, user)
	s.forget(ctx, roundID, err)
	return amount, err
}

// Accept settles the pool to the recipient.
func (s *RoundService) Accept(ctx context.Context, roundID string, caller common.Address, reconciler *common.Address) (domain.Round, error) {
	r, err := s.engine.Accept(ctx, roundID, caller, reconciler)
	if err != nil {
		return domain.Round{}, err
	}
	s.remember(ctx, r)
	return r, nil
}

// Reject returns the offer and opens withdrawals.
func (s *RoundService) Reject(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	r, err := s.engine.Reject(ctx, roundID, caller)
	if err != nil {
		return domain.Round{}, err
	}
	s.remember(ctx, r)
	return r, nil
}

// Redeem pays user's share of the offer. Only the user may redeem.
func (s *RoundService) Redeem(ctx context.Context, roundID string, caller, user common.Address) (uint64, error) {
	amount, err := s.engine.Redeem(ctx, roundID, caller, user)
	s.forget(ctx, roundID, err)
	return amount, err
}

// Cancel withdraws a round before bidding starts.
func (s *RoundService) Cancel(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	r, err := s.engine.Cancel(ctx, roundID, caller)
	if err != nil {
		return domain.Round{}, err
	}
	s.retire(ctx, r, domain.EventRoundCancelled)
	return r, nil
}

// Close dissolves an empty round.
func (s *RoundService) Close(ctx context.Context, roundID string, caller common.Address) (domain.Round, error) {
	r, err := s.engine.Close(ctx, roundID, caller)
	if err != nil {
		return domain.Round{}, err
	}
	s.retire(ctx, r, domain.EventRoundClosed)
	return r, nil
}

// Migrate upgrades a round record to the current schema.
func (s *RoundService) Migrate(ctx context.Context, roundID string) (domain.Round, bool, error) {
	r, changed, err := s.engine.Migrate(ctx, roundID)
	if err != nil {
		return domain.Round{}, false, err
	}
	if changed {
		s.remember(ctx, r)
	}
	return r, changed, nil
}

// MigrateAll walks every round and migrates the ones still on an older
// schema. It returns how many records changed. Rounds that fail are logged
// and skipped so one bad record does not stall the sweep.
func (s *RoundService) MigrateAll(ctx context.Context, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 200
	}
	migrated := 0
	for offset := 0; ; offset += pageSize {
		rounds, err := s.store.ListRounds(ctx, "", domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return migrated, fmt.Errorf("round_service: migrate sweep: %w", err)
		}
		for _, r := range rounds {
			if r.Version >= domain.RoundVersionCurrent && r.ReturnWallet != "" {
				continue
			}
			if _, changed, err := s.Migrate(ctx, r.ID); err != nil {
				s.logger.WarnContext(ctx, "round_service: migrate failed",
					slog.String("round_id", r.ID),
					slog.String("error", err.Error()),
				)
			} else if changed {
				migrated++
			}
		}
		if len(rounds) < pageSize {
			return migrated, nil
		}
	}
}

func (s *RoundService) remember(ctx context.Context, r domain.Round) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "round_service: cache write failed",
			slog.String("round_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

// forget drops the cached round after a write that does not return the new
// snapshot. Failed operations leave the round untouched.
func (s *RoundService) forget(ctx context.Context, roundID string, opErr error) {
	if s.cache == nil || opErr != nil {
		return
	}
	if err := s.cache.Invalidate(ctx, roundID); err != nil {
		s.logger.WarnContext(ctx, "round_service: cache invalidate failed",
			slog.String("round_id", roundID),
			slog.String("error", err.Error()),
		)
	}
}

// retire evicts a dissolved round and uploads its final snapshot.
func (s *RoundService) retire(ctx context.Context, r domain.Round, outcome domain.EventType) {
	s.forget(ctx, r.ID, nil)
	if s.archiver == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	ev := domain.Event{Type: outcome, RoundID: r.ID, At: r.UpdatedAt}
	if err := s.archiver.ArchiveRound(actx, r, ev); err != nil {
		s.logger.ErrorContext(ctx, "round_service: archive failed",
			slog.String("round_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
