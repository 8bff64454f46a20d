// Package settlement implements the bidding-round state machine: every
// operation validates the round against the clock, moves custody funds and
// updates the voucher ledger inside one unit of work.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/metrics"
)

// Emitter receives events after the operation that produced them commits.
// Delivery is best effort.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, domain.Event) {}

// Config holds engine settings.
type Config struct {
	HeirTimeout time.Duration
	// LockTTL bounds how long a crashed writer can hold a round.
	LockTTL time.Duration
	// LockRetry is the pause between attempts on a busy round lock.
	LockRetry      time.Duration
	RoundDeposit   uint64
	VoucherDeposit uint64
}

func (c Config) withDefaults() Config {
	if c.HeirTimeout <= 0 {
		c.HeirTimeout = DefaultHeirTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRetry <= 0 {
		c.LockRetry = 20 * time.Millisecond
	}
	return c
}

// Engine runs settlement operations.
type Engine struct {
	store   domain.Store
	locks   domain.LockManager
	book    *custody.Book
	issuer  *custody.Issuer
	emitter Emitter
	cfg     Config
	logger  *slog.Logger
	nowFn   func() time.Time
	newID   func() string
}

// NewEngine creates an Engine.
func NewEngine(
	store domain.Store,
	locks domain.LockManager,
	book *custody.Book,
	issuer *custody.Issuer,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		locks:   locks,
		book:    book,
		issuer:  issuer,
		emitter: NoopEmitter{},
		cfg:     cfg.withDefaults(),
		logger:  logger,
		nowFn:   time.Now,
		newID:   uuid.NewString,
	}
}

// SetEmitter configures the event sink. Nil restores the no-op sink.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// HeirTimeout returns the configured heir grace period.
func (e *Engine) HeirTimeout() time.Duration { return e.cfg.HeirTimeout }

// ReserveRound allocates a fresh round id and returns the authority address
// that offer and bid allowances for that round must be granted to.
func (e *Engine) ReserveRound() (string, common.Address, error) {
	id := e.newID()
	auth, err := e.authority(id)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("settlement: reserve round: %w", err)
	}
	return id, auth.Address(), nil
}

// AuthorityAddress returns the custody owner of roundID.
func (e *Engine) AuthorityAddress(roundID string) (common.Address, error) {
	auth, err := e.authority(roundID)
	if err != nil {
		return common.Address{}, fmt.Errorf("settlement: authority: %w", err)
	}
	return auth.Address(), nil
}

// Round loads a round without locking it.
func (e *Engine) Round(ctx context.Context, id string) (domain.Round, error) {
	return e.store.GetRound(ctx, id)
}

// Voucher loads a voucher without locking its round.
func (e *Engine) Voucher(ctx context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	return e.store.GetVoucher(ctx, roundID, user)
}

type opFunc func(ctx context.Context, tx domain.Tx, now time.Time) ([]domain.Event, error)

// run executes fn under the round's writer lock inside one unit of work and
// emits the events it returns once the work has committed.
func (e *Engine) run(ctx context.Context, op, roundID string, fn opFunc) error {
	unlock, err := e.acquire(ctx, roundID)
	if err != nil {
		metrics.Settlement().ObserveOperation(op, err)
		return fmt.Errorf("settlement: %s: %w", op, err)
	}
	defer unlock()

	now := e.nowFn().UTC()
	var events []domain.Event
	err = e.store.WithTx(ctx, func(tx domain.Tx) error {
		evs, err := fn(ctx, tx, now)
		if err != nil {
			return err
		}
		events = evs
		return nil
	})
	metrics.Settlement().ObserveOperation(op, err)
	if err != nil {
		e.logger.DebugContext(ctx, "settlement: operation rejected",
			slog.String("op", op),
			slog.String("round_id", roundID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("settlement: %s: %w", op, err)
	}

	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = now
		}
		e.emitter.Emit(ctx, ev)
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context, roundID string) (func(), error) {
	start := time.Now()
	key := "round:" + roundID
	for {
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
		if err == nil {
			metrics.Settlement().ObserveLockWait(time.Since(start))
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, errors.Join(domain.ErrLockHeld, ctx.Err()))
		case <-time.After(e.cfg.LockRetry):
		}
	}
}

func (e *Engine) authority(roundID string) (custody.Authority, error) {
	return e.issuer.For(roundID)
}

// closeVoucher deletes v, refunds its deposit and decrements the round's
// voucher count.
func (e *Engine) closeVoucher(ctx context.Context, tx domain.Tx, r *domain.Round, v domain.Voucher) error {
	if r.VouchersCount == 0 {
		return fmt.Errorf("round %s voucher count underflow: %w", r.ID, domain.ErrArithmeticOverflow)
	}
	if err := tx.DeleteVoucher(ctx, v.RoundID, v.User); err != nil {
		return err
	}
	if err := e.book.RefundDeposit(ctx, tx, v.Payer, v.Deposit); err != nil {
		return err
	}
	r.VouchersCount--
	return nil
}

// refundBid returns a voucher's bid to its user, unwrapping through a
// temporary wallet paid for by payer when the bid asset is wrapped native.
func (e *Engine) refundBid(ctx context.Context, tx domain.Tx, r domain.Round, auth custody.Authority, v domain.Voucher, payer common.Address) error {
	amount := v.Amount()
	if e.book.IsWrappedNative(r.BidAsset) {
		return e.book.Unwrap(ctx, tx, auth, custody.BidWalletID(r.ID), amount, v.User, payer)
	}
	return e.book.Deliver(ctx, tx, auth, custody.BidWalletID(r.ID), v.User, amount)
}
