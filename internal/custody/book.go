package custody

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// Config holds ledger-wide custody settings.
type Config struct {
	// WrappedNative is the asset id whose wallets unwrap into native
	// balances when closed. Empty disables the wrapped-native path.
	WrappedNative string
	// WalletDeposit is charged to the payer of every wallet opened by the
	// book and refunded when the wallet closes.
	WalletDeposit uint64
}

// Book moves assets between wallets inside a unit of work. It holds no
// state of its own; every read and write goes through the LedgerTx it is
// handed.
type Book struct {
	cfg   Config
	nowFn func() time.Time
}

// NewBook creates a Book.
func NewBook(cfg Config) *Book {
	return &Book{cfg: cfg, nowFn: time.Now}
}

// SetNowFunc overrides the clock used to stamp new wallets.
func (b *Book) SetNowFunc(now func() time.Time) {
	if now != nil {
		b.nowFn = now
	}
}

// IsWrappedNative reports whether asset takes the unwrap path.
func (b *Book) IsWrappedNative(asset string) bool {
	return b.cfg.WrappedNative != "" && asset == b.cfg.WrappedNative
}

// OpenWallet creates an empty wallet and charges its deposit to payer.
func (b *Book) OpenWallet(ctx context.Context, tx domain.LedgerTx, id string, owner common.Address, asset string, payer common.Address) (domain.Wallet, error) {
	if _, err := tx.GetWallet(ctx, id); err == nil {
		return domain.Wallet{}, fmt.Errorf("custody: open wallet %s: %w", id, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("custody: open wallet %s: %w", id, err)
	}
	if err := b.ChargeDeposit(ctx, tx, payer, b.cfg.WalletDeposit); err != nil {
		return domain.Wallet{}, fmt.Errorf("custody: open wallet %s: %w", id, err)
	}
	w := domain.Wallet{
		ID:           id,
		Owner:        owner,
		Asset:        asset,
		Deposit:      b.cfg.WalletDeposit,
		DepositPayer: payer,
		CreatedAt:    b.nowFn().UTC(),
	}
	if err := tx.InsertWallet(ctx, w); err != nil {
		return domain.Wallet{}, fmt.Errorf("custody: open wallet %s: %w", id, err)
	}
	return w, nil
}

// Approve grants delegate the right to pull exactly amount from walletID.
// Only the wallet owner may approve; a new grant replaces the previous one.
func (b *Book) Approve(ctx context.Context, tx domain.LedgerTx, owner common.Address, walletID string, delegate common.Address, amount uint64) error {
	w, err := tx.GetWallet(ctx, walletID)
	if err != nil {
		return fmt.Errorf("custody: approve: %w", err)
	}
	if w.Owner != owner {
		return fmt.Errorf("custody: approve: %s does not own %s: %w", owner.Hex(), walletID, domain.ErrUnauthorized)
	}
	return tx.SetAllowance(ctx, domain.Allowance{WalletID: walletID, Delegate: delegate, Amount: amount})
}

// Credit adds amount to walletID. It is the ledger's funding entry point.
func (b *Book) Credit(ctx context.Context, tx domain.LedgerTx, walletID string, amount uint64) error {
	w, err := tx.GetWallet(ctx, walletID)
	if err != nil {
		return fmt.Errorf("custody: credit: %w", err)
	}
	if w.Balance, err = add(w.Balance, amount); err != nil {
		return fmt.Errorf("custody: credit %s: %w", walletID, err)
	}
	return tx.UpdateWallet(ctx, w)
}

// Pull moves the full allowance that from granted to auth into to, and
// consumes the allowance. A missing or zero allowance is
// domain.ErrNoDelegatedAmount.
func (b *Book) Pull(ctx context.Context, tx domain.LedgerTx, auth Authority, from, to string) (uint64, error) {
	if !auth.valid() {
		return 0, fmt.Errorf("custody: pull: %w", domain.ErrUnauthorized)
	}
	amount, err := tx.Allowance(ctx, from, auth.Address())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("custody: pull: %w", err)
	}
	if amount == 0 {
		return 0, fmt.Errorf("custody: pull from %s: %w", from, domain.ErrNoDelegatedAmount)
	}
	if err := b.move(ctx, tx, from, to, amount); err != nil {
		return 0, fmt.Errorf("custody: pull: %w", err)
	}
	if err := tx.SetAllowance(ctx, domain.Allowance{WalletID: from, Delegate: auth.Address()}); err != nil {
		return 0, fmt.Errorf("custody: pull: %w", err)
	}
	return amount, nil
}

// Push transfers amount out of a wallet owned by auth.
func (b *Book) Push(ctx context.Context, tx domain.LedgerTx, auth Authority, from, to string, amount uint64) error {
	if err := b.requireOwner(ctx, tx, auth, from); err != nil {
		return fmt.Errorf("custody: push: %w", err)
	}
	if amount == 0 {
		return nil
	}
	if err := b.move(ctx, tx, from, to, amount); err != nil {
		return fmt.Errorf("custody: push: %w", err)
	}
	return nil
}

// EnsureAssociated returns owner's associated wallet for asset, opening it
// without a deposit when it does not exist yet.
func (b *Book) EnsureAssociated(ctx context.Context, tx domain.LedgerTx, owner common.Address, asset string) (string, error) {
	id := AssociatedWallet(owner, asset)
	_, err := tx.GetWallet(ctx, id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("custody: associated wallet: %w", err)
	}
	w := domain.Wallet{ID: id, Owner: owner, Asset: asset, CreatedAt: b.nowFn().UTC()}
	if err := tx.InsertWallet(ctx, w); err != nil {
		return "", fmt.Errorf("custody: associated wallet: %w", err)
	}
	return id, nil
}

// Deliver pushes amount to owner's associated wallet for the source asset.
func (b *Book) Deliver(ctx context.Context, tx domain.LedgerTx, auth Authority, from string, owner common.Address, amount uint64) error {
	src, err := tx.GetWallet(ctx, from)
	if err != nil {
		return fmt.Errorf("custody: deliver: %w", err)
	}
	to, err := b.EnsureAssociated(ctx, tx, owner, src.Asset)
	if err != nil {
		return err
	}
	return b.Push(ctx, tx, auth, from, to, amount)
}

// CloseWallet deletes a wallet owned by auth and refunds its deposit to the
// payer recorded at open. A wrapped-native wallet's balance is credited to
// nativeTo as native balance; any other wallet must be empty.
func (b *Book) CloseWallet(ctx context.Context, tx domain.LedgerTx, auth Authority, id string, nativeTo common.Address) (uint64, error) {
	if err := b.requireOwner(ctx, tx, auth, id); err != nil {
		return 0, fmt.Errorf("custody: close wallet: %w", err)
	}
	w, err := tx.GetWallet(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("custody: close wallet: %w", err)
	}
	released := w.Balance
	if released > 0 {
		if !b.IsWrappedNative(w.Asset) {
			return 0, fmt.Errorf("custody: close wallet %s: balance %d remaining", id, w.Balance)
		}
		if err := tx.CreditNative(ctx, nativeTo, released); err != nil {
			return 0, fmt.Errorf("custody: close wallet %s: %w", id, err)
		}
	}
	if err := b.RefundDeposit(ctx, tx, w.DepositPayer, w.Deposit); err != nil {
		return 0, fmt.Errorf("custody: close wallet %s: %w", id, err)
	}
	if err := tx.DeleteWallet(ctx, id); err != nil {
		return 0, fmt.Errorf("custody: close wallet %s: %w", id, err)
	}
	return released, nil
}

// Unwrap converts amount of a wrapped-native custody balance into native
// balance for to: it opens a temporary wallet paid for by payer, moves the
// amount into it, and closes it so the balance lands on to and the deposit
// returns to payer.
func (b *Book) Unwrap(ctx context.Context, tx domain.LedgerTx, auth Authority, from string, amount uint64, to, payer common.Address) error {
	src, err := tx.GetWallet(ctx, from)
	if err != nil {
		return fmt.Errorf("custody: unwrap: %w", err)
	}
	if !b.IsWrappedNative(src.Asset) {
		return fmt.Errorf("custody: unwrap: asset %q is not wrapped native", src.Asset)
	}
	temp := unwrapWalletID(auth.RoundID(), to)
	if _, err := b.OpenWallet(ctx, tx, temp, auth.Address(), src.Asset, payer); err != nil {
		return fmt.Errorf("custody: unwrap: %w", err)
	}
	if err := b.Push(ctx, tx, auth, from, temp, amount); err != nil {
		return fmt.Errorf("custody: unwrap: %w", err)
	}
	if _, err := b.CloseWallet(ctx, tx, auth, temp, to); err != nil {
		return fmt.Errorf("custody: unwrap: %w", err)
	}
	return nil
}

// ChargeDeposit debits a storage deposit from payer's native balance.
func (b *Book) ChargeDeposit(ctx context.Context, tx domain.LedgerTx, payer common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return tx.DebitNative(ctx, payer, amount)
}

// RefundDeposit returns a storage deposit to payer's native balance.
func (b *Book) RefundDeposit(ctx context.Context, tx domain.LedgerTx, payer common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return tx.CreditNative(ctx, payer, amount)
}

func (b *Book) requireOwner(ctx context.Context, tx domain.LedgerTx, auth Authority, id string) error {
	if !auth.valid() {
		return domain.ErrUnauthorized
	}
	w, err := tx.GetWallet(ctx, id)
	if err != nil {
		return err
	}
	if w.Owner != auth.Address() {
		return fmt.Errorf("authority for round %s does not own %s: %w", auth.RoundID(), id, domain.ErrUnauthorized)
	}
	return nil
}

func (b *Book) move(ctx context.Context, tx domain.LedgerTx, from, to string, amount uint64) error {
	if from == to {
		return fmt.Errorf("transfer %s to itself", from)
	}
	src, err := tx.GetWallet(ctx, from)
	if err != nil {
		return fmt.Errorf("source %s: %w", from, err)
	}
	dst, err := tx.GetWallet(ctx, to)
	if err != nil {
		return fmt.Errorf("destination %s: %w", to, err)
	}
	if src.Asset != dst.Asset {
		return fmt.Errorf("asset mismatch %q -> %q: %w", src.Asset, dst.Asset, domain.ErrInvalidRequest)
	}
	if src.Balance < amount {
		return fmt.Errorf("%s holds %d, need %d: %w", from, src.Balance, amount, domain.ErrInsufficientFunds)
	}
	src.Balance -= amount
	if dst.Balance, err = add(dst.Balance, amount); err != nil {
		return err
	}
	if err := tx.UpdateWallet(ctx, src); err != nil {
		return err
	}
	return tx.UpdateWallet(ctx, dst)
}

func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrArithmeticOverflow
	}
	return sum, nil
}
