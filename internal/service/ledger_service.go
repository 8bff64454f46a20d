package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/domain"
)

// LedgerService exposes the custody ledger to users and operators: opening
// associated wallets, granting allowances to round authorities and funding
// accounts.
type LedgerService struct {
	store  domain.Store
	book   *custody.Book
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(store domain.Store, book *custody.Book, logger *slog.Logger) *LedgerService {
	return &LedgerService{store: store, book: book, logger: logger}
}

// OpenWallet returns owner's associated wallet for asset, creating it if
// needed.
func (s *LedgerService) OpenWallet(ctx context.Context, owner common.Address, asset string) (domain.Wallet, error) {
	if asset == "" {
		return domain.Wallet{}, fmt.Errorf("ledger_service: open wallet: empty asset: %w", domain.ErrInvalidRequest)
	}
	var w domain.Wallet
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		id, err := s.book.EnsureAssociated(ctx, tx, owner, asset)
		if err != nil {
			return err
		}
		w, err = tx.GetWallet(ctx, id)
		return err
	})
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("ledger_service: open wallet: %w", err)
	}
	return w, nil
}

// Approve lets delegate pull exactly amount from walletID. Only the wallet
// owner may approve.
func (s *LedgerService) Approve(ctx context.Context, owner common.Address, walletID string, delegate common.Address, amount uint64) error {
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		return s.book.Approve(ctx, tx, owner, walletID, delegate, amount)
	})
	if err != nil {
		return fmt.Errorf("ledger_service: approve: %w", err)
	}
	s.logger.InfoContext(ctx, "ledger_service: allowance granted",
		slog.String("wallet_id", walletID),
		slog.String("delegate", delegate.Hex()),
		slog.Uint64("amount", amount),
	)
	return nil
}

// Credit funds walletID. Operator only.
func (s *LedgerService) Credit(ctx context.Context, walletID string, amount uint64) (domain.Wallet, error) {
	if amount == 0 {
		return domain.Wallet{}, fmt.Errorf("ledger_service: credit: zero amount: %w", domain.ErrInvalidRequest)
	}
	var w domain.Wallet
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := s.book.Credit(ctx, tx, walletID, amount); err != nil {
			return err
		}
		var err error
		w, err = tx.GetWallet(ctx, walletID)
		return err
	})
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("ledger_service: credit: %w", err)
	}
	s.logger.InfoContext(ctx, "ledger_service: wallet credited",
		slog.String("wallet_id", walletID),
		slog.Uint64("amount", amount),
		slog.Uint64("balance", w.Balance),
	)
	return w, nil
}

// CreditNative funds account's native balance, which pays storage
// deposits. Operator only.
func (s *LedgerService) CreditNative(ctx context.Context, account common.Address, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("ledger_service: credit native: zero amount: %w", domain.ErrInvalidRequest)
	}
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		return tx.CreditNative(ctx, account, amount)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger_service: credit native: %w", err)
	}
	balance, err := s.store.NativeBalance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: credit native: %w", err)
	}
	s.logger.InfoContext(ctx, "ledger_service: native credited",
		slog.String("account", account.Hex()),
		slog.Uint64("amount", amount),
	)
	return balance, nil
}

// Wallet returns a custody wallet.
func (s *LedgerService) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// NativeBalance returns account's native balance.
func (s *LedgerService) NativeBalance(ctx context.Context, account common.Address) (uint64, error) {
	return s.store.NativeBalance(ctx, account)
}
