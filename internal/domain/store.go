package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Store persists rounds, vouchers and the custody ledger. All mutations go
// through WithTx.
type Store interface {
	// WithTx runs fn in a unit of work. If fn returns an error every
	// mutation made through tx is discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetRound(ctx context.Context, id string) (Round, error)
	ListRounds(ctx context.Context, status RoundStatus, opts ListOpts) ([]Round, error)
	GetVoucher(ctx context.Context, roundID string, user common.Address) (Voucher, error)
	ListVouchers(ctx context.Context, roundID string) ([]Voucher, error)
	GetWallet(ctx context.Context, id string) (Wallet, error)
	NativeBalance(ctx context.Context, account common.Address) (uint64, error)
}

// Tx is the view of the store inside one unit of work.
type Tx interface {
	LedgerTx

	// LockRound loads a round and holds it for update until the unit of
	// work ends.
	LockRound(ctx context.Context, id string) (Round, error)
	InsertRound(ctx context.Context, r Round) error
	UpdateRound(ctx context.Context, r Round) error
	DeleteRound(ctx context.Context, id string) error

	GetVoucher(ctx context.Context, roundID string, user common.Address) (Voucher, error)
	PutVoucher(ctx context.Context, v Voucher) error
	DeleteVoucher(ctx context.Context, roundID string, user common.Address) error
}

// LedgerTx is the custody-ledger slice of a unit of work.
type LedgerTx interface {
	GetWallet(ctx context.Context, id string) (Wallet, error)
	InsertWallet(ctx context.Context, w Wallet) error
	UpdateWallet(ctx context.Context, w Wallet) error
	DeleteWallet(ctx context.Context, id string) error
	// Allowance returns zero when no grant exists.
	Allowance(ctx context.Context, walletID string, delegate common.Address) (uint64, error)
	SetAllowance(ctx context.Context, a Allowance) error
	CreditNative(ctx context.Context, account common.Address, amount uint64) error
	// DebitNative fails with ErrInsufficientFunds when the balance is short.
	DebitNative(ctx context.Context, account common.Address, amount uint64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
