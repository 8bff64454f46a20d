package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Contribution is the amount a voucher holds, tagged by where it came from.
// The only implementations are OnLedger and Attested.
type Contribution interface {
	Amount() uint64
	contribution()
}

// OnLedger is a contribution pulled into the bid custody wallet.
type OnLedger uint64

// Attested is a contribution recorded by the reconciliation authority with
// no asset movement (for example a fiat payment).
type Attested uint64

func (c OnLedger) Amount() uint64 { return uint64(c) }
func (c Attested) Amount() uint64 { return uint64(c) }

func (OnLedger) contribution() {}
func (Attested) contribution() {}

// NewContribution rebuilds a contribution from its stored form.
func NewContribution(amount uint64, fiat bool) Contribution {
	if fiat {
		return Attested(amount)
	}
	return OnLedger(amount)
}

// Voucher is one contributor's ledger entry in a round. A closed voucher is
// deleted, never kept with a zero amount.
type Voucher struct {
	RoundID      string
	User         common.Address
	Payer        common.Address
	Contribution Contribution
	Deposit      uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Amount returns the contributed amount, zero when nothing is recorded.
func (v Voucher) Amount() uint64 {
	if v.Contribution == nil {
		return 0
	}
	return v.Contribution.Amount()
}

// IsFiat reports whether the voucher was recorded off-ledger.
func (v Voucher) IsFiat() bool {
	_, ok := v.Contribution.(Attested)
	return ok
}
