package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet is an asset-holding account in the custody ledger.
type Wallet struct {
	ID           string
	Owner        common.Address
	Asset        string
	Balance      uint64
	Deposit      uint64
	DepositPayer common.Address
	CreatedAt    time.Time
}

// Allowance is a spending grant from a wallet to a delegate.
type Allowance struct {
	WalletID string
	Delegate common.Address
	Amount   uint64
}
