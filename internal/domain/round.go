package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundStatus tracks the round lifecycle.
type RoundStatus string

const (
	RoundStatusPending        RoundStatus = "pending"
	RoundStatusAccepted       RoundStatus = "accepted"
	RoundStatusRejected       RoundStatus = "rejected"
	RoundStatusReconciliation RoundStatus = "reconciliation"
)

// Valid reports whether s is a known status.
func (s RoundStatus) Valid() bool {
	switch s {
	case RoundStatusPending, RoundStatusAccepted, RoundStatusRejected, RoundStatusReconciliation:
		return true
	}
	return false
}

// Round record schema versions. Version 1 records predate ReturnWallet.
const (
	RoundVersionLegacy  uint8 = 1
	RoundVersionCurrent uint8 = 2
)

// Round is the state-machine record of one bidding round.
type Round struct {
	ID      string
	Version uint8
	Status  RoundStatus

	BidAsset   string
	OfferAsset string

	Heir         common.Address
	Recipient    common.Address
	Payer        common.Address
	ReturnWallet string

	// ReconciliationAuthority is set by an accept that hands the round over
	// to off-ledger reconciliation.
	ReconciliationAuthority *common.Address

	BiddingStart time.Time
	BiddingEnd   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	TargetBid uint64
	// TotalBid and TotalOffer are written once, at accept.
	TotalBid   *uint64
	TotalOffer *uint64
	// AttestedBid accumulates amounts recorded during reconciliation.
	AttestedBid uint64

	VouchersCount uint64
	Deposit       uint64
}

// Clone returns a deep copy of the round.
func (r Round) Clone() Round {
	out := r
	if r.ReconciliationAuthority != nil {
		a := *r.ReconciliationAuthority
		out.ReconciliationAuthority = &a
	}
	if r.TotalBid != nil {
		v := *r.TotalBid
		out.TotalBid = &v
	}
	if r.TotalOffer != nil {
		v := *r.TotalOffer
		out.TotalOffer = &v
	}
	return out
}

// HeirDeadline is the last instant at which the heir may still act.
func (r Round) HeirDeadline(timeout time.Duration) time.Time {
	return r.BiddingEnd.Add(timeout)
}

// Accepted reports whether the accept-time snapshot has been taken.
func (r Round) Accepted() bool {
	return r.TotalBid != nil && r.TotalOffer != nil
}
