package domain

import (
	"strconv"
	"time"
)

// EventType names a settlement event.
type EventType string

const (
	EventRoundCreated           EventType = "round.created"
	EventContributed            EventType = "round.contributed"
	EventOffchainRecorded       EventType = "round.offchain_recorded"
	EventWithdrawn              EventType = "round.withdrawn"
	EventRoundAccepted          EventType = "round.accepted"
	EventReconciliationFinished EventType = "round.reconciliation_finished"
	EventRoundRejected          EventType = "round.rejected"
	EventRedeemed               EventType = "round.redeemed"
	EventRoundCancelled         EventType = "round.cancelled"
	EventRoundClosed            EventType = "round.closed"
	EventRoundMigrated          EventType = "round.migrated"
)

// WithdrawReason classifies why a bid left the pool.
type WithdrawReason string

const (
	WithdrawUserInitiated WithdrawReason = "user_initiated"
	WithdrawHeirTimeout   WithdrawReason = "heir_timeout"
	WithdrawRoundRejected WithdrawReason = "round_rejected"
	WithdrawBidRejected   WithdrawReason = "bid_rejected"
)

// Event is the structured record emitted after a settlement operation
// commits. Accounts are hex encoded.
type Event struct {
	Type       EventType      `json:"type"`
	RoundID    string         `json:"round_id"`
	Actor      string         `json:"actor,omitempty"`
	User       string         `json:"user,omitempty"`
	Amount     uint64         `json:"amount,omitempty"`
	TotalBid   uint64         `json:"total_bid,omitempty"`
	TotalOffer uint64         `json:"total_offer,omitempty"`
	Reason     WithdrawReason `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// Detail flattens the event into an audit-log detail map.
func (e Event) Detail() map[string]any {
	d := map[string]any{
		"round_id": e.RoundID,
		"at":       e.At.UTC().Format(time.RFC3339),
	}
	if e.Actor != "" {
		d["actor"] = e.Actor
	}
	if e.User != "" {
		d["user"] = e.User
	}
	if e.Amount != 0 {
		d["amount"] = strconv.FormatUint(e.Amount, 10)
	}
	if e.TotalBid != 0 || e.TotalOffer != 0 {
		d["total_bid"] = strconv.FormatUint(e.TotalBid, 10)
		d["total_offer"] = strconv.FormatUint(e.TotalOffer, 10)
	}
	if e.Reason != "" {
		d["reason"] = string(e.Reason)
	}
	return d
}
