package handler

import (
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// Amounts are rendered as decimal strings so clients never lose precision.

type roundView struct {
	ID                      string    `json:"id"`
	Version                 uint8     `json:"version"`
	Status                  string    `json:"status"`
	BidAsset                string    `json:"bid_asset"`
	OfferAsset              string    `json:"offer_asset"`
	Heir                    string    `json:"heir"`
	Recipient               string    `json:"recipient"`
	Payer                   string    `json:"payer"`
	ReturnWallet            string    `json:"return_wallet,omitempty"`
	Authority               string    `json:"authority,omitempty"`
	ReconciliationAuthority string    `json:"reconciliation_authority,omitempty"`
	BiddingStart            time.Time `json:"bidding_start"`
	BiddingEnd              time.Time `json:"bidding_end"`
	HeirDeadline            time.Time `json:"heir_deadline"`
	TargetBid               string    `json:"target_bid"`
	TotalBid                *string   `json:"total_bid"`
	TotalOffer              *string   `json:"total_offer"`
	AttestedBid             string    `json:"attested_bid"`
	VouchersCount           string    `json:"vouchers_count"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func newRoundView(r domain.Round, heirTimeout time.Duration) roundView {
	v := roundView{
		ID:            r.ID,
		Version:       r.Version,
		Status:        string(r.Status),
		BidAsset:      r.BidAsset,
		OfferAsset:    r.OfferAsset,
		Heir:          r.Heir.Hex(),
		Recipient:     r.Recipient.Hex(),
		Payer:         r.Payer.Hex(),
		ReturnWallet:  r.ReturnWallet,
		BiddingStart:  r.BiddingStart.UTC(),
		BiddingEnd:    r.BiddingEnd.UTC(),
		HeirDeadline:  r.HeirDeadline(heirTimeout).UTC(),
		TargetBid:     amountString(r.TargetBid),
		AttestedBid:   amountString(r.AttestedBid),
		VouchersCount: amountString(r.VouchersCount),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ReconciliationAuthority != nil {
		v.ReconciliationAuthority = r.ReconciliationAuthority.Hex()
	}
	if r.TotalBid != nil {
		s := amountString(*r.TotalBid)
		v.TotalBid = &s
	}
	if r.TotalOffer != nil {
		s := amountString(*r.TotalOffer)
		v.TotalOffer = &s
	}
	return v
}

type voucherView struct {
	RoundID   string    `json:"round_id"`
	User      string    `json:"user"`
	Payer     string    `json:"payer"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newVoucherView(v domain.Voucher) voucherView {
	kind := "on_ledger"
	if v.IsFiat() {
		kind = "attested"
	}
	return voucherView{
		RoundID:   v.RoundID,
		User:      v.User.Hex(),
		Payer:     v.Payer.Hex(),
		Kind:      kind,
		Amount:    amountString(v.Amount()),
		CreatedAt: v.CreatedAt.UTC(),
		UpdatedAt: v.UpdatedAt.UTC(),
	}
}

type walletView struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
	Deposit string `json:"deposit"`
}

func newWalletView(w domain.Wallet) walletView {
	return walletView{
		ID:      w.ID,
		Owner:   w.Owner.Hex(),
		Asset:   w.Asset,
		Balance: amountString(w.Balance),
		Deposit: amountString(w.Deposit),
	}
}
