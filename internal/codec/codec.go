// Package codec encodes rounds and vouchers into compact versioned records:
// one magic byte, one schema version byte, then an RLP body.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/alanyoungcy/bidround/internal/domain"
)

const (
	magicRound   byte = 0xb1
	magicVoucher byte = 0xb2

	// Round body layouts. layoutV1 predates return wallets and attested
	// bids.
	layoutV1 uint8 = 1
	layoutV2 uint8 = 2

	voucherVersion uint8 = 1
)

var (
	// ErrBadMagic is returned when a record does not start with the
	// expected magic byte.
	ErrBadMagic = errors.New("codec: bad magic")
	// ErrUnknownVersion is returned for schema versions this build cannot
	// read.
	ErrUnknownVersion = errors.New("codec: unknown version")
)

// roundV1 is the layout written before return wallets and attested bids
// existed.
type roundV1 struct {
	ID            string
	Status        string
	BidAsset      string
	OfferAsset    string
	Heir          common.Address
	Recipient     common.Address
	Payer         common.Address
	HasAuthority  bool
	Authority     common.Address
	BiddingStart  uint64
	BiddingEnd    uint64
	CreatedAt     uint64
	UpdatedAt     uint64
	TargetBid     uint64
	HasTotals     bool
	TotalBid      uint64
	TotalOffer    uint64
	VouchersCount uint64
	Deposit       uint64
}

type roundV2 struct {
	Version       uint8
	ID            string
	Status        string
	BidAsset      string
	OfferAsset    string
	Heir          common.Address
	Recipient     common.Address
	Payer         common.Address
	ReturnWallet  string
	HasAuthority  bool
	Authority     common.Address
	BiddingStart  uint64
	BiddingEnd    uint64
	CreatedAt     uint64
	UpdatedAt     uint64
	TargetBid     uint64
	HasTotals     bool
	TotalBid      uint64
	TotalOffer    uint64
	AttestedBid   uint64
	VouchersCount uint64
	Deposit       uint64
}

type voucherV1 struct {
	RoundID   string
	User      common.Address
	Payer     common.Address
	Attested  bool
	Amount    uint64
	Deposit   uint64
	CreatedAt uint64
	UpdatedAt uint64
}

// EncodeRound writes r with the current layout. The round's own schema
// version travels in the body, so a legacy round stays legacy until it is
// migrated.
func EncodeRound(r domain.Round) ([]byte, error) {
	rec := toV2(r)
	return encode(magicRound, layoutV2, &rec)
}

// DecodeRound reads a round record written by any known schema version.
func DecodeRound(b []byte) (domain.Round, error) {
	version, body, err := header(b, magicRound)
	if err != nil {
		return domain.Round{}, err
	}
	switch version {
	case layoutV1:
		var rec roundV1
		if err := rlp.DecodeBytes(body, &rec); err != nil {
			return domain.Round{}, fmt.Errorf("codec: decode round v1: %w", err)
		}
		return upgradeV1(rec), nil
	case layoutV2:
		var rec roundV2
		if err := rlp.DecodeBytes(body, &rec); err != nil {
			return domain.Round{}, fmt.Errorf("codec: decode round v2: %w", err)
		}
		return fromV2(rec), nil
	default:
		return domain.Round{}, fmt.Errorf("%w: round layout %d", ErrUnknownVersion, version)
	}
}

// EncodeRoundV1 writes r in the legacy layout. It exists for fixtures and
// for tooling that produces records for older readers.
func EncodeRoundV1(r domain.Round) ([]byte, error) {
	v2 := toV2(r)
	rec := roundV1{
		ID:            v2.ID,
		Status:        v2.Status,
		BidAsset:      v2.BidAsset,
		OfferAsset:    v2.OfferAsset,
		Heir:          v2.Heir,
		Recipient:     v2.Recipient,
		Payer:         v2.Payer,
		HasAuthority:  v2.HasAuthority,
		Authority:     v2.Authority,
		BiddingStart:  v2.BiddingStart,
		BiddingEnd:    v2.BiddingEnd,
		CreatedAt:     v2.CreatedAt,
		UpdatedAt:     v2.UpdatedAt,
		TargetBid:     v2.TargetBid,
		HasTotals:     v2.HasTotals,
		TotalBid:      v2.TotalBid,
		TotalOffer:    v2.TotalOffer,
		VouchersCount: v2.VouchersCount,
		Deposit:       v2.Deposit,
	}
	return encode(magicRound, layoutV1, &rec)
}

// EncodeVoucher writes v.
func EncodeVoucher(v domain.Voucher) ([]byte, error) {
	rec := voucherV1{
		RoundID:   v.RoundID,
		User:      v.User,
		Payer:     v.Payer,
		Attested:  v.IsFiat(),
		Amount:    v.Amount(),
		Deposit:   v.Deposit,
		CreatedAt: unixNanos(v.CreatedAt),
		UpdatedAt: unixNanos(v.UpdatedAt),
	}
	return encode(magicVoucher, voucherVersion, &rec)
}

// DecodeVoucher reads a voucher record.
func DecodeVoucher(b []byte) (domain.Voucher, error) {
	version, body, err := header(b, magicVoucher)
	if err != nil {
		return domain.Voucher{}, err
	}
	if version != voucherVersion {
		return domain.Voucher{}, fmt.Errorf("%w: voucher version %d", ErrUnknownVersion, version)
	}
	var rec voucherV1
	if err := rlp.DecodeBytes(body, &rec); err != nil {
		return domain.Voucher{}, fmt.Errorf("codec: decode voucher: %w", err)
	}
	return domain.Voucher{
		RoundID:      rec.RoundID,
		User:         rec.User,
		Payer:        rec.Payer,
		Contribution: domain.NewContribution(rec.Amount, rec.Attested),
		Deposit:      rec.Deposit,
		CreatedAt:    fromNanos(rec.CreatedAt),
		UpdatedAt:    fromNanos(rec.UpdatedAt),
	}, nil
}

func encode(magic byte, version uint8, rec any) ([]byte, error) {
	body, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, magic, version)
	return append(out, body...), nil
}

func header(b []byte, magic byte) (uint8, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("codec: record too short (%d bytes)", len(b))
	}
	if b[0] != magic {
		return 0, nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrBadMagic, b[0], magic)
	}
	return b[1], b[2:], nil
}

func toV2(r domain.Round) roundV2 {
	rec := roundV2{
		Version:       r.Version,
		ID:            r.ID,
		Status:        string(r.Status),
		BidAsset:      r.BidAsset,
		OfferAsset:    r.OfferAsset,
		Heir:          r.Heir,
		Recipient:     r.Recipient,
		Payer:         r.Payer,
		ReturnWallet:  r.ReturnWallet,
		BiddingStart:  unixSeconds(r.BiddingStart),
		BiddingEnd:    unixSeconds(r.BiddingEnd),
		CreatedAt:     unixNanos(r.CreatedAt),
		UpdatedAt:     unixNanos(r.UpdatedAt),
		TargetBid:     r.TargetBid,
		AttestedBid:   r.AttestedBid,
		VouchersCount: r.VouchersCount,
		Deposit:       r.Deposit,
	}
	if r.ReconciliationAuthority != nil {
		rec.HasAuthority = true
		rec.Authority = *r.ReconciliationAuthority
	}
	if r.Accepted() {
		rec.HasTotals = true
		rec.TotalBid = *r.TotalBid
		rec.TotalOffer = *r.TotalOffer
	}
	return rec
}

func fromV2(rec roundV2) domain.Round {
	r := domain.Round{
		ID:            rec.ID,
		Version:       rec.Version,
		Status:        domain.RoundStatus(rec.Status),
		BidAsset:      rec.BidAsset,
		OfferAsset:    rec.OfferAsset,
		Heir:          rec.Heir,
		Recipient:     rec.Recipient,
		Payer:         rec.Payer,
		ReturnWallet:  rec.ReturnWallet,
		BiddingStart:  time.Unix(int64(rec.BiddingStart), 0).UTC(),
		BiddingEnd:    time.Unix(int64(rec.BiddingEnd), 0).UTC(),
		CreatedAt:     fromNanos(rec.CreatedAt),
		UpdatedAt:     fromNanos(rec.UpdatedAt),
		TargetBid:     rec.TargetBid,
		AttestedBid:   rec.AttestedBid,
		VouchersCount: rec.VouchersCount,
		Deposit:       rec.Deposit,
	}
	if rec.HasAuthority {
		a := rec.Authority
		r.ReconciliationAuthority = &a
	}
	if rec.HasTotals {
		bid, offer := rec.TotalBid, rec.TotalOffer
		r.TotalBid = &bid
		r.TotalOffer = &offer
	}
	return r
}

func upgradeV1(rec roundV1) domain.Round {
	return fromV2(roundV2{
		Version:       domain.RoundVersionLegacy,
		ID:            rec.ID,
		Status:        rec.Status,
		BidAsset:      rec.BidAsset,
		OfferAsset:    rec.OfferAsset,
		Heir:          rec.Heir,
		Recipient:     rec.Recipient,
		Payer:         rec.Payer,
		HasAuthority:  rec.HasAuthority,
		Authority:     rec.Authority,
		BiddingStart:  rec.BiddingStart,
		BiddingEnd:    rec.BiddingEnd,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		TargetBid:     rec.TargetBid,
		HasTotals:     rec.HasTotals,
		TotalBid:      rec.TotalBid,
		TotalOffer:    rec.TotalOffer,
		VouchersCount: rec.VouchersCount,
		Deposit:       rec.Deposit,
	})
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func unixNanos(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromNanos(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}
