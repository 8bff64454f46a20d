package settlement

import (
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// RedeemAmount returns floor(userBid * totalOffer / max(targetBid, realizedBid)).
// Paying against the larger of the goal and the realized pool keeps an
// oversubscribed round from paying out more than it holds. The product is
// taken in 256 bits; the quotient must fit in a uint64.
func RedeemAmount(userBid, targetBid, realizedBid, totalOffer uint64) (uint64, error) {
	denom := max(targetBid, realizedBid)
	if denom == 0 {
		return 0, fmt.Errorf("redeem against empty pool: %w", domain.ErrArithmeticOverflow)
	}
	q, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(userBid),
		uint256.NewInt(totalOffer),
		uint256.NewInt(denom),
	)
	if overflow || !q.IsUint64() {
		return 0, fmt.Errorf("redeem %d*%d/%d: %w", userBid, totalOffer, denom, domain.ErrArithmeticOverflow)
	}
	return q.Uint64(), nil
}

// realizedBid is the pool the round actually raised: the accept-time bid
// snapshot plus everything attested during reconciliation.
func realizedBid(r domain.Round) (uint64, error) {
	var total uint64
	if r.TotalBid != nil {
		total = *r.TotalBid
	}
	return addAmount(total, r.AttestedBid)
}

func addAmount(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrArithmeticOverflow
	}
	return sum, nil
}
