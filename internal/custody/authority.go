// Package custody implements the round custody wallets and the capability
// that authorizes transfers out of them.
package custody

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	authorityTag = "bidround/authority"
	offerTag     = "offer"
	bidTag       = "bid"
	unwrapTag    = "unwrap"

	minSeedLen = 16
)

// Issuer mints round authorities. Nothing else can construct a usable
// Authority, so holding the issuer is what lets the engine move custody
// funds.
type Issuer struct {
	seed []byte
}

// NewIssuer returns an issuer keyed by seed.
func NewIssuer(seed []byte) (*Issuer, error) {
	if len(seed) < minSeedLen {
		return nil, fmt.Errorf("custody: issuer seed must be at least %d bytes", minSeedLen)
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Issuer{seed: s}, nil
}

// For returns the authority scoped to roundID.
func (i *Issuer) For(roundID string) (Authority, error) {
	if roundID == "" {
		return Authority{}, errors.New("custody: empty round id")
	}
	h := ethcrypto.Keccak256([]byte(authorityTag), i.seed, []byte(roundID))
	return Authority{roundID: roundID, addr: common.BytesToAddress(h[12:])}, nil
}

// Authority is the round-scoped capability owning that round's custody
// wallets. The zero value authorizes nothing.
type Authority struct {
	roundID string
	addr    common.Address
}

// RoundID returns the round the authority is scoped to.
func (a Authority) RoundID() string { return a.roundID }

// Address returns the account that owns the round's custody wallets.
func (a Authority) Address() common.Address { return a.addr }

func (a Authority) valid() bool {
	return a.roundID != "" && a.addr != (common.Address{})
}

// OfferWalletID is the custody wallet holding a round's offered asset.
func OfferWalletID(roundID string) string { return offerTag + ":" + roundID }

// BidWalletID is the custody wallet holding a round's bid contributions.
func BidWalletID(roundID string) string { return bidTag + ":" + roundID }

func unwrapWalletID(roundID string, to common.Address) string {
	return unwrapTag + ":" + roundID + ":" + to.Hex()
}

// AssociatedWallet returns the canonical wallet id for owner's holdings of
// asset.
func AssociatedWallet(owner common.Address, asset string) string {
	h := ethcrypto.Keccak256(owner.Bytes(), []byte(asset))
	return "ata:" + hexutil.Encode(h[:20])
}
