package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/cache/local"
	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/store/memory"
)

const (
	offerAsset   = "GOLD"
	stableAsset  = "USDC"
	wrappedAsset = "WNATIVE"

	walletDeposit  = 10
	roundDeposit   = 5
	voucherDeposit = 3
	startingNative = 1000

	biddingStart = 1000
	biddingEnd   = 2000
	heirTimeout  = 604800
)

var (
	heir       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob        = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	reconciler = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	book     *custody.Book
	engine   *Engine
	events   *recorder
	bidAsset string
	now      time.Time
}

func newHarness(t *testing.T, bidAsset string) *harness {
	t.Helper()
	issuer, err := custody.NewIssuer([]byte("settlement-test-issuer-seed"))
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		book:     custody.NewBook(custody.Config{WrappedNative: wrappedAsset, WalletDeposit: walletDeposit}),
		events:   &recorder{},
		bidAsset: bidAsset,
		now:      time.Unix(500, 0),
	}
	h.engine = NewEngine(h.store, local.NewLockManager(), h.book, issuer, Config{
		HeirTimeout:    heirTimeout * time.Second,
		RoundDeposit:   roundDeposit,
		VoucherDeposit: voucherDeposit,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.engine.SetNowFunc(func() time.Time { return h.now })
	h.engine.SetEmitter(h.events)

	require.NoError(t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
		for _, a := range []common.Address{heir, recipient, alice, bob, carol, reconciler, stranger} {
			if err := tx.CreditNative(h.ctx, a, startingNative); err != nil {
				return err
			}
		}
		return nil
	}))
	return h
}

func (h *harness) at(sec int64) { h.now = time.Unix(sec, 0) }

func (h *harness) fund(owner common.Address, asset string, amount uint64) string {
	h.t.Helper()
	var id string
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
		var err error
		if id, err = h.book.EnsureAssociated(h.ctx, tx, owner, asset); err != nil {
			return err
		}
		return h.book.Credit(h.ctx, tx, id, amount)
	}))
	return id
}

func (h *harness) approve(owner common.Address, wallet, roundID string, amount uint64) {
	h.t.Helper()
	delegate, err := h.engine.AuthorityAddress(roundID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
		return h.book.Approve(h.ctx, tx, owner, wallet, delegate, amount)
	}))
}

func (h *harness) params(roundID, src string) CreateParams {
	return CreateParams{
		RoundID:           roundID,
		Caller:            heir,
		Heir:              heir,
		Recipient:         recipient,
		BidAsset:          h.bidAsset,
		OfferSourceWallet: src,
		TargetBid:         100,
		BiddingStart:      time.Unix(biddingStart, 0),
		BiddingEnd:        time.Unix(biddingEnd, 0),
	}
}

func (h *harness) createRound(offer uint64) domain.Round {
	h.t.Helper()
	src := h.fund(heir, offerAsset, 500)
	id, _, err := h.engine.ReserveRound()
	require.NoError(h.t, err)
	h.approve(heir, src, id, offer)
	h.at(500)
	r, err := h.engine.CreateRound(h.ctx, h.params(id, src))
	require.NoError(h.t, err)
	return r
}

func (h *harness) contribute(roundID string, user common.Address, amount uint64) domain.Voucher {
	h.t.Helper()
	src := h.fund(user, h.bidAsset, amount)
	h.approve(user, src, roundID, amount)
	v, err := h.engine.Contribute(h.ctx, roundID, user, src)
	require.NoError(h.t, err)
	return v
}

func (h *harness) round(id string) domain.Round {
	h.t.Helper()
	r, err := h.store.GetRound(h.ctx, id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) balance(walletID string) uint64 {
	w, err := h.store.GetWallet(h.ctx, walletID)
	if err != nil {
		return 0
	}
	return w.Balance
}

func (h *harness) allowance(walletID, roundID string) uint64 {
	h.t.Helper()
	delegate, err := h.engine.AuthorityAddress(roundID)
	require.NoError(h.t, err)
	var amount uint64
	require.NoError(h.t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
		amount, err = tx.Allowance(h.ctx, walletID, delegate)
		return err
	}))
	return amount
}

func (h *harness) native(a common.Address) uint64 {
	n, err := h.store.NativeBalance(h.ctx, a)
	require.NoError(h.t, err)
	return n
}

func TestCreateRoundEscrowsOffer(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(100)

	assert.Equal(t, domain.RoundStatusPending, r.Status)
	assert.Equal(t, domain.RoundVersionCurrent, r.Version)
	assert.Equal(t, offerAsset, r.OfferAsset)
	assert.Equal(t, custody.AssociatedWallet(heir, offerAsset), r.ReturnWallet)
	assert.Zero(t, r.VouchersCount)
	assert.Nil(t, r.TotalBid)
	assert.Nil(t, r.TotalOffer)

	assert.Equal(t, uint64(100), h.balance(custody.OfferWalletID(r.ID)))
	assert.Equal(t, uint64(400), h.balance(r.ReturnWallet))
	assert.Equal(t, uint64(startingNative-2*walletDeposit-roundDeposit), h.native(heir))

	ev := h.events.last()
	assert.Equal(t, domain.EventRoundCreated, ev.Type)
	assert.Equal(t, uint64(100), ev.Amount)
}

func TestCreateRoundValidation(t *testing.T) {
	h := newHarness(t, stableAsset)
	src := h.fund(heir, offerAsset, 500)
	id, _, err := h.engine.ReserveRound()
	require.NoError(t, err)

	p := h.params(id, src)
	p.BiddingEnd = p.BiddingStart
	_, err = h.engine.CreateRound(h.ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	p = h.params(id, src)
	p.TargetBid = 0
	_, err = h.engine.CreateRound(h.ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidTarget)

	_, err = h.engine.CreateRound(h.ctx, h.params(id, src))
	require.ErrorIs(t, err, domain.ErrNoDelegatedAmount)

	h.approve(heir, src, id, 50)
	p = h.params(id, src)
	p.Caller = stranger
	_, err = h.engine.CreateRound(h.ctx, p)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	// Failed attempts leave nothing behind.
	_, err = h.store.GetWallet(h.ctx, custody.OfferWalletID(id))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, uint64(startingNative), h.native(heir))
	assert.Equal(t, 0, h.events.count())
}

func TestContributeWindowEnforcement(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)

	src := h.fund(alice, stableAsset, 100)
	h.approve(alice, src, r.ID, 10)

	h.at(biddingStart - 1)
	_, err := h.engine.Contribute(h.ctx, r.ID, alice, src)
	require.ErrorIs(t, err, domain.ErrNotYetOpen)

	h.at(biddingEnd + 1)
	_, err = h.engine.Contribute(h.ctx, r.ID, alice, src)
	require.ErrorIs(t, err, domain.ErrWindowClosed)

	h.at(biddingStart)
	_, err = h.engine.Contribute(h.ctx, r.ID, alice, src)
	require.NoError(t, err)

	h.at(biddingEnd)
	h.approve(alice, src, r.ID, 5)
	v, err := h.engine.Contribute(h.ctx, r.ID, alice, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v.Amount())
}

func TestContributeRequiresAllowance(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	src := h.fund(alice, stableAsset, 100)

	h.at(1500)
	_, err := h.engine.Contribute(h.ctx, r.ID, alice, src)
	require.ErrorIs(t, err, domain.ErrNoDelegatedAmount)
	assert.Zero(t, h.round(r.ID).VouchersCount)
}

func TestContributeRequiresOwnSourceWallet(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	bobSrc := h.fund(bob, stableAsset, 70)
	h.approve(bob, bobSrc, r.ID, 70)

	h.at(1500)
	_, err := h.engine.Contribute(h.ctx, r.ID, alice, bobSrc)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.Equal(t, uint64(70), h.balance(bobSrc))
	assert.Equal(t, uint64(70), h.allowance(bobSrc, r.ID))
	assert.Zero(t, h.balance(custody.BidWalletID(r.ID)))
	assert.Zero(t, h.round(r.ID).VouchersCount)
	_, err = h.store.GetVoucher(h.ctx, r.ID, alice)
	require.ErrorIs(t, err, domain.ErrNotFound)

	v, err := h.engine.Contribute(h.ctx, r.ID, bob, bobSrc)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), v.Amount())
}

func TestFailedContributionLeavesNoTrace(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	pauper := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	src := h.fund(pauper, stableAsset, 40)
	h.approve(pauper, src, r.ID, 40)
	before := h.events.count()

	// The bid is pulled before the voucher deposit is charged.
	h.at(1500)
	_, err := h.engine.Contribute(h.ctx, r.ID, pauper, src)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, uint64(40), h.balance(src))
	assert.Equal(t, uint64(40), h.allowance(src, r.ID))
	assert.Zero(t, h.balance(custody.BidWalletID(r.ID)))
	assert.Zero(t, h.round(r.ID).VouchersCount)
	vouchers, err := h.store.ListVouchers(h.ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, vouchers)
	assert.Equal(t, before, h.events.count())
}

func TestFailedUnwrapLeavesVoucherIntact(t *testing.T) {
	h := newHarness(t, wrappedAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 40)
	pauper := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	aliceNative := h.native(alice)

	h.at(2_000_000)
	_, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: pauper})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, uint64(40), h.balance(custody.BidWalletID(r.ID)))
	assert.Equal(t, uint64(1), h.round(r.ID).VouchersCount)
	assert.Equal(t, aliceNative, h.native(alice))
	v, err := h.store.GetVoucher(h.ctx, r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), v.Amount())

	amount, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: stranger})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), amount)
	assert.Equal(t, aliceNative+40+voucherDeposit, h.native(alice))
}

func TestVouchersCountIsMonotonic(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)

	h.contribute(r.ID, alice, 30)
	v := h.contribute(r.ID, alice, 30)
	assert.Equal(t, uint64(60), v.Amount())
	assert.False(t, v.IsFiat())
	assert.Equal(t, uint64(1), h.round(r.ID).VouchersCount)

	h.contribute(r.ID, bob, 10)
	assert.Equal(t, uint64(2), h.round(r.ID).VouchersCount)
	assert.Equal(t, uint64(70), h.balance(custody.BidWalletID(r.ID)))
	assert.Equal(t, uint64(startingNative-voucherDeposit), h.native(alice))

	_, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.round(r.ID).VouchersCount)
	assert.Equal(t, uint64(startingNative), h.native(alice))
}

func TestWithdrawHeirTimeoutEscape(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 40)

	h.at(2001)
	_, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: stranger})
	require.ErrorIs(t, err, domain.ErrMissingConsent)

	h.at(biddingEnd + heirTimeout)
	_, _, err = h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: stranger})
	require.ErrorIs(t, err, domain.ErrMissingConsent)

	h.at(2_000_000)
	amount, reason, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: stranger})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), amount)
	assert.Equal(t, domain.WithdrawHeirTimeout, reason)
	assert.Equal(t, uint64(40), h.balance(custody.AssociatedWallet(alice, stableAsset)))

	ev := h.events.last()
	assert.Equal(t, domain.EventWithdrawn, ev.Type)
	assert.Equal(t, domain.WithdrawHeirTimeout, ev.Reason)
	assert.Equal(t, stranger.Hex(), ev.Actor)
}

func TestWithdrawWithConsent(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)

	h.at(biddingStart - 1)
	_, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.ErrorIs(t, err, domain.ErrNotYetOpen)

	h.at(1500)
	h.contribute(r.ID, alice, 25)
	amount, reason, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(25), amount)
	assert.Equal(t, domain.WithdrawUserInitiated, reason)

	_, _, err = h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcceptAndRedeemConservesOffer(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 50)
	h.contribute(r.ID, bob, 150)

	h.at(biddingEnd)
	_, err := h.engine.Accept(h.ctx, r.ID, heir, nil)
	require.ErrorIs(t, err, domain.ErrStillBidding)

	h.at(biddingEnd + 1)
	_, err = h.engine.Accept(h.ctx, r.ID, stranger, nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.ErrorIs(t, err, domain.ErrWrongStatus)

	accepted, err := h.engine.Accept(h.ctx, r.ID, heir, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.TotalBid)
	require.NotNil(t, accepted.TotalOffer)
	assert.Equal(t, uint64(200), *accepted.TotalBid)
	assert.Equal(t, uint64(50), *accepted.TotalOffer)
	assert.Equal(t, uint64(200), h.balance(custody.AssociatedWallet(recipient, stableAsset)))
	assert.Zero(t, h.balance(custody.BidWalletID(r.ID)))

	_, _, err = h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.ErrorIs(t, err, domain.ErrWrongStatus)

	_, err = h.engine.Close(h.ctx, r.ID, stranger)
	require.ErrorIs(t, err, domain.ErrNonEmptyPool)

	_, err = h.engine.Redeem(h.ctx, r.ID, stranger, alice)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	paidAlice, err := h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), paidAlice)

	_, err = h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.ErrorIs(t, err, domain.ErrNotFound)

	paidBob, err := h.engine.Redeem(h.ctx, r.ID, bob, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(37), paidBob)

	total := paidAlice + paidBob
	assert.LessOrEqual(t, total, uint64(50))
	assert.LessOrEqual(t, uint64(50)-total, uint64(2))

	final := h.round(r.ID)
	assert.Zero(t, final.VouchersCount)
	assert.Equal(t, uint64(200), *final.TotalBid)
	assert.Equal(t, uint64(startingNative), h.native(alice))

	closed, err := h.engine.Close(h.ctx, r.ID, stranger)
	require.NoError(t, err)
	assert.Equal(t, r.ID, closed.ID)
	assert.Equal(t, uint64(451), h.balance(r.ReturnWallet))
	assert.Equal(t, uint64(startingNative), h.native(heir))

	_, err = h.store.GetRound(h.ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	ev := h.events.last()
	assert.Equal(t, domain.EventRoundClosed, ev.Type)
	assert.Equal(t, uint64(1), ev.Amount)
}

func TestAcceptRequiresVouchersAndDeadline(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)

	h.at(biddingEnd + 1)
	_, err := h.engine.Accept(h.ctx, r.ID, heir, nil)
	require.ErrorIs(t, err, domain.ErrZeroPool)

	h.at(biddingEnd + heirTimeout + 1)
	_, err = h.engine.Accept(h.ctx, r.ID, heir, nil)
	require.ErrorIs(t, err, domain.ErrHeirTimedOut)
	_, err = h.engine.Reject(h.ctx, r.ID, heir)
	require.ErrorIs(t, err, domain.ErrHeirTimedOut)
}

func TestRejectReturnsOfferAndFreesWithdrawals(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 20)
	h.contribute(r.ID, bob, 30)

	h.at(biddingEnd + 10)
	rejected, err := h.engine.Reject(h.ctx, r.ID, heir)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusRejected, rejected.Status)
	assert.Equal(t, uint64(500), h.balance(r.ReturnWallet))
	assert.Zero(t, h.balance(custody.OfferWalletID(r.ID)))

	_, err = h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.ErrorIs(t, err, domain.ErrWrongStatus)

	for _, user := range []common.Address{alice, bob} {
		_, reason, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: user, Caller: stranger})
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawRoundRejected, reason)
	}
	assert.Equal(t, uint64(20), h.balance(custody.AssociatedWallet(alice, stableAsset)))
	assert.Equal(t, uint64(30), h.balance(custody.AssociatedWallet(bob, stableAsset)))

	_, err = h.engine.Close(h.ctx, r.ID, stranger)
	require.NoError(t, err)
}

func TestRejectBid(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 20)

	_, err := h.engine.RejectBid(h.ctx, r.ID, heir, alice)
	require.ErrorIs(t, err, domain.ErrStillBidding)

	h.at(biddingEnd + 1)
	_, err = h.engine.RejectBid(h.ctx, r.ID, alice, alice)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	amount, err := h.engine.RejectBid(h.ctx, r.ID, heir, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), amount)
	assert.Zero(t, h.round(r.ID).VouchersCount)
	assert.Equal(t, domain.WithdrawBidRejected, h.events.last().Reason)

	h.at(biddingEnd + heirTimeout + 1)
	_, err = h.engine.RejectBid(h.ctx, r.ID, heir, alice)
	require.ErrorIs(t, err, domain.ErrHeirTimedOut)
}

func TestReconciliation(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 80)

	h.at(biddingEnd + 1)
	_, err := h.engine.Reconciling(h.ctx, r.ID, reconciler)
	require.ErrorIs(t, err, domain.ErrWrongStatus)

	auth := reconciler
	accepted, err := h.engine.Accept(h.ctx, r.ID, heir, &auth)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusReconciliation, accepted.Status)
	assert.Equal(t, uint64(80), *accepted.TotalBid)

	_, err = h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.ErrorIs(t, err, domain.ErrWrongStatus)
	_, _, err = h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.ErrorIs(t, err, domain.ErrWrongStatus)
	_, err = h.engine.Close(h.ctx, r.ID, stranger)
	require.ErrorIs(t, err, domain.ErrNonEmptyPool)

	_, err = h.engine.Reconciling(h.ctx, r.ID, stranger)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	rc, err := h.engine.Reconciling(h.ctx, r.ID, reconciler)
	require.NoError(t, err)

	_, err = rc.Record(h.ctx, carol, 0)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	recorded, err := rc.Record(h.ctx, carol, 120)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = rc.Record(h.ctx, carol, 999)
	require.NoError(t, err)
	assert.False(t, recorded)

	recorded, err = rc.Record(h.ctx, alice, 5)
	require.NoError(t, err)
	assert.False(t, recorded)

	v, err := h.store.GetVoucher(h.ctx, r.ID, carol)
	require.NoError(t, err)
	assert.True(t, v.IsFiat())
	assert.Equal(t, uint64(120), v.Amount())

	mid := h.round(r.ID)
	assert.Equal(t, uint64(2), mid.VouchersCount)
	assert.Equal(t, uint64(120), mid.AttestedBid)
	assert.Equal(t, uint64(80), *mid.TotalBid)

	finished, err := rc.Finish(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusAccepted, finished.Status)

	_, err = rc.Record(h.ctx, bob, 10)
	require.ErrorIs(t, err, domain.ErrWrongStatus)

	paidAlice, err := h.engine.Redeem(h.ctx, r.ID, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), paidAlice)

	paidCarol, err := h.engine.Redeem(h.ctx, r.ID, carol, carol)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), paidCarol)
	assert.Equal(t, uint64(startingNative), h.native(reconciler))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)

	h.at(1500)
	h.contribute(r.ID, alice, 10)
	_, err := h.engine.Cancel(h.ctx, r.ID, heir)
	require.ErrorIs(t, err, domain.ErrNonEmptyPool)

	h.at(biddingStart - 100)
	_, err = h.engine.Cancel(h.ctx, r.ID, heir)
	require.ErrorIs(t, err, domain.ErrNonEmptyPool)

	empty := h.createRound(70)
	h.at(biddingStart + 1)
	_, err = h.engine.Cancel(h.ctx, empty.ID, heir)
	require.ErrorIs(t, err, domain.ErrBiddingStarted)

	h.at(biddingStart - 1)
	_, err = h.engine.Cancel(h.ctx, empty.ID, stranger)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	before := h.balance(empty.ReturnWallet)
	cancelled, err := h.engine.Cancel(h.ctx, empty.ID, heir)
	require.NoError(t, err)
	assert.Equal(t, empty.ID, cancelled.ID)
	assert.Equal(t, before+70, h.balance(empty.ReturnWallet))
	_, err = h.store.GetRound(h.ctx, empty.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.store.GetWallet(h.ctx, custody.BidWalletID(empty.ID))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.EventRoundCancelled, h.events.last().Type)
}

func TestCloseAbandonedPendingRound(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)

	h.at(biddingEnd + 1)
	_, err := h.engine.Close(h.ctx, r.ID, stranger)
	require.ErrorIs(t, err, domain.ErrNonEmptyPool)

	h.at(biddingEnd + heirTimeout + 1)
	_, err = h.engine.Close(h.ctx, r.ID, stranger)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), h.balance(r.ReturnWallet))
	assert.Equal(t, uint64(startingNative), h.native(heir))
}

func TestWrappedNativeUnwrap(t *testing.T) {
	h := newHarness(t, wrappedAsset)
	r := h.createRound(50)
	h.at(1500)
	h.contribute(r.ID, alice, 40)
	h.contribute(r.ID, bob, 60)

	_, _, err := h.engine.Withdraw(h.ctx, WithdrawParams{RoundID: r.ID, User: alice, Caller: alice, Consent: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(startingNative+40), h.native(alice))
	assert.Zero(t, h.balance(custody.AssociatedWallet(alice, wrappedAsset)))

	h.at(biddingEnd + 1)
	heirBefore := h.native(heir)
	_, err = h.engine.Accept(h.ctx, r.ID, heir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(startingNative+60), h.native(recipient))
	assert.Equal(t, heirBefore+walletDeposit, h.native(heir))
	_, err = h.store.GetWallet(h.ctx, custody.BidWalletID(r.ID))
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.engine.Redeem(h.ctx, r.ID, bob, bob)
	require.NoError(t, err)
	_, err = h.engine.Close(h.ctx, r.ID, stranger)
	require.NoError(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	h := newHarness(t, stableAsset)
	legacy := domain.Round{
		ID:           "legacy-round",
		Version:      domain.RoundVersionLegacy,
		Status:       domain.RoundStatusPending,
		BidAsset:     stableAsset,
		OfferAsset:   offerAsset,
		Heir:         heir,
		Recipient:    recipient,
		Payer:        heir,
		BiddingStart: time.Unix(biddingStart, 0),
		BiddingEnd:   time.Unix(biddingEnd, 0),
		TargetBid:    100,
	}
	require.NoError(t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
		return tx.InsertRound(h.ctx, legacy)
	}))

	migrated, changed, err := h.engine.Migrate(h.ctx, legacy.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, custody.AssociatedWallet(heir, offerAsset), migrated.ReturnWallet)
	assert.Equal(t, domain.RoundVersionCurrent, migrated.Version)
	assert.Equal(t, legacy.Status, migrated.Status)

	w, err := h.store.GetWallet(h.ctx, migrated.ReturnWallet)
	require.NoError(t, err)
	assert.Equal(t, heir, w.Owner)

	again, changed, err := h.engine.Migrate(h.ctx, legacy.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, migrated.ReturnWallet, again.ReturnWallet)
	assert.Equal(t, 1, h.events.count())
}

func TestConcurrentContributionsSerialize(t *testing.T) {
	h := newHarness(t, stableAsset)
	r := h.createRound(50)
	h.at(1500)

	const users = 8
	sources := make([]string, users)
	addrs := make([]common.Address, users)
	for i := range users {
		addrs[i] = common.HexToAddress(fmt.Sprintf("0x%040x", 0xe0+i))
		require.NoError(t, h.store.WithTx(h.ctx, func(tx domain.Tx) error {
			return tx.CreditNative(h.ctx, addrs[i], startingNative)
		}))
		sources[i] = h.fund(addrs[i], stableAsset, 10)
		h.approve(addrs[i], sources[i], r.ID, 10)
	}

	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Contribute(h.ctx, r.ID, addrs[i], sources[i])
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(users), h.round(r.ID).VouchersCount)
	assert.Equal(t, uint64(users*10), h.balance(custody.BidWalletID(r.ID)))
	vouchers, err := h.store.ListVouchers(h.ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, vouchers, users)
}
