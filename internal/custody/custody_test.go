package custody

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/store/memory"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000011")
	payer = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

func TestIssuerScopesAuthorities(t *testing.T) {
	_, err := NewIssuer([]byte("short"))
	require.Error(t, err)

	issuer, err := NewIssuer([]byte("0123456789abcdef"))
	require.NoError(t, err)

	a1, err := issuer.For("round-1")
	require.NoError(t, err)
	a1again, err := issuer.For("round-1")
	require.NoError(t, err)
	a2, err := issuer.For("round-2")
	require.NoError(t, err)

	assert.Equal(t, a1.Address(), a1again.Address())
	assert.NotEqual(t, a1.Address(), a2.Address())
	assert.Equal(t, "round-1", a1.RoundID())

	other, err := NewIssuer([]byte("fedcba9876543210"))
	require.NoError(t, err)
	foreign, err := other.For("round-1")
	require.NoError(t, err)
	assert.NotEqual(t, a1.Address(), foreign.Address())

	_, err = issuer.For("")
	require.Error(t, err)
}

func TestPushRequiresOwningAuthority(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	book := NewBook(Config{})
	issuer, err := NewIssuer([]byte("0123456789abcdef"))
	require.NoError(t, err)
	mine, _ := issuer.For("mine")
	theirs, _ := issuer.For("theirs")

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		if _, err := book.OpenWallet(ctx, tx, OfferWalletID("mine"), mine.Address(), "GOLD", payer); err != nil {
			return err
		}
		if err := book.Credit(ctx, tx, OfferWalletID("mine"), 100); err != nil {
			return err
		}
		_, err := book.EnsureAssociated(ctx, tx, owner, "GOLD")
		return err
	})
	require.NoError(t, err)

	dst := AssociatedWallet(owner, "GOLD")
	err = store.WithTx(ctx, func(tx domain.Tx) error {
		return book.Push(ctx, tx, theirs, OfferWalletID("mine"), dst, 10)
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		return book.Push(ctx, tx, Authority{}, OfferWalletID("mine"), dst, 10)
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		return book.Push(ctx, tx, mine, OfferWalletID("mine"), dst, 101)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		return book.Push(ctx, tx, mine, OfferWalletID("mine"), dst, 60)
	})
	require.NoError(t, err)

	w, err := store.GetWallet(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), w.Balance)
}

func TestPullConsumesExactAllowance(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	book := NewBook(Config{WalletDeposit: 4})
	issuer, err := NewIssuer([]byte("0123456789abcdef"))
	require.NoError(t, err)
	auth, _ := issuer.For("r")

	var src string
	err = store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreditNative(ctx, payer, 4); err != nil {
			return err
		}
		if _, err := book.OpenWallet(ctx, tx, BidWalletID("r"), auth.Address(), "USDC", payer); err != nil {
			return err
		}
		src, err = book.EnsureAssociated(ctx, tx, owner, "USDC")
		if err != nil {
			return err
		}
		return book.Credit(ctx, tx, src, 50)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		_, err := book.Pull(ctx, tx, auth, src, BidWalletID("r"))
		return err
	})
	require.ErrorIs(t, err, domain.ErrNoDelegatedAmount)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		return book.Approve(ctx, tx, payer, src, auth.Address(), 20)
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	var pulled uint64
	err = store.WithTx(ctx, func(tx domain.Tx) error {
		if err := book.Approve(ctx, tx, owner, src, auth.Address(), 20); err != nil {
			return err
		}
		pulled, err = book.Pull(ctx, tx, auth, src, BidWalletID("r"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), pulled)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		_, err := book.Pull(ctx, tx, auth, src, BidWalletID("r"))
		return err
	})
	require.ErrorIs(t, err, domain.ErrNoDelegatedAmount)

	w, err := store.GetWallet(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), w.Balance)
}

func TestCloseWalletRefundsDeposit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	book := NewBook(Config{WrappedNative: "WNATIVE", WalletDeposit: 7})
	issuer, err := NewIssuer([]byte("0123456789abcdef"))
	require.NoError(t, err)
	auth, _ := issuer.For("r")

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreditNative(ctx, payer, 14); err != nil {
			return err
		}
		if _, err := book.OpenWallet(ctx, tx, OfferWalletID("r"), auth.Address(), "GOLD", payer); err != nil {
			return err
		}
		if _, err := book.OpenWallet(ctx, tx, BidWalletID("r"), auth.Address(), "WNATIVE", payer); err != nil {
			return err
		}
		if err := book.Credit(ctx, tx, OfferWalletID("r"), 1); err != nil {
			return err
		}
		return book.Credit(ctx, tx, BidWalletID("r"), 25)
	})
	require.NoError(t, err)

	n, err := store.NativeBalance(ctx, payer)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		_, err := book.CloseWallet(ctx, tx, auth, OfferWalletID("r"), owner)
		return err
	})
	require.Error(t, err)

	err = store.WithTx(ctx, func(tx domain.Tx) error {
		released, err := book.CloseWallet(ctx, tx, auth, BidWalletID("r"), owner)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(25), released)
		return nil
	})
	require.NoError(t, err)

	n, err = store.NativeBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), n)
	n, err = store.NativeBalance(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}
