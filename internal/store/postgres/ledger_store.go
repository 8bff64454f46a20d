package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/bidround/internal/domain"
)

const walletSelectCols = `id, owner, asset, balance::TEXT, deposit::TEXT, deposit_payer, created_at`

// getWallet reads a wallet. Inside a transaction the row is locked so
// balance read-modify-write cycles from concurrent units of work serialize.
func getWallet(ctx context.Context, q querier, id string, forUpdate bool) (domain.Wallet, error) {
	var (
		w                domain.Wallet
		owner, payer     string
		balance, deposit string
	)
	query := `SELECT ` + walletSelectCols + ` FROM wallets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	err := q.QueryRow(ctx, query, id).Scan(
		&w.ID, &owner, &w.Asset, &balance, &deposit, &payer, &w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wallet{}, notFound("get wallet", id)
		}
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet %s: %w", id, err)
	}
	w.Owner = common.HexToAddress(owner)
	w.CreatedAt = w.CreatedAt.UTC()
	if payer != "" {
		w.DepositPayer = common.HexToAddress(payer)
	}
	if w.Balance, err = parseAmount(balance); err != nil {
		return domain.Wallet{}, err
	}
	if w.Deposit, err = parseAmount(deposit); err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

func (t *tx) GetWallet(ctx context.Context, id string) (domain.Wallet, error) {
	return getWallet(ctx, t.q, id, true)
}

func (t *tx) InsertWallet(ctx context.Context, w domain.Wallet) error {
	const query = `
		INSERT INTO wallets (id, owner, asset, balance, deposit, deposit_payer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.q.Exec(ctx, query,
		w.ID, w.Owner.Hex(), w.Asset, formatAmount(w.Balance), formatAmount(w.Deposit),
		w.DepositPayer.Hex(), w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert wallet %s: %w", w.ID, mapWriteErr(err))
	}
	return nil
}

// UpdateWallet writes the balance of an existing wallet. Owner, asset and
// deposit are fixed at open.
func (t *tx) UpdateWallet(ctx context.Context, w domain.Wallet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance = $2 WHERE id = $1`, w.ID, formatAmount(w.Balance),
	)
	if err != nil {
		return fmt.Errorf("postgres: update wallet %s: %w", w.ID, mapWriteErr(err))
	}
	if tag.RowsAffected() == 0 {
		return notFound("update wallet", w.ID)
	}
	return nil
}

// DeleteWallet removes a wallet; its allowances go with it through the
// foreign key cascade.
func (t *tx) DeleteWallet(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM wallets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete wallet %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("delete wallet", id)
	}
	return nil
}

func (t *tx) Allowance(ctx context.Context, walletID string, delegate common.Address) (uint64, error) {
	var amount string
	err := t.q.QueryRow(ctx,
		`SELECT amount::TEXT FROM allowances WHERE wallet_id = $1 AND delegate = $2`,
		walletID, delegate.Hex(),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get allowance %s: %w", walletID, err)
	}
	return parseAmount(amount)
}

// SetAllowance replaces the grant for (wallet, delegate). A zero amount
// removes it.
func (t *tx) SetAllowance(ctx context.Context, a domain.Allowance) error {
	if a.Amount == 0 {
		_, err := t.q.Exec(ctx,
			`DELETE FROM allowances WHERE wallet_id = $1 AND delegate = $2`,
			a.WalletID, a.Delegate.Hex(),
		)
		if err != nil {
			return fmt.Errorf("postgres: clear allowance %s: %w", a.WalletID, err)
		}
		return nil
	}
	const query = `
		INSERT INTO allowances (wallet_id, delegate, amount) VALUES ($1, $2, $3)
		ON CONFLICT (wallet_id, delegate) DO UPDATE SET amount = EXCLUDED.amount`
	if _, err := t.q.Exec(ctx, query, a.WalletID, a.Delegate.Hex(), formatAmount(a.Amount)); err != nil {
		return fmt.Errorf("postgres: set allowance %s: %w", a.WalletID, mapWriteErr(err))
	}
	return nil
}

func (t *tx) CreditNative(ctx context.Context, account common.Address, amount uint64) error {
	const query = `
		INSERT INTO native_balances (account, balance) VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET balance = native_balances.balance + EXCLUDED.balance`
	if _, err := t.q.Exec(ctx, query, account.Hex(), formatAmount(amount)); err != nil {
		return fmt.Errorf("postgres: credit native %s: %w", account.Hex(), mapWriteErr(err))
	}
	return nil
}

func (t *tx) DebitNative(ctx context.Context, account common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE native_balances SET balance = balance - $2 WHERE account = $1 AND balance >= $2`,
		account.Hex(), formatAmount(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: debit native %s: %w", account.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("native balance of %s below %d: %w", account.Hex(), amount, domain.ErrInsufficientFunds)
	}
	return nil
}
