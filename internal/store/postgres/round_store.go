package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store using PostgreSQL. Every mutation runs inside
// a database transaction and rounds are locked with SELECT ... FOR UPDATE.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a read-committed transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(&tx{q: ptx})
	})
}

// GetRound returns the round with the given id.
func (s *Store) GetRound(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, s.pool, id, false)
}

// ListRounds returns rounds newest first, optionally filtered by status.
func (s *Store) ListRounds(ctx context.Context, status domain.RoundStatus, opts domain.ListOpts) ([]domain.Round, error) {
	query, args := listRoundsQuery(status, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}
	return rounds, nil
}

// GetVoucher returns the open voucher of user in a round.
func (s *Store) GetVoucher(ctx context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	return getVoucher(ctx, s.pool, roundID, user)
}

// ListVouchers returns the open vouchers of a round ordered by creation.
func (s *Store) ListVouchers(ctx context.Context, roundID string) ([]domain.Voucher, error) {
	query := `SELECT ` + voucherSelectCols + ` FROM vouchers WHERE round_id = $1 ORDER BY created_at, user_addr`
	rows, err := s.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vouchers %s: %w", roundID, err)
	}
	defer rows.Close()

	var out []domain.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan voucher: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list vouchers rows: %w", err)
	}
	return out, nil
}

// GetWallet returns a custody or associated wallet.
func (s *Store) GetWallet(ctx context.Context, id string) (domain.Wallet, error) {
	return getWallet(ctx, s.pool, id, false)
}

// NativeBalance returns the native balance of account, zero if it never held
// any.
func (s *Store) NativeBalance(ctx context.Context, account common.Address) (uint64, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM native_balances WHERE account = $1`, account.Hex(),
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: native balance %s: %w", account.Hex(), err)
	}
	return parseAmount(bal)
}

// tx is the domain.Tx view of one database transaction.
type tx struct {
	q querier
}

func (t *tx) LockRound(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, t.q, id, true)
}

func (t *tx) InsertRound(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			id, version, status, bid_asset, offer_asset,
			heir, recipient, payer, return_wallet, reconciliation_authority,
			bidding_start, bidding_end, target_bid, total_bid, total_offer,
			attested_bid, vouchers_count, deposit, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`
	_, err := t.q.Exec(ctx, query, roundArgs(r)...)
	if err != nil {
		return fmt.Errorf("postgres: insert round %s: %w", r.ID, mapWriteErr(err))
	}
	return nil
}

func (t *tx) UpdateRound(ctx context.Context, r domain.Round) error {
	const query = `
		UPDATE rounds SET
			version = $2, status = $3, bid_asset = $4, offer_asset = $5,
			heir = $6, recipient = $7, payer = $8, return_wallet = $9,
			reconciliation_authority = $10, bidding_start = $11, bidding_end = $12,
			target_bid = $13, total_bid = $14, total_offer = $15,
			attested_bid = $16, vouchers_count = $17, deposit = $18,
			created_at = $19, updated_at = $20
		WHERE id = $1`
	tag, err := t.q.Exec(ctx, query, roundArgs(r)...)
	if err != nil {
		return fmt.Errorf("postgres: update round %s: %w", r.ID, mapWriteErr(err))
	}
	if tag.RowsAffected() == 0 {
		return notFound("update round", r.ID)
	}
	return nil
}

func (t *tx) DeleteRound(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM rounds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete round %s: %w", id, mapWriteErr(err))
	}
	if tag.RowsAffected() == 0 {
		return notFound("delete round", id)
	}
	return nil
}

func (t *tx) GetVoucher(ctx context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	return getVoucher(ctx, t.q, roundID, user)
}

func (t *tx) PutVoucher(ctx context.Context, v domain.Voucher) error {
	const query = `
		INSERT INTO vouchers (round_id, user_addr, payer, kind, amount, deposit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (round_id, user_addr) DO UPDATE SET
			payer = EXCLUDED.payer,
			kind = EXCLUDED.kind,
			amount = EXCLUDED.amount,
			deposit = EXCLUDED.deposit,
			updated_at = EXCLUDED.updated_at`
	_, err := t.q.Exec(ctx, query,
		v.RoundID, v.User.Hex(), v.Payer.Hex(), contributionKind(v.Contribution),
		formatAmount(v.Amount()), formatAmount(v.Deposit), v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put voucher %s/%s: %w", v.RoundID, v.User.Hex(), mapWriteErr(err))
	}
	return nil
}

func (t *tx) DeleteVoucher(ctx context.Context, roundID string, user common.Address) error {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM vouchers WHERE round_id = $1 AND user_addr = $2`, roundID, user.Hex(),
	)
	if err != nil {
		return fmt.Errorf("postgres: delete voucher %s/%s: %w", roundID, user.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("delete voucher", roundID+"/"+user.Hex())
	}
	return nil
}

// roundSelectCols lists the columns selected when reading rounds. Amounts
// are read as text because they may exceed the signed 64-bit range.
const roundSelectCols = `id, version, status, bid_asset, offer_asset,
	heir, recipient, payer, return_wallet, reconciliation_authority,
	bidding_start, bidding_end, target_bid::TEXT, total_bid::TEXT, total_offer::TEXT,
	attested_bid::TEXT, vouchers_count, deposit::TEXT, created_at, updated_at`

const voucherSelectCols = `round_id, user_addr, payer, kind, amount::TEXT, deposit::TEXT, created_at, updated_at`

// notFound wraps domain.ErrNotFound with the failed action and key.
func notFound(action, key string) error {
	return fmt.Errorf("postgres: %s %s: %w", action, key, domain.ErrNotFound)
}

func getRound(ctx context.Context, q querier, id string, forUpdate bool) (domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRound(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, notFound("get round", id)
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, err)
	}
	return r, nil
}

func getVoucher(ctx context.Context, q querier, roundID string, user common.Address) (domain.Voucher, error) {
	query := `SELECT ` + voucherSelectCols + ` FROM vouchers WHERE round_id = $1 AND user_addr = $2`
	v, err := scanVoucher(q.QueryRow(ctx, query, roundID, user.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Voucher{}, notFound("get voucher", roundID+"/"+user.Hex())
		}
		return domain.Voucher{}, fmt.Errorf("postgres: get voucher %s/%s: %w", roundID, user.Hex(), err)
	}
	return v, nil
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r                               domain.Round
		version                         int16
		status, heir, recipient, payer  string
		authority, totalBid, totalOffer *string
		targetBid, attestedBid, deposit string
		vouchersCount                   int64
		biddingStart, biddingEnd        time.Time
		createdAt, updatedAt            time.Time
	)
	err := row.Scan(
		&r.ID, &version, &status, &r.BidAsset, &r.OfferAsset,
		&heir, &recipient, &payer, &r.ReturnWallet, &authority,
		&biddingStart, &biddingEnd, &targetBid, &totalBid, &totalOffer,
		&attestedBid, &vouchersCount, &deposit, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}

	r.Version = uint8(version)
	r.Status = domain.RoundStatus(status)
	r.Heir = common.HexToAddress(heir)
	r.Recipient = common.HexToAddress(recipient)
	r.Payer = common.HexToAddress(payer)
	if authority != nil {
		a := common.HexToAddress(*authority)
		r.ReconciliationAuthority = &a
	}
	r.BiddingStart = biddingStart.UTC()
	r.BiddingEnd = biddingEnd.UTC()
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()
	r.VouchersCount = uint64(vouchersCount)

	if r.TargetBid, err = parseAmount(targetBid); err != nil {
		return domain.Round{}, err
	}
	if r.AttestedBid, err = parseAmount(attestedBid); err != nil {
		return domain.Round{}, err
	}
	if r.Deposit, err = parseAmount(deposit); err != nil {
		return domain.Round{}, err
	}
	if r.TotalBid, err = parseOptionalAmount(totalBid); err != nil {
		return domain.Round{}, err
	}
	if r.TotalOffer, err = parseOptionalAmount(totalOffer); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

func scanVoucher(row pgx.Row) (domain.Voucher, error) {
	var (
		v                 domain.Voucher
		user, payer, kind string
		amount, deposit   string
	)
	if err := row.Scan(&v.RoundID, &user, &payer, &kind, &amount, &deposit, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return domain.Voucher{}, err
	}
	v.User = common.HexToAddress(user)
	v.Payer = common.HexToAddress(payer)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()

	amt, err := parseAmount(amount)
	if err != nil {
		return domain.Voucher{}, err
	}
	v.Contribution = domain.NewContribution(amt, kind == kindAttested)
	if v.Deposit, err = parseAmount(deposit); err != nil {
		return domain.Voucher{}, err
	}
	return v, nil
}

func roundArgs(r domain.Round) []any {
	var authority *string
	if r.ReconciliationAuthority != nil {
		a := r.ReconciliationAuthority.Hex()
		authority = &a
	}
	return []any{
		r.ID, int16(r.Version), string(r.Status), r.BidAsset, r.OfferAsset,
		r.Heir.Hex(), r.Recipient.Hex(), r.Payer.Hex(), r.ReturnWallet, authority,
		r.BiddingStart, r.BiddingEnd, formatAmount(r.TargetBid),
		formatOptionalAmount(r.TotalBid), formatOptionalAmount(r.TotalOffer),
		formatAmount(r.AttestedBid), int64(r.VouchersCount), formatAmount(r.Deposit),
		r.CreatedAt, r.UpdatedAt,
	}
}

// listRoundsQuery builds the paginated round listing.
func listRoundsQuery(status domain.RoundStatus, opts domain.ListOpts) (string, []any) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

const (
	kindOnLedger = "on_ledger"
	kindAttested = "attested"
)

func contributionKind(c domain.Contribution) string {
	if _, ok := c.(domain.Attested); ok {
		return kindAttested
	}
	return kindOnLedger
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func formatOptionalAmount(v *uint64) *string {
	if v == nil {
		return nil
	}
	s := formatAmount(*v)
	return &s
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse amount %q: %w", s, err)
	}
	return v, nil
}

func parseOptionalAmount(s *string) (*uint64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := parseAmount(*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PostgreSQL error codes mapped onto domain errors.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// mapWriteErr translates constraint violations into domain errors. A check
// violation on an amount column means the value left the uint64 range.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrAlreadyExists)
	case pgCheckViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrArithmeticOverflow)
	}
	return err
}
