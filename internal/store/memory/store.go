// Package memory provides an in-process implementation of domain.Store.
// Each unit of work runs against a private copy of the state that replaces
// the shared state only when the work succeeds.
package memory

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
)

type voucherKey struct {
	round string
	user  common.Address
}

type allowanceKey struct {
	wallet   string
	delegate common.Address
}

type state struct {
	rounds     map[string]domain.Round
	vouchers   map[voucherKey]domain.Voucher
	wallets    map[string]domain.Wallet
	allowances map[allowanceKey]uint64
	native     map[common.Address]uint64
}

func newState() *state {
	return &state{
		rounds:     make(map[string]domain.Round),
		vouchers:   make(map[voucherKey]domain.Voucher),
		wallets:    make(map[string]domain.Wallet),
		allowances: make(map[allowanceKey]uint64),
		native:     make(map[common.Address]uint64),
	}
}

func (s *state) clone() *state {
	out := &state{
		rounds:     make(map[string]domain.Round, len(s.rounds)),
		vouchers:   make(map[voucherKey]domain.Voucher, len(s.vouchers)),
		wallets:    make(map[string]domain.Wallet, len(s.wallets)),
		allowances: make(map[allowanceKey]uint64, len(s.allowances)),
		native:     make(map[common.Address]uint64, len(s.native)),
	}
	for k, v := range s.rounds {
		out.rounds[k] = v.Clone()
	}
	for k, v := range s.vouchers {
		out.vouchers[k] = v
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.allowances {
		out.allowances[k] = v
	}
	for k, v := range s.native {
		out.native[k] = v
	}
	return out
}

// Store is a transactional in-memory store. Units of work are serialized.
type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *state
}

var _ domain.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// WithTx runs fn against a copy of the state and publishes the copy only if
// fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&tx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetRound(_ context.Context, id string) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.rounds[id]
	if !ok {
		return domain.Round{}, fmt.Errorf("memory: round %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ListRounds(_ context.Context, status domain.RoundStatus, opts domain.ListOpts) ([]domain.Round, error) {
	s.mu.RLock()
	out := make([]domain.Round, 0, len(s.state.rounds))
	for _, r := range s.state.rounds {
		if status != "" && r.Status != status {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

func (s *Store) GetVoucher(_ context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.vouchers[voucherKey{roundID, user}]
	if !ok {
		return domain.Voucher{}, fmt.Errorf("memory: voucher %s/%s: %w", roundID, user.Hex(), domain.ErrNotFound)
	}
	return v, nil
}

func (s *Store) ListVouchers(_ context.Context, roundID string) ([]domain.Voucher, error) {
	s.mu.RLock()
	var out []domain.Voucher
	for k, v := range s.state.vouchers {
		if k.round == roundID {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].User.Cmp(out[j].User) < 0
	})
	return out, nil
}

func (s *Store) GetWallet(_ context.Context, id string) (domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.state.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("memory: wallet %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (s *Store) NativeBalance(_ context.Context, account common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.native[account], nil
}

func paginate(rounds []domain.Round, opts domain.ListOpts) []domain.Round {
	if opts.Offset > 0 {
		if opts.Offset >= len(rounds) {
			return nil
		}
		rounds = rounds[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(rounds) {
		rounds = rounds[:opts.Limit]
	}
	return rounds
}

// tx mutates a private copy of the state.
type tx struct {
	st *state
}

func (t *tx) LockRound(_ context.Context, id string) (domain.Round, error) {
	r, ok := t.st.rounds[id]
	if !ok {
		return domain.Round{}, fmt.Errorf("memory: round %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *tx) InsertRound(_ context.Context, r domain.Round) error {
	if _, ok := t.st.rounds[r.ID]; ok {
		return fmt.Errorf("memory: round %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	t.st.rounds[r.ID] = r.Clone()
	return nil
}

func (t *tx) UpdateRound(_ context.Context, r domain.Round) error {
	if _, ok := t.st.rounds[r.ID]; !ok {
		return fmt.Errorf("memory: round %s: %w", r.ID, domain.ErrNotFound)
	}
	t.st.rounds[r.ID] = r.Clone()
	return nil
}

func (t *tx) DeleteRound(_ context.Context, id string) error {
	if _, ok := t.st.rounds[id]; !ok {
		return fmt.Errorf("memory: round %s: %w", id, domain.ErrNotFound)
	}
	delete(t.st.rounds, id)
	return nil
}

func (t *tx) GetVoucher(_ context.Context, roundID string, user common.Address) (domain.Voucher, error) {
	v, ok := t.st.vouchers[voucherKey{roundID, user}]
	if !ok {
		return domain.Voucher{}, fmt.Errorf("memory: voucher %s/%s: %w", roundID, user.Hex(), domain.ErrNotFound)
	}
	return v, nil
}

func (t *tx) PutVoucher(_ context.Context, v domain.Voucher) error {
	t.st.vouchers[voucherKey{v.RoundID, v.User}] = v
	return nil
}

func (t *tx) DeleteVoucher(_ context.Context, roundID string, user common.Address) error {
	k := voucherKey{roundID, user}
	if _, ok := t.st.vouchers[k]; !ok {
		return fmt.Errorf("memory: voucher %s/%s: %w", roundID, user.Hex(), domain.ErrNotFound)
	}
	delete(t.st.vouchers, k)
	return nil
}

func (t *tx) GetWallet(_ context.Context, id string) (domain.Wallet, error) {
	w, ok := t.st.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("memory: wallet %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (t *tx) InsertWallet(_ context.Context, w domain.Wallet) error {
	if _, ok := t.st.wallets[w.ID]; ok {
		return fmt.Errorf("memory: wallet %s: %w", w.ID, domain.ErrAlreadyExists)
	}
	t.st.wallets[w.ID] = w
	return nil
}

func (t *tx) UpdateWallet(_ context.Context, w domain.Wallet) error {
	if _, ok := t.st.wallets[w.ID]; !ok {
		return fmt.Errorf("memory: wallet %s: %w", w.ID, domain.ErrNotFound)
	}
	t.st.wallets[w.ID] = w
	return nil
}

func (t *tx) DeleteWallet(_ context.Context, id string) error {
	if _, ok := t.st.wallets[id]; !ok {
		return fmt.Errorf("memory: wallet %s: %w", id, domain.ErrNotFound)
	}
	delete(t.st.wallets, id)
	for k := range t.st.allowances {
		if k.wallet == id {
			delete(t.st.allowances, k)
		}
	}
	return nil
}

func (t *tx) Allowance(_ context.Context, walletID string, delegate common.Address) (uint64, error) {
	return t.st.allowances[allowanceKey{walletID, delegate}], nil
}

func (t *tx) SetAllowance(_ context.Context, a domain.Allowance) error {
	k := allowanceKey{a.WalletID, a.Delegate}
	if a.Amount == 0 {
		delete(t.st.allowances, k)
		return nil
	}
	t.st.allowances[k] = a.Amount
	return nil
}

func (t *tx) CreditNative(_ context.Context, account common.Address, amount uint64) error {
	sum, carry := bits.Add64(t.st.native[account], amount, 0)
	if carry != 0 {
		return fmt.Errorf("memory: credit %s: %w", account.Hex(), domain.ErrArithmeticOverflow)
	}
	t.st.native[account] = sum
	return nil
}

func (t *tx) DebitNative(_ context.Context, account common.Address, amount uint64) error {
	bal := t.st.native[account]
	if bal < amount {
		return fmt.Errorf("memory: debit %s: holds %d, need %d: %w", account.Hex(), bal, amount, domain.ErrInsufficientFunds)
	}
	t.st.native[account] = bal - amount
	return nil
}
