package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/settlement"
)

// RoundService defines the methods that the round handler requires from
// the service layer.
type RoundService interface {
	HeirTimeout() time.Duration
	Reserve() (string, common.Address, error)
	Authority(roundID string) (common.Address, error)
	GetRound(ctx context.Context, id string) (domain.Round, error)
	ListRounds(ctx context.Context, status domain.RoundStatus, opts domain.ListOpts) ([]domain.Round, error)
	GetVoucher(ctx context.Context, roundID string, user common.Address) (domain.Voucher, error)
	ListVouchers(ctx context.Context, roundID string) ([]domain.Voucher, error)
	CreateRound(ctx context.Context, p settlement.CreateParams) (domain.Round, error)
	Contribute(ctx context.Context, roundID string, user common.Address, source string) (domain.Voucher, error)
	RecordOffchain(ctx context.Context, roundID string, caller, user common.Address, amount uint64) (bool, error)
	FinishReconciliation(ctx context.Context, roundID string, caller common.Address) (domain.Round, error)
	Withdraw(ctx context.Context, p settlement.WithdrawParams) (uint64, domain.WithdrawReason, error)
	RejectBid(ctx context.Context, roundID string, caller, user common.Address) (uint64, error)
	Accept(ctx context.Context, roundID string, caller common.Address, reconciler *common.Address) (domain.Round, error)
	Reject(ctx context.Context, roundID string, caller common.Address) (domain.Round, error)
	Redeem(ctx context.Context, roundID string, caller, user common.Address) (uint64, error)
	Cancel(ctx context.Context, roundID string, caller common.Address) (domain.Round, error)
	Close(ctx context.Context, roundID string, caller common.Address) (domain.Round, error)
	Migrate(ctx context.Context, roundID string) (domain.Round, bool, error)
}

// RoundHandler serves the round endpoints. Every mutation is attributed
// to the signer of the request.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{rounds: rounds, logger: logger}
}

func (h *RoundHandler) view(r domain.Round) roundView {
	v := newRoundView(r, h.rounds.HeirTimeout())
	if auth, err := h.rounds.Authority(r.ID); err == nil {
		v.Authority = auth.Hex()
	}
	return v
}

type reservationResponse struct {
	RoundID   string `json:"round_id"`
	Authority string `json:"authority"`
}

// Reserve allocates a round id. The offer wallet must approve the returned
// authority before the round is created.
// POST /api/rounds/reservations
func (h *RoundHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSigner(w, r); !ok {
		return
	}
	id, auth, err := h.rounds.Reserve()
	if err != nil {
		writeDomainError(w, r, h.logger, "reserve round", err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{RoundID: id, Authority: auth.Hex()})
}

type createRoundRequest struct {
	RoundID      string `json:"round_id"`
	Heir         string `json:"heir"`
	Recipient    string `json:"recipient"`
	BidAsset     string `json:"bid_asset"`
	OfferWallet  string `json:"offer_wallet"`
	TargetBid    string `json:"target_bid"`
	BiddingStart int64  `json:"bidding_start"`
	BiddingEnd   int64  `json:"bidding_end"`
}

// CreateRound opens a round funded by the signer's offer wallet.
// POST /api/rounds
func (h *RoundHandler) CreateRound(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req createRoundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := req.params(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	round, err := h.rounds.CreateRound(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, h.logger, "create round", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(round))
}

func (req createRoundRequest) params(caller common.Address) (settlement.CreateParams, error) {
	heir, err := optionalAddress("heir", req.Heir, caller)
	if err != nil {
		return settlement.CreateParams{}, err
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		return settlement.CreateParams{}, err
	}
	target, err := parseAmount("target_bid", req.TargetBid)
	if err != nil {
		return settlement.CreateParams{}, err
	}
	return settlement.CreateParams{
		RoundID:           req.RoundID,
		Caller:            caller,
		Heir:              heir,
		Recipient:         recipient,
		BidAsset:          req.BidAsset,
		OfferSourceWallet: req.OfferWallet,
		TargetBid:         target,
		BiddingStart:      time.Unix(req.BiddingStart, 0).UTC(),
		BiddingEnd:        time.Unix(req.BiddingEnd, 0).UTC(),
	}, nil
}

type listRoundsResponse struct {
	Rounds []roundView `json:"rounds"`
}

// ListRounds returns rounds, newest first.
// GET /api/rounds?status=pending&limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	status := domain.RoundStatus(r.URL.Query().Get("status"))
	rounds, err := h.rounds.ListRounds(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list rounds", err)
		return
	}
	out := make([]roundView, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, h.view(rd))
	}
	writeJSON(w, http.StatusOK, listRoundsResponse{Rounds: out})
}

// GetRound returns a single round.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.rounds.GetRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(round))
}

type listVouchersResponse struct {
	Vouchers []voucherView `json:"vouchers"`
}

// ListVouchers returns the open vouchers of a round.
// GET /api/rounds/{id}/vouchers
func (h *RoundHandler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	vouchers, err := h.rounds.ListVouchers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "list vouchers", err)
		return
	}
	out := make([]voucherView, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, newVoucherView(v))
	}
	writeJSON(w, http.StatusOK, listVouchersResponse{Vouchers: out})
}

// GetVoucher returns one user's voucher.
// GET /api/rounds/{id}/vouchers/{user}
func (h *RoundHandler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.rounds.GetVoucher(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeDomainError(w, r, h.logger, "get voucher", err)
		return
	}
	writeJSON(w, http.StatusOK, newVoucherView(v))
}

type contributeRequest struct {
	SourceWallet string `json:"source_wallet"`
}

// Contribute adds the signer's approved allowance to their bid.
// POST /api/rounds/{id}/contributions
func (h *RoundHandler) Contribute(w http.ResponseWriter, r *http.Request) {
	user, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req contributeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceWallet == "" {
		writeError(w, http.StatusBadRequest, "source_wallet is required")
		return
	}
	v, err := h.rounds.Contribute(r.Context(), r.PathValue("id"), user, req.SourceWallet)
	if err != nil {
		writeDomainError(w, r, h.logger, "contribute", err)
		return
	}
	writeJSON(w, http.StatusOK, newVoucherView(v))
}

type offchainRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type offchainResponse struct {
	Recorded bool `json:"recorded"`
}

// RecordOffchain records an attested contribution. The signer must be the
// round's reconciliation authority.
// POST /api/rounds/{id}/offchain-contributions
func (h *RoundHandler) RecordOffchain(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req offchainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recorded, err := h.rounds.RecordOffchain(r.Context(), r.PathValue("id"), caller, user, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "record offchain", err)
		return
	}
	writeJSON(w, http.StatusOK, offchainResponse{Recorded: recorded})
}

// FinishReconciliation makes a reconciled round redeemable.
// POST /api/rounds/{id}/finish-reconciliation
func (h *RoundHandler) FinishReconciliation(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	round, err := h.rounds.FinishReconciliation(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, "finish reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(round))
}

type userRequest struct {
	User string `json:"user"`
}

type payoutResponse struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// Withdraw returns a bid. When the signer is the user the withdrawal is
// consented; anyone else may only withdraw for the user after the heir
// timeout or once the round was rejected.
// POST /api/rounds/{id}/withdrawals
func (h *RoundHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	user, ok := h.decodeUser(w, r, caller)
	if !ok {
		return
	}
	amount, reason, err := h.rounds.Withdraw(r.Context(), settlement.WithdrawParams{
		RoundID: r.PathValue("id"),
		User:    user,
		Caller:  caller,
		Consent: caller == user,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{User: user.Hex(), Amount: amountString(amount), Reason: string(reason)})
}

// RejectBid lets the heir refund one contributor.
// POST /api/rounds/{id}/rejected-bids
func (h *RoundHandler) RejectBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := h.rounds.RejectBid(r.Context(), r.PathValue("id"), caller, user)
	if err != nil {
		writeDomainError(w, r, h.logger, "reject bid", err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{
		User:   user.Hex(),
		Amount: amountString(amount),
		Reason: string(domain.WithdrawBidRejected),
	})
}

type acceptRequest struct {
	Reconciler string `json:"reconciler,omitempty"`
}

// Accept settles the pool. Naming a reconciler hands the round over to
// off-ledger reconciliation.
// POST /api/rounds/{id}/accept
func (h *RoundHandler) Accept(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var reconciler *common.Address
	if req.Reconciler != "" {
		a, err := parseAddress("reconciler", req.Reconciler)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		reconciler = &a
	}
	round, err := h.rounds.Accept(r.Context(), r.PathValue("id"), caller, reconciler)
	if err != nil {
		writeDomainError(w, r, h.logger, "accept", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(round))
}

// Reject returns the offer and opens withdrawals.
// POST /api/rounds/{id}/reject
func (h *RoundHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reject", h.rounds.Reject)
}

// Cancel unwinds a round before bidding starts.
// POST /api/rounds/{id}/cancel
func (h *RoundHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.rounds.Cancel)
}

// Close dissolves a drained round.
// POST /api/rounds/{id}/close
func (h *RoundHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "close", h.rounds.Close)
}

func (h *RoundHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, roundID string, caller common.Address) (domain.Round, error),
) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	round, err := fn(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(round))
}

// Redeem pays a user's share of the offer. The signer must be the user.
// POST /api/rounds/{id}/redemptions
func (h *RoundHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireSigner(w, r)
	if !ok {
		return
	}
	user, ok := h.decodeUser(w, r, caller)
	if !ok {
		return
	}
	amount, err := h.rounds.Redeem(r.Context(), r.PathValue("id"), caller, user)
	if err != nil {
		writeDomainError(w, r, h.logger, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{User: user.Hex(), Amount: amountString(amount)})
}

type migrateResponse struct {
	Round   roundView `json:"round"`
	Changed bool      `json:"changed"`
}

// Migrate upgrades a round record to the current schema. Operator only.
// POST /api/rounds/{id}/migrate
func (h *RoundHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	round, changed, err := h.rounds.Migrate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "migrate", err)
		return
	}
	writeJSON(w, http.StatusOK, migrateResponse{Round: h.view(round), Changed: changed})
}

// decodeUser reads an optional {"user": ...} body, defaulting to fallback.
func (h *RoundHandler) decodeUser(w http.ResponseWriter, r *http.Request, fallback common.Address) (common.Address, bool) {
	var req userRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return common.Address{}, false
	}
	user, err := optionalAddress("user", req.User, fallback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return common.Address{}, false
	}
	return user, true
}
