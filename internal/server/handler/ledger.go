package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
)

// LedgerService defines the methods that the ledger handler requires from
// the service layer.
type LedgerService interface {
	OpenWallet(ctx context.Context, owner common.Address, asset string) (domain.Wallet, error)
	Approve(ctx context.Context, owner common.Address, walletID string, delegate common.Address, amount uint64) error
	Credit(ctx context.Context, walletID string, amount uint64) (domain.Wallet, error)
	CreditNative(ctx context.Context, account common.Address, amount uint64) (uint64, error)
	Wallet(ctx context.Context, id string) (domain.Wallet, error)
	NativeBalance(ctx context.Context, account common.Address) (uint64, error)
}

// LedgerHandler serves the custody ledger endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

type openWalletRequest struct {
	Asset string `json:"asset"`
}

// OpenWallet returns the signer's associated wallet for an asset.
// POST /api/ledger/wallets
func (h *LedgerHandler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req openWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := h.ledger.OpenWallet(r.Context(), owner, req.Asset)
	if err != nil {
		writeDomainError(w, r, h.logger, "open wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, newWalletView(wallet))
}

type approveRequest struct {
	Wallet   string `json:"wallet"`
	Delegate string `json:"delegate"`
	Amount   string `json:"amount"`
}

// Approve grants a delegate the right to pull an exact amount from one of
// the signer's wallets. Amount 0 revokes.
// POST /api/ledger/approvals
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	delegate, err := parseAddress("delegate", req.Delegate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.Approve(r.Context(), owner, req.Wallet, delegate, amount); err != nil {
		writeDomainError(w, r, h.logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"wallet":   req.Wallet,
		"delegate": delegate.Hex(),
		"amount":   amountString(amount),
	})
}

type creditRequest struct {
	Wallet  string `json:"wallet,omitempty"`
	Account string `json:"account,omitempty"`
	Amount  string `json:"amount"`
}

// Credit funds a custody wallet, or an account's native balance when
// account is given instead of wallet. Operator only.
// POST /api/ledger/credits
func (h *LedgerHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case req.Wallet != "" && req.Account == "":
		wallet, err := h.ledger.Credit(r.Context(), req.Wallet, amount)
		if err != nil {
			writeDomainError(w, r, h.logger, "credit", err)
			return
		}
		writeJSON(w, http.StatusOK, newWalletView(wallet))
	case req.Account != "" && req.Wallet == "":
		account, err := parseAddress("account", req.Account)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		balance, err := h.ledger.CreditNative(r.Context(), account, amount)
		if err != nil {
			writeDomainError(w, r, h.logger, "credit native", err)
			return
		}
		writeJSON(w, http.StatusOK, nativeView{Account: account.Hex(), Balance: amountString(balance)})
	default:
		writeError(w, http.StatusBadRequest, "exactly one of wallet or account is required")
	}
}

// GetWallet returns a custody wallet.
// GET /api/ledger/wallets/{id}
func (h *LedgerHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Wallet(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, newWalletView(wallet))
}

type nativeView struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// NativeBalance returns an account's native balance.
// GET /api/ledger/native/{account}
func (h *LedgerHandler) NativeBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := h.ledger.NativeBalance(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, "native balance", err)
		return
	}
	writeJSON(w, http.StatusOK, nativeView{Account: account.Hex(), Balance: amountString(balance)})
}
