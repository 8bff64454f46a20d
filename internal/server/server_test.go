package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bidround/internal/cache/local"
	"github.com/alanyoungcy/bidround/internal/crypto"
	"github.com/alanyoungcy/bidround/internal/custody"
	"github.com/alanyoungcy/bidround/internal/server/handler"
	"github.com/alanyoungcy/bidround/internal/service"
	"github.com/alanyoungcy/bidround/internal/settlement"
	"github.com/alanyoungcy/bidround/internal/store/memory"
)

const operatorKey = "operator-secret"

type testAPI struct {
	t       *testing.T
	handler http.Handler
	engine  *settlement.Engine
	now     time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer, err := custody.NewIssuer([]byte("server-test-issuer-seed"))
	require.NoError(t, err)

	store := memory.New()
	book := custody.NewBook(custody.Config{WalletDeposit: 1})
	engine := settlement.NewEngine(store, local.NewLockManager(), book, issuer, settlement.Config{
		HeirTimeout:    time.Hour,
		RoundDeposit:   1,
		VoucherDeposit: 1,
	}, logger)

	api := &testAPI{t: t, engine: engine, now: time.Unix(500, 0)}
	engine.SetNowFunc(func() time.Time { return api.now })

	rounds := service.NewRoundService(engine, store, nil, nil, logger)
	ledger := service.NewLedgerService(store, book, logger)
	api.handler = NewHandler(Config{OperatorKey: operatorKey}, Handlers{
		Health: handler.NewHealthHandler("api", map[string]handler.Pinger{
			"store": func(context.Context) error { return nil },
		}, logger),
		Rounds: handler.NewRoundHandler(rounds, logger),
		Ledger: handler.NewLedgerHandler(ledger, logger),
	}, nil, local.NewRateLimiter(time.Minute), logger)
	return api
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewSignerFromKey(pk)
}

func (a *testAPI) do(method, path string, body any, signer *crypto.Signer, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(a.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		sig, err := signer.SignRequest(method, req.URL.Path, raw)
		require.NoError(a.t, err)
		req.Header.Set(crypto.HeaderSigner, signer.Address().Hex())
		req.Header.Set(crypto.HeaderSignature, sig)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

var operator = map[string]string{"Authorization": "Bearer " + operatorKey}

// fundWallet opens signer's wallet for asset and credits it.
func (a *testAPI) fundWallet(s *crypto.Signer, asset, amount string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/ledger/wallets", map[string]string{"asset": asset}, s, nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	wallet := decode[map[string]string](a.t, rec)["id"]

	rec = a.do(http.MethodPost, "/api/ledger/credits", map[string]string{"wallet": wallet, "amount": amount}, nil, operator)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/api/ledger/credits", map[string]string{"account": s.Address().Hex(), "amount": "100"}, nil, operator)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return wallet
}

func (a *testAPI) approve(s *crypto.Signer, wallet, delegate, amount string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/ledger/approvals", map[string]string{
		"wallet": wallet, "delegate": delegate, "amount": amount,
	}, s, nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *testAPI) createRound(heir *crypto.Signer) string {
	a.t.Helper()
	offerWallet := a.fundWallet(heir, "GOLD", "80")

	rec := a.do(http.MethodPost, "/api/rounds/reservations", nil, heir, nil)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[map[string]string](a.t, rec)
	a.approve(heir, offerWallet, res["authority"], "80")

	rec = a.do(http.MethodPost, "/api/rounds", map[string]any{
		"round_id":      res["round_id"],
		"recipient":     heir.Address().Hex(),
		"bid_asset":     "USDC",
		"offer_wallet":  offerWallet,
		"target_bid":    "100",
		"bidding_start": 1000,
		"bidding_end":   2000,
	}, heir, nil)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return res["round_id"]
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/health", nil, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"store": "ok"}, body["checks"])
}

func TestMetricsExposed(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/metrics", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutationsRequireSignature(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/ledger/wallets", map[string]string{"asset": "USDC"}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/api/ledger/wallets", map[string]string{"asset": "USDC"}, newSigner(t), map[string]string{
		crypto.HeaderSigner: newSigner(t).Address().Hex(),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature of another account")
}

func TestCreditsRequireOperatorKey(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]string{"account": newSigner(t).Address().Hex(), "amount": "5"}

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/api/ledger/credits", body, nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/api/ledger/credits", body, nil,
		map[string]string{"X-API-Key": "wrong"}).Code)

	rec := api.do(http.MethodPost, "/api/ledger/credits", body, nil, map[string]string{"X-API-Key": operatorKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "5", decode[map[string]string](t, rec)["balance"])
}

func TestRoundLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	heir := newSigner(t)
	alice := newSigner(t)
	roundID := api.createRound(heir)

	rec := api.do(http.MethodGet, "/api/rounds/"+roundID, nil, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	round := decode[map[string]any](t, rec)
	assert.Equal(t, "pending", round["status"])
	assert.Equal(t, "100", round["target_bid"])
	assert.Nil(t, round["total_bid"])

	bidWallet := api.fundWallet(alice, "USDC", "60")
	authority := round["authority"].(string)
	api.approve(alice, bidWallet, authority, "60")

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/contributions", map[string]string{"source_wallet": bidWallet}, alice, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "bidding not open yet")

	api.now = time.Unix(1500, 0)
	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/contributions", map[string]string{"source_wallet": bidWallet}, heir, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "someone else's wallet")

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/contributions", map[string]string{"source_wallet": bidWallet}, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "60", decode[map[string]string](t, rec)["amount"])

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/withdrawals", map[string]string{"user": alice.Address().Hex()}, heir, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "withdrawal without the user's consent")

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/accept", nil, heir, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "still bidding")

	api.now = time.Unix(2001, 0)
	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/accept", nil, alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/accept", nil, heir, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[map[string]any](t, rec)
	assert.Equal(t, "accepted", accepted["status"])
	assert.Equal(t, "60", accepted["total_bid"])
	assert.Equal(t, "80", accepted["total_offer"])

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/redemptions", map[string]string{"user": alice.Address().Hex()}, heir, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the voucher owner redeems")

	rec = api.do(http.MethodPost, "/api/rounds/"+roundID+"/redemptions", nil, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// 60 * 80 / max(100, 60)
	assert.Equal(t, "48", decode[map[string]string](t, rec)["amount"])

	rec = api.do(http.MethodGet, "/api/rounds/"+roundID+"/vouchers/"+alice.Address().Hex(), nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoundIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/rounds/missing", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadRequestBodies(t *testing.T) {
	api := newTestAPI(t)
	s := newSigner(t)

	rec := api.do(http.MethodPost, "/api/rounds", map[string]any{"round_id": "x", "recipient": "nope"}, s, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/ledger/wallets", map[string]any{"asset": "USDC", "extra": 1}, s, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/rounds?status=settled", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type deniedLimiter struct{ err error }

func (d deniedLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, d.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(Config{RateLimit: 1, RateWindow: time.Second}, Handlers{
		Health: handler.NewHealthHandler("api", nil, logger),
		Rounds: handler.NewRoundHandler(nil, logger),
		Ledger: handler.NewLedgerHandler(nil, logger),
	}, nil, deniedLimiter{}, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	h = NewHandler(Config{RateLimit: 1, RateWindow: time.Second}, Handlers{
		Health: handler.NewHealthHandler("api", nil, logger),
		Rounds: handler.NewRoundHandler(nil, logger),
		Ledger: handler.NewLedgerHandler(nil, logger),
	}, nil, deniedLimiter{err: errors.New("redis down")}, logger)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "limiter errors fail open")
}
