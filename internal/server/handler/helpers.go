package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/domain"
	"github.com/alanyoungcy/bidround/internal/server/middleware"
)

const maxBody = middleware.MaxSignedBody

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps err onto an HTTP status. Unexpected errors are
// logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrMissingConsent):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrWrongStatus),
		errors.Is(err, domain.ErrNotYetOpen),
		errors.Is(err, domain.ErrWindowClosed),
		errors.Is(err, domain.ErrStillBidding),
		errors.Is(err, domain.ErrHeirTimedOut),
		errors.Is(err, domain.ErrNonEmptyPool),
		errors.Is(err, domain.ErrBiddingStarted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidWindow),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrNoDelegatedAmount),
		errors.Is(err, domain.ErrZeroPool),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrInvalidRequest)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrInvalidRequest)
	}
	return nil
}

// requireSigner returns the authenticated caller or writes 401.
func requireSigner(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	a, ok := middleware.Signer(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "signed request required")
		return common.Address{}, false
	}
	return a, true
}

// parseAddress parses a hex account. Empty input is an error.
func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: not a hex address: %w", field, domain.ErrInvalidRequest)
	}
	return common.HexToAddress(s), nil
}

// optionalAddress parses s, or returns fallback when s is empty.
func optionalAddress(field, s string, fallback common.Address) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	return parseAddress(field, s)
}

// parseAmount parses a decimal token amount.
func parseAmount(field, s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: not an unsigned 64-bit decimal: %w", field, domain.ErrInvalidRequest)
	}
	return n, nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

func amountString(n uint64) string {
	return strconv.FormatUint(n, 10)
}
