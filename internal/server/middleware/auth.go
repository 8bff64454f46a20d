package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/bidround/internal/crypto"
)

// MaxSignedBody bounds the request body read for signature verification.
const MaxSignedBody = 1 << 20

type signerKey struct{}

// Signer returns the address whose signature authenticated the request.
func Signer(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(signerKey{}).(common.Address)
	return a, ok
}

// WithSigner attaches an authenticated signer to ctx.
func WithSigner(ctx context.Context, a common.Address) context.Context {
	return context.WithValue(ctx, signerKey{}, a)
}

// Signature authenticates requests that carry the X-Bidround-Signer and
// X-Bidround-Signature headers. The signature must recover to the claimed
// signer over RequestMessage(method, path, body). Requests without the
// headers pass through unauthenticated; handlers that need a caller check
// Signer. A bad or mismatched signature is rejected with 401.
func Signature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := strings.TrimSpace(r.Header.Get(crypto.HeaderSigner))
			sig := strings.TrimSpace(r.Header.Get(crypto.HeaderSignature))
			if claimed == "" && sig == "" {
				next.ServeHTTP(w, r)
				return
			}
			if claimed == "" || sig == "" || !common.IsHexAddress(claimed) {
				writeUnauthorized(w, "incomplete request signature")
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
				r.Body.Close()
				if err != nil {
					writeUnauthorized(w, "unreadable request body")
					return
				}
				if len(body) > MaxSignedBody {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					w.Write([]byte(`{"error":"request body too large"}`))
					return
				}
			}
			signer := common.HexToAddress(claimed)
			if err := crypto.VerifyRequest(r.Method, r.URL.Path, body, signer, sig); err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithSigner(r.Context(), signer)))
		})
	}
}

// RequireAPIKey guards operator endpoints with a Bearer token in the
// Authorization header or a static key in the X-API-Key header. An empty
// apiKey rejects every request.
func RequireAPIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				writeError(w, http.StatusForbidden, "operator endpoints disabled")
				return
			}
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing operator token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
