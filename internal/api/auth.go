package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/service"
)

const (
	HeaderAccount   = "X-Coldchain-Account"
	HeaderTimestamp = "X-Coldchain-Timestamp"
	HeaderSignature = "X-Coldchain-Signature"
)

type callerKey struct{}

// Authenticator resolves the calling account of a request. With signatures
// required the account header must be backed by an ed25519 signature from
// the account's registered key over method, request URI, timestamp and body.
// Otherwise the account header is trusted as is.
type Authenticator struct {
	Registry          *service.AccountRegistry
	RequireSignatures bool
	MaxSkew           time.Duration
	Now               func() time.Time
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := a.authenticate(r)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, badRequest(err))
			return
		}
		if err != nil {
			writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil))
			return
		}
		logging.AddField(r.Context(), "account", string(account))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, account)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (ledger.Account, error) {
	account := ledger.Account(strings.TrimSpace(r.Header.Get(HeaderAccount)))
	if account.IsZero() {
		return "", fmt.Errorf("missing %s header", HeaderAccount)
	}
	if !a.RequireSignatures {
		return account, nil
	}
	identity, ok := a.Registry.Lookup(account)
	if !ok {
		return "", fmt.Errorf("account %s is not registered", account)
	}
	ts := r.Header.Get(HeaderTimestamp)
	signedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "", fmt.Errorf("invalid %s header", HeaderTimestamp)
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	if skew := now.Sub(signedAt); skew > a.MaxSkew || skew < -a.MaxSkew {
		return "", fmt.Errorf("request timestamp outside the allowed %s window", a.MaxSkew)
	}
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return "", fmt.Errorf("read request body: %w", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	if !crypto.VerifyRequest(identity.PublicKey, r.Method, r.URL.RequestURI(), ts, body, r.Header.Get(HeaderSignature)) {
		return "", fmt.Errorf("invalid request signature")
	}
	return account, nil
}

// Caller returns the account established by Authenticator.Middleware.
func Caller(ctx context.Context) ledger.Account {
	account, _ := ctx.Value(callerKey{}).(ledger.Account)
	return account
}
