// Package tokens issues and validates the signed bearer tokens workers
// present on channel joins: a general worker token identifying a worker
// process, and a run token scoped to exactly one run.
package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spooldev/spool/pkg/protocol"
)

const issuer = "spool"

// Authority signs and verifies tokens with a single shared key. Every
// verification failure collapses into protocol.ErrUnauthorized so callers
// cannot distinguish a bad signature from an expired or mismatched token.
type Authority struct {
	key []byte
	now func() time.Time
}

func NewAuthority(key []byte) *Authority {
	return &Authority{key: key, now: time.Now}
}

// NewAuthorityWithClock is used by tests to control token validity windows.
func NewAuthorityWithClock(key []byte, now func() time.Time) *Authority {
	return &Authority{key: key, now: now}
}

// IssueWorkerToken issues a token identifying a worker process. It is not
// scoped to any run.
func (a *Authority) IssueWorkerToken(workerID string, ttl time.Duration) (string, error) {
	now := a.now()

	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": "worker",
		"wid": workerID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// IssueRunToken issues a token scoped to one run, valid in [nbf, exp).
func (a *Authority) IssueRunToken(runID string, nbf, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":    issuer,
		"sub":    "run",
		"run_id": runID,
		"iat":    a.now().Unix(),
		"nbf":    nbf.Unix(),
		"exp":    exp.Unix(),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// VerifyWorkerToken checks signature and validity window of a worker token.
func (a *Authority) VerifyWorkerToken(token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return protocol.ErrUnauthorized
	}

	if sub, _ := claims["sub"].(string); sub != "worker" {
		return protocol.ErrUnauthorized
	}

	return nil
}

// VerifyRunToken checks signature, validity window, and that the embedded run
// id exactly matches the channel's run id. A mismatch is unauthorized, never
// not-found, so token probing cannot reveal whether a run exists.
func (a *Authority) VerifyRunToken(token, runID string) error {
	claims, err := a.parse(token)
	if err != nil {
		return protocol.ErrUnauthorized
	}

	if sub, _ := claims["sub"].(string); sub != "run" {
		return protocol.ErrUnauthorized
	}

	if claimed, _ := claims["run_id"].(string); claimed == "" || claimed != runID {
		return protocol.ErrUnauthorized
	}

	return nil
}

func (a *Authority) parse(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return nil, protocol.ErrUnauthorized
	}

	return claims, nil
}
