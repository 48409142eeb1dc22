package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// WorkerAuth verifies the HS256 bearer tokens human workers present on the
// /worker endpoints. The token subject identifies the worker and is stored
// in the request context for claim attribution. An empty secret disables
// the endpoints entirely.
type WorkerAuth struct {
	secret []byte
}

// NewWorkerAuth creates the verifier. Returns nil when no secret is
// configured.
func NewWorkerAuth(secret string) *WorkerAuth {
	if secret == "" {
		return nil
	}
	return &WorkerAuth{secret: []byte(secret)}
}

// IssueToken signs a token for the given worker id. Used by operators to
// provision worker credentials out of band.
func (a *WorkerAuth) IssueToken(workerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   workerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// verify parses a bearer token and returns the worker id.
func (a *WorkerAuth) verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return claims.Subject, nil
}

// Wrap protects a worker endpoint. A nil WorkerAuth rejects everything with
// 404 so the endpoints are invisible when the feature is off.
func (a *WorkerAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.NotFound(w, r)
			return
		}

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "bearer token required", 0)
			return
		}

		workerID, err := a.verify(raw)
		if err != nil {
			WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token", 0)
			return
		}

		ctx := context.WithValue(r.Context(), workerKey, workerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
