package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const subjectKey ctxKey = iota

var errNoBearer = errors.New("missing bearer token")

// SignToken issues an HS256 token for subject. It backs the server's token
// command and the tests; production tokens come from the auth service.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", errNoBearer
	}
	return strings.TrimSpace(h[len(prefix):]), nil
}

// authenticate rejects requests without a valid bearer token and stores the
// token subject in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r)
		if err == nil {
			var claims *jwt.RegisteredClaims
			if claims, err = parseToken(s.secret, raw); err == nil {
				ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected credential")
		s.metrics.rejected.WithLabelValues(reasonUnauthenticated).Inc()
		s.writeError(w, http.StatusUnauthorized, "Unauthenticated", "a valid bearer token is required")
	})
}

func subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}
