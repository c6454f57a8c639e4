package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
)

var (
	// ErrMissingToken indicates the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken indicates the token failed verification or names no user.
	ErrInvalidToken = errors.New("invalid token")
)

// TokenQueryParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const TokenQueryParam = "token"

type contextKey int

const userIDKey contextKey = iota

// Claims are the session token claims. The user id is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenAuth verifies HS256 session tokens issued by the surrounding
// platform. It is safe for concurrent use.
type TokenAuth struct {
	secret []byte
	clock  crypto.TimeProvider
	parser *jwt.Parser
}

// NewTokenAuth creates a TokenAuth over the shared secret. clock may be nil.
func NewTokenAuth(secret []byte, clock crypto.TimeProvider) *TokenAuth {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &TokenAuth{
		secret: secret,
		clock:  clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

// Issue signs a token for userID valid for ttl. The daemon does not issue
// tokens itself; Issue serves tooling and tests.
func (a *TokenAuth) Issue(userID string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses raw and returns the user id it names.
func (a *TokenAuth) Verify(raw string) (string, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Authenticate resolves the user behind r from the Authorization header
// or, failing that, the token query parameter.
func (a *TokenAuth) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrMissingToken
	}
	return a.Verify(raw)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware rejects unauthenticated requests and stores the user id in
// the request context.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Authenticate(r)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Middleware",
				"package":  "api",
				"path":     r.URL.Path,
				"error":    err.Error(),
			}).Debug("Rejected request")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user id stored by Middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
