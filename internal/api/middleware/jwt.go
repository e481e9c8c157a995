package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const clientKey contextKey = "api_client"

// DefaultTokenTTL is the lifetime of an API token when none is configured.
const DefaultTokenTTL = 12 * time.Hour

const tokenIssuer = "callrouter"

// ClientClaims holds the JWT claims for an API client.
type ClientClaims struct {
	ClientID int64  `json:"cid"`
	Client   string `json:"client"`
	jwt.RegisteredClaims
}

// Client identifies the API client a request was authenticated as.
type Client struct {
	ID   int64
	Name string
}

// GenerateToken creates a signed HS256 token for an API client.
func GenerateToken(secret []byte, clientID int64, name string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := ClientClaims{
		ClientID: clientID,
		Client:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   name,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken validates a signed token and returns its claims.
func ParseToken(secret []byte, tokenString string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.ClientID == 0 || claims.Issuer != tokenIssuer {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// RequireToken returns middleware that validates bearer tokens. On success
// the authenticated client is stored in the request context.
func RequireToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ParseToken(secret, strings.TrimSpace(tokenString))
			if err != nil {
				slog.Debug("api auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), clientKey, Client{ID: claims.ClientID, Name: claims.Client})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientFromContext returns the authenticated API client, if any.
func ClientFromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey).(Client)
	return c, ok
}
