package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/golang-jwt/jwt/v5"
)

var errNoSecret = errors.New("JWT secret not configured")

// Authenticator resolves HS256 bearer tokens to a user ID (the sub claim).
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty secret rejects every
// token.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// UserID validates token and returns its subject.
func (a *Authenticator) UserID(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errNoSecret
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token not valid")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errNoSecret
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// Require rejects requests without a valid bearer token and places the user
// ID in the request context.
func (a *Authenticator) Require(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		userID, err := a.UserID(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := observability.WithUserID(r.Context(), userID)
		next(w, r.WithContext(ctx))
	})
}
