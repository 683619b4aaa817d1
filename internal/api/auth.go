// internal/api/auth.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator may change routing and issue failover overrides
const RoleOperator = "operator"

var (
	ErrMissingToken   = errors.New("api: bearer token required")
	ErrInvalidToken   = errors.New("api: invalid token")
	ErrForbidden      = errors.New("api: insufficient role")
	ErrAuthNotEnabled = errors.New("api: operator authentication not configured")
)

// OperatorClaims are the claims of an operator bearer token
type OperatorClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role
func (c *OperatorClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Authenticator issues and validates HS256 operator tokens
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Enabled reports whether a signing secret is configured
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Issue signs a token for subject with the given roles
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthNotEnabled
	}
	now := time.Now()
	claims := OperatorClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses and verifies a token
func (a *Authenticator) Validate(tokenString string) (*OperatorClaims, error) {
	if !a.Enabled() {
		return nil, ErrAuthNotEnabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireRole rejects requests without a valid bearer token carrying role
func (a *Authenticator) RequireRole(role string, fail func(http.ResponseWriter, int, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				fail(w, http.StatusServiceUnavailable, ErrAuthNotEnabled)
				return
			}

			header := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				fail(w, http.StatusUnauthorized, ErrMissingToken)
				return
			}

			claims, err := a.Validate(tokenString)
			if err != nil {
				fail(w, http.StatusUnauthorized, err)
				return
			}
			if !claims.HasRole(role) {
				fail(w, http.StatusForbidden, fmt.Errorf("%w: %s required", ErrForbidden, role))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// operator returns the subject of the authenticated request
func operator(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey).(*OperatorClaims); ok {
		return claims.Subject
	}
	return ""
}
