package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims is the subset of the provider's access-token JWT the client
// needs locally. Signature verification is the provider's job; the token is
// only trusted after the provider accepts it.
type accessClaims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

func parseAccessClaims(token string) (accessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return accessClaims{}, errors.New("empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return accessClaims{}, err
	}
	out := accessClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if out.Subject == "" {
		return accessClaims{}, errors.New("subject missing")
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return accessClaims{}, errors.New("expiry missing")
	}
	out.ExpiresAt = exp.Time
	return out, nil
}
