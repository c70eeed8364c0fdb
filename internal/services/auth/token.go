package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry decodes the exp claim without verifying the signature; the
// platform verifies, the client only needs to know when to refresh. ok is
// false when the token carries no exp claim.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	if token == "" {
		return time.Time{}, false, errors.New("empty token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("decode token: %w", err)
	}

	numeric, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode exp claim: %w", err)
	}
	if numeric == nil {
		return time.Time{}, false, nil
	}
	return numeric.Time, true, nil
}

// TokenValid reports whether token is usable at now, treating anything that
// expires within margin as already expired. Undecodable tokens are invalid;
// tokens without an exp claim are valid.
func TokenValid(token string, margin time.Duration, now time.Time) bool {
	exp, ok, err := TokenExpiry(token)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	return exp.After(now.Add(margin))
}
