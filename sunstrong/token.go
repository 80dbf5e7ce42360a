// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sunstrong

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry reads the exp claim from a JWT without verifying the
// signature. The vendor signs its tokens with a key we never see, so the
// claim is only used to decide when to refresh. ok is false when the token
// is not a JWT or carries no exp.
func tokenExpiry(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
