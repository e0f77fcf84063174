package identity

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// userClaims are checked in order for a caller identifier.
var userClaims = []string{"sub", "user_id", "uid"}

var parser = jwt.NewParser()

// UserID extracts a user identifier from a bearer JWT without verifying its
// signature. The result keys rate limiting only and must never be used for
// authorization; backends verify the token themselves.
func UserID(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	for _, name := range userClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
