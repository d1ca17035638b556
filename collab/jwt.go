package collab

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the subset of bearer token claims the client reads.
// the parse is unverified. this is an identity hint for display and routing,
// never a security boundary; the backend verifies every call.
type ByJwt struct {
	UserId    Id
	Username  string
	Email     string
	ExpiresAt time.Time
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if username, ok := claims["username"].(string); ok {
		byJwt.Username = username
	}
	if email, ok := claims["email"].(string); ok {
		byJwt.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		byJwt.ExpiresAt = exp.Time
	}

	return byJwt, nil
}
