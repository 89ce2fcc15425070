package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// Claims are the JWT claims the gateway issues at signin.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// NewToken signs a token for the user. The subject claim carries the user id.
func NewToken(userID, name string, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "tutorlink",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	return signed, exp, err
}

// VerifyToken validates the signature and expiry of a token and returns its
// claims.
func VerifyToken(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case parsed != nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// Identity is the local user as read from a bearer token.
type Identity struct {
	UserID string
	Name   string
}

// IdentityFromToken extracts the local user's identity from a bearer token
// without verifying the signature. The client is not the authority on the
// token; the server rejects forged ones. An unparsable token yields an error,
// not a panic, so callers can fall back to an unauthenticated state.
func IdentityFromToken(token string) (Identity, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return Identity{}, ErrTokenInvalid
	}
	return Identity{UserID: claims.Subject, Name: claims.Name}, nil
}
