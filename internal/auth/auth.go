// Package auth verifies the bearer tokens clients present when they
// authenticate a connection or call the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-relay/internal/types"
)

const (
	idClaim       = "id"
	usernameClaim = "username"
	expClaim      = "exp"

	TokenCookieKey = "token"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenVerifier resolves a previously issued token to the user it was
// issued for.
type TokenVerifier interface {
	VerifyToken(token string) (types.User, error)
}

type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) VerifyToken(tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.User{}, ErrInvalidToken
	}

	id, ok := claims[idClaim].(float64)
	if !ok || id <= 0 {
		return types.User{}, fmt.Errorf("%w: invalid id claim", ErrInvalidToken)
	}

	username, _ := claims[usernameClaim].(string)

	return types.User{Id: int(id), Username: username}, nil
}

// IssueToken signs a token for user that expires after exp. A zero exp
// issues a token without expiry.
func IssueToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	claims := jwt.MapClaims{
		idClaim:       user.Id,
		usernameClaim: user.Username,
	}
	if exp > 0 {
		claims[expClaim] = time.Now().Add(exp).Unix()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// TokenFromRequest extracts a token from the Authorization header, falling
// back to the token cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}

	cookie, err := r.Cookie(TokenCookieKey)
	if err != nil || cookie.Value == "" {
		return "", ErrMissingToken
	}

	return cookie.Value, nil
}

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId int) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (int, bool) {
	userId, ok := ctx.Value(userIdKey).(int)
	return userId, ok
}
