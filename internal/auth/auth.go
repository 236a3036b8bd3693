// Package auth validates bearer tokens and resolves user handles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/repositories"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Roles  []string
}

type Claims struct {
	UserID int64    `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks HS256 tokens issued by the identity service.
type Validator struct {
	secret []byte
	issuer string
	users  repositories.UserRepository
	clock  clock.Clock
}

func NewValidator(secret, issuer string, users repositories.UserRepository, c clock.Clock) *Validator {
	return &Validator{
		secret: []byte(secret),
		issuer: issuer,
		users:  users,
		clock:  clock.OrReal(c),
	}
}

// ValidateToken parses raw and returns the caller it names. The user id is
// taken from the user_id claim, falling back to a numeric subject.
func (v *Validator) ValidateToken(_ context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, err = strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
		}
	}
	if userID <= 0 {
		return Principal{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Principal{UserID: userID, Roles: claims.Roles}, nil
}

// FindUserID resolves a username. Numeric handles are accepted as ids.
func (v *Validator) FindUserID(ctx context.Context, handle string) (int64, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return 0, fmt.Errorf("%w: user required", apperr.ErrInvalidRequest)
	}
	if id, err := strconv.ParseInt(handle, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	if v.users == nil {
		return 0, fmt.Errorf("%w: user %q", apperr.ErrNotFound, handle)
	}
	id, err := v.users.FindUserID(ctx, handle)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return 0, fmt.Errorf("%w: user %q", apperr.ErrNotFound, handle)
	}
	return id, err
}

// IssueToken signs a token for userID. Used by tooling and tests.
func (v *Validator) IssueToken(userID int64, ttl time.Duration, roles ...string) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
