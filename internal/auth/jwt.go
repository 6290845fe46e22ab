package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/promethea/promethea/internal/fault"
)

// JWTService signs and verifies bearer tokens. The signing secret
// comes from the environment only.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

type claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token whose subject is the user id.
func (s *JWTService) Issue(userID, username string) (string, error) {
	if len(s.secret) == 0 {
		return "", fault.New(fault.KindInternal, "jwt secret is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fault.New(fault.KindInvalidArguments, "user id required")
	}

	c := claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry == 0 {
		c.ExpiresAt = nil
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Resolve verifies a token and returns the user id it names. Any
// verification failure, expiry included, is KindUnauthorized.
func (s *JWTService) Resolve(token string) (string, error) {
	if len(s.secret) == 0 {
		return "", fault.New(fault.KindInternal, "jwt secret is not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fault.Newf(fault.KindUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fault.Wrap(fault.KindUnauthorized, "invalid token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", fault.New(fault.KindUnauthorized, "invalid token")
	}
	return c.Subject, nil
}
