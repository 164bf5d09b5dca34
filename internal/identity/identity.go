// Package identity turns the credentials a client presents during the handshake into a player
// profile.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

type Authenticator interface {
	Authenticate(ctx context.Context, req protocol.Authenticate) (domain.Profile, error)
}

// Opaque trusts the identity supplied by the client. The token is not inspected.
type Opaque struct{}

func (Opaque) Authenticate(_ context.Context, req protocol.Authenticate) (domain.Profile, error) {
	id := strings.TrimSpace(req.PlayerID)
	if id == "" {
		return domain.Profile{}, unauthenticated("player id is required")
	}

	return domain.Profile{
		PlayerID: id,
		Name:     displayName(req.Name, id),
		Avatar:   req.Avatar,
	}, nil
}

type Claims struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens whose subject is the player id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Authenticate(_ context.Context, req protocol.Authenticate) (domain.Profile, error) {
	if req.Token == "" {
		return domain.Profile{}, unauthenticated("token is required")
	}

	token, err := jwt.ParseWithClaims(req.Token, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return domain.Profile{}, errors.New(errors.CodeUnauthenticated,
			errors.WithReason(errors.ReasonUnauthenticated),
			errors.WithMessagef("invalid token"),
			errors.WithCause(err))
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return domain.Profile{}, unauthenticated("token has no subject")
	}

	if req.PlayerID != "" && req.PlayerID != claims.Subject {
		return domain.Profile{}, unauthenticated("token does not belong to player %s", req.PlayerID)
	}

	name := claims.Name
	if req.Name != "" {
		name = req.Name
	}
	avatar := claims.Avatar
	if req.Avatar != "" {
		avatar = req.Avatar
	}

	return domain.Profile{
		PlayerID: claims.Subject,
		Name:     displayName(name, claims.Subject),
		Avatar:   avatar,
	}, nil
}

// Sign issues a token for a profile. It is meant for tools and tests; production tokens come
// from the identity provider.
func (v *JWTVerifier) Sign(p domain.Profile, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:   p.Name,
		Avatar: p.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return s, nil
}

func displayName(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fallback
}

func unauthenticated(format string, args ...any) error {
	return errors.Rejected(errors.CodeUnauthenticated, errors.ReasonUnauthenticated, format, args...)
}
