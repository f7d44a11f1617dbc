// Package service implements the credential lifecycle behind the gateway's
// auth endpoints: registration, login, refresh rotation and logout.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/copperline/gatehouse/internal/gateway/gate"
	"github.com/copperline/gatehouse/pkg/cryptox"
	"github.com/copperline/gatehouse/pkg/idx"
	"github.com/copperline/gatehouse/pkg/jwtx"
	"github.com/copperline/gatehouse/pkg/slogx"
)

var (
	ErrBadCredentials = errors.New("service: bad credentials")
	ErrWeakPassword   = errors.New("service: password too short")
	ErrBadUsername    = errors.New("service: unusable username")
)

const (
	minPasswordLength = 8
	minUsernameLength = 3
	maxUsernameLength = 64
)

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService mints, rotates and retires credential pairs.
type TokenService struct {
	codec      *jwtx.Codec
	gate       *gate.Gate
	revoked    revoker
	users      CredentialStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// revoker is the slice of the revocation store the service needs.
type revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func NewTokenService(codec *jwtx.Codec, g *gate.Gate, revoked revoker, users CredentialStore, cfg Config) *TokenService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = jwtx.DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = jwtx.DefaultRefreshTTL
	}
	return &TokenService{
		codec:      codec,
		gate:       g,
		revoked:    revoked,
		users:      users,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// Register creates an account with an argon2id password hash.
func (s *TokenService) Register(ctx context.Context, username, password string) (User, error) {
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return User{}, ErrBadUsername
	}
	if len(password) < minPasswordLength {
		return User{}, ErrWeakPassword
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{ID: idx.New(), Username: username, PasswordHash: hash}
	if err := s.users.Create(ctx, user); err != nil {
		return User{}, err
	}

	slogx.FromContext(ctx).Info("user registered",
		slog.String("user_id", user.ID.String()),
	)
	return user, nil
}

// Login verifies the password and mints a fresh pair. Unknown usernames and
// wrong passwords collapse into one error so the endpoint cannot be used to
// enumerate accounts.
func (s *TokenService) Login(ctx context.Context, username, password string) (TokenPair, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, ErrBadCredentials
		}
		return TokenPair{}, err
	}

	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		slogx.FromContext(ctx).Warn("login failed",
			slog.String("user_id", user.ID.String()),
		)
		return TokenPair{}, ErrBadCredentials
	}

	pair, err := s.mintPair(user.ID.String())
	if err != nil {
		return TokenPair{}, err
	}

	slogx.FromContext(ctx).Info("login",
		slog.String("user_id", user.ID.String()),
	)
	return pair, nil
}

// Refresh rotates a valid refresh token into a new pair. The presented
// refresh token and its paired access token are revoked first; if either
// revocation fails no new pair is minted, so a store outage can never leave
// both generations alive.
func (s *TokenService) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	id, err := s.gate.Authenticate(ctx, rawRefresh, jwtx.ClassRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	claims := id.Claims
	if err := s.retirePair(ctx, claims); err != nil {
		return TokenPair{}, err
	}

	pair, err := s.mintPair(claims.Subject)
	if err != nil {
		return TokenPair{}, err
	}

	slogx.FromContext(ctx).Info("token pair rotated",
		slog.String("subject", claims.Subject),
	)
	return pair, nil
}

// Logout revokes the presented access token for its remaining lifetime.
// When a refresh token is also supplied its whole pair is retired, so a
// stolen refresh token cannot resurrect the session. Tokens that are
// already revoked log out successfully; logout is idempotent from the
// client's point of view.
func (s *TokenService) Logout(ctx context.Context, rawAccess, rawRefresh string) error {
	id, err := s.gate.Authenticate(ctx, rawAccess, jwtx.ClassAccess)
	switch {
	case err == nil:
		if err := s.revoked.Revoke(ctx, id.Claims.ID, id.Claims.Remaining(s.now())); err != nil {
			return fmt.Errorf("retire access token: %w", err)
		}
	case alreadyRevoked(err):
	default:
		return err
	}

	if rawRefresh != "" {
		rid, err := s.gate.Authenticate(ctx, rawRefresh, jwtx.ClassRefresh)
		switch {
		case err == nil:
			if err := s.retirePair(ctx, rid.Claims); err != nil {
				return err
			}
		case alreadyRevoked(err):
		default:
			return err
		}
	}

	slogx.FromContext(ctx).Info("logout")
	return nil
}

func alreadyRevoked(err error) bool {
	reason, ok := gate.RejectionReason(err)
	return ok && reason == gate.ReasonRevoked
}

// retirePair revokes a refresh token and the access token minted alongside
// it, each for its remaining natural lifetime.
func (s *TokenService) retirePair(ctx context.Context, claims jwtx.Claims) error {
	now := s.now()

	if err := s.revoked.Revoke(ctx, claims.ID, claims.Remaining(now)); err != nil {
		return fmt.Errorf("retire refresh token: %w", err)
	}
	if claims.PairJTI != "" {
		ttl := s.accessTTL
		if claims.PairExpiresAt != nil {
			ttl = max(claims.PairExpiresAt.Time.Sub(now), 0)
		}
		if err := s.revoked.Revoke(ctx, claims.PairJTI, ttl); err != nil {
			return fmt.Errorf("retire paired access token: %w", err)
		}
	}
	return nil
}

func (s *TokenService) mintPair(subject string) (TokenPair, error) {
	now := s.now()

	access := jwtx.NewClaims(subject, jwtx.ClassAccess, s.codec.Issuer(), s.accessTTL, now)
	refresh := jwtx.NewClaims(subject, jwtx.ClassRefresh, s.codec.Issuer(), s.refreshTTL, now)
	refresh.PairJTI = access.ID
	refresh.PairExpiresAt = access.ExpiresAt

	rawAccess, err := s.codec.Issue(access)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	rawRefresh, err := s.codec.Issue(refresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  rawAccess,
		RefreshToken: rawRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}
