package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	jose "gopkg.in/square/go-jose.v2"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// MinSecretLength is the shortest accepted token secret in bytes.
	MinSecretLength = 32
)

// Claims is the signed claim set carried inside both token kinds.
// Role is empty on refresh tokens; ID (jti) is empty on access tokens.
type Claims struct {
	Type string `json:"type"`
	Role Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// RequestMeta describes the client that triggered an operation.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Tokens issues and verifies access and refresh tokens. Tokens are HS256
// JWTs encrypted as compact JWE (dir, A256GCM). Both keys are derived from
// one process-wide secret.
type Tokens struct {
	state      SessionState
	store      Store
	signKey    []byte
	encKey     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	timeout    time.Duration
}

func newTokens(secret []byte, state SessionState, store Store) (*Tokens, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", MinSecretLength)
	}
	signKey, err := deriveKey(secret, "idsync token signing")
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, "idsync token encryption")
	if err != nil {
		return nil, err
	}
	return &Tokens{
		state:      state,
		store:      store,
		signKey:    signKey,
		encKey:     encKey,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	return key, nil
}

// AccessTTL returns the access token lifetime.
func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccess mints an access token for username with role.
func (t *Tokens) IssueAccess(username string, role Role) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.accessTTL)
	token, err := t.seal(Claims{
		Type: TokenTypeAccess,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// IssueRefresh mints a refresh token and persists its record. The returned
// token id equals the jti claim.
func (t *Tokens) IssueRefresh(ctx context.Context, username string, meta RequestMeta) (string, string, error) {
	now := t.now().UTC()
	rec := &RefreshTokenRecord{
		TokenID:   uuid.NewString(),
		Username:  username,
		TokenType: TokenTypeRefresh,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.refreshTTL),
		IsActive:  true,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	token, err := t.seal(Claims{
		Type: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.TokenID,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	})
	if err != nil {
		return "", "", err
	}
	if err := t.state.CreateRefreshToken(ctx, rec); err != nil {
		return "", "", fmt.Errorf("persist refresh token: %w", err)
	}
	return token, rec.TokenID, nil
}

// VerifyAccess validates an access token without touching the store.
func (t *Tokens) VerifyAccess(raw string) (*Claims, error) {
	claims, err := t.open(raw, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token and resolves its record. A token
// whose record is found expired is deactivated before ErrTokenExpired is returned.
func (t *Tokens) VerifyRefresh(ctx context.Context, raw string) (*Claims, error) {
	claims, err := t.open(raw, true)
	if errors.Is(err, ErrTokenExpired) {
		if expired, perr := t.open(raw, false); perr == nil && expired.ID != "" {
			_ = t.state.RevokeRefreshToken(ctx, expired.ID, t.now().UTC())
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeRefresh || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	rec, err := t.state.FindRefreshToken(ctx, claims.ID)
	switch {
	case IsNotFound(err):
		return nil, ErrTokenNotFound
	case err != nil:
		return nil, err
	}
	if !rec.IsActive {
		return nil, ErrTokenRevoked
	}
	if rec.Username != claims.Subject {
		return nil, ErrTokenInvalid
	}
	now := t.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		_ = t.state.RevokeRefreshToken(ctx, rec.TokenID, now)
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// TokenID returns the jti of a refresh token after checking its signature
// only. Expired tokens are accepted so they can still be revoked.
func (t *Tokens) TokenID(raw string) (string, error) {
	claims, err := t.open(raw, false)
	if err != nil {
		return "", err
	}
	if claims.Type != TokenTypeRefresh || claims.ID == "" {
		return "", ErrTokenInvalid
	}
	return claims.ID, nil
}

// Revoke deactivates tokenID. Absent or inactive records are not an error.
func (t *Tokens) Revoke(ctx context.Context, tokenID string) error {
	err := t.state.RevokeRefreshToken(ctx, tokenID, t.now().UTC())
	if IsNotFound(err) {
		return nil
	}
	return err
}

// RevokeAll deactivates every active refresh token of username.
func (t *Tokens) RevokeAll(ctx context.Context, username string) (int, error) {
	return t.state.RevokeUserRefreshTokens(ctx, username, t.now().UTC())
}

// CleanupExpired deactivates records whose expiry has passed.
func (t *Tokens) CleanupExpired(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()
	return t.store.RefreshTokens().DeactivateExpired(ctx, t.now().UTC())
}

// ListActive returns active, unexpired records; empty username lists all.
func (t *Tokens) ListActive(ctx context.Context, username string) ([]*RefreshTokenRecord, error) {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()
	return t.store.RefreshTokens().ListActive(ctx, username, t.now().UTC())
}

func (t *Tokens) seal(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: t.encKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("token encrypter: %w", err)
	}
	obj, err := enc.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

func (t *Tokens) open(raw string, validate bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	obj, err := jose.ParseEncrypted(raw)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return nil, ErrTokenInvalid
	}
	signed, err := obj.Decrypt(t.encKey)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if validate {
		opts = append(opts, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(string(signed), claims, func(*jwt.Token) (any, error) {
		return t.signKey, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
