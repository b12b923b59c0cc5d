package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthChallenge is a one-time token issued in response to an auth_request,
// holding the policy terms the client proposed signing for.
type AuthChallenge struct {
	Token               uuid.UUID
	Address             string
	SessionKey          string
	Application         string
	Allowances          []Allowance
	Scope               string
	SessionKeyExpiresAt uint64
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Redeemed            bool
}

func (c *AuthChallenge) expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SessionAuthority issues and redeems auth challenges, mints the JWTs that
// carry a redeemed challenge's policy forward, and tracks which wallets
// currently hold a live session.
type SessionAuthority struct {
	mu          sync.RWMutex
	challenges  map[uuid.UUID]*AuthChallenge
	challengeTTL time.Duration
	maxPending  int

	sessionsMu sync.RWMutex
	sessions   map[string]time.Time
	sessionTTL time.Duration

	sweeper    *time.Ticker
	signingKey *ecdsa.PrivateKey
}

// SessionClaims is the JWT payload minted on a successful challenge redemption
// or handed back unchanged on a JWT-based re-auth.
type SessionClaims struct {
	Policy SessionPolicy `json:"policy"`
	jwt.RegisteredClaims
}

// SessionPolicy is the set of terms a session operates under: which wallet
// delegated to which session key, under what scope and asset allowances,
// until when.
type SessionPolicy struct {
	Wallet      string      `json:"wallet"`
	SessionKey  string      `json:"session_key"`
	Scope       string      `json:"scope"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowance"`
	ExpiresAt   time.Time   `json:"expiration"`
}

const (
	defaultChallengeTTL  = 5 * time.Minute
	defaultMaxChallenges = 1000
	defaultSweepInterval = 10 * time.Minute
	defaultSessionTTL    = 24 * time.Hour
	sessionIssuer        = "clearnode"
)

// NewSessionAuthority starts a session authority whose JWTs are signed with
// signingKey, and launches its background challenge/session sweeper.
func NewSessionAuthority(signingKey *ecdsa.PrivateKey) (*SessionAuthority, error) {
	sa := &SessionAuthority{
		challenges:   make(map[uuid.UUID]*AuthChallenge),
		challengeTTL: defaultChallengeTTL,
		maxPending:   defaultMaxChallenges,
		sessions:     make(map[string]time.Time),
		sessionTTL:   defaultSessionTTL,
		sweeper:      time.NewTicker(defaultSweepInterval),
		signingKey:   signingKey,
	}

	go sa.sweep()
	return sa, nil
}

func normalizeAddress(addr string) string {
	if !strings.HasPrefix(addr, "0x") {
		return "0x" + addr
	}
	return addr
}

// GenerateChallenge mints a fresh AuthChallenge for address, rejecting the
// request outright once maxPending challenges are already outstanding.
func (sa *SessionAuthority) GenerateChallenge(
	address string,
	sessionKey string,
	application string,
	allowances []Allowance,
	scope string,
	sessionKeyExpiresAt uint64,
) (uuid.UUID, error) {
	address = normalizeAddress(address)
	now := time.Now()

	challenge := &AuthChallenge{
		Token:               uuid.New(),
		Address:             address,
		SessionKey:          sessionKey,
		Application:         application,
		Allowances:          allowances,
		Scope:               scope,
		SessionKeyExpiresAt: sessionKeyExpiresAt,
		CreatedAt:           now,
		ExpiresAt:           now.Add(sa.challengeTTL),
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	if len(sa.challenges) >= sa.maxPending {
		return uuid.UUID{}, errors.New("too many pending challenges")
	}

	sa.challenges[challenge.Token] = challenge
	return challenge.Token, nil
}

func (sa *SessionAuthority) GetChallenge(token uuid.UUID) (*AuthChallenge, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	challenge, ok := sa.challenges[token]
	if !ok {
		return nil, errors.New("challenge not found")
	}
	return challenge, nil
}

// ValidateChallenge redeems token if it was issued for recoveredSigner, is
// still within its TTL, and has not already been redeemed. A redeemed
// challenge is kept around briefly (rather than deleted outright) so a
// caller that just read it via GetChallenge still sees consistent data.
func (sa *SessionAuthority) ValidateChallenge(token uuid.UUID, recoveredSigner string) error {
	recoveredSigner = normalizeAddress(recoveredSigner)

	sa.mu.Lock()
	defer sa.mu.Unlock()

	challenge, ok := sa.challenges[token]
	if !ok {
		return errors.New("challenge not found")
	}
	if challenge.Address != recoveredSigner {
		return fmt.Errorf("challenge address mismatch, expected %s, got %s", challenge.Address, recoveredSigner)
	}

	now := time.Now()
	if challenge.expired(now) {
		delete(sa.challenges, token)
		return errors.New("challenge expired")
	}
	if challenge.Redeemed {
		delete(sa.challenges, token)
		return errors.New("challenge already used")
	}

	challenge.Redeemed = true
	challenge.ExpiresAt = now.Add(30 * time.Second)

	sa.touchSession(recoveredSigner)
	return nil
}

func (sa *SessionAuthority) touchSession(address string) {
	sa.sessionsMu.Lock()
	defer sa.sessionsMu.Unlock()
	sa.sessions[address] = time.Now()
}

// ValidateSession reports whether address holds a session that has not
// exceeded sessionTTL since its last touch.
func (sa *SessionAuthority) ValidateSession(address string) bool {
	sa.sessionsMu.RLock()
	lastActive, ok := sa.sessions[address]
	sa.sessionsMu.RUnlock()

	if !ok {
		return false
	}
	return time.Now().Before(lastActive.Add(sa.sessionTTL))
}

// UpdateSession bumps address's last-active timestamp, returning false if
// it has no tracked session to bump.
func (sa *SessionAuthority) UpdateSession(address string) bool {
	sa.sessionsMu.Lock()
	defer sa.sessionsMu.Unlock()

	if _, ok := sa.sessions[address]; !ok {
		return false
	}
	sa.sessions[address] = time.Now()
	return true
}

// GenerateJWT mints a SessionClaims token for the given policy terms, signed
// with ES256 and valid for sessionTTL.
func (sa *SessionAuthority) GenerateJWT(address, sessionKey, scope, application string, allowances []Allowance, sessionKeyExpiresAt uint64) (*SessionClaims, string, error) {
	now := time.Now()
	claims := SessionClaims{
		Policy: SessionPolicy{
			Wallet:      address,
			SessionKey:  sessionKey,
			Scope:       scope,
			Application: application,
			Allowances:  allowances,
			ExpiresAt:   time.Unix(int64(sessionKeyExpiresAt), 0),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sa.sessionTTL)),
			Issuer:    sessionIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(sa.signingKey)
	if err != nil {
		return nil, "", err
	}
	return &claims, signed, nil
}

// VerifyJWT parses and validates tokenString, refreshing the wallet's
// session activity timestamp on success.
func (sa *SessionAuthority) VerifyJWT(tokenString string) (*SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, nil
		}
		return &sa.signingKey.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid JWT token claims")
	}
	if err := sa.checkClaims(claims); err != nil {
		return nil, err
	}

	sa.touchSession(claims.Policy.Wallet)
	return claims, nil
}

func (sa *SessionAuthority) checkClaims(claims *SessionClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil {
		return errors.New("failed to get issuer from JWT token claims")
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil {
		return errors.New("failed to get expiration from JWT token claims")
	}
	if issuer != sessionIssuer {
		return errors.New("invalid JWT token claims")
	}
	if expiresAt.Before(time.Now()) {
		return errors.New("expired JWT token")
	}
	return nil
}

// sweep drops expired challenges and idle sessions on every tick until the
// process exits; there is no way to stop it short of that since the
// authority is meant to live for the lifetime of the broker.
func (sa *SessionAuthority) sweep() {
	for now := range sa.sweeper.C {
		sa.mu.Lock()
		for token, challenge := range sa.challenges {
			if challenge.expired(now) {
				delete(sa.challenges, token)
			}
		}
		sa.mu.Unlock()

		sa.sessionsMu.Lock()
		for addr, lastActive := range sa.sessions {
			if now.After(lastActive.Add(sa.sessionTTL)) {
				delete(sa.sessions, addr)
			}
		}
		sa.sessionsMu.Unlock()
	}
}
