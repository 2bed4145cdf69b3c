package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPairAttempts = 5
	lockoutDuration = 5 * time.Minute
)

// PairingGuard manages one-time pairing and bearer token validation
// for gateway connections.
type PairingGuard struct {
	requireAuth bool

	mu          sync.RWMutex
	pairingCode string
	tokenHashes map[string]struct{}

	failedAttempts int
	lockedUntil    time.Time
}

func NewPairingGuard(requireAuth bool, existingToken string) *PairingGuard {
	g := &PairingGuard{
		requireAuth: requireAuth,
		tokenHashes: map[string]struct{}{},
	}
	if !requireAuth {
		return g
	}
	if existingToken != "" {
		g.tokenHashes[hashToken(existingToken)] = struct{}{}
		return g
	}
	g.pairingCode = fmt.Sprintf("%06d", rand.Intn(1_000_000))
	return g
}

func (g *PairingGuard) RequireAuth() bool { return g.requireAuth }

// PairingCode returns the one-time code, or "" once consumed.
func (g *PairingGuard) PairingCode() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pairingCode
}

// TryPair validates the one-time pairing code and returns a newly
// issued bearer token. Repeated failures lock the guard out.
func (g *PairingGuard) TryPair(code string) (token string, ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.requireAuth {
		return "", true, 0
	}

	now := time.Now()
	if !g.lockedUntil.IsZero() && now.Before(g.lockedUntil) {
		return "", false, time.Until(g.lockedUntil)
	}

	if g.pairingCode != "" && TimingSafeEqual(code, g.pairingCode) {
		g.failedAttempts = 0
		g.lockedUntil = time.Time{}
		token = "cg_" + uuid.NewString()
		g.tokenHashes[hashToken(token)] = struct{}{}
		g.pairingCode = ""
		return token, true, 0
	}

	g.failedAttempts++
	if g.failedAttempts >= maxPairAttempts {
		g.lockedUntil = now.Add(lockoutDuration)
		return "", false, lockoutDuration
	}
	return "", false, 0
}

// IsAuthenticated reports whether token is a known bearer token.
func (g *PairingGuard) IsAuthenticated(token string) bool {
	if !g.requireAuth {
		return true
	}
	if token == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tokenHashes[hashToken(token)]
	return ok
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
