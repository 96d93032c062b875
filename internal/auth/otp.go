package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const defaultOTPTTL = 10 * time.Minute

type otpEntry struct {
	code      string
	expiresAt time.Time
}

// OTPStore holds pending registration codes keyed by email. Entries
// expire after the configured TTL; expired entries are dropped
// opportunistically on every write so the map cannot grow unbounded.
type OTPStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]otpEntry
	now     func() time.Time
}

func NewOTPStore(ttl time.Duration) *OTPStore {
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}

	return &OTPStore{
		ttl:     ttl,
		entries: make(map[string]otpEntry),
		now:     time.Now,
	}
}

// Issue generates a fresh 6-digit code for email, replacing any
// previous pending code.
func (s *OTPStore) Issue(email string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.expiresAt.Before(now) {
			delete(s.entries, key)
		}
	}

	s.entries[email] = otpEntry{code: code, expiresAt: now.Add(s.ttl)}

	return code, nil
}

// Consume validates code against the pending entry for email. The
// entry is deleted on success; a wrong code leaves it in place so the
// user can retry until the TTL runs out.
func (s *OTPStore) Consume(email, code string) bool {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[email]
	if !ok {
		return false
	}
	if entry.expiresAt.Before(now) {
		delete(s.entries, email)
		return false
	}
	if entry.code != code {
		return false
	}

	delete(s.entries, email)
	return true
}
