package overlay

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"statemux/internal/domain"
)

// TokenSource issues ULID session tokens. Tokens from one source are strictly
// increasing, even when the clock stands still.
type TokenSource struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
}

// NewTokenSource returns a TokenSource reading time from now.
// A nil now uses time.Now.
func NewTokenSource(now func() time.Time) *TokenSource {
	if now == nil {
		now = time.Now
	}
	return &TokenSource{
		now:     now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Next returns a fresh session token.
func (s *TokenSource) Next() domain.SessionToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionToken(ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String())
}
