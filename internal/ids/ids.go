package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionPrefix marks identifiers minted for interactive login sessions.
const SessionPrefix = "session_"

// entropySource feeds the random part of every ULID and must be a CSPRNG.
var entropySource io.Reader = rand.Reader

var (
	entropyMu sync.Mutex
	entropy   = newEntropy()
)

func newEntropy() *ulid.MonotonicEntropy {
	return ulid.Monotonic(entropySource, 0)
}

// New returns a lexicographically sortable identifier, used for request ids.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSessionID returns an opaque login session identifier ("session_" + ULID).
func NewSessionID() string {
	return SessionPrefix + New()
}
