package accounts

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMutex   sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewUserID returns a lexicographically sortable ULID for the given instant.
func NewUserID(at time.Time) string {
	idMutex.Lock()
	defer idMutex.Unlock()
	return ulid.MustNew(ulid.Timestamp(at.UTC()), idEntropy).String()
}
