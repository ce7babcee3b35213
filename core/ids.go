package core

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewSortableID returns a time-ordered identifier for queue messages,
// dead letters and workflow runs.
func NewSortableID(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), ulidEntropy).String()
}

func NewConnectionID() string {
	return uuid.NewString()
}
