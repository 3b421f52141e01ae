// Package idx generates the correlation identifiers attached to outbound
// requests. IDs are ULIDs from a monotonic source, so IDs generated by one
// process sort in creation order.
package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalid reports a malformed ULID string.
var ErrInvalid = errors.New("idx: invalid ulid")

var (
	globalOnce sync.Once
	global     *generator
)

// generator is a tool to safely generate ULIDs concurrently using a monotonic
// source.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) newAt(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

func initGlobal() {
	global = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewRequestID returns a new request id for the X-Request-ID header.
func NewRequestID() string {
	return NewAt(time.Now().UTC())
}

// NewAt generates an id at the provided time (UTC), useful for tests.
func NewAt(t time.Time) string {
	globalOnce.Do(initGlobal)
	return global.newAt(t)
}

// Time extracts the embedded timestamp, or ErrInvalid for ids this package
// did not generate.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(strings.TrimSpace(id))
	if err != nil {
		return time.Time{}, ErrInvalid
	}
	return ulid.Time(u.Time()), nil
}
