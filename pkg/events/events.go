// Package events is the typed publish/subscribe bus the client uses to report
// authentication state changes.
//
// Handlers run synchronously in subscription order. A handler that returns an
// error or panics never prevents later handlers from running and never
// surfaces to the publisher; the failure is re-published as an Error event.
package events

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Tag identifies the kind of an Event.
type Tag string

const (
	SignedIn       Tag = "SIGNED_IN"
	SignedOut      Tag = "SIGNED_OUT"
	TokenRefreshed Tag = "TOKEN_REFRESHED"
	UserUpdated    Tag = "USER_UPDATED"
	SessionExpired Tag = "SESSION_EXPIRED"
	MFARequired    Tag = "MFA_REQUIRED"
	Error          Tag = "ERROR"
)

// AuthStateTags are the tags an auth-state listener is subscribed to.
var AuthStateTags = []Tag{SignedIn, SignedOut, TokenRefreshed, UserUpdated, SessionExpired}

// Session is the snapshot of the signed-in session carried by an event.
type Session struct {
	UserID    string
	ExpiresAt time.Time
	IsCurrent bool
}

// Event is a tagged payload. Session is set for SIGNED_IN, TOKEN_REFRESHED
// and USER_UPDATED; Err is set for ERROR and, when a failure caused it,
// SESSION_EXPIRED. MFAToken is set for MFA_REQUIRED.
type Event struct {
	Tag      Tag
	Session  *Session
	MFAToken string
	Err      error
	At       time.Time
}

// Handler receives events. A returned error is reported as an Error event.
type Handler func(Event) error

type subscription struct {
	id    uint64
	h     Handler
	once  bool
	fired atomic.Bool
}

// Bus dispatches events to handlers registered per tag. The zero value is not
// usable; use NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Tag][]*subscription
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Tag][]*subscription),
		logger: logger,
	}
}

// Subscribe registers h for tag and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(tag Tag, h Handler) func() {
	return b.add(tag, h, false)
}

// SubscribeOnce registers h to run for at most one event of tag, even when
// events are published concurrently.
func (b *Bus) SubscribeOnce(tag Tag, h Handler) func() {
	return b.add(tag, h, true)
}

func (b *Bus) add(tag Tag, h Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, h: h, once: once}
	b.subs[tag] = append(b.subs[tag], sub)
	b.mu.Unlock()

	return func() { b.remove(tag, sub.id) }
}

func (b *Bus) remove(tag Tag, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[tag]
	for i, s := range subs {
		if s.id == id {
			// Copy so snapshots held by in-flight publishes are untouched.
			b.subs[tag] = slices.Delete(slices.Clone(subs), i, i+1)
			return
		}
	}
}

// UnsubscribeAll removes every handler for the given tags, or for all tags
// when none are given.
func (b *Bus) UnsubscribeAll(tags ...Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(tags) == 0 {
		b.subs = make(map[Tag][]*subscription)
		return
	}
	for _, tag := range tags {
		delete(b.subs, tag)
	}
}

// Count returns the number of handlers registered for tag.
func (b *Bus) Count(tag Tag) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[tag])
}

// Publish delivers ev to the handlers registered for its tag at the moment of
// the call. Handlers added or removed during delivery take effect for the
// next publish.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	snapshot := b.subs[ev.Tag]
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	if sub.once {
		if !sub.fired.CompareAndSwap(false, true) {
			return
		}
		defer b.remove(ev.Tag, sub.id)
	}

	if err := b.invoke(sub.h, ev); err != nil {
		b.handlerFailed(ev, err)
	}
}

func (b *Bus) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h(ev)
}

// handlerFailed reports a handler failure. Failures of Error handlers are
// logged only, so a broken error handler cannot recurse.
func (b *Bus) handlerFailed(ev Event, err error) {
	if ev.Tag == Error {
		b.logger.Error("Error event handler failed",
			"error", err.Error(),
		)
		return
	}

	b.logger.Warn("Event handler failed",
		"event", string(ev.Tag),
		"error", err.Error(),
	)
	b.Publish(Event{Tag: Error, Err: &HandlerError{Tag: ev.Tag, Err: err}})
}

// HandlerError wraps the failure of a handler for the event tagged Tag.
type HandlerError struct {
	Tag Tag
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.Tag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
