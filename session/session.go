package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"callscribe/log"

	"github.com/google/uuid"
)

var (
	ErrExists   = errors.New("session already active")
	ErrNotFound = errors.New("session not found")
)

// DefaultLimit matches one billing block of the desktop app.
const DefaultLimit = 60 * time.Minute

func NewID() string {
	return uuid.NewString()
}

// Info describes one active session.
type Info struct {
	ID      string
	Started time.Time
	Limit   time.Duration // zero means no limit
}

// Expires returns the zero time for an unlimited session.
func (i Info) Expires() time.Time {
	if i.Limit <= 0 {
		return time.Time{}
	}
	return i.Started.Add(i.Limit)
}

type entry struct {
	info  Info
	timer *time.Timer
}

// Registry tracks which sessions should be capturing audio. It is owned by
// the caller and passed down; the lock is never held while calling out.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry), now: time.Now}
}

// Start registers id as active. With a positive limit the session expires on
// its own: it is removed and onExpire (if non-nil) runs on its own goroutine.
func (r *Registry) Start(id string, limit time.Duration, onExpire func(id string)) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	e := &entry{info: Info{ID: id, Started: r.now(), Limit: limit}}
	if limit > 0 {
		e.timer = time.AfterFunc(limit, func() { r.expire(id, e, onExpire) })
	}
	r.sessions[id] = e
	log.Infof("session %s started (limit %s)", id, limit)
	return nil
}

func (r *Registry) expire(id string, e *entry, onExpire func(string)) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	log.Warnf("session %s expired after %s", id, e.info.Limit)
	if onExpire != nil {
		onExpire(id)
	}
}

// End removes id and reports how long it ran.
func (r *Registry) End(id string) (time.Duration, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	elapsed := r.now().Sub(e.info.Started)
	log.Infof("session %s ended after %s", id, elapsed.Round(time.Second))
	return elapsed, nil
}

func (r *Registry) IsSessionActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Remaining returns the time left before id expires. Unlimited sessions
// report ok with a zero duration.
func (r *Registry) Remaining(id string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	if e.info.Limit <= 0 {
		return 0, true
	}
	left := e.info.Expires().Sub(r.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// Active lists active sessions, oldest first.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}
