package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionCloser releases fetcher state held for a session
type SessionCloser interface {
	CloseSession(sessionID string)
}

// SessionPool serialises runs that share a session id and releases fetcher state
// when a session is killed
type SessionPool struct {
	mu       sync.Mutex
	sessions map[string]*session
	closers  []SessionCloser
}

type session struct {
	lock     chan struct{}
	created  time.Time
	lastUsed time.Time
	runs     int
	refs     int  // Acquire calls waiting for or holding lock
	held     bool
	killed   bool // Kill arrived while refs > 0
}

// SessionInfo describes a live session
type SessionInfo struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"last_used"`
	Runs     int       `json:"runs"`
}

// NewSessionPool creates a pool. closers are notified when a session is killed.
func NewSessionPool(closers ...SessionCloser) *SessionPool {
	return &SessionPool{
		sessions: make(map[string]*session),
		closers:  closers,
	}
}

// NewSessionID returns a fresh random session id
func NewSessionID() string {
	return uuid.NewString()
}

func (p *SessionPool) get(id string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		now := time.Now()
		s = &session{lock: make(chan struct{}, 1), created: now, lastUsed: now}
		p.sessions[id] = s
		log.Debug().Str("session_id", id).Msg("Session created")
	}
	s.refs++
	return s
}

// Acquire blocks until the session is free or ctx is done. The returned release
// function must be called exactly once.
func (p *SessionPool) Acquire(ctx context.Context, id string) (func(), error) {
	s := p.get(id)
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		p.leave(id, s, false)
		return nil, ctx.Err()
	}

	p.mu.Lock()
	s.held = true
	s.lastUsed = time.Now()
	s.runs++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.leave(id, s, true)
			<-s.lock
		})
	}, nil
}

// leave drops one reference to s. A kill deferred while s was in use takes effect
// here, before the next waiter gets the lock.
func (p *SessionPool) leave(id string, s *session, holder bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.refs--
	if holder {
		s.held = false
	}
	if !s.killed || s.held {
		return
	}
	s.killed = false
	p.closeFetchers(id)
	if s.refs == 0 {
		delete(p.sessions, id)
		return
	}
	// Waiters start on a fresh session under the same id
	now := time.Now()
	s.created, s.lastUsed, s.runs = now, now, 0
}

// Kill forgets the session and releases fetcher state held for it. A session in
// use is torn down when its current run releases it; later runs start fresh.
func (p *SessionPool) Kill(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return
	}
	if s.refs > 0 {
		// Torn down in leave once no run holds the lock
		s.killed = true
		log.Debug().Str("session_id", id).Msg("Session kill deferred until release")
		return
	}
	delete(p.sessions, id)
	p.closeFetchers(id)
}

// closeFetchers must be called with p.mu held
func (p *SessionPool) closeFetchers(id string) {
	for _, c := range p.closers {
		c.CloseSession(id)
	}
	log.Debug().Str("session_id", id).Msg("Session killed")
}

// CloseAll kills every session
func (p *SessionPool) CloseAll() {
	for _, info := range p.List() {
		p.Kill(info.ID)
	}
}

// List returns the live sessions. Sessions waiting on a deferred kill are left out.
func (p *SessionPool) List() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for id, s := range p.sessions {
		if s.killed {
			continue
		}
		out = append(out, SessionInfo{ID: id, Created: s.created, LastUsed: s.lastUsed, Runs: s.runs})
	}
	return out
}
