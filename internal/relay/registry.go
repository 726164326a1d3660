package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/simlink/simlink/internal/metrics"
	"github.com/simlink/simlink/internal/signaling"
)

// Sender is the write side of a participant's connection. Implementations
// must be safe for concurrent use; Closed reports whether the connection is
// no longer usable.
type Sender interface {
	Send(msg signaling.Message) error
	Closed() bool
}

// Participant is one authenticated relay connection. It carries its session
// id only; the peer is always resolved through the registry's session table,
// never through a direct connection reference.
type Participant struct {
	ID      string
	Account string
	Role    signaling.Role

	sender Sender

	mu        sync.Mutex
	sessionID string
}

func NewParticipant(account string, role signaling.Role, sender Sender) *Participant {
	return &Participant{
		ID:      uuid.NewString(),
		Account: account,
		Role:    role,
		sender:  sender,
	}
}

func (p *Participant) Send(msg signaling.Message) error { return p.sender.Send(msg) }

func (p *Participant) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Participant) setSessionID(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

// session pairs exactly two participants.
type session struct {
	id   string
	a, b *Participant
}

func (s *session) other(p *Participant) (*Participant, bool) {
	switch p {
	case s.a:
		return s.b, true
	case s.b:
		return s.a, true
	default:
		return nil, false
	}
}

// Registry owns the pending-participant map and the session table. At most
// one pending participant exists per account; a session is created the moment
// a second participant of the same account joins.
type Registry struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  map[string]*Participant
	sessions map[string]*session
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics:  m,
		pending:  make(map[string]*Participant),
		sessions: make(map[string]*session),
	}
}

// Join registers an authenticated participant. If another live participant of
// the same account is pending, the two are matched into a session and Join
// returns the participant that must be told to start negotiating, chosen by
// the pending participant's role: a pending offerer starts itself, a pending
// answerer hands the start signal to the newcomer. The newcomer's own role
// never influences the choice.
//
// A pending participant whose connection already died is silently replaced.
func (r *Registry) Join(p *Participant) (starter *Participant, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiting, ok := r.pending[p.Account]
	if !ok {
		r.pending[p.Account] = p
		return nil, false
	}
	if waiting.sender.Closed() {
		r.metrics.Inc(metrics.PendingReplaced)
		r.pending[p.Account] = p
		return nil, false
	}

	sess := &session{id: uuid.NewString(), a: waiting, b: p}
	r.sessions[sess.id] = sess
	waiting.setSessionID(sess.id)
	p.setSessionID(sess.id)
	delete(r.pending, p.Account)
	r.metrics.Inc(metrics.SessionsMatched)

	if waiting.Role == signaling.RoleAnswer {
		return p, true
	}
	return waiting, true
}

// Peer resolves the session counterpart of p, if p is currently matched.
func (r *Registry) Peer(p *Participant) (*Participant, bool) {
	id := p.SessionID()
	if id == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.other(p)
}

// Leave removes p from the registry. A pending participant is discarded; a
// matched participant's session is torn down, leaving the peer without
// further messages (the wire protocol has no teardown notification).
func (r *Registry) Leave(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[p.Account] == p {
		delete(r.pending, p.Account)
	}
	if id := p.SessionID(); id != "" {
		delete(r.sessions, id)
	}
}

// PendingCount reports the number of accounts with a pending participant.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SessionCount reports the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
