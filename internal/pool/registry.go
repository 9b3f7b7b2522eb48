package pool

import (
	"cmp"
	"crypto/rand"
	"encoding/hex"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/internal/stratum"
	"github.com/bardlex/gompsolo/pkg/errors"
)

// hashesPerShare is the expected work behind one share at difficulty 1
const hashesPerShare = 1 << 25

// MinerSession is the pool's record of one subscribed connection
type MinerSession struct {
	ID             string    `json:"-"`
	SubscriptionID string    `json:"subscriptionId"`
	ExtraNonce     uint64    `json:"extraNonce"`
	User           string    `json:"user"`
	Authenticated  bool      `json:"authenticated"`
	LastShareTime  time.Time `json:"lastShareTime"`
	Hashrate       float64   `json:"hashrate"`
	CurrentJobID   string    `json:"currentJobId,omitempty"`
	Shares         int64     `json:"shares"`
	RemoteAddr     string    `json:"remoteAddr"`
	ConnectedAt    time.Time `json:"connectedAt"`
}

type peer struct {
	session MinerSession
	conn    stratum.Conn
}

// Registry tracks live sessions keyed by the transport's session id
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*peer
	maxExtraNonce uint64
}

// NewRegistry creates a registry handing out extra-nonces in [0, maxExtraNonce]
func NewRegistry(maxExtraNonce uint64) *Registry {
	return &Registry{
		sessions:      make(map[string]*peer),
		maxExtraNonce: maxExtraNonce,
	}
}

// Register creates the session for conn. A connection that subscribes again
// keeps its extra-nonce but is otherwise registered from scratch. Nothing is
// stored when the extra-nonce space is exhausted.
func (r *Registry) Register(conn stratum.Conn, requestedUser string, now time.Time) (MinerSession, error) {
	subID, err := randomHex(8)
	if err != nil {
		return MinerSession{}, errors.Wrap(err, errors.ErrorTypeInternal, "register_session", "failed to mint subscription id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var extraNonce uint64
	if existing, ok := r.sessions[conn.ID()]; ok {
		extraNonce = existing.session.ExtraNonce
	} else if extraNonce, ok = r.nextExtraNonce(); !ok {
		return MinerSession{}, errors.New(errors.ErrorTypeCapacity, "register_session", "extra-nonce space exhausted").
			WithContext("max_extra_nonce", r.maxExtraNonce).
			WithContext("sessions", len(r.sessions))
	}

	s := MinerSession{
		ID:             conn.ID(),
		SubscriptionID: subID,
		ExtraNonce:     extraNonce,
		User:           requestedUser,
		LastShareTime:  now,
		RemoteAddr:     conn.RemoteAddr(),
		ConnectedAt:    now,
	}
	r.sessions[conn.ID()] = &peer{session: s, conn: conn}
	return s, nil
}

// nextExtraNonce returns one past the largest live extra-nonce. Departed
// sessions' values are not reused.
func (r *Registry) nextExtraNonce() (uint64, bool) {
	var (
		maxLive uint64
		found   bool
	)
	for _, p := range r.sessions {
		if !found || p.session.ExtraNonce > maxLive {
			maxLive = p.session.ExtraNonce
			found = true
		}
	}
	if !found {
		return 0, true
	}
	if maxLive >= r.maxExtraNonce {
		return 0, false
	}
	return maxLive + 1, true
}

// Authorize marks the session authenticated when both user and credential
// are non-empty. The authorized user replaces the subscribe hint.
func (r *Registry) Authorize(id, user, credential string) bool {
	if user == "" || credential == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[id]
	if !ok {
		return false
	}
	p.session.Authenticated = true
	p.session.User = user
	return true
}

// Remove deletes the session. Its extra-nonce is abandoned.
func (r *Registry) Remove(id string) (MinerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[id]
	if !ok {
		return MinerSession{}, false
	}
	delete(r.sessions, id)
	return p.session, true
}

// Get returns a copy of the session
func (r *Registry) Get(id string) (MinerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.sessions[id]
	if !ok {
		return MinerSession{}, false
	}
	return p.session, true
}

// SetCurrentJob records the last job sent to the session
func (r *Registry) SetCurrentJob(id, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[id]
	if !ok {
		return false
	}
	p.session.CurrentJobID = jobID
	return true
}

// RecordShare updates the hashrate estimate from the time since the previous
// share and returns the updated session
func (r *Registry) RecordShare(id string, now time.Time) (MinerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[id]
	if !ok {
		return MinerSession{}, false
	}
	p.session.Hashrate = estimateHashrate(now.Sub(p.session.LastShareTime))
	p.session.LastShareTime = now
	p.session.Shares++
	return p.session, true
}

// Authenticated yields the authenticated sessions. Every range over the
// sequence takes a fresh snapshot.
func (r *Registry) Authenticated() iter.Seq[MinerSession] {
	return func(yield func(MinerSession) bool) {
		for _, p := range r.authenticatedPeers() {
			if !yield(p.session) {
				return
			}
		}
	}
}

func (r *Registry) authenticatedPeers() []peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]peer, 0, len(r.sessions))
	for _, p := range r.sessions {
		if p.session.Authenticated {
			out = append(out, *p)
		}
	}
	return out
}

// All returns every live session ordered by extra-nonce
func (r *Registry) All() []MinerSession {
	r.mu.RLock()
	out := make([]MinerSession, 0, len(r.sessions))
	for _, p := range r.sessions {
		out = append(out, p.session)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b MinerSession) int {
		return cmp.Compare(a.ExtraNonce, b.ExtraNonce)
	})
	return out
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) conn(id string) (stratum.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// estimateHashrate scales the share frequency by the work per share.
// Non-positive intervals yield 0.
func estimateHashrate(sinceLast time.Duration) float64 {
	secs := sinceLast.Seconds()
	if secs <= 0 {
		return 0
	}
	return (1 / secs) * hashesPerShare
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
