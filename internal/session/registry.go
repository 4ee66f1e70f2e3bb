package session

import (
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
)

// entry guards one user's session. Every mutation of sess happens under mu.
type entry struct {
	mu      sync.Mutex
	sess    *domain.UserSession
	evicted bool
}

// runPrefs is the preference snapshot taken when an execution begins.
type runPrefs struct {
	workspace    string
	model        domain.Model
	autoApprove  bool
	continuation bool
	pending      []string
}

// Registry maps user ids to sessions. It is owned by a Manager.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	continued    map[string]bool // evicted users whose conversation was still open
	defaultModel domain.Model
	now          func() time.Time
}

// NewRegistry returns an empty registry whose new sessions use defaultModel.
func NewRegistry(defaultModel domain.Model) *Registry {
	if !defaultModel.Valid() {
		defaultModel = domain.DefaultModel
	}
	return &Registry{
		entries:      make(map[string]*entry),
		continued:    make(map[string]bool),
		defaultModel: defaultModel,
		now:          time.Now,
	}
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// getOrCreate returns the user's entry, creating a fresh IDLE session on
// first contact. created reports whether it was new. A session recreated
// after eviction keeps its conversation open.
func (r *Registry) getOrCreate(userID, workspacePath string) (e *entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e, false
	}
	e = &entry{sess: domain.NewUserSession(userID, workspacePath, r.defaultModel, r.now())}
	if r.continued[userID] {
		e.sess.ContinuationActive = true
		delete(r.continued, userID)
	}
	r.entries[userID] = e
	return e, true
}

func (r *Registry) lookup(userID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return e, ok
}

// lock returns the user's entry locked. It retries if the entry was evicted
// between lookup and lock, so callers always hold the live entry.
func (r *Registry) lock(userID, workspacePath string) (*entry, bool) {
	for {
		e, created := r.getOrCreate(userID, workspacePath)
		e.mu.Lock()
		if !e.evicted {
			return e, created
		}
		e.mu.Unlock()
	}
}

// begin atomically moves the session from IDLE to RUNNING and snapshots the
// preferences the execution will use. It fails with ErrBusy otherwise.
func (r *Registry) begin(userID, workspacePath string) (*entry, runPrefs, bool, error) {
	e, created := r.lock(userID, workspacePath)
	defer e.mu.Unlock()

	s := e.sess
	if s.State != domain.StateIdle {
		return nil, runPrefs{}, created, domain.ErrBusy
	}
	s.State = domain.StateRunning
	s.LastActivity = r.now()

	prefs := runPrefs{
		workspace:    s.WorkspacePath,
		model:        s.SelectedModel,
		autoApprove:  s.AutoApprove,
		continuation: s.ContinuationActive,
	}
	if len(s.PendingFiles) > 0 {
		prefs.pending = append([]string(nil), s.PendingFiles...)
	}
	return e, prefs, created, nil
}

func (r *Registry) setState(e *entry, st domain.State) {
	e.mu.Lock()
	e.sess.State = st
	e.mu.Unlock()
}

// finish applies update and returns the session to IDLE. It must run for
// every successful begin, whatever happened in between.
func (r *Registry) finish(e *entry, update func(s *domain.UserSession)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if update != nil {
		update(e.sess)
	}
	e.sess.State = domain.StateIdle
	e.sess.LastActivity = r.now()
}

// EvictIdle drops IDLE sessions whose last activity is before cutoff and
// returns their user ids. Busy sessions are never evicted. Eviction is not a
// clear: an open conversation is restored when the user comes back.
func (r *Registry) EvictIdle(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.sess.State == domain.StateIdle && e.sess.LastActivity.Before(cutoff) {
			e.evicted = true
			if e.sess.ContinuationActive {
				r.continued[id] = true
			}
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	return evicted
}
