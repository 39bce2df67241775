package accountpool

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/constant"
)

// retryBackoff is how long a credential sits out after an execution failure
// before the selector will hand it out again.
const retryBackoff = 2 * time.Minute

// Manager owns the in-memory view of the account pool: it loads credentials
// from a Store, hands them out through a round-robin selector, and keeps
// per-account success/error counters in memory; the counters are not
// written back to the store.
type Manager struct {
	store    Store
	selector *RoundRobin

	mu       sync.RWMutex
	auths    map[string]*Auth
	succeeds map[string]int64
	failures map[string]int64
}

// NewManager builds a Manager over store. Call Reload before the first Pick.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		selector: &RoundRobin{},
		auths:    make(map[string]*Auth),
		succeeds: make(map[string]int64),
		failures: make(map[string]int64),
	}
}

// Reload replaces the cached credential set with the store's current
// contents, preserving runtime state (availability, counters) for records
// that survive the reload.
func (m *Manager) Reload(ctx context.Context) error {
	fresh, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]*Auth, len(fresh))
	for _, auth := range fresh {
		if prev, ok := m.auths[auth.ID]; ok {
			auth.Unavailable = prev.Unavailable
			auth.NextRetryAfter = prev.NextRetryAfter
			auth.LastError = prev.LastError
			auth.LastRefreshedAt = prev.LastRefreshedAt
		}
		next[auth.ID] = auth
	}
	m.auths = next
	log.Debugf("accountpool: reloaded %d credential(s)", len(next))
	return nil
}

// Len reports how many credentials are currently loaded.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.auths)
}

// List returns a snapshot of all loaded credentials.
func (m *Manager) List() []*Auth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.auths))
	for _, a := range m.auths {
		out = append(out, a)
	}
	return out
}

// Pick selects the next available Amazon Q credential for model. Records
// tagged with a foreign provider (a stray file dropped into the auth
// directory) are excluded before selection.
func (m *Manager) Pick(_ context.Context, model string) (*Auth, error) {
	m.mu.RLock()
	candidates := make([]*Auth, 0, len(m.auths))
	for _, a := range m.auths {
		if a.Provider != "" && !strings.EqualFold(a.Provider, constant.ProviderAmazonQ) {
			continue
		}
		candidates = append(candidates, a)
	}
	m.mu.RUnlock()
	return m.selector.Pick(model, candidates)
}

// MarkSuccess records a successful upstream exchange for the credential,
// clearing any transient-unavailability backoff.
func (m *Manager) MarkSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeds[id]++
	if a, ok := m.auths[id]; ok {
		a.Unavailable = false
		a.NextRetryAfter = time.Time{}
		a.LastError = nil
		a.Status = StatusActive
	}
}

// MarkError records a failed upstream exchange. The credential is benched
// for retryBackoff so the selector rotates past it while it recovers.
func (m *Manager) MarkError(id string, failure *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	a, ok := m.auths[id]
	if !ok {
		return
	}
	a.Unavailable = true
	a.NextRetryAfter = time.Now().Add(retryBackoff)
	a.LastError = failure
	a.Status = StatusError
	if failure != nil {
		a.StatusMessage = failure.Message
	}
}

// Counters reports the success/error tallies for the credential.
func (m *Manager) Counters(id string) (succeeded, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.succeeds[id], m.failures[id]
}

// Save persists the credential's current record through the backing store.
func (m *Manager) Save(ctx context.Context, auth *Auth) error {
	if auth == nil {
		return nil
	}
	auth.UpdatedAt = time.Now()
	return m.store.Save(ctx, auth)
}
