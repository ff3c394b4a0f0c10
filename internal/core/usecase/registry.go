package usecase

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// BackendRegistry tracks downstream servers per role. All state sits behind one
// RWMutex; the round-robin cursors are atomics so selection only needs the read lock.
type BackendRegistry struct {
	healthChecking bool
	now            func() time.Time

	mu      sync.RWMutex
	byID    map[string]*domain.BackendServer
	byRole  map[domain.Role][]string
	cursors map[domain.Role]*atomic.Uint64
}

func NewBackendRegistry(healthChecking bool) *BackendRegistry {
	cursors := make(map[domain.Role]*atomic.Uint64, len(domain.Roles))
	for _, role := range domain.Roles {
		cursors[role] = new(atomic.Uint64)
	}
	return &BackendRegistry{
		healthChecking: healthChecking,
		now:            time.Now,
		byID:           make(map[string]*domain.BackendServer),
		byRole:         make(map[domain.Role][]string, len(domain.Roles)),
		cursors:        cursors,
	}
}

func (r *BackendRegistry) HealthChecking() bool { return r.healthChecking }

func (r *BackendRegistry) Register(role domain.Role, url string) (domain.BackendServer, error) {
	const op = "register backend"
	if !role.Valid() {
		return domain.BackendServer{}, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("unknown role %q", role))
	}
	url = normalizeBackendURL(url)
	if url == "" {
		return domain.BackendServer{}, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("url is required"))
	}

	server := &domain.BackendServer{
		ID:           domain.NewBackendID(role, uuid.NewString()),
		Role:         role,
		URL:          url,
		Health:       domain.HealthUnknown,
		RegisteredAt: r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byRole[role] {
		if r.byID[id].URL == url {
			return domain.BackendServer{}, domain.WrapError(
				domain.ErrDuplicateRegistration, op,
				fmt.Errorf("%s server %s already registered as %s", role, url, id),
			)
		}
	}
	r.byID[server.ID] = server
	r.byRole[role] = append(r.byRole[role], server.ID)
	return *server, nil
}

// Restore re-inserts persisted servers, keeping their ids. Conflicting entries are skipped.
func (r *BackendRegistry) Restore(servers []domain.BackendServer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, s := range servers {
		if !s.Role.Valid() || s.ID == "" {
			continue
		}
		if _, exists := r.byID[s.ID]; exists {
			continue
		}
		s.URL = normalizeBackendURL(s.URL)
		s.Health = domain.HealthUnknown
		s.LastProbe = time.Time{}
		server := s
		r.byID[s.ID] = &server
		r.byRole[s.Role] = append(r.byRole[s.Role], s.ID)
		restored++
	}
	return restored
}

func (r *BackendRegistry) Deregister(id string) (domain.BackendServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.byID[id]
	if !ok {
		return domain.BackendServer{}, domain.WrapError(domain.ErrNotFound, "deregister backend", fmt.Errorf("server id %q", id))
	}
	delete(r.byID, id)
	ids := r.byRole[server.Role]
	for i, candidate := range ids {
		if candidate == id {
			r.byRole[server.Role] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return *server, nil
}

// SelectHealthy picks the next eligible server for role in round-robin order.
func (r *BackendRegistry) SelectHealthy(role domain.Role) (domain.BackendServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRole[role]
	if n := len(ids); n > 0 {
		cursor := r.cursors[role]
		for attempt := 0; attempt < n; attempt++ {
			idx := int((cursor.Add(1) - 1) % uint64(n))
			server := r.byID[ids[idx]]
			if r.eligible(server) {
				return *server, nil
			}
		}
	}
	return domain.BackendServer{}, domain.WrapError(
		domain.ErrNoBackendAvailable, "select backend",
		fmt.Errorf("no healthy %s server", role),
	)
}

func (r *BackendRegistry) eligible(server *domain.BackendServer) bool {
	if server.Health == domain.HealthHealthy {
		return true
	}
	return !r.healthChecking && server.Health == domain.HealthUnknown
}

func (r *BackendRegistry) Snapshot(role domain.Role) []domain.BackendServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRole[role]
	out := make([]domain.BackendServer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.byID[id])
	}
	return out
}

func (r *BackendRegistry) SnapshotAll() map[domain.Role][]domain.BackendServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.Role][]domain.BackendServer, len(r.byRole))
	for _, role := range domain.Roles {
		ids := r.byRole[role]
		if len(ids) == 0 {
			continue
		}
		servers := make([]domain.BackendServer, 0, len(ids))
		for _, id := range ids {
			servers = append(servers, *r.byID[id])
		}
		out[role] = servers
	}
	return out
}

// UpdateHealth records a probe result. Servers removed meanwhile are ignored.
func (r *BackendRegistry) UpdateHealth(id string, status domain.HealthStatus, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.byID[id]
	if !ok {
		return false
	}
	server.Health = status
	server.LastProbe = at
	return true
}

func normalizeBackendURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
