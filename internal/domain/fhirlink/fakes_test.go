package fhirlink

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/domain/timeline"
	"github.com/remedara/remedara/internal/platform/secrets"
)

func testSecrets(t *testing.T) *secrets.Service {
	t.Helper()
	svc, err := secrets.NewService(strings.Repeat("ab", 32), zerolog.Nop())
	if err != nil {
		t.Fatalf("create secrets service: %v", err)
	}
	return svc
}

// memProviderRepo is an in-memory ProviderRepository.
type memProviderRepo struct {
	mu        sync.Mutex
	pending   []*PendingLink
	providers map[uuid.UUID]*LinkedProvider
}

func newMemProviderRepo() *memProviderRepo {
	return &memProviderRepo{providers: make(map[uuid.UUID]*LinkedProvider)}
}

func (m *memProviderRepo) CreatePending(_ context.Context, link *PendingLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	m.pending = append(m.pending, &cp)
	return nil
}

func (m *memProviderRepo) ConsumePending(_ context.Context, userID uuid.UUID, state string) (*PendingLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i, p := range m.pending {
		if p.UserID == userID && p.State == state && p.ExpiresAt.After(now) {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return p, nil
		}
	}
	return nil, nil
}

func (m *memProviderRepo) DeleteExpiredPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var kept []*PendingLink
	var removed int64
	for _, p := range m.pending {
		if p.ExpiresAt.After(now) {
			kept = append(kept, p)
		} else {
			removed++
		}
	}
	m.pending = kept
	return removed, nil
}

func (m *memProviderRepo) Create(_ context.Context, p *LinkedProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *memProviderRepo) GetForUser(_ context.Context, userID, id uuid.UUID) (*LinkedProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memProviderRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*LinkedProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LinkedProvider
	for _, p := range m.providers {
		if p.UserID == userID && p.Status != StatusRevoked {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memProviderRepo) ListSyncable(_ context.Context, userID uuid.UUID) ([]*LinkedProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LinkedProvider
	for _, p := range m.providers {
		if p.UserID == userID && p.Status == StatusActive && p.SyncEnabled {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memProviderRepo) UpdateTokens(_ context.Context, id uuid.UUID, encrypted string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[id]; ok {
		p.EncryptedTokens = encrypted
		p.TokenExpiresAt = expiresAt
	}
	return nil
}

func (m *memProviderRepo) SetStatus(_ context.Context, id uuid.UUID, status LinkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[id]; ok {
		p.Status = status
	}
	return nil
}

func (m *memProviderRepo) MarkSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[id]; ok {
		p.LastSyncAt = &at
	}
	return nil
}

func (m *memProviderRepo) Revoke(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[id]; ok {
		p.Status = StatusRevoked
		p.EncryptedTokens = ""
		p.TokenExpiresAt = nil
		p.SyncEnabled = false
	}
	return nil
}

func (m *memProviderRepo) get(id uuid.UUID) *LinkedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[id]
}

// memAuditRepo is an in-memory AuditRepository.
type memAuditRepo struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (m *memAuditRepo) Append(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAuditRepo) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*AuditEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			matched = append(matched, e)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (m *memAuditRepo) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// memTimelineRepo is an in-memory timeline.Repository for sync tests.
type memTimelineRepo struct {
	mu      sync.Mutex
	entries map[string]*timeline.Entry
}

func newMemTimelineRepo() *memTimelineRepo {
	return &memTimelineRepo{entries: make(map[string]*timeline.Entry)}
}

func (m *memTimelineRepo) key(providerID uuid.UUID, sourceID string) string {
	return providerID.String() + "|" + sourceID
}

func (m *memTimelineRepo) Upsert(_ context.Context, entry *timeline.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[m.key(entry.ProviderID, entry.SourceID)] = &cp
	return nil
}

func (m *memTimelineRepo) Query(_ context.Context, q timeline.Query) ([]*timeline.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*timeline.Entry
	for _, e := range m.entries {
		if e.UserID == q.UserID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (m *memTimelineRepo) DeleteByProvider(_ context.Context, providerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for k, e := range m.entries {
		if e.ProviderID == providerID {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (m *memTimelineRepo) CountByCategory(_ context.Context, userID uuid.UUID) (map[timeline.Category]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[timeline.Category]int)
	for _, e := range m.entries {
		if e.UserID == userID {
			counts[e.Category]++
		}
	}
	return counts, nil
}

func (m *memTimelineRepo) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// memLocker is an in-process Locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) TryAcquire(_ context.Context, providerID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[providerID] {
		return nil, false, nil
	}
	l.held[providerID] = true
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, providerID)
	}
	return release, true, nil
}
