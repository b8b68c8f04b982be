package repo

import (
	"context"
	"sort"
	"sync"

	"wgmon/internal/models"
)

// MemoryPeerStore - хранилище без БД (database.driver = "memory").
// Данные живут до перезапуска процесса.
type MemoryPeerStore struct {
	mu     sync.RWMutex
	nextID uint
	peers  map[uint]models.Peer
}

func NewMemoryPeerStore() *MemoryPeerStore {
	return &MemoryPeerStore{nextID: 1, peers: make(map[uint]models.Peer)}
}

func (m *MemoryPeerStore) List(_ context.Context) ([]models.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryPeerStore) Create(_ context.Context, p *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID
	m.nextID++
	normalizeChildren(p)
	m.peers[p.ID] = p.Clone()
	return nil
}

func (m *MemoryPeerStore) Save(_ context.Context, p *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[p.ID]; !ok {
		return ErrNotFound
	}
	normalizeChildren(p)
	m.peers[p.ID] = p.Clone()
	return nil
}

func (m *MemoryPeerStore) Delete(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; !ok {
		return ErrNotFound
	}
	delete(m.peers, id)
	return nil
}

// MemoryTemplateStore - шаблоны без БД.
type MemoryTemplateStore struct {
	mu   sync.RWMutex
	tpls map[string]models.FirewallTemplate
}

func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{tpls: make(map[string]models.FirewallTemplate)}
}

func (m *MemoryTemplateStore) List(_ context.Context) ([]models.FirewallTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FirewallTemplate, 0, len(m.tpls))
	for _, t := range m.tpls {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryTemplateStore) GetByName(_ context.Context, name string) (*models.FirewallTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tpls[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryTemplateStore) Upsert(_ context.Context, t *models.FirewallTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tpls[t.Name]; ok {
		t.ID = cur.ID
	} else {
		t.ID = uint(len(m.tpls) + 1)
	}
	m.tpls[t.Name] = *t
	return nil
}
