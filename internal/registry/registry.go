// Package registry - единственный источник правды о пирах.
//
// Чтение идёт из памяти, запись сквозная в Store. Изменения одного пира
// сериализуются его собственной блокировкой; хуки (перекомпиляция правил,
// перегенерация wg0.conf) вызываются под ней же, поэтому производные
// состояния одного пира никогда не строятся параллельно.
//
// Порядок блокировок: writeMu → entry.mu → mu.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"wgmon/internal/firewall"
	"wgmon/internal/models"
	"wgmon/internal/vpn/wireguard"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrConflict     = errors.New("peer conflict")
	ErrSubnetFull   = errors.New("no available IP addresses in VPN subnet")
)

// Store - постоянное хранилище пиров.
type Store interface {
	List(ctx context.Context) ([]models.Peer, error)
	Create(ctx context.Context, p *models.Peer) error
	Save(ctx context.Context, p *models.Peer) error
	Delete(ctx context.Context, id uint) error
}

// Hook получает уведомления об изменениях. Вызывается под блокировкой пира:
// мутировать реестр из хука нельзя, читать (List/Get) можно.
type Hook interface {
	PeerChanged(ctx context.Context, p models.Peer)
	PeerRemoved(ctx context.Context, p models.Peer)
}

type Options struct {
	Subnet   netip.Prefix
	ServerIP netip.Addr // если не задан - первый адрес подсети
	Policy   firewall.Policy

	// PresharedKey генерирует PSK для новых пиров.
	PresharedKey func() (string, error)
}

type entry struct {
	mu      sync.Mutex
	peer    models.Peer // читается под Registry.mu
	deleted bool        // пишется под entry.mu и Registry.mu
}

type Registry struct {
	store Store
	opts  Options
	hooks []Hook

	writeMu sync.Mutex // создание/изменение/удаление: уникальность полей

	mu    sync.RWMutex
	peers map[uint]*entry
}

func New(store Store, opts Options) *Registry {
	if opts.PresharedKey == nil {
		opts.PresharedKey = wireguard.GeneratePresharedKey
	}
	opts.Subnet = opts.Subnet.Masked()
	if !opts.ServerIP.IsValid() && opts.Subnet.IsValid() {
		opts.ServerIP = opts.Subnet.Addr().Next()
	}
	if !opts.Policy.VPNSubnet.IsValid() {
		opts.Policy.VPNSubnet = opts.Subnet
	}
	return &Registry{
		store: store,
		opts:  opts,
		peers: make(map[uint]*entry),
	}
}

// AddHook регистрирует хук. Вызывать до начала работы.
func (r *Registry) AddHook(h Hook) { r.hooks = append(r.hooks, h) }

// Policy - параметры компиляции правил, общие для всех пиров.
func (r *Registry) Policy() firewall.Policy { return r.opts.Policy }

// Load заполняет реестр из хранилища.
func (r *Registry) Load(ctx context.Context) error {
	peers, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[uint]*entry, len(peers))
	for _, p := range peers {
		r.peers[p.ID] = &entry{peer: p}
	}
	return nil
}

// List - копии всех пиров по возрастанию ID.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.peer.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id uint) (models.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return models.Peer{}, fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	return e.peer.Clone(), nil
}

// Len - число пиров.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

/* ───── мутации ───── */

// Create проверяет ввод, назначает адрес (если не задан) и PSK, сохраняет пира.
// Без явных правил пир получает шаблон unrestricted.
func (r *Registry) Create(ctx context.Context, in PeerInput) (models.Peer, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	p := models.Peer{IsActive: true}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if in.AssignedIP == nil || *in.AssignedIP == "" {
		ip, err := r.nextAvailableIP()
		if err != nil {
			return models.Peer{}, err
		}
		in.AssignedIP = &ip
	}
	if in.FirewallRules == nil && in.Unrestricted == nil {
		yes := true
		in.Unrestricted = &yes
	}
	in.apply(&p)

	if err := r.check(&p, 0); err != nil {
		return models.Peer{}, err
	}
	psk, err := r.opts.PresharedKey()
	if err != nil {
		return models.Peer{}, err
	}
	p.PresharedKey = psk

	if err := r.store.Create(ctx, &p); err != nil {
		return models.Peer{}, fmt.Errorf("store peer: %w", err)
	}

	e := &entry{peer: p}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.mu.Lock()
	r.peers[p.ID] = e
	r.mu.Unlock()

	r.changed(ctx, p)
	return p.Clone(), nil
}

// Update применяет частичные изменения. Поля со значением nil не трогаются.
func (r *Registry) Update(ctx context.Context, id uint, in PeerInput) (models.Peer, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.mutate(ctx, id, func(p *models.Peer) error {
		in.apply(p)
		return r.check(p, id)
	})
}

// SetActive включает/выключает пира.
func (r *Registry) SetActive(ctx context.Context, id uint, active bool) (models.Peer, error) {
	return r.mutate(ctx, id, func(p *models.Peer) error {
		p.IsActive = active
		return nil
	})
}

// Toggle инвертирует IsActive под блокировкой пира.
func (r *Registry) Toggle(ctx context.Context, id uint) (models.Peer, error) {
	return r.mutate(ctx, id, func(p *models.Peer) error {
		p.IsActive = !p.IsActive
		return nil
	})
}

// ApplyTemplate атомарно заменяет весь набор правил пира правилами шаблона.
func (r *Registry) ApplyTemplate(ctx context.Context, id uint, tpl firewall.Template) (models.Peer, error) {
	if err := firewall.ValidateRules(tpl.Rules, r.opts.Policy); err != nil {
		return models.Peer{}, err
	}
	return r.mutate(ctx, id, func(p *models.Peer) error {
		p.FirewallRules = tpl.RulesFor()
		p.Unrestricted = tpl.Unrestricted
		return nil
	})
}

// Delete удаляет пира; хуки снимают его правила и историю.
func (r *Registry) Delete(ctx context.Context, id uint) (models.Peer, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	e, err := r.lockEntry(id)
	if err != nil {
		return models.Peer{}, err
	}
	defer e.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		return models.Peer{}, fmt.Errorf("delete peer: %w", err)
	}
	r.mu.Lock()
	e.deleted = true
	delete(r.peers, id)
	p := e.peer
	r.mu.Unlock()

	for _, h := range r.hooks {
		h.PeerRemoved(ctx, p)
	}
	return p.Clone(), nil
}

// NextAvailableIP - наименьший свободный адрес подсети (без сети, сервера и broadcast).
func (r *Registry) NextAvailableIP() (string, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.nextAvailableIP()
}

func (r *Registry) nextAvailableIP() (string, error) {
	if !r.opts.Subnet.IsValid() {
		return "", fmt.Errorf("%w: subnet is not configured", ErrSubnetFull)
	}
	used := map[netip.Addr]struct{}{r.opts.ServerIP: {}}
	r.mu.RLock()
	for _, e := range r.peers {
		if a, err := netip.ParseAddr(e.peer.AssignedIP); err == nil {
			used[a] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for a := r.opts.Subnet.Addr().Next(); r.opts.Subnet.Contains(a); a = a.Next() {
		if isBroadcast(r.opts.Subnet, a) {
			break
		}
		if _, taken := used[a]; !taken {
			return a.String(), nil
		}
	}
	return "", ErrSubnetFull
}

/* ───── внутреннее ───── */

// lockEntry берёт блокировку пира; удалённый пир считается отсутствующим.
func (r *Registry) lockEntry(id uint) (*entry, error) {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	return e, nil
}

// mutate - чтение-изменение-запись одного пира под его блокировкой.
// При ошибке проверки или хранилища состояние в памяти не меняется.
func (r *Registry) mutate(ctx context.Context, id uint, fn func(p *models.Peer) error) (models.Peer, error) {
	e, err := r.lockEntry(id)
	if err != nil {
		return models.Peer{}, err
	}
	defer e.mu.Unlock()

	r.mu.RLock()
	p := e.peer.Clone()
	r.mu.RUnlock()

	if err := fn(&p); err != nil {
		return models.Peer{}, err
	}
	if err := r.store.Save(ctx, &p); err != nil {
		return models.Peer{}, fmt.Errorf("store peer: %w", err)
	}

	r.mu.Lock()
	e.peer = p
	r.mu.Unlock()

	r.changed(ctx, p)
	return p.Clone(), nil
}

func (r *Registry) changed(ctx context.Context, p models.Peer) {
	for _, h := range r.hooks {
		h.PeerChanged(ctx, p.Clone())
	}
}

func isBroadcast(p netip.Prefix, a netip.Addr) bool {
	if !p.IsValid() || !a.Is4() || p.Bits() >= 31 {
		return false
	}
	b := a.As4()
	host := 32 - p.Bits()
	mask := uint32(1)<<host - 1
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v&mask == mask
}
