package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"wgmon/internal/firewall"
	"wgmon/internal/logs"
	"wgmon/internal/models"
	"wgmon/internal/registry"
	"wgmon/internal/repo"
	"wgmon/internal/tarball"
	"wgmon/internal/validate"
	"wgmon/internal/vpn/wireguard"
)

// maxBody - предел тела запроса; правил у пира немного.
const maxBody = 1 << 20

type Handler struct {
	d Dependencies
}

/* ───── статус ───── */

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	models.WriteJSON(w, http.StatusOK, h.d.Status.Snapshot(r.Context()))
}

func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	n := h.d.Status.Refresh(r.Context())
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            models.StatusSuccess,
		"message":           "Status update broadcasted",
		"connected_clients": n,
	})
}

/* ───── правила ───── */

type rulesResponse struct {
	Status     string               `json:"status"`
	PeerID     uint                 `json:"peer_id,omitempty"`
	PeerName   string               `json:"peer_name"`
	Rules      []string             `json:"rules"`
	Directives []firewall.Directive `json:"directives"`
	Checksum   string               `json:"checksum"`
}

func (h *Handler) GenerateRules(w http.ResponseWriter, r *http.Request) {
	p, ok := h.peerFromQuery(w, r)
	if !ok {
		return
	}
	h.writeRules(w, p)
}

// PreviewRules компилирует несохранённого пира: форма редактирования
// показывает правила до сохранения.
func (h *Handler) PreviewRules(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name          string                `json:"name"`
		AssignedIP    string                `json:"assigned_ip"`
		Unrestricted  bool                  `json:"unrestricted"`
		FirewallRules []models.FirewallRule `json:"firewall_rules"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Name == "" {
		in.Name = "preview"
	}
	if in.AssignedIP == "" {
		ip, err := h.d.Registry.NextAvailableIP()
		if err != nil {
			writeErr(w, err)
			return
		}
		in.AssignedIP = ip
	}
	h.writeRules(w, models.Peer{
		Name:          in.Name,
		AssignedIP:    in.AssignedIP,
		Unrestricted:  in.Unrestricted,
		FirewallRules: in.FirewallRules,
	})
}

func (h *Handler) writeRules(w http.ResponseWriter, p models.Peer) {
	ds, err := firewall.Compile(p, h.d.Registry.Policy())
	if err != nil {
		writeErr(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, rulesResponse{
		Status:     models.StatusSuccess,
		PeerID:     p.ID,
		PeerName:   p.Name,
		Rules:      firewall.Lines(p, ds),
		Directives: ds,
		Checksum:   firewall.Checksum(ds),
	})
}

func (h *Handler) RulesScript(w http.ResponseWriter, r *http.Request) {
	p, ok := h.peerFromQuery(w, r)
	if !ok {
		return
	}
	ds, err := firewall.Compile(p, h.d.Registry.Policy())
	if err != nil {
		writeErr(w, err)
		return
	}
	attachment(w, "text/x-shellscript", fmt.Sprintf("wg-firewall-%s.sh", p.Name))
	_, _ = w.Write([]byte(firewall.Script(p, ds, h.d.Now())))
}

/* ───── шаблоны ───── */

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	out := firewall.Builtin()
	custom, err := h.d.Templates.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, m := range custom {
		t, err := firewall.TemplateFromModel(m)
		if err != nil {
			logs.Component("api").Warnf("skip template: %v", err)
			continue
		}
		out = append(out, t)
	}
	models.WriteData(w, http.StatusOK, out)
}

// SaveTemplate создаёт или перезаписывает пользовательский шаблон.
// Имена системных шаблонов заняты.
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t firewall.Template
	if !decode(w, r, &t) {
		return
	}
	t.Name = strings.TrimSpace(t.Name)
	if err := validate.Name(t.Name); err != nil {
		writeErr(w, validate.Errors{{Field: "name", Message: err.Error()}})
		return
	}
	if _, ok := firewall.LookupBuiltin(t.Name); ok {
		models.WriteError(w, http.StatusConflict, fmt.Sprintf("template %q is a system template", t.Name), nil)
		return
	}
	if err := firewall.ValidateRules(t.Rules, h.d.Registry.Policy()); err != nil {
		writeErr(w, err)
		return
	}
	m, err := t.Model()
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.d.Templates.Upsert(r.Context(), &m); err != nil {
		writeErr(w, err)
		return
	}
	t.System = false
	if t.Rules == nil {
		t.Rules = []models.FirewallRule{}
	}
	models.WriteData(w, http.StatusCreated, t)
}

// template ищет шаблон: сначала системные, затем пользовательские.
func (h *Handler) template(r *http.Request, name string) (firewall.Template, error) {
	if t, ok := firewall.LookupBuiltin(name); ok {
		return t, nil
	}
	m, err := h.d.Templates.GetByName(r.Context(), name)
	if err != nil {
		return firewall.Template{}, err
	}
	return firewall.TemplateFromModel(*m)
}

/* ───── пиры ───── */

func (h *Handler) NextIP(w http.ResponseWriter, _ *http.Request) {
	ip, err := h.d.Registry.NextAvailableIP()
	if err != nil {
		writeErr(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": models.StatusSuccess, "ip": ip})
}

func (h *Handler) ListPeers(w http.ResponseWriter, _ *http.Request) {
	models.WriteData(w, http.StatusOK, h.d.Registry.List())
}

func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Registry.Get(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	models.WriteData(w, http.StatusOK, p)
}

func (h *Handler) CreatePeer(w http.ResponseWriter, r *http.Request) {
	var in registry.PeerInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.d.Registry.Create(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	logs.Component("api").WithField("peer", p.Name).Infof("peer created, ip=%s", p.AssignedIP)
	models.WriteData(w, http.StatusCreated, p)
}

func (h *Handler) UpdatePeer(w http.ResponseWriter, r *http.Request) {
	var in registry.PeerInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.d.Registry.Update(r.Context(), pathID(r), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	models.WriteData(w, http.StatusOK, p)
}

func (h *Handler) DeletePeer(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Registry.Delete(r.Context(), pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	logs.Component("api").WithField("peer", p.Name).Info("peer deleted")
	models.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  models.StatusSuccess,
		"message": fmt.Sprintf("Peer %q deleted successfully", p.Name),
	})
}

func (h *Handler) TogglePeer(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Registry.Toggle(r.Context(), pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	state := "deactivated"
	if p.IsActive {
		state = "activated"
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    models.StatusSuccess,
		"is_active": p.IsActive,
		"message":   fmt.Sprintf("Peer %q %s successfully", p.Name, state),
	})
}

func (h *Handler) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Template string `json:"template"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Template == "" {
		writeErr(w, validate.Errors{{Field: "template", Message: "is required"}})
		return
	}
	t, err := h.template(r, in.Template)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			models.WriteError(w, http.StatusNotFound, fmt.Sprintf("template %q not found", in.Template), nil)
			return
		}
		writeErr(w, err)
		return
	}
	p, err := h.d.Registry.ApplyTemplate(r.Context(), pathID(r), t)
	if err != nil {
		writeErr(w, err)
		return
	}
	models.WriteData(w, http.StatusOK, p)
}

// ClientConfig - wg-конфиг клиента; приватный ключ клиента остаётся заглушкой.
func (h *Handler) ClientConfig(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Registry.Get(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	attachment(w, "text/plain; charset=utf-8", p.Name+".conf")
	_, _ = w.Write(wireguard.RenderClient(p, h.d.Client))
}

// Export - архив: серверный wg0.conf, клиентские конфиги и скрипты правил.
// Пир с некомпилируемыми правилами попадает в архив без скрипта.
func (h *Handler) Export(w http.ResponseWriter, _ *http.Request) {
	peers := h.d.Registry.List()
	files := []tarball.File{
		{Name: "wg0.conf", Data: wireguard.RenderServer(h.d.Server, peers), Mode: 0o600},
	}
	now := h.d.Now()
	for _, p := range peers {
		files = append(files, tarball.File{
			Name: "clients/" + p.Name + ".conf",
			Data: wireguard.RenderClient(p, h.d.Client),
		})
		ds, err := firewall.Compile(p, h.d.Registry.Policy())
		if err != nil {
			logs.Component("api").WithField("peer", p.Name).Warnf("export: %v", err)
			continue
		}
		files = append(files, tarball.File{
			Name: "firewall/" + p.Name + ".sh",
			Data: []byte(firewall.Script(p, ds, now)),
			Mode: 0o755,
		})
	}

	blob, sum, err := tarball.Build(files)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("X-Checksum-SHA256", sum)
	attachment(w, "application/gzip", "wgmon-export.tar.gz")
	_, _ = w.Write(blob)
}

/* ───── утилиты ───── */

func (h *Handler) peerFromQuery(w http.ResponseWriter, r *http.Request) (models.Peer, bool) {
	raw := r.URL.Query().Get("peer_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		models.WriteError(w, http.StatusBadRequest, "peer_id is required", nil)
		return models.Peer{}, false
	}
	p, err := h.d.Registry.Get(uint(id))
	if err != nil {
		writeErr(w, err)
		return models.Peer{}, false
	}
	return p, true
}

// pathID - {id} маршрута; mux уже проверил, что это число.
func pathID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		models.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func attachment(w http.ResponseWriter, contentType, name string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}

// writeErr переводит доменные ошибки в коды ответа.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case registry.IsValidation(err):
		writeValidation(w, err)
	case errors.Is(err, registry.ErrPeerNotFound):
		models.WriteError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, registry.ErrConflict), errors.Is(err, registry.ErrSubnetFull):
		models.WriteError(w, http.StatusConflict, err.Error(), nil)
	default:
		logs.Component("api").Errorf("request failed: %v", err)
		models.WriteError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// writeValidation - 400 с деталями: ошибки полей или ошибка правила.
func writeValidation(w http.ResponseWriter, err error) {
	var fe validate.Errors
	if errors.As(err, &fe) {
		models.WriteError(w, http.StatusBadRequest, "Validation failed", fe)
		return
	}
	var rve *firewall.RuleValidationError
	if errors.As(err, &rve) {
		models.WriteError(w, http.StatusBadRequest, rve.Error(), rve)
		return
	}
	models.WriteError(w, http.StatusBadRequest, err.Error(), nil)
}
