package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgmon/internal/broadcast"
	"wgmon/internal/firewall"
	"wgmon/internal/models"
	"wgmon/internal/registry"
	"wgmon/internal/repo"
	"wgmon/internal/vpn/wireguard"
)

type fakeStatus struct {
	snap     *broadcast.Snapshot
	viewers  int
	refreshs int
}

func (f *fakeStatus) Snapshot(context.Context) *broadcast.Snapshot { return f.snap }
func (f *fakeStatus) Refresh(context.Context) int {
	f.refreshs++
	return f.viewers
}

type env struct {
	router *mux.Router
	reg    *registry.Registry
	status *fakeStatus
}

func setup(t *testing.T, token string) *env {
	t.Helper()
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	reg := registry.New(repo.NewMemoryPeerStore(), registry.Options{
		Subnet:       subnet,
		Policy:       firewall.Policy{Interface: "wg0"},
		PresharedKey: func() (string, error) { return "", nil },
	})
	st := &fakeStatus{snap: &broadcast.Snapshot{
		Status:    models.StatusSuccess,
		Data:      map[uint]broadcast.PeerStatus{},
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
	r := mux.NewRouter()
	Attach(r, Dependencies{
		Registry:  reg,
		Status:    st,
		Templates: repo.NewMemoryTemplateStore(),
		Server:    wireguard.ServerConfig{Address: "10.0.0.1/24", ListenPort: 51820},
		Client:    wireguard.ClientConfig{ServerPublicKey: newKey(t), Endpoint: "vpn.example.com:51820"},
		Token:     token,
		Now:       func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) },
	})
	return &env{router: r, reg: reg, status: st}
}

func newKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey().String()
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type peerEnvelope struct {
	Status string      `json:"status"`
	Data   models.Peer `json:"data"`
}

func (e *env) createPeer(t *testing.T, name string) models.Peer {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/peers", map[string]any{"name": name, "public_key": newKey(t)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[peerEnvelope](t, rec).Data
}

func TestStatusAndRefresh(t *testing.T) {
	e := setup(t, "")
	e.status.viewers = 3

	rec := e.do(t, http.MethodGet, "/api/v1/wireguard/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "success", snap["status"])
	assert.Contains(t, snap, "connected_peers")

	rec = e.do(t, http.MethodPost, "/api/v1/wireguard/refresh-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(3), got["connected_clients"])
	assert.Equal(t, 1, e.status.refreshs)
}

func TestPeerLifecycle(t *testing.T) {
	e := setup(t, "")
	p := e.createPeer(t, "alpha")
	assert.Equal(t, "10.0.0.2", p.AssignedIP)
	assert.True(t, p.IsActive)
	assert.True(t, p.Unrestricted)

	rec := e.do(t, http.MethodGet, "/api/v1/next-ip", nil)
	assert.JSONEq(t, `{"status":"success","ip":"10.0.0.3"}`, rec.Body.String())

	rec = e.do(t, http.MethodPut, "/api/v1/peers/1", map[string]any{"endpoint": "198.51.100.7:51820"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "198.51.100.7:51820", decodeBody[peerEnvelope](t, rec).Data.Endpoint)

	rec = e.do(t, http.MethodPost, "/api/v1/peers/1/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tog := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, tog["is_active"])
	assert.Equal(t, `Peer "alpha" deactivated successfully`, tog["message"])

	rec = e.do(t, http.MethodGet, "/api/v1/peers", nil)
	list := decodeBody[struct {
		Data []models.Peer `json:"data"`
	}](t, rec)
	require.Len(t, list.Data, 1)
	assert.False(t, list.Data[0].IsActive)

	rec = e.do(t, http.MethodDelete, "/api/v1/peers/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/peers/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", decodeBody[models.ErrorBody](t, rec).Status)
}

func TestPeerErrors(t *testing.T) {
	e := setup(t, "")
	e.createPeer(t, "alpha")

	t.Run("validation", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/v1/peers", map[string]any{"name": "bad name!", "public_key": "nope"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[struct {
			Errors []struct {
				Field string `json:"field"`
			} `json:"errors"`
		}](t, rec)
		var fields []string
		for _, fe := range body.Errors {
			fields = append(fields, fe.Field)
		}
		sort.Strings(fields)
		assert.Empty(t, cmp.Diff([]string{"name", "public_key"}, fields))
	})

	t.Run("conflict", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/v1/peers", map[string]any{"name": "alpha", "public_key": newKey(t)})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/peers", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown peer", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/v1/peers/42/toggle", nil).Code)
	})
}

func TestGenerateRules(t *testing.T) {
	e := setup(t, "")
	e.createPeer(t, "alpha")
	rec := e.do(t, http.MethodPost, "/api/v1/peers/1/firewall/template", map[string]string{"template": "guest"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/firewall/rules/generate?peer_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[rulesResponse](t, rec)
	assert.Equal(t, "alpha", got.PeerName)
	assert.Equal(t, "# Base WireGuard rules", got.Rules[0])
	assert.Contains(t, got.Rules, "# Rules for peer: alpha (10.0.0.2)")
	assert.Equal(t, firewall.Checksum(got.Directives), got.Checksum)

	// повтор - тот же результат
	again := decodeBody[rulesResponse](t, e.do(t, http.MethodGet, "/api/v1/firewall/rules/generate?peer_id=1", nil))
	assert.Empty(t, cmp.Diff(got, again))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/firewall/rules/generate", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/firewall/rules/generate?peer_id=9", nil).Code)
}

func TestPreviewRules(t *testing.T) {
	e := setup(t, "")

	rec := e.do(t, http.MethodPost, "/api/v1/firewall/rules/preview", map[string]any{
		"name": "draft",
		"firewall_rules": []map[string]any{
			{"name": "SSH", "rule_type": "port", "action": "ALLOW", "destination": "192.168.1.0/24", "protocol": "tcp", "ports": "22"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[rulesResponse](t, rec)
	assert.Contains(t, strings.Join(got.Rules, "\n"), "-s 10.0.0.2/32 -d 192.168.1.0/24 -p tcp --dport 22")

	rec = e.do(t, http.MethodPost, "/api/v1/firewall/rules/preview", map[string]any{
		"assigned_ip": "10.0.0.5",
		"firewall_rules": []map[string]any{
			{"name": "Broken", "rule_type": "port", "action": "ALLOW", "destination": "any", "protocol": "tcp", "ports": "70000"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[struct {
		Errors firewall.RuleValidationError `json:"errors"`
	}](t, rec)
	assert.Equal(t, "ports", body.Errors.Field)
	assert.Equal(t, "Broken", body.Errors.Name)
}

func TestTemplates(t *testing.T) {
	e := setup(t, "")
	custom := map[string]any{
		"name":        "ssh_only",
		"description": "SSH to the lab",
		"category":    "custom",
		"rules": []map[string]any{
			{"name": "SSH", "rule_type": "port", "action": "ALLOW", "destination": "10.10.0.0/16", "protocol": "tcp", "ports": "22"},
		},
	}
	rec := e.do(t, http.MethodPost, "/api/v1/firewall/templates", custom)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/firewall/templates", nil)
	list := decodeBody[struct {
		Data []firewall.Template `json:"data"`
	}](t, rec)
	var names []string
	for _, tpl := range list.Data {
		names = append(names, tpl.Name)
	}
	assert.Equal(t, []string{"unrestricted", "internet_only", "restricted", "admin", "guest", "ssh_only"}, names)

	custom["name"] = "guest"
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/firewall/templates", custom).Code)

	e.createPeer(t, "alpha")
	rec = e.do(t, http.MethodPost, "/api/v1/peers/1/firewall/template", map[string]string{"template": "ssh_only"})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[peerEnvelope](t, rec).Data
	assert.False(t, p.Unrestricted)
	require.Len(t, p.FirewallRules, 1)
	assert.Equal(t, "SSH", p.FirewallRules[0].Name)

	rec = e.do(t, http.MethodPost, "/api/v1/peers/1/firewall/template", map[string]string{"template": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloads(t *testing.T) {
	e := setup(t, "")
	e.createPeer(t, "alpha")
	e.createPeer(t, "beta")

	rec := e.do(t, http.MethodGet, "/api/v1/firewall/rules/script?peer_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="wg-firewall-alpha.sh"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "#!/bin/bash\n"))

	rec = e.do(t, http.MethodGet, "/api/v1/peers/2/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Address = 10.0.0.3/32")
	assert.Contains(t, rec.Body.String(), "Endpoint = vpn.example.com:51820")

	rec = e.do(t, http.MethodGet, "/api/v1/peers/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get("X-Checksum-SHA256"), 64)

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
	want := []string{
		"clients/", "clients/alpha.conf", "clients/beta.conf",
		"firewall/", "firewall/alpha.sh", "firewall/beta.sh",
		"wg0.conf",
	}
	assert.Empty(t, cmp.Diff(want, names))
}

func TestBearerToken(t *testing.T) {
	e := setup(t, "s3cret")
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/peers", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
