package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgmon/internal/broadcast"
	"wgmon/internal/models"
	"wgmon/internal/rates"
	"wgmon/internal/registry"
	"wgmon/internal/repo"
	"wgmon/internal/sampler"
)

func setup(t *testing.T) (*broadcast.Broadcaster, *registry.Registry, string) {
	t.Helper()
	reg := registry.New(repo.NewMemoryPeerStore(), registry.Options{
		Subnet:       netip.MustParsePrefix("10.0.0.0/24"),
		PresharedKey: func() (string, error) { return "", nil },
	})
	smp := sampler.New(sampler.NoopSource{}, sampler.Options{Timeout: time.Second})
	b := broadcast.New(reg, smp, rates.NewTracker(5), broadcast.Options{Interval: time.Hour})

	srv := httptest.NewServer(NewHandler(b, Options{}))
	t.Cleanup(srv.Close)
	return b, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func addPeer(t *testing.T, reg *registry.Registry, name string) models.Peer {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	pub := k.PublicKey().String()
	p, err := reg.Create(context.Background(), registry.PeerInput{Name: &name, PublicKey: &pub})
	require.NoError(t, err)
	return p
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

// readUntil пропускает кадры, пока не встретит нужное событие.
func readUntil(t *testing.T, c *websocket.Conn, event string) Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		if env := read(t, c); env.Event == event {
			return env
		}
	}
	t.Fatalf("no %s event", event)
	return Envelope{}
}

func TestConnectGreetsThenSendsSnapshot(t *testing.T) {
	b, reg, url := setup(t)
	addPeer(t, reg, "alpha")
	b.Snapshot(context.Background())

	c := dial(t, url)
	env := read(t, c)
	require.Equal(t, broadcast.EventConnection, env.Event)
	assert.Contains(t, string(env.Data), `"connected"`)

	env = read(t, c)
	require.Equal(t, broadcast.EventStatus, env.Event)
	var snap struct {
		Status     string                          `json:"status"`
		TotalPeers int                             `json:"total_peers"`
		Data       map[string]broadcast.PeerStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "success", snap.Status)
	assert.Equal(t, 1, snap.TotalPeers)
	assert.Len(t, snap.Data, 1)
}

func TestPeerActionRoundTrip(t *testing.T) {
	b, reg, url := setup(t)
	p := addPeer(t, reg, "alpha")
	b.Snapshot(context.Background())

	c := dial(t, url)
	readUntil(t, c, broadcast.EventStatus)

	require.NoError(t, c.WriteJSON(map[string]any{
		"event": EventPeerAction,
		"data":  map[string]any{"peer_id": p.ID, "action": "deactivate"},
	}))
	env := readUntil(t, c, broadcast.EventActionResult)
	var res broadcast.ActionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "success", res.Status)
	assert.False(t, res.IsActive)
	assert.Equal(t, "inactive", res.NewState)

	got, err := reg.Get(p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// строковый peer_id тоже принимается
	require.NoError(t, c.WriteJSON(map[string]any{
		"event": EventPeerAction,
		"data":  map[string]any{"peer_id": "999", "action": "activate"},
	}))
	env = readUntil(t, c, broadcast.EventActionResult)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, uint(999), res.PeerID)
}

func TestMalformedActionGetsErrorResult(t *testing.T) {
	_, _, url := setup(t)
	c := dial(t, url)
	read(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{"event": EventPeerAction, "data": map[string]any{"action": "activate"}}))
	env := readUntil(t, c, broadcast.EventActionResult)
	assert.Contains(t, string(env.Data), "Missing peer_id or action")
}

func TestRequestStatusUpdate(t *testing.T) {
	b, reg, url := setup(t)
	addPeer(t, reg, "alpha")
	b.Snapshot(context.Background())

	c := dial(t, url)
	readUntil(t, c, broadcast.EventStatus)

	require.NoError(t, c.WriteJSON(map[string]any{"event": EventRequestStatus}))
	env := read(t, c)
	assert.Equal(t, broadcast.EventStatus, env.Event)
}

func TestDisconnectReleasesSubscription(t *testing.T) {
	b, _, url := setup(t)
	c := dial(t, url)
	read(t, c)
	require.Eventually(t, func() bool { return b.Viewers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	c.Close()
	assert.Eventually(t, func() bool { return b.Viewers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeIntent(t *testing.T) {
	in, err := decodeIntent(json.RawMessage(`{"peer_id": 7, "action": "activate"}`))
	require.NoError(t, err)
	assert.Equal(t, broadcast.Intent{PeerID: 7, Action: "activate"}, in)

	in, err = decodeIntent(json.RawMessage(`{"peer_id": "12", "action": "deactivate"}`))
	require.NoError(t, err)
	assert.Equal(t, uint(12), in.PeerID)

	_, err = decodeIntent(json.RawMessage(`{"action": "activate"}`))
	assert.Error(t, err)
	_, err = decodeIntent(json.RawMessage(`{"peer_id": -1}`))
	assert.Error(t, err)
}
