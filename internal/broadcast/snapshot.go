package broadcast

import (
	"time"

	"wgmon/internal/format"
	"wgmon/internal/models"
	"wgmon/internal/rates"
	"wgmon/internal/sampler"
)

// changeThreshold - изменение счётчиков меньше этого не повод для рассылки.
const changeThreshold = 1024

type GraphData struct {
	Timestamps []string  `json:"timestamps"`
	RXRates    []float64 `json:"rx_rates"`
	TXRates    []float64 `json:"tx_rates"`
}

// PeerStatus - состояние пира глазами зрителя.
type PeerStatus struct {
	PeerID              uint      `json:"peer_id"`
	Name                string    `json:"name"`
	PublicKey           string    `json:"public_key"`
	AssignedIP          string    `json:"assigned_ip"`
	IsActive            bool      `json:"is_active"`
	IsConnected         bool      `json:"is_connected"`
	Stale               bool      `json:"stale"`
	Endpoint            string    `json:"endpoint"`
	ClientIP            string    `json:"client_ip"`
	LatestHandshake     string    `json:"latest_handshake"`
	ConnectionDuration  string    `json:"connection_duration"`
	TransferRX          uint64    `json:"transfer_rx"`
	TransferTX          uint64    `json:"transfer_tx"`
	TransferRXFormatted string    `json:"transfer_rx_formatted"`
	TransferTXFormatted string    `json:"transfer_tx_formatted"`
	RXRate              float64   `json:"rx_rate"`
	TXRate              float64   `json:"tx_rate"`
	RXRateFormatted     string    `json:"rx_rate_formatted"`
	TXRateFormatted     string    `json:"tx_rate_formatted"`
	PersistentKeepalive int       `json:"persistent_keepalive"`
	GraphData           GraphData `json:"graph_data"`
}

// Snapshot - проекция реестра и последнего замера. После публикации не меняется.
type Snapshot struct {
	Status         string              `json:"status"`
	Data           map[uint]PeerStatus `json:"data"`
	TotalPeers     int                 `json:"total_peers"`
	ConnectedPeers int                 `json:"connected_peers"`
	Timestamp      time.Time           `json:"timestamp"`
	Stale          bool                `json:"stale"`
	Error          string              `json:"error,omitempty"`
}

// compose собирает снимок. Счётчики замера к этому моменту уже внесены в трекер.
func compose(peers []models.Peer, res sampler.Result, sampleErr error, tr *rates.Tracker, now time.Time, liveness time.Duration) *Snapshot {
	snap := &Snapshot{
		Status:     models.StatusSuccess,
		Data:       make(map[uint]PeerStatus, len(peers)),
		TotalPeers: len(peers),
		Timestamp:  now,
		Stale:      res.Stale,
	}
	if sampleErr != nil {
		snap.Error = sampleErr.Error()
	}

	for _, p := range peers {
		st, live := res.Peers[p.PublicKey]
		ps := PeerStatus{
			PeerID:              p.ID,
			Name:                p.Name,
			PublicKey:           p.PublicKey,
			AssignedIP:          p.AssignedIP,
			IsActive:            p.IsActive,
			Stale:               res.Stale,
			PersistentKeepalive: p.PersistentKeepalive,
			LatestHandshake:     format.TimeAgo(time.Time{}, now),
		}
		if live {
			ps.IsConnected = sampler.IsConnected(p.IsActive, st, now, liveness)
			ps.Endpoint = st.Endpoint
			ps.ClientIP = sampler.ClientIP(st.Endpoint)
			ps.LatestHandshake = format.TimeAgo(st.LatestHandshake, now)
			ps.TransferRX, ps.TransferTX = st.RX, st.TX
			if st.PersistentKeepalive > 0 {
				ps.PersistentKeepalive = int(st.PersistentKeepalive / time.Second)
			}
			if ps.IsConnected {
				ps.ConnectionDuration = format.Duration(now.Sub(st.LatestHandshake))
			}
		}
		ps.TransferRXFormatted = format.Bytes(float64(ps.TransferRX))
		ps.TransferTXFormatted = format.Bytes(float64(ps.TransferTX))

		if pt, ok := tr.Latest(p.ID); ok && live {
			ps.RXRate, ps.TXRate = pt.RXRate, pt.TXRate
		}
		ps.RXRateFormatted = format.Rate(ps.RXRate)
		ps.TXRateFormatted = format.Rate(ps.TXRate)
		ps.GraphData = graph(tr.History(p.ID))

		if ps.IsConnected {
			snap.ConnectedPeers++
		}
		snap.Data[p.ID] = ps
	}
	return snap
}

func graph(hist []rates.Point) GraphData {
	g := GraphData{
		Timestamps: make([]string, len(hist)),
		RXRates:    make([]float64, len(hist)),
		TXRates:    make([]float64, len(hist)),
	}
	for i, pt := range hist {
		g.Timestamps[i] = pt.At.UTC().Format(time.RFC3339Nano)
		g.RXRates[i] = pt.RXRate
		g.TXRates[i] = pt.TXRate
	}
	return g
}

/* ───── детектор изменений ───── */

type mark struct {
	connected bool
	active    bool
	endpoint  string
	clientIP  string
	rx, tx    uint64
}

// fingerprint - то, что сравнивается между рассылками.
type fingerprint struct {
	stale bool
	peers map[uint]mark
}

func fingerprintOf(s *Snapshot) fingerprint {
	fp := fingerprint{stale: s.Stale, peers: make(map[uint]mark, len(s.Data))}
	for id, ps := range s.Data {
		fp.peers[id] = mark{
			connected: ps.IsConnected,
			active:    ps.IsActive,
			endpoint:  ps.Endpoint,
			clientIP:  ps.ClientIP,
			rx:        ps.TransferRX,
			tx:        ps.TransferTX,
		}
	}
	return fp
}

// changed: набор пиров, устаревание, связность, активность, endpoint,
// либо трафик сдвинулся больше чем на changeThreshold.
func (fp fingerprint) changed(prev *fingerprint) bool {
	if prev == nil || fp.stale != prev.stale || len(fp.peers) != len(prev.peers) {
		return true
	}
	for id, m := range fp.peers {
		o, ok := prev.peers[id]
		if !ok {
			return true
		}
		if m.connected != o.connected || m.active != o.active || m.endpoint != o.endpoint || m.clientIP != o.clientIP {
			return true
		}
		if absDiff(m.rx, o.rx) > changeThreshold || absDiff(m.tx, o.tx) > changeThreshold {
			return true
		}
	}
	return false
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
