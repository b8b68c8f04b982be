// Package ws - WebSocket-адаптер к broadcast: события рассылки уходят зрителю
// в конверте {"event", "data"}, входящие peer_action и request_status_update
// передаются в Broadcaster.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wgmon/internal/broadcast"
	"wgmon/internal/logs"
	"wgmon/internal/middleware"
	"wgmon/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

const (
	EventPeerAction    = "peer_action"
	EventRequestStatus = "request_status_update"
)

// Envelope - кадр в обе стороны.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub - то, что адаптеру нужно от broadcast.Broadcaster.
type Hub interface {
	Subscribe() *broadcast.Subscription
	HandleAction(ctx context.Context, viewerID string, in broadcast.Intent) (broadcast.ActionResult, error)
	SendSnapshot(ctx context.Context, viewerID string)
}

type Options struct {
	// AllowedOrigins - "*" разрешает любой Origin; пусто - только тот же хост.
	AllowedOrigins []string
}

type Handler struct {
	hub      Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub Hub, opts Options) *Handler {
	h := &Handler{hub: hub}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		logs.Component("ws").Debugf("upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	reqid := middleware.GetRequestID(r)
	sub := h.hub.Subscribe()
	v := &viewer{
		hub:    h.hub,
		conn:   conn,
		sub:    sub,
		direct: make(chan outbound, 4),
		log:    logs.Component("ws").WithFields(logrus.Fields{"viewer": sub.ID, "ip": r.RemoteAddr, "reqid": reqid}),
	}
	v.log.Info("viewer connected")

	// запрос закончится вместе с апгрейдом, сессия живёт дольше
	ctx, cancel := context.WithCancel(middleware.WithRequestID(context.Background(), reqid))
	defer func() {
		cancel()
		sub.Close()
		v.log.Info("viewer disconnected")
	}()

	// приветствие пишется до запуска writePump, чтобы уйти первым
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(outbound{Event: broadcast.EventConnection, Data: map[string]string{
		"status":    "connected",
		"message":   "WebSocket connected",
		"viewer_id": sub.ID,
	}}); err != nil {
		conn.Close()
		return
	}

	go v.writePump(ctx)
	v.readPump(ctx)
}

type viewer struct {
	hub    Hub
	conn   *websocket.Conn
	sub    *broadcast.Subscription
	direct chan outbound // ответы этому зрителю в обход рассылки
	log    *logrus.Entry
}

func (v *viewer) readPump(ctx context.Context) {
	defer v.conn.Close()

	v.conn.SetReadLimit(maxMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				v.log.Warnf("read: %v", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			v.log.Debugf("bad frame: %v", err)
			continue
		}
		v.dispatch(ctx, env)
	}
}

func (v *viewer) dispatch(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventPeerAction:
		in, err := decodeIntent(env.Data)
		if err != nil {
			v.reply(outbound{Event: broadcast.EventActionResult, Data: broadcast.ActionResult{
				Status:  models.StatusError,
				Message: "Missing peer_id or action",
			}})
			return
		}
		// результат придёт через подписку вместе со свежим снимком
		if _, err := v.hub.HandleAction(ctx, v.sub.ID, in); err != nil {
			v.log.Debugf("peer action %s #%d: %v", in.Action, in.PeerID, err)
		}
	case EventRequestStatus:
		v.hub.SendSnapshot(ctx, v.sub.ID)
	default:
		v.log.Debugf("unknown event %q", env.Event)
	}
}

func (v *viewer) reply(o outbound) {
	select {
	case v.direct <- o:
	default:
	}
}

func (v *viewer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-v.sub.Events():
			if !ok {
				_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = v.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !v.write(outbound{Event: ev.Name, Data: ev.Data}) {
				return
			}
		case o := <-v.direct:
			if !v.write(o) {
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (v *viewer) write(o outbound) bool {
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(o); err != nil {
		v.log.Debugf("write: %v", err)
		return false
	}
	return true
}

// decodeIntent принимает peer_id числом или строкой: браузер шлёт и так, и так.
func decodeIntent(raw json.RawMessage) (broadcast.Intent, error) {
	var in struct {
		PeerID json.RawMessage `json:"peer_id"`
		Action string          `json:"action"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return broadcast.Intent{}, err
	}
	id, err := strconv.ParseUint(string(bytes.Trim(in.PeerID, `"`)), 10, 64)
	if err != nil {
		return broadcast.Intent{}, err
	}
	return broadcast.Intent{PeerID: uint(id), Action: in.Action}, nil
}
