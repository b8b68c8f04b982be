// Package api - JSON-интерфейс консоли: статус интерфейса, правила файрвола,
// шаблоны и управление пирами. Все ответы в конверте {"status": ...}.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wgmon/internal/broadcast"
	"wgmon/internal/middleware"
	"wgmon/internal/models"
	"wgmon/internal/registry"
	"wgmon/internal/vpn/wireguard"
)

// Status - сторона рассылки, нужная HTTP-опросу.
type Status interface {
	Snapshot(ctx context.Context) *broadcast.Snapshot
	Refresh(ctx context.Context) int
}

// TemplateStore - пользовательские шаблоны (repo.TemplateStore или память).
type TemplateStore interface {
	List(ctx context.Context) ([]models.FirewallTemplate, error)
	GetByName(ctx context.Context, name string) (*models.FirewallTemplate, error)
	Upsert(ctx context.Context, t *models.FirewallTemplate) error
}

type Dependencies struct {
	Registry  *registry.Registry
	Status    Status
	Templates TemplateStore
	Server    wireguard.ServerConfig
	Client    wireguard.ClientConfig
	Token     string // пусто - без авторизации
	Now       func() time.Time
}

// Attach вешает маршруты на /api/v1.
func Attach(r *mux.Router, d Dependencies) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{d: d}
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.Use(middleware.BearerAuth(d.Token))

	// статус
	sub.HandleFunc("/wireguard/status", h.Status).Methods(http.MethodGet)
	sub.HandleFunc("/wireguard/refresh-status", h.RefreshStatus).Methods(http.MethodPost)

	// правила
	sub.HandleFunc("/firewall/rules/generate", h.GenerateRules).Methods(http.MethodGet)
	sub.HandleFunc("/firewall/rules/preview", h.PreviewRules).Methods(http.MethodPost)
	sub.HandleFunc("/firewall/rules/script", h.RulesScript).Methods(http.MethodGet)
	sub.HandleFunc("/firewall/templates", h.ListTemplates).Methods(http.MethodGet)
	sub.HandleFunc("/firewall/templates", h.SaveTemplate).Methods(http.MethodPost)

	// пиры
	sub.HandleFunc("/next-ip", h.NextIP).Methods(http.MethodGet)
	sub.HandleFunc("/peers", h.ListPeers).Methods(http.MethodGet)
	sub.HandleFunc("/peers", h.CreatePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/export", h.Export).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.GetPeer).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.UpdatePeer).Methods(http.MethodPut)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.DeletePeer).Methods(http.MethodDelete)
	sub.HandleFunc("/peers/{id:[0-9]+}/toggle", h.TogglePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/firewall/template", h.ApplyTemplate).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/config", h.ClientConfig).Methods(http.MethodGet)
}
