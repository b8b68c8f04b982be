package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"wgmon/config"
	"wgmon/internal/api"
	"wgmon/internal/broadcast"
	"wgmon/internal/controller"
	"wgmon/internal/db"
	"wgmon/internal/firewall"
	"wgmon/internal/health"
	"wgmon/internal/logs"
	"wgmon/internal/metrics"
	"wgmon/internal/middleware"
	"wgmon/internal/rates"
	"wgmon/internal/registry"
	"wgmon/internal/repo"
	"wgmon/internal/sampler"
	"wgmon/internal/vpn/wireguard"
	"wgmon/internal/ws"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	reg     *registry.Registry
	rec     *controller.Reconciler
	smp     *sampler.Sampler
	src     sampler.Source
	bc      *broadcast.Broadcaster
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg
	a.ctx, a.cancel = context.WithCancel(context.Background())

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:      a.cfg.Logging.Level,
		Format:     a.cfg.Logging.Format,
		File:       a.cfg.Logging.File,
		MaxSizeMB:  a.cfg.Logging.MaxSizeMB,
		MaxBackups: a.cfg.Logging.MaxBackups,
	})

	/* 2) DB (опционально) + реестр */
	d, err := OpenDB(cfg)
	if err != nil {
		logs.Logger.Fatalf("db: %v", err)
	}
	a.db = d
	a.reg, err = LoadRegistry(a.ctx, cfg, a.db)
	if err != nil {
		logs.Logger.Fatalf("registry: %v", err)
	}

	/* 3) Метрики */
	promReg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(promReg)
	}

	/* 4) Сэмплер, история, рассылка */
	a.src = newSource(cfg)
	smpOpts := sampler.Options{Timeout: cfg.WireGuard.SampleTimeout}
	bcOpts := broadcast.Options{
		Interval:   cfg.Broadcast.Interval,
		Liveness:   cfg.WireGuard.Liveness,
		BufferSize: cfg.Broadcast.BufferSize,
	}
	if a.metrics != nil {
		smpOpts.Observer = a.metrics
		bcOpts.Observer = a.metrics
	}
	a.smp = sampler.New(a.src, smpOpts)
	tracker := rates.NewTracker(cfg.Broadcast.HistorySize)
	a.bc = broadcast.New(a.reg, a.smp, tracker, bcOpts)

	/* 5) Производное состояние: файрвол + wg0.conf */
	recOpts := controller.Options{
		Policy:     a.reg.Policy(),
		ConfigPath: cfg.WireGuard.ConfigPath,
		Server:     serverConfig(cfg),
		Tracker:    tracker,
		Notify:     a.bc.Nudge,
	}
	if a.metrics != nil {
		recOpts.Observer = a.metrics
	}
	if cfg.Firewall.Apply {
		if ap := a.newApplier(); ap != nil {
			recOpts.Applier = ap
		}
	}
	a.rec = controller.NewReconciler(a.reg, recOpts)
	a.reg.AddHook(a.rec)
	if err := a.rec.Resync(a.ctx); err != nil {
		logs.Logger.Errorf("initial resync: %v", err)
	}

	/* 6) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)
	if a.metrics != nil {
		a.Router.Use(a.metrics.Middleware)
		a.Router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	/* 7) Health */
	health.RegisterRoutesWithChecks(a.Router, map[string]health.Check{
		"database": health.DB(a.db),
		"sampler":  health.Sampler(a.smp, 3*cfg.Broadcast.Interval+cfg.WireGuard.SampleTimeout, nil),
	})

	/* 8) API и push-канал */
	tpls := api.TemplateStore(repo.NewMemoryTemplateStore())
	if a.db != nil {
		tpls = repo.NewTemplateStore(a.db)
	}
	api.Attach(a.Router, api.Dependencies{
		Registry:  a.reg,
		Status:    a.bc,
		Templates: tpls,
		Server:    serverConfig(cfg),
		Client:    clientConfig(cfg),
		Token:     cfg.API.Token,
	})
	wsh := ws.NewHandler(a.bc, ws.Options{AllowedOrigins: cfg.API.AllowedOrigins})
	a.Router.Handle("/ws", middleware.BearerAuth(cfg.API.Token)(wsh)).Methods(http.MethodGet)

	/* известные маршруты - в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigs:
			logs.Logger.Infof("shutdown signal: %s", s)
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		_ = a.bc.Run(a.ctx)
	}()
	// iptables с повторами не держит блокировки реестра
	go func() {
		defer loops.Done()
		a.rec.Run(a.ctx)
	}()

	// Жёсткие таймауты. /ws выставляет свои дедлайны после upgrade.
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	loops.Wait()

	if c, ok := a.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logs.Logger.Warnf("close interface source: %v", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return nil
}

/* ───── сборка ───── */

// OpenDB открывает и мигрирует БД; nil - режим без БД.
func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil || d == nil {
		return nil, err
	}
	if err := db.Migrate(d); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Policy - параметры компиляции правил из конфигурации.
func Policy(cfg *config.Config) firewall.Policy {
	return firewall.Policy{
		Interface: cfg.WireGuard.Interface,
		VPNSubnet: cfg.Subnet(),
	}
}

// LoadRegistry строит реестр поверх БД (или памяти) и загружает пиров.
func LoadRegistry(ctx context.Context, cfg *config.Config, d *gorm.DB) (*registry.Registry, error) {
	var store registry.Store = repo.NewMemoryPeerStore()
	if d != nil {
		store = repo.NewPeerStore(d)
	}
	reg := registry.New(store, registry.Options{
		Subnet:   cfg.Subnet(),
		ServerIP: cfg.ServerIP(),
		Policy:   Policy(cfg),
	})
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}
	logs.Logger.Infof("registry loaded: %d peers", reg.Len())
	return reg, nil
}

func newSource(cfg *config.Config) sampler.Source {
	switch cfg.WireGuard.Source {
	case "dump":
		return sampler.NewDumpSource(cfg.WireGuard.Interface, nil)
	case "none":
		logs.Logger.Warn("wireguard.source=none: interface state is not sampled")
		return sampler.NoopSource{}
	default:
		return sampler.NewWGCtrlSource(cfg.WireGuard.Interface)
	}
}

// newApplier - живое применение правил. Без iptables сервис продолжает
// работать, правила только вычисляются.
func (a *App) newApplier() controller.Applier {
	log := logs.Component("firewall")
	ipt, err := firewall.NewIPTables()
	if err != nil {
		log.Errorf("iptables unavailable, rules will not be applied: %v", err)
		return nil
	}
	bo := a.cfg.Firewall.Backoff
	ap := firewall.NewApplier(ipt, a.cfg.Firewall.ChainPrefix, firewall.BackoffConfig{
		Initial:     bo.Initial,
		Multiplier:  bo.Multiplier,
		MaxInterval: bo.MaxInterval,
		MaxAttempts: bo.MaxAttempts,
	})
	if err := ap.EnsureBaseline(a.ctx, a.cfg.WireGuard.Interface); err != nil {
		log.Errorf("baseline rules: %v", err)
	}
	return ap
}

func serverAddress(cfg *config.Config) string {
	subnet := cfg.Subnet()
	ip := cfg.ServerIP()
	if !ip.IsValid() {
		ip = subnet.Addr().Next()
	}
	return fmt.Sprintf("%s/%d", ip, subnet.Bits())
}

func serverConfig(cfg *config.Config) wireguard.ServerConfig {
	return wireguard.ServerConfig{
		Address:    serverAddress(cfg),
		PrivateKey: cfg.WireGuard.PrivateKey,
		ListenPort: cfg.WireGuard.ListenPort,
	}
}

func clientConfig(cfg *config.Config) wireguard.ClientConfig {
	c := wireguard.ClientConfig{
		Endpoint:   cfg.WireGuard.Endpoint,
		AllowedIPs: cfg.WireGuard.ClientAllowedIPs,
		DNS:        cfg.WireGuard.DNS,
	}
	if cfg.WireGuard.PrivateKey != "" {
		pub, err := wireguard.PublicKeyOf(cfg.WireGuard.PrivateKey)
		if err != nil {
			logs.Logger.Warnf("wireguard.private_key: %v", err)
		} else {
			c.ServerPublicKey = pub
		}
	}
	return c
}
