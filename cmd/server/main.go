package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/capture"
	"chamberkeep.ai/internal/chamber/reset"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/config"
	persistlog "chamberkeep.ai/internal/persistence/log"
	"chamberkeep.ai/internal/persistence/registry"
	"chamberkeep.ai/internal/sim/host"
	"chamberkeep.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/chambers.yaml", "chamber config path (empty for defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		dbPath     = flag.String("db", "", "registry sqlite path (default: <data>/registry.db)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	chamberLog := log.New(os.Stdout, "[chamber] ", log.LstdFlags|log.Lmicroseconds)
	restoreLog := log.New(os.Stdout, "[restore] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	_ = os.MkdirAll(cfg.SnapshotDir, 0o755)

	ctx, cancel := signalContext()
	defer cancel()

	h := host.New(cfg.HostOptions())
	defer h.Close()
	for _, sc := range cfg.SpaceConfigs() {
		h.AddSpace(sc)
		logger.Printf("space=%s started tick_rate_hz=%d owners=%d", sc.ID, sc.TickRateHz, sc.Owners)
	}

	dbp := strings.TrimSpace(*dbPath)
	if dbp == "" {
		dbp = filepath.Join(*dataDir, "registry.db")
	}
	store, err := registry.Open(dbp)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer store.Close()
	seed := make([]chamber.Region, 0, len(cfg.Regions))
	for _, rs := range cfg.Regions {
		seed = append(seed, rs.Region(time.Now()))
	}
	if n, err := store.Seed(ctx, seed); err != nil {
		logger.Fatalf("seed registry: %v", err)
	} else if n > 0 {
		logger.Printf("registry seeded regions=%d", n)
	}

	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer auditLog.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mirrorLog := log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds)
	snapMirror, err := buildMirror(reg, mirrorLog)
	if err != nil {
		logger.Fatalf("init snapshot mirror: %v", err)
	}
	var mirrorDep reset.SnapshotMirror
	if snapMirror != nil {
		defer snapMirror.Close()
		mirrorDep = snapMirror
	}

	hub := ws.NewHub(logger)
	orch := reset.New(cfg.ResetConfig(), reset.Deps{
		Registry:  store,
		World:     h,
		Messenger: chamber.Messengers{h, hub},
		Cooldowns: store,
		Journals:  h,
		History:   store,
		Audit:     multiAuditor{a: auditLog, b: store},
		Mirror:    mirrorDep,
		Restorer:  restore.New(cfg.RestoreConfig(), restoreLog, restore.NewMetrics(reg)),
		Capturer: &capture.Capturer{
			World:            h,
			Logger:           chamberLog,
			ResidencyTimeout: cfg.RestoreConfig().ResidencyTimeout,
		},
		Logger:  chamberLog,
		Metrics: reset.NewMetrics(reg),
	})
	go func() {
		if err := orch.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("orchestrator stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ws", hub.Handler())

	enableAdminHTTP := envBool("CK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("CK_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		api := &adminAPI{orch: orch, store: store, log: logger}
		api.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (CK_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	orch.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

type multiAuditor struct {
	a chamber.Auditor
	b chamber.Auditor
}

// WriteAudit writes to both sinks; a failing sink does not stop the other.
func (m multiAuditor) WriteAudit(entry chamber.AuditEntry) error {
	var errA, errB error
	if m.a != nil {
		errA = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		errB = m.b.WriteAudit(entry)
	}
	return errors.Join(errA, errB)
}
