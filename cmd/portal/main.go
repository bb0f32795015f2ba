// Command portal is the AgentWire portal: the composition root that loads
// configuration, builds every component (C1-C10), and serves the HTTP/WS
// surface until a shutdown signal arrives. Grounded on the VM agent's
// main.go (packages/vm-agent/main.go): config.Load, a signal channel raced
// against a server-error channel, and a bounded-wait graceful shutdown,
// generalized from one workspace's single server to the full portal
// composition and from an idle-timeout VM-deletion flow (no equivalent
// here; the portal has no control plane) to a plain signal-driven stop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/agentwire/portal/internal/auditlog"
	"github.com/agentwire/portal/internal/config"
	"github.com/agentwire/portal/internal/hostexec"
	"github.com/agentwire/portal/internal/httpapi"
	"github.com/agentwire/portal/internal/logging"
	"github.com/agentwire/portal/internal/muxadapter"
	"github.com/agentwire/portal/internal/orchestrator"
	"github.com/agentwire/portal/internal/outputpump"
	"github.com/agentwire/portal/internal/permission"
	"github.com/agentwire/portal/internal/registry"
	"github.com/agentwire/portal/internal/roomconfig"
	"github.com/agentwire/portal/internal/roomhub"
	"github.com/agentwire/portal/internal/ttsbroker"
	"github.com/agentwire/portal/internal/tunnel"
)

func main() {
	logging.Setup()
	log := slog.Default()
	log.Info("starting agentwire portal")

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{
		cfg.TunnelPIDDir,
		cfg.UploadDir,
		filepath.Dir(cfg.AuditLogPath),
		filepath.Dir(cfg.RoomConfigPath),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	audit, err := auditlog.Open(cfg.AuditLogPath, auditlog.Config{})
	if err != nil {
		log.Warn("audit log unavailable, proceeding without it", "error", err)
	}

	health := tunnel.NewHealthTracker()
	tunnels := tunnel.New(cfg, log, health)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := tunnels.Up(bootCtx); err != nil {
		log.Warn("tunnel manager startup warning", "error", err)
	}
	bootCancel()

	exec := hostexec.New(cfg)
	mux := muxadapter.New(exec, cfg.TmuxBinary, cfg.GracefulExitWait)

	roomCfg, err := roomconfig.Load(cfg.RoomConfigPath)
	if err != nil {
		log.Warn("room config store unavailable, starting with defaults only", "error", err)
		roomCfg = nil
	}

	// hub/pump/perm don't exist yet when reg is built, but onGone only
	// fires from a later Reconcile call, by which point they're all
	// assigned: the closure captures these variables, not their
	// (currently nil) values.
	var hub *roomhub.Hub
	var pump *outputpump.Pump
	var perm *permission.Rendezvous

	reg := registry.New(mux, cfg.ReconcileCoalesce, func(ev registry.GoneEvent) {
		log.Info("room gone", "room", ev.RoomID)
		audit.Record(ev.RoomID, "room_gone", nil, "reconciled")
		pump.Stop(ev.RoomID)
		hub.RemoveRoom(ev.RoomID)
		perm.RoomDestroyed(ev.RoomID)
	})
	reg.SetConfigStore(roomCfg)

	orch := orchestrator.New(exec, mux, reg, cfg)
	tts := ttsbroker.New(cfg, log)
	hub = roomhub.New(roomhub.Config{
		SubscriberSendBudget: cfg.SubscriberSendBudget,
		SubscriberDropAfter:  cfg.SubscriberDropAfter,
		TalkerLockTTL:        cfg.TalkerLockTTL,
		QuestionExpiry:       cfg.QuestionExpiry,
		IdleThreshold:        cfg.IdleThreshold,
		TickInterval:         cfg.HubTickInterval,
		ReplayBufferSize:     cfg.ReplayBufferSize,
	}, mux, log)
	pump = outputpump.New(mux, hub, reg, cfg, log)
	perm = permission.New(hub, reg, cfg)

	server := httpapi.New(cfg, log, reg, orch, mux, hub, tts, perm, pump, audit)
	httpServer := &http.Server{
		Addr:         cfg.BindAddr + ":" + strconv.Itoa(cfg.Port),
		Handler:      server.NewMux(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	go reconcileLoop(reconcileCtx, reg, cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	}

	stopReconcile()
	shutdown(httpServer, hub, server, tunnels, audit, cfg.ShutdownDrainWait, log)
	log.Info("agentwire portal stopped")
}

// reconcileLoop reconciles every configured host on a timer, catching
// multiplexer sessions created or killed outside the portal's own verbs
// (spec.md §4.3: "reconcile(host)... on a 5s timer per active host").
// "local" always exists implicitly (config.go) and need not be listed in
// cfg.Hosts, so it's reconciled in addition to every configured host.
func reconcileLoop(ctx context.Context, reg *registry.Registry, cfg *config.Config, log *slog.Logger) {
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hosts := make([]string, 0, len(cfg.Hosts)+1)
			hosts = append(hosts, "local")
			for host := range cfg.Hosts {
				if host == "local" {
					continue
				}
				hosts = append(hosts, host)
			}
			for _, host := range hosts {
				if err := reg.Reconcile(ctx, host); err != nil {
					log.Warn("periodic reconcile failed", "host", host, "error", err)
				}
			}
		}
	}
}

// shutdown closes every room's WS sockets with a 1001 going-away frame,
// stops accepting new HTTP work, tears down tunnels, and waits up to
// drainWait for everything to settle.
func shutdown(httpServer *http.Server, hub *roomhub.Hub, server *httpapi.Server, tunnels *tunnel.Manager, audit *auditlog.Log, drainWait time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainWait)
	defer cancel()

	hub.Shutdown()
	server.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("error during http shutdown", "error", err)
	}
	if err := tunnels.Down(ctx); err != nil {
		log.Warn("error tearing down tunnels", "error", err)
	}
	if err := audit.Close(); err != nil {
		log.Warn("error closing audit log", "error", err)
	}
}

