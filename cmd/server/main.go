package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"overland.gg/internal/config"
	"overland.gg/internal/persistence/indexdb"
	persistlog "overland.gg/internal/persistence/log"
	"overland.gg/internal/persistence/save"
	"overland.gg/internal/server"
	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
	"overland.gg/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./config.yaml", "config file path (created with defaults when missing)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite audit index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, created, err := config.LoadOrInit(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if created {
		logger.Printf("wrote default config to %s", *configPath)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *disableDB {
		cfg.DisableIndex = true
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	spawns, err := spawn.Load(filepath.Join(cfg.DataDir, cfg.SpawnFile))
	if err != nil {
		logger.Fatalf("load spawn points: %v", err)
	}
	logger.Printf("spawn catalogue: %d points", spawns.Len())

	w := world.New(world.Config{
		EventCap:       cfg.EventCap,
		SnapshotEvents: cfg.SnapshotEvents,
		SnapshotNPCs:   cfg.SnapshotNPCs,
	})

	srv := server.New(server.Config{
		Name:            cfg.ServerName,
		MaxPlayers:      cfg.MaxPlayers,
		TickRateHz:      cfg.TickRateHz,
		BroadcastRateHz: cfg.BroadcastRateHz,
		MaxMoveDistance: cfg.MaxMoveDistance,
	}, logger, w, spawns)

	store := &save.FileStore{
		Path:       filepath.Join(cfg.DataDir, cfg.SaveFile),
		ServerName: cfg.ServerName,
	}
	srv.SetSaveStore(store)
	if _, err := os.Stat(store.Path); err == nil {
		sv, err := store.Load()
		if err != nil {
			logger.Fatalf("load world save: %v", err)
		}
		srv.RestoreWorld(sv)
		logger.Printf("resumed world at tick %d (%d players, %d npcs, %d items)",
			sv.Tick, len(sv.Players), len(sv.NPCs), len(sv.Items))
	}

	auditLog := persistlog.NewAuditLogger(cfg.DataDir)
	defer auditLog.Close()

	idx, err := openIndex(cfg, logger)
	if err != nil {
		logger.Fatalf("open audit index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	audit := multiAuditLogger{a: auditLog}
	if idx != nil {
		audit.b = idx
	}
	srv.SetAuditLogger(audit)

	ctx, cancel := signalContext()
	defer cancel()

	go srv.RunTicks(ctx)
	go srv.RunBroadcast(ctx)
	go console(srv, cancel, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(srv))
	mux.HandleFunc("/v1/ws", ws.NewServer(srv, logger, cfg.HandshakeTimeout()).Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown("server shutting down")
		if path, err := store.Save(w.Export()); err != nil {
			logger.Printf("save on shutdown: %v", err)
		} else {
			logger.Printf("world saved to %s", path)
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Printf("%s listening on %s (ws endpoint /v1/ws)", cfg.ServerName, cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// console serves operator commands on stdin until EOF or /quit.
func console(srv *server.Server, quit context.CancelFunc, logger *log.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out, stop := srv.HandleCommand(sc.Text())
		if out != "" {
			fmt.Println(out)
		}
		if stop {
			quit()
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Printf("console: %v", err)
	}
}

// openIndex opens the optional sqlite audit index.
func openIndex(cfg config.Config, logger *log.Logger) (*indexdb.SQLiteIndex, error) {
	if cfg.DisableIndex {
		logger.Printf("audit index disabled")
		return nil, nil
	}
	return indexdb.Open(filepath.Join(cfg.DataDir, "index.db"))
}

func metricsHandler(srv *server.Server) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := srv.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP overland_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE overland_world_tick gauge\n")
		fmt.Fprintf(rw, "overland_world_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP overland_players_connected Connected player count.\n")
		fmt.Fprintf(rw, "# TYPE overland_players_connected gauge\n")
		fmt.Fprintf(rw, "overland_players_connected %d\n", m.Connected)

		fmt.Fprintf(rw, "# HELP overland_players_max Admission cap.\n")
		fmt.Fprintf(rw, "# TYPE overland_players_max gauge\n")
		fmt.Fprintf(rw, "overland_players_max %d\n", m.MaxPlayers)

		fmt.Fprintf(rw, "# HELP overland_world_entities Entities in the world model.\n")
		fmt.Fprintf(rw, "# TYPE overland_world_entities gauge\n")
		fmt.Fprintf(rw, "overland_world_entities{kind=%q} %d\n", "players", m.World.Players)
		fmt.Fprintf(rw, "overland_world_entities{kind=%q} %d\n", "npcs", m.World.NPCs)
		fmt.Fprintf(rw, "overland_world_entities{kind=%q} %d\n", "items", m.World.Items)
		fmt.Fprintf(rw, "overland_world_entities{kind=%q} %d\n", "events", m.World.Events)

		fmt.Fprintf(rw, "# HELP overland_rejected_updates_total Position updates rejected by the movement check.\n")
		fmt.Fprintf(rw, "# TYPE overland_rejected_updates_total counter\n")
		fmt.Fprintf(rw, "overland_rejected_updates_total %d\n", m.RejectedUpdates)

		fmt.Fprintf(rw, "# HELP overland_broadcasts_total State broadcasts sent.\n")
		fmt.Fprintf(rw, "# TYPE overland_broadcasts_total counter\n")
		fmt.Fprintf(rw, "overland_broadcasts_total %d\n", m.Broadcasts)

		fmt.Fprintf(rw, "# HELP overland_uptime_seconds Time since the server started.\n")
		fmt.Fprintf(rw, "# TYPE overland_uptime_seconds gauge\n")
		fmt.Fprintf(rw, "overland_uptime_seconds %.0f\n", m.Uptime.Seconds())
	}
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

// multiAuditLogger fans audit entries out to the JSONL trail and the
// sqlite index; either side may be absent.
type multiAuditLogger struct {
	a server.AuditLogger
	b server.AuditLogger
}

func (m multiAuditLogger) WriteAudit(e server.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(e)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(e)
	}
	return nil
}
