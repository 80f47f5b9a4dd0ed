package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"moonfield.io/internal/logging"
	"moonfield.io/internal/persistence/indexdb"
	persistlog "moonfield.io/internal/persistence/log"
	"moonfield.io/internal/sim/collider"
	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/streamer"
	"moonfield.io/internal/sim/tuning"
	"moonfield.io/internal/transport/observer"
	"moonfield.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		terrainDir = flag.String("terrains", "./terrains", "terrain library directory (*.dem.zst containers)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seed       = flag.Int64("seed", 0, "seed for random terrain picks (0 derives one from the clock)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (JSONL logs are still written)")
	)
	flag.Parse()

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil && !os.IsNotExist(tuneErr) {
		fmt.Fprintf(os.Stderr, "load tuning %s: %v\n", tp, tuneErr)
		os.Exit(1)
	}

	logFile := tune.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(*dataDir, logFile)
	}
	logger := logging.New(logging.Config{
		Level:      tune.Logging.Level,
		Format:     tune.Logging.Format,
		File:       logFile,
		MaxSizeMB:  tune.Logging.MaxSizeMB,
		MaxBackups: tune.Logging.MaxBackups,
		MaxAgeDays: tune.Logging.MaxAgeDays,
	})
	defer func() { _ = logger.Sync() }()

	if tuneErr != nil {
		logger.Info("tuning file not found, using defaults", zap.String("path", tp))
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	lib, err := library.Load(*terrainDir, *seed)
	if err != nil {
		logger.Fatal("load terrain library", zap.String("dir", *terrainDir), zap.Error(err))
	}
	logger.Info("terrain library loaded",
		zap.Int("terrains", lib.Len()),
		zap.Strings("names", lib.Names()))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.String("dir", *dataDir), zap.Error(err))
	}

	st, err := streamer.New(streamer.Config{
		TickRateHz:     tune.TickRateHz,
		SamplerMode:    tune.Sampler.Mode,
		DegenerateEps:  tune.Sampler.DegenerateEps,
		MaxQueryPoints: tune.Limits.MaxQueryPoints,
		StartTerrainID: tune.Terrain.StartID,
		Collider: collider.Config{
			TileSize:     tune.Cache.TileSizeM,
			BuildRadius:  tune.Cache.BuildRadiusM,
			RemoveRadius: tune.Cache.RemoveRadiusM,
			MaxCacheSize: tune.Cache.MaxCacheSize,
		},
	}, lib, logger.Named("streamer"))
	if err != nil {
		logger.Fatal("configure streamer", zap.Error(err))
	}

	recLog := persistlog.NewReconcileLogger(*dataDir)
	defer func() { _ = recLog.Close() }()
	evtLog := persistlog.NewEventLogger(*dataDir)
	defer func() { _ = evtLog.Close() }()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatal("open index db", zap.Error(err))
		}
		defer func() { _ = idx.Close() }()
		if err := idx.UpsertConfig(tune, lib); err != nil {
			logger.Warn("record run config in index", zap.Error(err))
		}
	}

	// idx methods are nil-safe, so the combiners can carry it unconditionally.
	st.SetReconcileLogger(multiReconcileLogger{a: recLog, b: idx})
	st.SetEventLogger(multiEventLogger{a: evtLog, b: idx})

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := st.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("streamer loop", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m := st.Metrics()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP moonfield_tick Current reconcile tick.\n")
		fmt.Fprintf(w, "# TYPE moonfield_tick gauge\n")
		fmt.Fprintf(w, "moonfield_tick{terrain=%q} %d\n", m.Terrain, m.Tick)
		fmt.Fprintf(w, "# HELP moonfield_generation Active terrain generation.\n")
		fmt.Fprintf(w, "# TYPE moonfield_generation gauge\n")
		fmt.Fprintf(w, "moonfield_generation{terrain=%q} %d\n", m.Terrain, m.Generation)
		fmt.Fprintf(w, "# HELP moonfield_sessions Connected sessions.\n")
		fmt.Fprintf(w, "# TYPE moonfield_sessions gauge\n")
		fmt.Fprintf(w, "moonfield_sessions %d\n", m.Sessions)
		fmt.Fprintf(w, "# HELP moonfield_cache_len Collider tiles currently cached.\n")
		fmt.Fprintf(w, "# TYPE moonfield_cache_len gauge\n")
		fmt.Fprintf(w, "moonfield_cache_len %d\n", m.CacheLen)
		fmt.Fprintf(w, "# HELP moonfield_tiles_built_total Tiles built since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_tiles_built_total counter\n")
		fmt.Fprintf(w, "moonfield_tiles_built_total %d\n", m.BuiltTotal)
		fmt.Fprintf(w, "# HELP moonfield_tiles_evicted_total Tiles evicted since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_tiles_evicted_total counter\n")
		fmt.Fprintf(w, "moonfield_tiles_evicted_total %d\n", m.EvictedTotal)
		fmt.Fprintf(w, "# HELP moonfield_tiles_contended_total Build/remove contention flags since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_tiles_contended_total counter\n")
		fmt.Fprintf(w, "moonfield_tiles_contended_total %d\n", m.ContendedTotal)
		fmt.Fprintf(w, "# HELP moonfield_build_errors_total Geometry build failures since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_build_errors_total counter\n")
		fmt.Fprintf(w, "moonfield_build_errors_total %d\n", m.BuildErrors)
		fmt.Fprintf(w, "# HELP moonfield_destroy_errors_total Geometry destroy failures since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_destroy_errors_total counter\n")
		fmt.Fprintf(w, "moonfield_destroy_errors_total %d\n", m.DestroyErrors)
		fmt.Fprintf(w, "# HELP moonfield_terrain_switches_total Completed terrain switches since start.\n")
		fmt.Fprintf(w, "# TYPE moonfield_terrain_switches_total counter\n")
		fmt.Fprintf(w, "moonfield_terrain_switches_total %d\n", m.SwitchTotal)
		fmt.Fprintf(w, "# HELP moonfield_step_ms Last reconcile step duration in milliseconds.\n")
		fmt.Fprintf(w, "# TYPE moonfield_step_ms gauge\n")
		fmt.Fprintf(w, "moonfield_step_ms %g\n", m.StepMS)
		fmt.Fprintf(w, "# HELP moonfield_queue_depth Pending items per loop inbox.\n")
		fmt.Fprintf(w, "# TYPE moonfield_queue_depth gauge\n")
		fmt.Fprintf(w, "moonfield_queue_depth{queue=\"pose\"} %d\n", m.QueueDepths.Pose)
		fmt.Fprintf(w, "moonfield_queue_depth{queue=\"join\"} %d\n", m.QueueDepths.Join)
		fmt.Fprintf(w, "moonfield_queue_depth{queue=\"leave\"} %d\n", m.QueueDepths.Leave)
		fmt.Fprintf(w, "moonfield_queue_depth{queue=\"switch\"} %d\n", m.QueueDepths.Switch)
		if idx != nil {
			ist := idx.Stats()
			fmt.Fprintf(w, "# HELP moonfield_index_queue_depth Rows waiting for the sqlite writer.\n")
			fmt.Fprintf(w, "# TYPE moonfield_index_queue_depth gauge\n")
			fmt.Fprintf(w, "moonfield_index_queue_depth %d\n", ist.QueueDepth)
			fmt.Fprintf(w, "# HELP moonfield_index_dropped_total Entries dropped because the index writer was behind.\n")
			fmt.Fprintf(w, "# TYPE moonfield_index_dropped_total counter\n")
			fmt.Fprintf(w, "moonfield_index_dropped_total{kind=\"reconcile\"} %d\n", ist.DropReconcileTotal)
			fmt.Fprintf(w, "moonfield_index_dropped_total{kind=\"event\"} %d\n", ist.DropEventTotal)
		}
	})

	enableAdmin := envBool("MF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", func(w http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tick":    st.CurrentTick(),
				"terrain": st.TerrainInfo(),
				"metrics": st.Metrics(),
			})
		})

		mux.HandleFunc("/admin/v1/switch_terrain", func(w http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var body struct {
				TerrainID int `json:"terrain_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			resp := make(chan streamer.SwitchResult, 1)
			select {
			case st.Switches() <- streamer.SwitchRequest{TerrainID: body.TerrainID, Resp: resp}:
			case <-time.After(5 * time.Second):
				http.Error(w, "switch queue full", http.StatusServiceUnavailable)
				return
			}
			select {
			case res := <-resp:
				w.Header().Set("Content-Type", "application/json")
				if res.Err != nil {
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": res.Err.Error()})
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "terrain": res.Terrain})
			case <-time.After(5 * time.Second):
				http.Error(w, "switch timed out", http.StatusGatewayTimeout)
			}
		})

		obs := observer.NewServer(st, lib, logger.Named("observer"))
		mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
		logger.Info("admin http enabled (loopback only)")
	}

	if envBool("MF_ENABLE_PPROF_HTTP", false) {
		gate := func(h http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				if !isLoopbackRemote(r.RemoteAddr) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				h(w, r)
			}
		}
		mux.HandleFunc("/debug/pprof/", gate(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", gate(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", gate(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", gate(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", gate(pprof.Trace))
		logger.Info("pprof http enabled (loopback only)")
	}

	wsrv := ws.NewServer(st, tune.Limits.SessionQueue, logger.Named("ws"))
	mux.HandleFunc("/v1/ws", wsrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
	}()

	logger.Info("listening",
		zap.String("addr", *addr),
		zap.Int("tick_rate_hz", st.TickRateHz()),
		zap.Bool("admin_http", enableAdmin),
		zap.Bool("index_db", idx != nil))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Admin endpoints default on for local runs and off in shared environments.
func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// multiReconcileLogger fans each entry out to the JSONL log and the sqlite
// index. Sink errors never reach the loop.
type multiReconcileLogger struct {
	a streamer.ReconcileLogger
	b streamer.ReconcileLogger
}

func (m multiReconcileLogger) WriteReconcile(e streamer.ReconcileLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteReconcile(e)
	}
	if m.b != nil {
		_ = m.b.WriteReconcile(e)
	}
	return nil
}

type multiEventLogger struct {
	a streamer.EventLogger
	b streamer.EventLogger
}

func (m multiEventLogger) WriteEvent(e streamer.EventLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteEvent(e)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(e)
	}
	return nil
}
