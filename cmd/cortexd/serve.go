package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riftlabs/cortexd/internal/agentqueue"
	"github.com/riftlabs/cortexd/internal/compaction"
	"github.com/riftlabs/cortexd/internal/config"
	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/memoryrpc"
	"github.com/riftlabs/cortexd/internal/obslog"
	"github.com/riftlabs/cortexd/internal/portutil"
	"github.com/riftlabs/cortexd/internal/procreg"
	"github.com/riftlabs/cortexd/internal/sessionmgr"
	"github.com/riftlabs/cortexd/internal/spawner"
	"github.com/riftlabs/cortexd/internal/wsbridge"
)

const portFileName = "server.port"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon: spawn/queue/event-bus collaborators behind a websocket",
	Long: `serve wires the process registry, session table, spawner, background-agent
queue, compaction controller, and memory RPC client together, allocates a
port, and serves the event bus to any number of websocket subscribers at
/events?topics=a,b,c. The allocated port is written to ~/.cortexd/server.port
for a front-end process to discover.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("no-memory", false, "disable the memory MCP server child process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry := procreg.New()
	sessions := sessionmgr.New()
	bus := eventbus.New()
	sp := spawner.New(registry, sessions, bus)
	sp.SetRecordingDir(filepath.Join(config.Dir(), "recordings"))

	queue := agentqueue.New(registry, bus)
	goPollAgentQueue(cmd.Context(), queue)

	compactionMgr, err := compaction.NewDefaultManager()
	if err != nil {
		return fmt.Errorf("starting compaction manager: %w", err)
	}

	noMemory, _ := cmd.Flags().GetBool("no-memory")
	var memClient *memoryrpc.Client
	if !noMemory {
		memClient = memoryrpc.New(config.Dir(), cfg.MemoryServerOverride)
		if err := memClient.Start(); err != nil {
			obslog.Logf("serve", "memory server did not start: %v", err)
			memClient = nil
		}
	}

	port, err := portutil.Allocate(cfg.PortRangeMin, cfg.PortRangeMax)
	if err != nil {
		return fmt.Errorf("allocating port: %w", err)
	}
	if err := writePortFile(port); err != nil {
		obslog.Logf("serve", "failed to write port file: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/events", wsbridge.New(bus))
	mux.HandleFunc("/compaction/update", updateContextUsageHandler(compactionMgr, bus))
	mux.HandleFunc("/agents", agentsHandler(queue))
	mux.HandleFunc("/agents/", agentByIDHandler(queue))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	registerCrashCleanup(func() {
		registry.KillAll()
		queue.KillAll()
		if memClient != nil {
			memClient.Stop()
		}
	})

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- httpServer.ListenAndServe()
	}()

	fmt.Printf("%s listening on port %d (pid %d)\n", colorize("32", "cortexd"), port, os.Getpid())
	obslog.LogKV("serve", "daemon started", "port", port, "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		obslog.Logf("serve", "received %s, shutting down", sig)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			obslog.Logf("serve", "http server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	registry.KillAll()
	queue.KillAll()
	if memClient != nil {
		memClient.Stop()
	}
	removePortFile()

	return nil
}

// updateContextUsageHandler accepts {"session_id": "...", "usage": 0.0-1.0}
// and feeds it into the compaction manager, mirroring the reference
// frontend's update_context_usage command: the caller supplies a
// pre-computed ratio, and this daemon only ever decides what to do with
// it. The decision, if any, is published on compaction:<id> for the UI.
func updateContextUsageHandler(mgr *compaction.Manager, bus *eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionID string  `json:"session_id"`
			Usage     float64 `json:"usage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		action := mgr.Update(req.SessionID, req.Usage)
		bus.Publish("compaction:"+req.SessionID, map[string]any{
			"action":  action,
			"message": action.Message(),
		})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"action":        action,
			"message":       action.Message(),
			"shouldCompact": action.ShouldCompact(),
		})
	}
}

// agentsHandler lists queued/running agents on GET and admits a new one on
// POST, returning its id.
func agentsHandler(queue *agentqueue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(queue.GetAll())
		case http.MethodPost:
			var opts agentqueue.SpawnOptions
			if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
			id := queue.Queue(opts)
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		default:
			http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
		}
	}
}

// agentByIDHandler serves GET /agents/<id> (single-agent lookup) and
// POST /agents/<id>/cancel.
func agentByIDHandler(queue *agentqueue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/agents/")
		id, action, _ := strings.Cut(path, "/")
		if id == "" {
			http.Error(w, "missing agent id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if action == "cancel" && r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]bool{"cancelled": queue.Cancel(id)})
			return
		}
		agent, ok := queue.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(agent)
	}
}

// goPollAgentQueue runs the background-agent admission/reap loop until ctx
// is cancelled: try to start the next queued agent, reap timed-out
// runners, and drop aged terminal records, once per tick.
func goPollAgentQueue(ctx context.Context, queue *agentqueue.Queue) {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				queue.TryStartNext(ctx)
				queue.CheckRunning()
				queue.CleanupOld()
			}
		}
	}()
}

func portFilePath() string {
	return filepath.Join(config.Dir(), portFileName)
}

// writePortFile records the allocated port so a separate front-end process
// can discover it, mirroring the reference's own server-port-file handshake.
func writePortFile(port int) error {
	return os.WriteFile(portFilePath(), []byte(strconv.Itoa(port)), 0o644)
}

func removePortFile() {
	os.Remove(portFilePath())
}
