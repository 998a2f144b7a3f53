package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagakit/saga"
	"github.com/sagakit/saga/activity"
	"github.com/sagakit/saga/config"
	"github.com/sagakit/saga/examples/shipping"
	"github.com/sagakit/saga/gc"
	"github.com/sagakit/saga/metrics"
	"github.com/sagakit/saga/notify"
	"github.com/sagakit/saga/observability"
	"github.com/sagakit/saga/plugin"
	"github.com/sagakit/saga/queue"
	"github.com/sagakit/saga/store"
	"github.com/sagakit/saga/store/filestore"
	"github.com/sagakit/saga/store/memstore"
	"github.com/sagakit/saga/store/pgstore"
	"github.com/sagakit/saga/workflow"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to JSON config file (optional)")
		storeKind  = flag.String("store", "memory", "Store backend: memory, file, or postgres")
		storeDir   = flag.String("store-dir", "./saga-data", "Root directory for the file store backend")
		pgDSN      = flag.String("pg-dsn", "", "Postgres DSN for the postgres store backend")
		addr       = flag.String("addr", ":8090", "Address to serve /metrics and /workflows/{id} on")
		owner      = flag.String("owner", "", "Lock owner identity for this process (defaults to a random UUID)")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	obs := observability.NewSlogObserver(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := openStore(ctx, *storeKind, *storeDir, *pgDSN)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	workflows := plugin.NewRegistry[plugin.WorkflowPlugin]()
	activities := plugin.NewRegistry[plugin.ActivityPlugin]()
	shipping.Register(workflows, activities,
		shipping.NewInventory(map[string]int{"widget": 100}),
		&shipping.PaymentGateway{Declined: map[string]bool{}},
	)

	ownerID := *owner
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	actExec := activity.New(s, activities, notify.Observability{Observer: obs}, obs)
	wfExec := workflow.New(s, workflows, actExec, notify.Observability{Observer: obs}, obs, cfg.Retry)

	q := queue.New(s, wfExec, ownerID, cfg.Queue, cfg.Lock, obs, m)
	collector := gc.New(s, ownerID, cfg.GC, obs, m)

	queueDone := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(queueDone)
	}()
	go collector.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/workflows/", statusHandler(s))

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	logger.Info("sagaworker started", "owner", ownerID, "addr", *addr, "store", *storeKind)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = server.Shutdown(context.Background())
	<-queueDone // the queue returns once its in-flight workflows have finished
}

func openStore(ctx context.Context, kind, dir, dsn string) (store.Store, error) {
	switch kind {
	case "memory":
		return memstore.New(), nil
	case "file":
		return filestore.New(dir)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("-pg-dsn is required for the postgres store backend")
		}
		return pgstore.Connect(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// statusHandler serves GET /workflows/{id}: the workflow record plus its
// activities, as JSON. This is an operational convenience, not part of the
// engine's domain contract.
func statusHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Path[len("/workflows/"):])
		if err != nil {
			http.Error(w, "invalid workflow id", http.StatusBadRequest)
			return
		}

		workflow, err := s.GetWorkflow(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		activities, err := s.ListActivities(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := struct {
			Workflow   *saga.Workflow   `json:"workflow"`
			Activities []*saga.Activity `json:"activities"`
		}{Workflow: workflow, Activities: activities}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
