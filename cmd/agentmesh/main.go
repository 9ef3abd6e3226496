// Command agentmesh is the control plane: it wires the priority queue,
// agent registry, message router, conductor, parallel execution engine,
// lifecycle manager, and performance optimizer behind one Control API
// server and starts every background loop the system needs to run
// unattended.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"google.golang.org/grpc"

	"github.com/swarmguard/agentmesh/internal/conductor"
	"github.com/swarmguard/agentmesh/internal/controlapi"
	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/corelib/logging"
	"github.com/swarmguard/agentmesh/internal/corelib/otelinit"
	"github.com/swarmguard/agentmesh/internal/corelib/resilience"
	"github.com/swarmguard/agentmesh/internal/lifecycle"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/optimizer"
	"github.com/swarmguard/agentmesh/internal/planengine"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
	"github.com/swarmguard/agentmesh/internal/router"
	"github.com/swarmguard/agentmesh/internal/store"
	"github.com/swarmguard/agentmesh/internal/transport"
)

const (
	shutdownGrace = 30 * time.Second
	grpcAddr      = ":9090"
	httpAddr      = ":8080"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// routerDispatcher adapts the message router's request/response delivery to
// the conductor's Dispatcher interface: it wraps the task as a message
// payload, sends it to the agent with an ack requirement, and unwraps the
// agent's response payload as the task result.
type routerDispatcher struct {
	r *router.Router
}

func (d routerDispatcher) Dispatch(ctx context.Context, agent *models.Agent, task *models.Task) ([]byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	req := &models.Message{
		Type:    models.MessageRequest,
		From:    "conductor",
		To:      []string{agent.AgentID},
		Payload: payload,
	}
	resp, err := d.r.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Payload, nil
}

func main() {
	service := "agentmesh"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	bus := eventbus.New()

	var nc *nats.Conn
	if url := os.Getenv("NATS_URL"); url != "" {
		var err error
		nc, err = nats.Connect(url)
		if err != nil {
			slog.Warn("nats connect failed, continuing without pub-sub fan-out", "error", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	st, err := store.OpenBadger(envOr("AGENTMESH_DATA_DIR", "./data/badger"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg, err := registry.New(st, bus, nc, registry.NoopProber{})
	if err != nil {
		slog.Error("failed to start registry", "error", err)
		os.Exit(1)
	}

	q := queue.New(queue.DefaultConfig(), st, bus)
	hub := transport.NewHub(30*time.Second, 60*time.Second, 1024)
	rtr := router.New(router.DefaultConfig(), hub, nc, st, bus, reg)
	hub.OnMessage = func(agentID string, data []byte) { rtr.HandleInbound(context.Background(), agentID, data) }

	cond := conductor.New(conductor.DefaultConfig(), q, reg, routerDispatcher{r: rtr}, bus)
	engine := planengine.New(q, bus)

	lm, err := lifecycle.New(envOr("AGENTMESH_LIFECYCLE_DB", "./data/lifecycle.db"), bus, nil)
	if err != nil {
		slog.Error("failed to start lifecycle manager", "error", err)
		os.Exit(1)
	}
	defer lm.Close()

	dispatcher := optimizer.NewActionDispatcher(lm, lm, cond, nil, bus)
	opt := optimizer.New(st, reg, q, dispatcher)

	limiter := resilience.NewHybridRateLimiter(200, 50, 500, 2*time.Millisecond)
	taskLimiter := resilience.NewRateLimiter(1000, 200, time.Minute, 20000)

	_, mux := controlapi.New(q, reg, cond, engine, lm, opt, bus, limiter, taskLimiter)

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agentId")
		if agentID == "" {
			http.Error(w, "agentId required", http.StatusBadRequest)
			return
		}
		hub.HandleWS(agentID, w, r)
	})

	hubStop := make(chan struct{})
	go hub.Run(hubStop)

	httpSrv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control api server error", "error", err)
			cancel()
		}
	}()

	grpcSrv := grpc.NewServer()
	healthSrv := registry.RegisterLiveness(grpcSrv)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		slog.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("grpc serve error", "error", err)
			cancel()
		}
	}()
	registry.SetServing(healthSrv, service, true)

	go q.Run(ctx, 5*time.Second)
	go reg.RunHealthProbes(ctx)
	go func() {
		if err := cond.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("conductor stopped", "error", err)
		}
	}()
	go lm.RunHealthProbes(ctx)
	go func() {
		// No UtilizationProvider is wired: deployment replicas are a
		// distinct population from registry agents, and nothing in this
		// build computes per-deployment utilization yet. The loop still
		// runs so a provider can be plugged in later without touching
		// main's shutdown sequencing.
		if err := lm.RunAutoscaler(ctx, nil); err != nil && err != context.Canceled {
			slog.Error("autoscaler stopped", "error", err)
		}
	}()
	go func() {
		if err := opt.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("optimizer stopped", "error", err)
		}
	}()

	slog.Info("agentmesh control plane started", "http", httpAddr, "grpc", grpcAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	registry.SetServing(healthSrv, service, false)
	ctxSd, cancelSd := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelSd()

	close(hubStop)
	_ = httpSrv.Shutdown(ctxSd)
	grpcSrv.GracefulStop()
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
