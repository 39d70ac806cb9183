package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/caseline/relay/internal/config"
	"github.com/caseline/relay/internal/handler"
	"github.com/caseline/relay/internal/handler/socket"
	"github.com/caseline/relay/internal/model/cases"
	"github.com/caseline/relay/internal/model/relay"
	"github.com/caseline/relay/internal/service/dispatch"
	"github.com/caseline/relay/internal/service/queue"
	"github.com/caseline/relay/internal/service/registry"
	"github.com/caseline/relay/internal/service/routing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	caseStore := cases.NewMemoryStore(cfg.Cases)
	router := routing.New(
		routing.DefaultTable(caseStore),
		routing.Config{
			Defaults: map[relay.Role]string{
				relay.RoleVictim:  cfg.Relay.VictimID,
				relay.RoleOfficer: cfg.Relay.OfficerID,
				relay.RoleAdmin:   cfg.Relay.AdminID,
			},
			CrimeNumber: cfg.Relay.CrimeNumber,
		},
		routing.NewRoster(actorRoles(cfg.Relay.Actors)),
	)

	monitor := dispatch.NewMonitor()
	svc := dispatch.NewService(dispatch.Config{
		HistorySize:    cfg.Relay.HistorySize,
		Presence:       cfg.Relay.Presence,
		CloseDisplaced: cfg.Relay.CloseDisplaced,
		Metrics:        dispatch.NewMetrics(promRegistry),
		Monitor:        monitor,
	}, registry.New(), queue.New(cfg.Relay.QueueLimit), router)

	log.Printf("relay defaults victim=%s officer=%s admin=%q queue_limit=%d cases=%d",
		cfg.Relay.VictimID, cfg.Relay.OfficerID, cfg.Relay.AdminID, cfg.Relay.QueueLimit, len(cfg.Cases))

	httpRouter := handler.NewRouter(svc, handler.Options{
		Socket: socket.Config{
			SendBuffer:    cfg.Relay.SendBuffer,
			MaxFrameBytes: cfg.Relay.MaxFrameBytes,
			RateLimit:     cfg.Relay.RateLimit,
			RateBurst:     cfg.Relay.RateBurst,
		},
		Monitor:  monitor,
		Gatherer: promRegistry,
	})

	startServer(ctx, cfg.Server, httpRouter, svc)
}

// actorRoles converts configured actor roles, skipping unknown roles.
func actorRoles(actors map[string]string) map[string]relay.Role {
	out := make(map[string]relay.Role, len(actors))
	for userID, raw := range actors {
		role, ok := relay.ParseRole(raw)
		if !ok {
			log.Printf("warning: ignoring actor %s with unknown role %q", userID, raw)
			continue
		}
		out[userID] = role
	}
	return out
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, svc *dispatch.Service) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Hijacked websocket connections are not closed by Shutdown.
	srv.RegisterOnShutdown(svc.Shutdown)

	log.Printf("relay server listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
