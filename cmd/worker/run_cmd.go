package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/configuration"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/idempotency"
	"github.com/fastyrai/turingagents/pkg/logging"
	"github.com/fastyrai/turingagents/pkg/metrics"
	"github.com/fastyrai/turingagents/pkg/schema"
	"github.com/fastyrai/turingagents/pkg/worker"
)

func newRunCmd() *cobra.Command {
	var orgs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume request queues for the given organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			log := conf.Logger().WithField("service", "worker")

			if conf.OpenTelemetry.Enabled {
				cleanup := logging.SetupTracing(
					cmd.Context(),
					conf.OpenTelemetry.ServiceName,
					conf.OpenTelemetry.Endpoint,
				)
				defer cleanup()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := connectDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			rdb, err := connectRedis(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			b, err := connectBroker(log)
			if err != nil {
				return err
			}
			defer b.Close()

			policy := dispatch.NewRetryPolicy(nil)
			delays := append(append([]time.Duration{}, policy.Ladder...), dispatch.RateLimitBackoff)
			for _, org := range orgs {
				if err := b.DeclareOrgTopology(org, delays); err != nil {
					return err
				}
			}

			sink := audit.NewPipeline(audit.NewPgSink(pool), audit.PipelineOptions{
				BufferSize: conf.Audit.BufferSize,
				Logger:     log,
			})
			defer sink.Close()

			store := idempotency.NewRedisStore(rdb, conf.Redis.KeyTTL)

			registry := worker.NewRegistry(nil, log)
			registry.Register(schema.TypeAgentPing, worker.HandlerFunc(
				func(_ context.Context, msg *schema.RequestMessage) (map[string]any, error) {
					return map[string]any{"pong": true, "agent_id": msg.AgentID}, nil
				},
			))

			g, gctx := errgroup.WithContext(ctx)
			for _, org := range orgs {
				w := worker.New(b, store, store, sink, registry, worker.Options{
					OrgID:           org,
					Concurrency:     int64(conf.Worker.Concurrency),
					Prefetch:        conf.Broker.Prefetch,
					PoisonThreshold: conf.Worker.PoisonThreshold,
					DefaultAgentID:  conf.Worker.DefaultAgentID,
					Policy:          policy,
					Logger:          log,
				})
				g.Go(func() error {
					if err := w.Run(gctx, b); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				return serveOps(gctx, conf, log)
			})

			log.WithField("orgs", orgs).Info("worker started")
			return g.Wait()
		},
	}

	cmd.Flags().StringSliceVar(&orgs, "org", nil, "organization to serve (repeatable)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// serveOps exposes liveness and metrics on the ops port until ctx is
// cancelled.
func serveOps(ctx context.Context, conf *configuration.Configuration, log *logrus.Entry) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if conf.Prometheus.Enabled {
		metrics.NewPrometheusController(conf.Prometheus.Path).Register(r)
	}

	srv := &http.Server{Addr: conf.SocketAddress, Handler: r}
	log.WithField("address", conf.SocketAddress).Info("ops server listening")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
