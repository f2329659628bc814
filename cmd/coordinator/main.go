// The coordinator daemon subscribes to agent response queues for one
// organization and fans results into in-process consumers. Run standalone it
// logs each response; agent hosts embed pkg/coordinator directly and consume
// the channels instead.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fastyrai/turingagents/pkg/configuration"
	"github.com/fastyrai/turingagents/pkg/coordinator"
	"github.com/fastyrai/turingagents/pkg/logging"
)

func newRootCmd() *cobra.Command {
	var (
		org    string
		agents []string
		buffer int
	)

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Fan agent response queues into local consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			log := conf.Logger().WithField("service", "coordinator")

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

			b, err := connectBroker(log)
			if err != nil {
				return err
			}
			defer b.Close()

			c := coordinator.New(b, coordinator.Options{
				OrgID:      org,
				BufferSize: buffer,
				Logger:     log,
			})
			defer c.Close()

			var wg sync.WaitGroup
			for _, agentID := range agents {
				out, err := c.Subscribe(ctx, agentID)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", agentID, err)
				}
				wg.Add(1)
				go func(agentID string) {
					defer wg.Done()
					for res := range out {
						log.WithFields(logrus.Fields{
							"agent_id":   agentID,
							"request_id": res.RequestID,
							"type":       res.Type,
						}).Info("response received")
					}
				}(agentID)
			}

			log.WithFields(logrus.Fields{"org_id": org, "agents": agents}).Info("coordinator started")
			<-ctx.Done()
			c.Close()
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization to serve")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "agent to subscribe (repeatable)")
	cmd.Flags().IntVar(&buffer, "buffer", 64, "per-agent response buffer size")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
