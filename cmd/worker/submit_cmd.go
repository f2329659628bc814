package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/configuration"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/producer"
	"github.com/fastyrai/turingagents/pkg/ratelimit"
	"github.com/fastyrai/turingagents/pkg/schema"
)

// submit publishes test messages through the full submission path, including
// rate limiting and backpressure, so an operator can exercise a pipeline
// without an agent host.
func newSubmitCmd() *cobra.Command {
	var (
		org      string
		agent    string
		msgType  string
		priority int
		payload  string
		count    int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit test messages through the full producer path",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			log := conf.Logger().WithField("service", "submit")

			p := dispatch.Priority(priority)
			if !p.Valid() {
				return fmt.Errorf("invalid --priority: P%d out of range", priority)
			}

			var msgContext map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &msgContext); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}

			pool, err := connectDB(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			b, err := connectBroker(log)
			if err != nil {
				return err
			}
			defer b.Close()

			policy := dispatch.NewRetryPolicy(nil)
			delays := append(append([]time.Duration{}, policy.Ladder...), dispatch.RateLimitBackoff)
			if err := b.DeclareOrgTopology(org, delays); err != nil {
				return err
			}

			sink := audit.NewPipeline(audit.NewPgSink(pool), audit.PipelineOptions{
				BufferSize: conf.Audit.BufferSize,
				Logger:     log,
			})
			defer sink.Close()

			limiter := ratelimit.New(ratelimit.Config{
				OrgRate:   conf.RateLimit.OrgRate,
				OrgBurst:  conf.RateLimit.OrgBurst,
				UserRate:  conf.RateLimit.UserRate,
				UserBurst: conf.RateLimit.UserBurst,
			})
			prod := producer.New(b, limiter, sink, producer.Options{
				Thresholds: dispatch.Thresholds{
					Scale:     conf.Backpressure.ScaleThreshold,
					Light:     conf.Backpressure.LightThreshold,
					Heavy:     conf.Backpressure.HeavyThreshold,
					Emergency: conf.Backpressure.EmergencyThreshold,
				},
				Logger: log,
			})

			for i := 0; i < count; i++ {
				msg := &schema.RequestMessage{
					MessageID:  uuid.NewString(),
					Version:    "1.0.0",
					OrgID:      org,
					AgentID:    agent,
					Type:       schema.MessageType(msgType),
					CreatedBy:  schema.CreatedBy{Type: "system", ID: "worker-submit"},
					CreatedAt:  time.Now().UTC(),
					MaxRetries: 3,
					Context:    msgContext,
				}
				if err := prod.Submit(cmd.Context(), msg, p); err != nil {
					return fmt.Errorf("submit %d/%d: %w", i+1, count, err)
				}
				cmd.Println(msg.MessageID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization to submit into")
	cmd.Flags().StringVar(&agent, "agent", "", "agent to address the message to")
	cmd.Flags().StringVar(&msgType, "type", string(schema.TypeAgentPing), "message type")
	cmd.Flags().IntVar(&priority, "priority", int(dispatch.P2), "priority tier (0-3)")
	cmd.Flags().StringVar(&payload, "payload", "", "message context as a JSON object")
	cmd.Flags().IntVar(&count, "count", 1, "number of messages to submit")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
