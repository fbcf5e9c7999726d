package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/wantq"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/client"
	"pkt.systems/wantq/internal/loggingutil"
)

func newConsumeCommand(cli *cliConfig) *cobra.Command {
	var (
		key      string
		slots    int
		maxItems int
	)
	cmd := &cobra.Command{
		Use:   "consume [queue...]",
		Short: "Consume queues over a persistent connection and print items as JSON lines",
		Long: `Consume one or more queues over a persistent connection. Every queue gets
--slots registrations, each keeping one want outstanding, so up to slots items
per queue are handled concurrently. Items are printed to stdout as JSON lines.
Without --max-items the command runs until interrupted; with it, the command
stops once that many items were printed (items already in flight are still
printed).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queues := args
			if len(queues) == 0 {
				queue, err := resolveArg(nil, 0, envQueue, true)
				if err != nil {
					return err
				}
				queues = []string{queue}
			}
			if slots < 1 {
				return fmt.Errorf("--slots must be >= 1")
			}
			if maxItems < 0 {
				return fmt.Errorf("--max-items must be >= 0")
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			logger := loggingutil.WithSubsystem(cli.logger, "cli.consume")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			telemetry, err := wantq.SetupTelemetry(ctx, cli.cfg, cli.logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := telemetry.Shutdown(shutdownCtx); err != nil {
					logger.Warn("cli.consume.telemetry_shutdown_error", "error", err)
				}
			}()
			if addr := telemetry.Addr("metrics"); addr != "" {
				logger.Info("cli.consume.metrics", "address", addr)
			}
			if addr := telemetry.Addr("pprof"); addr != "" {
				logger.Info("cli.consume.pprof", "address", addr)
			}

			session, err := c.NewSession(cli.cfg.SessionOptions(cli.logger)...)
			if err != nil {
				return err
			}

			var (
				mu      sync.Mutex
				printed atomic.Int64
				enc     = json.NewEncoder(cmd.OutOrStdout())
			)
			handler := func(queue string) client.HandlerFunc {
				return func(hctx context.Context, item api.Item) error {
					mu.Lock()
					err := enc.Encode(itemOutput{
						Queue:  queue,
						WantID: client.WantIDFromContext(hctx),
						Key:    item.Key,
						Value:  item.Value,
					})
					mu.Unlock()
					if err != nil {
						cancel()
						return fmt.Errorf("write item: %w", err)
					}
					if n := printed.Add(1); maxItems > 0 && n >= int64(maxItems) {
						cancel()
					}
					return nil
				}
			}

			var wantOpts []client.WantOption
			if k := keyFlag(cmd, key); k != nil {
				wantOpts = append(wantOpts, client.WithKey(*k))
			}
			for _, queue := range queues {
				for range slots {
					if _, err := session.Register(queue, handler(queue), wantOpts...); err != nil {
						return err
					}
				}
			}
			logger.Info("cli.consume.start", "queues", queues, "slots", slots, "session", session.ID())

			runErr := session.Run(ctx)
			stats := session.Stats()
			logger.Info("cli.consume.stopped",
				"printed", printed.Load(),
				"wants_sent", stats.Sent,
				"resolved", stats.Resolved,
				"dropped", stats.Dropped,
				"handler_errors", stats.HandlerErrors,
				"connections", stats.Connections,
			)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&key, "key", "k", "", "only consume items put with this key (env "+envKey+")")
	flags.IntVar(&slots, "slots", 1, "registrations (concurrent wants) per queue")
	flags.IntVar(&maxItems, "max-items", 0, "stop after printing this many items (0 runs until interrupted)")
	flags.Int(workersKey, 0, "max concurrent handlers (0 uses GOMAXPROCS, negative is unbounded)")
	flags.Duration(handshakeTimeoutKey, wantq.DefaultHandshakeTimeout, "persistent connection handshake timeout")
	flags.Duration(writeTimeoutKey, wantq.DefaultWriteTimeout, "per-frame write timeout on the persistent connection")
	flags.String(maxMessageSizeKey, wantq.HumanizeBytes(wantq.DefaultMaxMessageSize), "max inbound frame size (e.g. 16MiB)")
	flags.Bool(reconnectKey, true, "reconnect and re-announce wants when the connection drops")
	flags.Int(reconnectImmediateRetriesKey, client.DefaultReconnectImmediateRetries, "reconnect attempts before backoff starts")
	flags.Duration(reconnectBaseDelayKey, client.DefaultReconnectBaseDelay, "first backoff delay")
	flags.Duration(reconnectMaxDelayKey, client.DefaultReconnectMaxDelay, "backoff cap")
	flags.Float64(reconnectMultiplierKey, client.DefaultReconnectMultiplier, "backoff growth factor")
	flags.Duration(reconnectJitterKey, client.DefaultReconnectJitter, "random +/- jitter applied to each delay")
	flags.Int(reconnectMaxFailuresKey, 0, "give up after this many consecutive failures (0 retries forever)")
	flags.String(otlpEndpointKey, "", "OTLP trace endpoint (grpc://, grpcs://, http://, https:// or host:port)")
	flags.String(metricsListenKey, wantq.DefaultMetricsListen, "serve Prometheus /metrics on this address")
	flags.String(pprofListenKey, wantq.DefaultPprofListen, "serve /debug/pprof on this address")
	flags.Bool(profilingMetricsKey, false, "add Go runtime metrics to /metrics (requires --metrics-listen)")

	mustBindFlag(workersKey, "WANTQ_WORKERS", flags.Lookup(workersKey))
	mustBindFlag(handshakeTimeoutKey, "WANTQ_HANDSHAKE_TIMEOUT", flags.Lookup(handshakeTimeoutKey))
	mustBindFlag(writeTimeoutKey, "WANTQ_WRITE_TIMEOUT", flags.Lookup(writeTimeoutKey))
	mustBindFlag(maxMessageSizeKey, "WANTQ_MAX_MESSAGE_SIZE", flags.Lookup(maxMessageSizeKey))
	mustBindFlag(reconnectKey, "WANTQ_RECONNECT", flags.Lookup(reconnectKey))
	mustBindFlag(reconnectImmediateRetriesKey, "WANTQ_RECONNECT_IMMEDIATE_RETRIES", flags.Lookup(reconnectImmediateRetriesKey))
	mustBindFlag(reconnectBaseDelayKey, "WANTQ_RECONNECT_BASE_DELAY", flags.Lookup(reconnectBaseDelayKey))
	mustBindFlag(reconnectMaxDelayKey, "WANTQ_RECONNECT_MAX_DELAY", flags.Lookup(reconnectMaxDelayKey))
	mustBindFlag(reconnectMultiplierKey, "WANTQ_RECONNECT_MULTIPLIER", flags.Lookup(reconnectMultiplierKey))
	mustBindFlag(reconnectJitterKey, "WANTQ_RECONNECT_JITTER", flags.Lookup(reconnectJitterKey))
	mustBindFlag(reconnectMaxFailuresKey, "WANTQ_RECONNECT_MAX_FAILURES", flags.Lookup(reconnectMaxFailuresKey))
	mustBindFlag(otlpEndpointKey, "WANTQ_OTLP_ENDPOINT", flags.Lookup(otlpEndpointKey))
	mustBindFlag(metricsListenKey, "WANTQ_METRICS_LISTEN", flags.Lookup(metricsListenKey))
	mustBindFlag(pprofListenKey, "WANTQ_PPROF_LISTEN", flags.Lookup(pprofListenKey))
	mustBindFlag(profilingMetricsKey, "WANTQ_ENABLE_PROFILING_METRICS", flags.Lookup(profilingMetricsKey))
	return cmd
}
