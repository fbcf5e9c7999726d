// Package wantq is the Go toolkit for consuming items from a remote
// multi-queue service over a persistent connection. Callers register
// interest ("wants") in a queue, optionally scoped to an item key, together
// with a handler. The session announces every want, correlates the server's
// response with the handler that asked for it, runs the handler and then
// announces a fresh want so consumption continues for as long as the session
// runs.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Packages
//
//   - client: request/response facade (create, list, put, take, peek, info,
//     delete) and the consuming Session.
//   - api: wire types and the success/failure envelope codec.
//   - cmd/wantq: command line interface over both.
//
// This package holds the shared Config, telemetry setup and the in-memory
// test server used throughout the test suites.
//
// # Configuration
//
// Config describes how to reach a server and how a consuming session behaves.
// Validate fills defaults (server http://127.0.0.1:8080, 15s request timeout,
// 16MiB frame limit, reconnect with backoff) and rejects inconsistent values.
//
//	cfg := wantq.Config{
//	    Server:   "https://queues.example.com",
//	    Username: "worker",
//	    Password: os.Getenv("WANTQ_PASSWORD"),
//	    Workers:  8,
//	}
//	cli, err := cfg.NewClient(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session, err := cli.NewSession(cfg.SessionOptions(logger)...)
//
// The CLI reads the same settings from flags, WANTQ_* environment variables
// and $HOME/.wantq/config.yaml (WANTQ_CONFIG_DIR overrides the directory).
// `wantq config gen` writes a commented starting point.
//
// # Consuming
//
//	queue, err := cli.Queue(ctx, queueID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = queue.Register(session, client.HandlerFunc(func(ctx context.Context, item api.Item) error {
//	    log.Printf("got %q", item.Value)
//	    return nil
//	}))
//	if err := session.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Each registration keeps exactly one want outstanding. A handler's next item
// is requested only after the handler returns, so registering the same queue
// N times yields up to N concurrent handlers for it (bounded by Workers).
// Wants without a key match any item; keyed wants match items stored under
// the same key, compared case-insensitively by the server.
//
// # Telemetry
//
// SetupTelemetry installs OpenTelemetry providers from Config: OTLPEndpoint
// enables trace export (grpc, grpcs, http, https), MetricsListen exposes a
// Prometheus /metrics endpoint and PprofListen serves /debug/pprof. Sessions
// record wants sent and resolved, dropped messages, handler failures and
// handler latency, and wrap each handler invocation in a consumer span.
//
// # Testing
//
// StartTestServer runs an in-memory implementation of the queue protocol
// behind httptest and hands back a ready client:
//
//	ts := wantq.StartTestServer(t, wantq.WithTestLoggerFromTB(t, pslog.DebugLevel))
//	id, _ := ts.Client.Create(ctx, "")
//	_ = ts.Client.Put(ctx, id, "hello")
//
// The embedded queuetest server exposes the wants it received and can drop
// persistent connections to exercise reconnect behaviour.
package wantq
