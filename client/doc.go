// Package client provides the Go SDK for a wantq queue server: a
// request/response facade over HTTP and a Session that consumes queues
// continuously over a persistent WebSocket connection.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:8080", client.WithBasicAuth("worker", "secret"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := cli.Create(ctx, "") // empty name lets the server mint an id
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cli.Put(ctx, id, "hello", client.WithItemKey("greeting")); err != nil {
//	    log.Fatal(err)
//	}
//	item, ok, err := cli.Take(ctx, id)
//	switch {
//	case err != nil:
//	    log.Fatal(err)
//	case !ok:
//	    log.Println("queue is empty")
//	default:
//	    log.Printf("took %q", item.Value)
//	}
//
// Every request carries its parameters (name, value, key) as a form-encoded
// body. Responses are success/failure envelopes; a failure surfaces as
// *api.ProtocolError with the server's message and the HTTP status. Take and
// Peek report an empty queue as ok == false rather than an error.
//
// Client.Queue returns a verified handle that is cached per client, so hot
// paths do not re-check queue existence on every call.
//
// # Sessions
//
// A Session keeps one want outstanding per registration:
//
//	session, err := cli.NewSession(client.WithWorkers(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reg, err := session.RegisterFunc(id, func(ctx context.Context, item api.Item) error {
//	    log.Printf("want %s delivered %q", client.WantIDFromContext(ctx), item.Value)
//	    return nil
//	}, client.WithKey("greeting"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    <-stop
//	    reg.Cancel()
//	}()
//	if err := session.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Registrations may be added before Run or while it is connected. When the
// connection opens, every waiting registration is announced with a fresh
// random identifier. A response is matched to its registration by that
// identifier, the registration is removed from the pending set and its
// handler runs on a worker goroutine. When the handler returns, successfully
// or not, the registration is announced again. Handler panics are recovered
// and treated as errors.
//
// Messages that cannot be decoded, failure envelopes and responses for
// unknown identifiers are reported to the ErrorHandler (WithErrorHandler) or
// logged at warn level, and the session keeps going.
//
// # Reconnects
//
// When the connection drops, outstanding wants are moved back to the waiting
// set and announced again on the next connection. ReconnectPolicy controls
// the retry schedule (immediate retries, exponential backoff with jitter,
// optional failure cap). Set Disabled to make Run return the connection error
// instead. Run returns nil when its context is cancelled and waits for
// running handlers first.
//
// # Logging and telemetry
//
// Supply a pslog logger with WithLogger (client) or WithSessionLogger
// (session). Session entries carry the session id, and handler contexts carry
// a logger tagged with the queue and want id (pslog.LoggerFromContext).
// Metrics and spans go through the global OpenTelemetry providers; see
// wantq.SetupTelemetry.
package client
