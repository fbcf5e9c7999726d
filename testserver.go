package wantq

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/wantq/client"
	"pkt.systems/wantq/internal/queuetest"
)

// TestServer wraps an in-memory queue server with convenient handles for tests.
type TestServer struct {
	// Server is the in-memory backend; tests use it to inspect received wants,
	// drop connections or inject raw frames.
	Server *queuetest.Server
	// Client is a ready client for the server, unless WithoutTestClient was given.
	Client *client.Client

	http       *httptest.Server
	clientOpts []client.Option
	closeOnce  sync.Once
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

type testServerOptions struct {
	logger     pslog.Logger
	username   string
	password   string
	auth       bool
	clientOpts []client.Option
	noClient   bool
}

// TestServerOption customises StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestLogger supplies a custom logger for the server and the default client.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes logs to t at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = NewTestingLogger(t, level)
	}
}

// WithTestBasicAuth makes the server require credentials; the default client
// is configured with them.
func WithTestBasicAuth(username, password string) TestServerOption {
	return func(o *testServerOptions) {
		o.username = username
		o.password = password
		o.auth = true
	}
}

// WithTestClientOptions appends options used when constructing clients.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating TestServer.Client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.noClient = true
	}
}

// NewTestServer starts an in-memory server on a loopback listener.
func NewTestServer(opts ...TestServerOption) (*TestServer, error) {
	var options testServerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	serverOpts := []queuetest.Option{queuetest.WithLogger(options.logger)}
	if options.auth {
		serverOpts = append(serverOpts, queuetest.WithBasicAuth(options.username, options.password))
	}
	backend := queuetest.New(serverOpts...)
	ts := &TestServer{
		Server: backend,
		http:   httptest.NewServer(backend.Handler()),
	}
	if options.logger != nil {
		ts.clientOpts = append(ts.clientOpts, client.WithLogger(options.logger))
	}
	if options.auth {
		ts.clientOpts = append(ts.clientOpts, client.WithBasicAuth(options.username, options.password))
	}
	ts.clientOpts = append(ts.clientOpts, options.clientOpts...)
	if !options.noClient {
		cli, err := ts.NewClient()
		if err != nil {
			ts.Close()
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer starts a server and registers cleanup with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(ts.Close)
	return ts
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil || ts.http == nil {
		return ""
	}
	return ts.http.URL
}

// NewClient builds a client for the server. opts are applied after the
// server defaults.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	all := append(append([]client.Option(nil), ts.clientOpts...), opts...)
	return client.New(ts.URL(), all...)
}

// Close stops the server and drops all connections.
func (ts *TestServer) Close() {
	if ts == nil {
		return
	}
	ts.closeOnce.Do(func() {
		ts.Server.DropConnections()
		ts.http.Close()
	})
}
