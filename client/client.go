package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/internal/loggingutil"
	"pkt.systems/wantq/internal/version"
)

const (
	// DefaultHTTPTimeout bounds each request issued by the Client.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultMaxResponseSize caps how much of a response body is read.
	DefaultMaxResponseSize int64 = 32 << 20
)

// Client issues request/response calls against a queue server and creates
// Sessions for continuous consumption.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	userAgent   string
	username    string
	password    string
	basicAuth   bool
	baseLogger  pslog.Logger
	logger      pslog.Logger

	queuesMu sync.Mutex
	queues   map[string]*Queue
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. The default client wraps
// http.DefaultTransport with OpenTelemetry instrumentation.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to a disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.baseLogger = loggingutil.EnsureLogger(logger)
	}
}

// WithBasicAuth sends credentials on every request and on the persistent
// connection handshake.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
		c.basicAuth = true
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates a client targeting baseURL (e.g. http://localhost:8080).
//
//	cli, err := client.New("http://localhost:8080", client.WithBasicAuth("user", "secret"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	queue, _ := cli.Create(ctx, "")
//	_ = cli.Put(ctx, queue, "hello")
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("wantq: baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wantq: parse baseURL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("wantq: unsupported scheme %q (want http or https)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("wantq: baseURL %q has no host", baseURL)
	}
	c := &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		httpTimeout: DefaultHTTPTimeout,
		userAgent:   "wantq-go/" + version.Current(),
		baseLogger:  loggingutil.NoopLogger(),
		queues:      make(map[string]*Queue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.logger = loggingutil.WithSubsystem(c.baseLogger, "client.http")
	return c, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ItemOption customises put, take and peek.
type ItemOption func(*itemOptions)

type itemOptions struct {
	key *string
}

// WithItemKey scopes put, take or peek to key.
func WithItemKey(key string) ItemOption {
	return func(o *itemOptions) {
		o.key = api.Key(key)
	}
}

func applyItemOptions(opts []ItemOption) itemOptions {
	var o itemOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Create creates a queue and returns its identifier. name may be empty to
// let the server assign one.
func (c *Client) Create(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	if name = strings.TrimSpace(name); name != "" {
		params.Set("name", name)
	}
	var id string
	if err := c.do(ctx, http.MethodPost, "/queues", params, &id); err != nil {
		return "", err
	}
	c.logDebugCtx(ctx, "client.queue.created", "queue", id)
	return id, nil
}

// List returns the identifiers of every queue on the server.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Put stores value on queue.
func (c *Client) Put(ctx context.Context, queue, value string, opts ...ItemOption) error {
	o := applyItemOptions(opts)
	params := queueParams(queue, o.key)
	params.Set("value", value)
	return c.do(ctx, http.MethodPost, "/put", params, nil)
}

// Take removes and returns the next item. ok is false when the queue has no
// matching item.
func (c *Client) Take(ctx context.Context, queue string, opts ...ItemOption) (item api.Item, ok bool, err error) {
	return c.fetchItem(ctx, "/take", queue, opts)
}

// Peek returns the next item without removing it. ok is false when the queue
// has no matching item.
func (c *Client) Peek(ctx context.Context, queue string, opts ...ItemOption) (item api.Item, ok bool, err error) {
	return c.fetchItem(ctx, "/peek", queue, opts)
}

func (c *Client) fetchItem(ctx context.Context, path, queue string, opts []ItemOption) (api.Item, bool, error) {
	o := applyItemOptions(opts)
	var item api.Item
	err := c.do(ctx, http.MethodPost, path, queueParams(queue, o.key), &item)
	if err != nil {
		if isNoItem(err) {
			return api.Item{}, false, nil
		}
		return api.Item{}, false, err
	}
	return item, true, nil
}

// Info returns queue metadata.
func (c *Client) Info(ctx context.Context, queue string) (api.QueueInfo, error) {
	var info api.QueueInfo
	if err := c.do(ctx, http.MethodGet, "/queue", queueParams(queue, nil), &info); err != nil {
		return api.QueueInfo{}, err
	}
	return info, nil
}

// Delete removes queue and forgets any cached handle for it.
func (c *Client) Delete(ctx context.Context, queue string) error {
	if err := c.do(ctx, http.MethodDelete, "/queue", queueParams(queue, nil), nil); err != nil {
		return err
	}
	c.queuesMu.Lock()
	delete(c.queues, queue)
	c.queuesMu.Unlock()
	return nil
}

// Queue returns a verified handle for id. Handles are cached per client; the
// first call for an id checks that the queue exists.
func (c *Client) Queue(ctx context.Context, id string) (*Queue, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("wantq: queue id required")
	}
	c.queuesMu.Lock()
	q, ok := c.queues[id]
	c.queuesMu.Unlock()
	if ok {
		return q, nil
	}
	q = &Queue{client: c, id: id}
	if err := q.Verify(ctx); err != nil {
		return nil, err
	}
	c.queuesMu.Lock()
	if existing, ok := c.queues[id]; ok {
		q = existing
	} else {
		c.queues[id] = q
	}
	c.queuesMu.Unlock()
	return q, nil
}

// NewSession creates a Session connected over WebSocket to this server,
// reusing the client's credentials, user agent and logger unless overridden.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	o := applySessionOptions(opts)
	if o.logger == nil {
		o.logger = c.baseLogger
	}
	if o.dial == nil {
		wsURL, err := WebSocketURL(c.baseURL)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("User-Agent", c.userAgent)
		if c.basicAuth {
			header.Set("Authorization", basicAuthHeader(c.username, c.password))
		}
		o.dial = WebSocketDialer{
			URL:              wsURL,
			Header:           header,
			MaxMessageSize:   o.maxMessageSize,
			HandshakeTimeout: o.handshakeTimeout,
			WriteTimeout:     o.writeTimeout,
		}.Dial
	}
	return newSession(o)
}

func queueParams(queue string, key *string) url.Values {
	params := url.Values{}
	params.Set("name", queue)
	if key != nil {
		params.Set("key", *key)
	}
	return params
}

func isNoItem(err error) bool {
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) {
		return false
	}
	return protoErr.Status == http.StatusNotFound && strings.HasPrefix(protoErr.Message, "no item")
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

// do sends params as a form-encoded body and decodes the envelope payload
// into out. Failure envelopes become *api.ProtocolError carrying the HTTP status.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	c.logTraceCtx(ctx, "client.http.request.start", "method", method, "path", path)
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	var body io.Reader
	if encoded := params.Encode(); encoded != "" {
		body = strings.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("wantq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.basicAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logErrorCtx(ctx, "client.http.transport_error", "method", method, "path", path, "error", err)
		return fmt.Errorf("wantq: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxResponseSize))
	if err != nil {
		return fmt.Errorf("wantq: %s %s: read body: %w", method, path, err)
	}

	env, err := api.DecodeEnvelope(data)
	if err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			c.logWarnCtx(ctx, "client.http.error", "method", method, "path", path, "status", resp.StatusCode)
			msg := strings.TrimSpace(string(data))
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return &api.ProtocolError{Message: msg, Status: resp.StatusCode}
		}
		return fmt.Errorf("wantq: %s %s: %w", method, path, err)
	}
	if !env.Success {
		c.logDebugCtx(ctx, "client.http.failure", "method", method, "path", path, "status", resp.StatusCode, "message", env.Message())
		return &api.ProtocolError{Message: env.Message(), Status: resp.StatusCode}
	}
	if err := env.DecodePayload(out); err != nil {
		return fmt.Errorf("wantq: %s %s: %w", method, path, err)
	}
	c.logTraceCtx(ctx, "client.http.request.success", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}

func hasKey(keyvals []any, target string) bool {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == target {
			return true
		}
	}
	return false
}

// enrichKeyvals tags calls made from inside a handler with the want id.
func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	id := WantIDFromContext(ctx)
	if id == "" || hasKey(keyvals, "want_id") {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "want_id", id)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Error(msg, c.enrichKeyvals(ctx, keyvals)...)
}
