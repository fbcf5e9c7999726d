package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wantq"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/client"
)

const testQueueID = "0d1f6a5e-3c8b-4b8e-9a51-6f2d0c7e9b11"

func TestNewValidatesBaseURL(t *testing.T) {
	cases := []string{"", "   ", "ftp://example.com", "http://", "::bad"}
	for _, raw := range cases {
		if _, err := client.New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	cli, err := client.New("http://localhost:8080/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != "http://localhost:8080" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
}

func TestQueueLifecycle(t *testing.T) {
	ts := wantq.StartTestServer(t, wantq.WithTestLoggerFromTB(t, pslog.DebugLevel))
	ctx := context.Background()
	cli := ts.Client

	generated, err := cli.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(generated) != 36 {
		t.Fatalf("expected 36 character id, got %q", generated)
	}
	named, err := cli.Create(ctx, testQueueID)
	if err != nil {
		t.Fatalf("create named: %v", err)
	}
	if named != testQueueID {
		t.Fatalf("expected %q, got %q", testQueueID, named)
	}
	ids, err := cli.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != generated || ids[1] != named {
		t.Fatalf("unexpected list %v", ids)
	}
	info, err := cli.Info(ctx, named)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Name != named {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := cli.Delete(ctx, named); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = cli.Info(ctx, named)
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 protocol error after delete, got %v", err)
	}
	if _, err := cli.Create(ctx, "short"); err == nil {
		t.Fatal("expected invalid queue id error")
	} else if !errors.As(err, &protoErr) || protoErr.Message != "invalid queue id" {
		t.Fatalf("unexpected create error %v", err)
	}
}

func TestPutTakePeek(t *testing.T) {
	ts := wantq.StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client
	queue, err := cli.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok, err := cli.Take(ctx, queue); err != nil || ok {
		t.Fatalf("empty take: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cli.Peek(ctx, queue); err != nil || ok {
		t.Fatalf("empty peek: ok=%v err=%v", ok, err)
	}

	if err := cli.Put(ctx, queue, "plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cli.Put(ctx, queue, "keyed", client.WithItemKey("Color")); err != nil {
		t.Fatalf("put keyed: %v", err)
	}

	item, ok, err := cli.Peek(ctx, queue, client.WithItemKey("color"))
	if err != nil || !ok {
		t.Fatalf("peek keyed: ok=%v err=%v", ok, err)
	}
	if key, _ := item.KeyString(); key != "Color" || item.Value != "keyed" {
		t.Fatalf("unexpected peeked item %+v", item)
	}
	if n := ts.Server.Len(queue); n != 2 {
		t.Fatalf("peek must not remove, len=%d", n)
	}

	item, ok, err = cli.Take(ctx, queue)
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	if item.Key != nil || item.Value != "plain" {
		t.Fatalf("unexpected item %+v", item)
	}
	item, ok, err = cli.Take(ctx, queue, client.WithItemKey("COLOR"))
	if err != nil || !ok || item.Value != "keyed" {
		t.Fatalf("take keyed: item=%+v ok=%v err=%v", item, ok, err)
	}
	if _, ok, err := cli.Take(ctx, queue); err != nil || ok {
		t.Fatalf("drained take: ok=%v err=%v", ok, err)
	}

	err = cli.Put(ctx, testQueueID, "nowhere")
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Message != "queue does not exist" {
		t.Fatalf("expected missing queue error, got %v", err)
	}
}

func TestInfoFailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":false,"message":"queue not found"}`)
	}))
	defer srv.Close()
	cli, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	info, err := cli.Info(context.Background(), testQueueID)
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protoErr.Message != "queue not found" {
		t.Fatalf("unexpected message %q", protoErr.Message)
	}
	if info != (api.QueueInfo{}) {
		t.Fatalf("expected no payload, got %+v", info)
	}
}

func TestRequestsUseFormBody(t *testing.T) {
	type seen struct {
		method      string
		path        string
		contentType string
		userAgent   string
		form        url.Values
	}
	var mu sync.Mutex
	var requests []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		mu.Lock()
		requests = append(requests, seen{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			userAgent:   r.Header.Get("User-Agent"),
			form:        form,
		})
		mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"message":null,"payload":{"name":"`+form.Get("name")+`"}}`)
	}))
	defer srv.Close()
	cli, err := client.New(srv.URL, client.WithUserAgent("tester/1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if _, err := cli.Info(ctx, testQueueID); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := cli.Put(ctx, testQueueID, "v", client.WithItemKey("k")); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	info := requests[0]
	if info.method != http.MethodGet || info.path != "/queue" || info.form.Get("name") != testQueueID {
		t.Fatalf("unexpected info request %+v", info)
	}
	if info.contentType != "application/x-www-form-urlencoded" || info.userAgent != "tester/1" {
		t.Fatalf("unexpected headers %+v", info)
	}
	put := requests[1]
	if put.method != http.MethodPost || put.path != "/put" {
		t.Fatalf("unexpected put request %+v", put)
	}
	if put.form.Get("value") != "v" || put.form.Get("key") != "k" {
		t.Fatalf("unexpected put form %v", put.form)
	}
}

func TestNonEnvelopeErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()
	cli, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.List(context.Background())
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 protocol error, got %v", err)
	}
	if !strings.Contains(protoErr.Message, "upstream exploded") {
		t.Fatalf("unexpected message %q", protoErr.Message)
	}
}

func TestBasicAuth(t *testing.T) {
	ts := wantq.StartTestServer(t, wantq.WithTestBasicAuth("alice", "s3cret"))
	ctx := context.Background()
	if _, err := ts.Client.List(ctx); err != nil {
		t.Fatalf("authorized list: %v", err)
	}

	anon, err := client.New(ts.URL())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = anon.List(ctx)
	var protoErr *api.ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Status != http.StatusUnauthorized || protoErr.Message != "authentication required" {
		t.Fatalf("expected 401, got %v", err)
	}

	wrong, err := client.New(ts.URL(), client.WithBasicAuth("alice", "nope"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = wrong.List(ctx)
	if !errors.As(err, &protoErr) || protoErr.Status != http.StatusForbidden || protoErr.Message != "authentication failed" {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestQueueHandleCache(t *testing.T) {
	ts := wantq.StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client
	id, err := cli.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	q1, err := cli.Queue(ctx, id)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	q2, err := cli.Queue(ctx, id)
	if err != nil {
		t.Fatalf("queue again: %v", err)
	}
	if q1 != q2 {
		t.Fatal("expected cached handle")
	}
	if err := q1.Put(ctx, "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	item, ok, err := q2.Take(ctx)
	if err != nil || !ok || item.Value != "hello" {
		t.Fatalf("take: item=%+v ok=%v err=%v", item, ok, err)
	}
	if err := q1.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cli.Queue(ctx, id); err == nil {
		t.Fatal("expected error for deleted queue")
	}
	if _, err := cli.Queue(ctx, testQueueID); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestSessionConsumesOverWebSocket(t *testing.T) {
	ts := wantq.StartTestServer(t, wantq.WithTestBasicAuth("bob", "pw"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cli := ts.Client
	id, err := cli.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	queue, err := cli.Queue(ctx, id)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	session, err := cli.NewSession(client.WithReconnectPolicy(client.ReconnectPolicy{
		ImmediateRetries: 100,
	}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	anyItems := make(chan api.Item, 8)
	keyedItems := make(chan api.Item, 8)
	if _, err := queue.Register(session, client.HandlerFunc(func(_ context.Context, item api.Item) error {
		anyItems <- item
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := queue.Register(session, client.HandlerFunc(func(_ context.Context, item api.Item) error {
		keyedItems <- item
		return nil
	}), client.WithKey("k2")); err != nil {
		t.Fatalf("register keyed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	waitFor(t, func() bool { return ts.Server.Waiting(id) == 2 }, "two wants on the server")

	if err := queue.Put(ctx, "keyed", client.WithItemKey("k2")); err != nil {
		t.Fatalf("put keyed: %v", err)
	}
	first := receive(t, anyItems, keyedItems)
	if first.Value != "keyed" {
		t.Fatalf("unexpected first item %+v", first)
	}
	waitFor(t, func() bool { return ts.Server.Waiting(id) == 2 }, "want renewed")

	if err := queue.Put(ctx, "plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case item := <-anyItems:
		if item.Value != "plain" || item.Key != nil {
			t.Fatalf("unexpected item %+v", item)
		}
	case item := <-keyedItems:
		t.Fatalf("keyed handler received unkeyed item %+v", item)
	case <-time.After(2 * time.Second):
		t.Fatal("unkeyed item not delivered")
	}

	// Drop the connection; the session reconnects and re-announces both wants.
	wantsBefore := len(ts.Server.Wants())
	ts.Server.DropConnections()
	waitFor(t, func() bool { return len(ts.Server.Wants()) >= wantsBefore+2 }, "wants re-announced")
	waitFor(t, func() bool { return ts.Server.Waiting(id) == 2 }, "wants waiting after reconnect")
	if err := queue.Put(ctx, "after-reconnect"); err != nil {
		t.Fatalf("put after reconnect: %v", err)
	}
	select {
	case item := <-anyItems:
		if item.Value != "after-reconnect" {
			t.Fatalf("unexpected item %+v", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("item not delivered after reconnect")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	if stats := session.Stats(); stats.Connections < 2 {
		t.Fatalf("expected reconnect, stats %+v", stats)
	}
}

func TestSessionHandshakeRejectedWithoutCredentials(t *testing.T) {
	ts := wantq.StartTestServer(t, wantq.WithTestBasicAuth("bob", "pw"), wantq.WithoutTestClient())
	cli, err := ts.NewClient(client.WithBasicAuth("bob", "wrong"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	session, err := cli.NewSession(client.WithReconnectPolicy(client.ReconnectPolicy{Disabled: true}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	err = session.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected handshake failure with 403, got %v", err)
	}
}

func receive(t *testing.T, chans ...chan api.Item) api.Item {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, ch := range chans {
			select {
			case item := <-ch:
				return item
			default:
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for item")
		case <-time.After(time.Millisecond):
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
