package client_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"pkt.systems/wantq"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/client"
)

func ExampleClient_Take() {
	ts, err := wantq.NewTestServer()
	if err != nil {
		log.Fatal(err)
	}
	defer ts.Close()
	ctx := context.Background()
	cli := ts.Client

	id, err := cli.Create(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	if err := cli.Put(ctx, id, "first"); err != nil {
		log.Fatal(err)
	}
	item, ok, err := cli.Take(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(ok, item.Value)
	_, ok, err = cli.Take(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(ok)
	// Output:
	// true first
	// false
}

func ExampleSession_Run() {
	ts, err := wantq.NewTestServer()
	if err != nil {
		log.Fatal(err)
	}
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli := ts.Client

	id, err := cli.Create(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	session, err := cli.NewSession()
	if err != nil {
		log.Fatal(err)
	}
	received := make(chan string, 1)
	if _, err := session.RegisterFunc(id, func(_ context.Context, item api.Item) error {
		received <- item.Value
		return nil
	}); err != nil {
		log.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	if err := cli.Put(ctx, id, "hello"); err != nil {
		log.Fatal(err)
	}
	fmt.Println(<-received)
	cancel()
	if err := <-done; err != nil {
		log.Fatal(err)
	}
	// Output: hello
}

func ExampleWithItemKey() {
	ts, err := wantq.NewTestServer()
	if err != nil {
		log.Fatal(err)
	}
	defer ts.Close()
	ctx := context.Background()
	cli := ts.Client

	id, err := cli.Create(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	_ = cli.Put(ctx, id, "unkeyed")
	_ = cli.Put(ctx, id, "for-orders", client.WithItemKey("orders"))
	item, ok, err := cli.Peek(ctx, id, client.WithItemKey("ORDERS"))
	if err != nil {
		log.Fatal(err)
	}
	key, _ := item.KeyString()
	fmt.Println(ok, key, item.Value)
	// Output: true orders for-orders
}
