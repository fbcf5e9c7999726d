package client

import (
	"context"

	"pkt.systems/wantq/api"
)

// Queue is a handle bound to one queue identifier. Obtain it with
// Client.Queue.
type Queue struct {
	client *Client
	id     string
}

// ID returns the queue identifier.
func (q *Queue) ID() string { return q.id }

// Verify checks that the queue still exists.
func (q *Queue) Verify(ctx context.Context) error {
	_, err := q.client.Info(ctx, q.id)
	return err
}

// Info returns queue metadata.
func (q *Queue) Info(ctx context.Context) (api.QueueInfo, error) {
	return q.client.Info(ctx, q.id)
}

// Put stores value on the queue.
func (q *Queue) Put(ctx context.Context, value string, opts ...ItemOption) error {
	return q.client.Put(ctx, q.id, value, opts...)
}

// Take removes and returns the next item; ok is false when none is available.
func (q *Queue) Take(ctx context.Context, opts ...ItemOption) (api.Item, bool, error) {
	return q.client.Take(ctx, q.id, opts...)
}

// Peek returns the next item without removing it; ok is false when none is available.
func (q *Queue) Peek(ctx context.Context, opts ...ItemOption) (api.Item, bool, error) {
	return q.client.Peek(ctx, q.id, opts...)
}

// Delete removes the queue. The handle must not be used afterwards.
func (q *Queue) Delete(ctx context.Context) error {
	return q.client.Delete(ctx, q.id)
}

// Register adds a handler for this queue to session.
func (q *Queue) Register(session *Session, handler Handler, opts ...WantOption) (*Registration, error) {
	return session.Register(q.id, handler, opts...)
}
