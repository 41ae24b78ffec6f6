// Package queue keeps each tenant's FIFO waiting line of pending handoff request ids.
package queue

import (
	"context"
	"time"
)

// DefaultRetention bounds how long a single entry may wait in line
const DefaultRetention = time.Hour

// Manager is the Queue Manager. Positions are 1-based; 0 means not queued.
// Retention is tracked per entry from the time it was (re)queued.
type Manager interface {
	Enqueue(ctx context.Context, tenantID, requestID string) (int, error)
	// Requeue moves requestID to the back of the line, adding it if absent.
	Requeue(ctx context.Context, tenantID, requestID string) (int, error)
	Position(ctx context.Context, tenantID, requestID string) (int, error)
	// DequeueFront pops the oldest entry; ok is false when the queue is empty.
	DequeueFront(ctx context.Context, tenantID string) (requestID string, ok bool, err error)
	Peek(ctx context.Context, tenantID string) (requestID string, ok bool, err error)
	// Remove is a no-op for ids that are not queued.
	Remove(ctx context.Context, tenantID, requestID string) error
	Length(ctx context.Context, tenantID string) (int, error)
	// List returns queued ids in order, at most limit when limit > 0.
	List(ctx context.Context, tenantID string, limit int) ([]string, error)
	// Expired removes and returns, oldest first, the ids that were enqueued longer than the retention
	// window ago. Entries stay visible to every other call until they are reaped here.
	Expired(ctx context.Context, tenantID string) ([]string, error)
	// Tenants returns tenants that currently have queued work.
	Tenants(ctx context.Context) ([]string, error)
}
