package cache

import (
	"context"
	"time"
)

// SentRecorder keeps a short-lived record of dispatched scheduled messages,
// written before the entry is marked sent in the store.
type SentRecorder interface {
	StoreSent(ctx context.Context, scheduledID, remoteMessageID string, sentAt time.Time) error
	Sent(ctx context.Context, scheduledID string) (remoteMessageID string, sentAt time.Time, ok bool, err error)
}

// Deduper is a fast path in front of the message store. The store stays the
// source of truth; a miss here only costs an extra upsert.
type Deduper interface {
	Seen(ctx context.Context, tenantID, contact, providerMessageID string) (bool, error)
	MarkSeen(ctx context.Context, tenantID, contact, providerMessageID string) error
}
