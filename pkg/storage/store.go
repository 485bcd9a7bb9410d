// Package storage defines the key-addressable persistence contract the core
// depends on: create/update/read of versioned JSON records with optimistic
// concurrency checks. Two implementations ship here, an in-memory store for
// tests and single-node development and a Postgres store for deployments.
package storage

import (
	"context"
	"errors"
	"time"
)

// Kind namespaces records by entity type.
type Kind string

const (
	KindAssessment Kind = "assessment"
	KindInstance   Kind = "instance"
	KindEscalation Kind = "escalation"
	KindThreshold  Kind = "threshold"
)

// ErrNotFound is returned by Get when no record exists for (kind, id).
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when an optimistic version check fails. Callers
// reload the record and retry against the new version, bounded by
// RetryOnConflict.
var ErrConflict = errors.New("storage: version conflict")

// Record is a versioned JSON document. IndexKey is an optional secondary
// key (subject id for assessments, instance id for escalations) used by
// ListByIndex.
type Record struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	IndexKey  string    `json:"index_key,omitempty"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract. Create fails if the id already exists.
// Update succeeds only when the stored version equals rec.Version and bumps
// the version by one; a mismatch returns ErrConflict.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	ListByIndex(ctx context.Context, kind Kind, indexKey string, since time.Time) ([]Record, error)
	ListAll(ctx context.Context, kind Kind) ([]Record, error)
}

// maxConflictRetries bounds RetryOnConflict to avoid livelock between two
// writers that keep invalidating each other.
const maxConflictRetries = 5

// RetryOnConflict runs fn until it succeeds, returns a non-conflict error,
// or the retry bound is exhausted. fn must reload its record each attempt.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
