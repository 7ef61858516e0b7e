// Package store persists aggregated telemetry as JSON documents addressed by
// collection and document id, written through batches of structured partial
// updates.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the backing database rejects a
	// write because it ran out of a resource.
	ErrQuotaExceeded = errors.New("store quota exceeded")

	// ErrInvalidUpdate is returned for updates with an empty document
	// reference or path.
	ErrInvalidUpdate = errors.New("invalid update")
)

// DocRef addresses a single document.
type DocRef struct {
	Collection string
	ID         string
}

func (r DocRef) String() string {
	return r.Collection + "/" + r.ID
}

// Update sets Value at Path inside the document, creating intermediate
// objects as needed. Sibling fields are preserved.
type Update struct {
	Value any
	Doc   DocRef
	Path  []string
}

// Store is the durable document store used by the aggregator.
type Store interface {
	// Commit applies every update atomically.
	Commit(ctx context.Context, updates []Update) error
	// Get reads a document. The boolean is false when it does not exist.
	Get(ctx context.Context, ref DocRef) (Document, bool, error)
	Close() error
}

// Document is the decoded content of a stored document.
type Document map[string]any

// Lookup walks path through nested objects.
func (d Document) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range path {
		m, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Float looks up path and converts a numeric value to float64.
func (d Document) Float(path ...string) (float64, bool) {
	v, ok := d.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float() float64 }:
		return n.Float(), true
	default:
		return 0, false
	}
}

func validate(updates []Update) error {
	for i, u := range updates {
		if u.Doc.Collection == "" || u.Doc.ID == "" {
			return fmt.Errorf("%w: update %d has an empty document reference", ErrInvalidUpdate, i)
		}
		if len(u.Path) == 0 {
			return fmt.Errorf("%w: update %d on %s has an empty path", ErrInvalidUpdate, i, u.Doc)
		}
	}
	return nil
}

// groupByDoc returns the documents touched by updates in first-seen order.
func groupByDoc(updates []Update) ([]DocRef, map[DocRef][]Update) {
	order := make([]DocRef, 0, len(updates))
	groups := make(map[DocRef][]Update, len(updates))
	for _, u := range updates {
		if _, ok := groups[u.Doc]; !ok {
			order = append(order, u.Doc)
		}
		groups[u.Doc] = append(groups[u.Doc], u)
	}
	return order, groups
}
