// Package service defines the contract between entity stores and the backend
// that owns the authoritative records.
//
// A Service[T] lists, fetches, creates, updates and deletes records of one
// entity type. Stores call it without holding locks and treat every returned
// record as the confirmed server state.
//
// Implementations:
//   - kvservice: NATS JetStream KV with revision-checked writes
//   - graphqlsvc: GraphQL over HTTP
//
// Failures the user should see are reported through a Notifier.
package service

import (
	"context"

	"github.com/c360/entitysync/patch"
)

// Page selects one page of a listing. Index is zero based.
type Page struct {
	Index int `json:"page"`
	Size  int `json:"size"`
}

// Next returns the page after p.
func (p Page) Next() Page {
	return Page{Index: p.Index + 1, Size: p.Size}
}

// Offset is the index of the first item in the page.
func (p Page) Offset() int {
	return p.Index * p.Size
}

// PageResult is one page of records plus the collection size.
type PageResult[T any] struct {
	Items         []T `json:"content"`
	TotalElements int `json:"totalElements"`
}

// Service is the backend for one entity type.
type Service[T any] interface {
	List(ctx context.Context, page Page) (PageResult[T], error)
	Get(ctx context.Context, id string) (T, error)
	// Create persists a new record and returns it with its server identifier.
	Create(ctx context.Context, record T) (T, error)
	// Update persists record. ops are the field edits made since the last
	// confirmation; backends that support partial writes send only those.
	Update(ctx context.Context, record T, ops []patch.Operation) (T, error)
	Delete(ctx context.Context, id string) error
}
