// Package entity provides the per-record optimistic store.
//
// # Overview
//
// A Store[T] holds one record in three forms:
//   - the visible value, which includes every local edit
//   - the confirmed value, the last record the server returned
//   - the operation history since that confirmation (bounded, oldest dropped)
//
// Update applies field-path patches to a draft, validates the draft against
// the schema's JSON Schema and publishes it immediately. By default the edit
// is committed through the Service; LocalOnly edits ride along with the next
// commit.
//
// # Commit and Rollback
//
// Commit sends the visible record. A successful response replaces the
// confirmed value and clears the history. A failure reverts the visible
// value to the confirmed one, which undoes local-only and persisted edits
// alike, sets Err and reports the failure to the Notifier. The store stays
// usable.
//
// # Remote Pushes
//
// ApplyRemote accepts a record pushed by the server. Records whose revision
// is lower than the confirmed one are ignored. Otherwise the push becomes the
// confirmed value and unconfirmed edits are replayed on top of it, so an edit
// survives until its own commit resolves and the server response wins.
//
// # Concurrency
//
// All methods are safe for concurrent use. Service calls never run under the
// store lock and OnChange listeners are invoked after it is released.
//
// # Example Usage
//
//	store, err := entity.New(domain.FlowSchema(), flows, flow,
//		entity.WithNotifier(notifier))
//
//	// Optimistic rename, committed immediately
//	err = store.Update(ctx, []patch.Patch{patch.Set("name", "Onboarding")})
//
//	// Typing in a field: commit once the user pauses
//	err = store.UpdateDebounced([]patch.Patch{patch.Set("description", text)}, 500*time.Millisecond)
package entity
