// Package entitysync keeps client-side copies of CRM records consistent
// with a backend while letting callers edit them optimistically.
//
// # Layers
//
// The module is built bottom-up:
//
//   - patch: path-addressed changes (Set and Unset) applied to records
//     as JSON, plus the Operation log entries they produce.
//   - entity: one Store per record. Update applies patches locally at once,
//     then commits them through a Service; a failed commit rolls the record
//     back to the last confirmed state.
//   - group: one Store per collection. It bootstraps pages from the
//     Service, indexes entity stores by id, creates records under temporary
//     ids and applies pushed sync events.
//   - syncchannel: the wire Event (APPEND, UPDATE, DELETE, INVALIDATE) and the Adapter
//     that feeds decoded events from a Transport into a group.
//   - root: the composition root holding one group per CRM entity type,
//     each bound to the channel <prefix>.<tenant>.<Entity>.
//
// # Backends and Transports
//
// A Service is the backend for one entity type. service/kvservice keeps
// records in a NATS JetStream KV bucket and uses KV revisions for
// compare-and-set updates. service/graphqlsvc talks to a GraphQL endpoint.
//
// Sync events travel over transport.NATS, a WebSocket client
// (transport.WebSocket) with automatic reconnect, or the in-process
// transport.Bus used by tests. transport.Hub serves the same frames to
// WebSocket clients.
//
// # Running
//
// cmd/entitysync wires everything from a config file:
//
//	entitysync --config=configs/entitysync.yaml
//
// It exposes Prometheus metrics, /health and a per-store /status breakdown
// on the metrics address.
//
// # Testing
//
// Unit tests run against in-memory services and transport.Bus. Tests that
// need a real NATS server start one with testcontainers and are tagged
// integration:
//
//	go test ./...
//	go test -tags=integration ./...
package entitysync
