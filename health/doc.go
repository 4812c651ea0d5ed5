// Package health describes the health of the sync stores.
//
// Each group store reports a Status: healthy once bootstrapped, degraded
// while it serves data but its last load failed, unhealthy before its first
// successful bootstrap. Aggregate folds the per-store statuses into one for
// the process, taking the worst:
//
//	status := health.Aggregate("entitysync", []health.Status{
//		health.NewHealthy("Flows", "bootstrapped"),
//		health.FromError("Users", err, false),
//	})
//	if status.IsUnhealthy() {
//		// report 503
//	}
//
// Error messages are sanitized before they reach a Status, so URLs, file
// paths, IP addresses and credentials never appear in health output.
package health
