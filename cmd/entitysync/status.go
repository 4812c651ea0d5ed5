package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/c360/entitysync/health"
	"github.com/c360/entitysync/natsclient"
)

const natsComponent = "nats"

// natsConn is the part of *natsclient.Client that /status reads.
type natsConn interface {
	Status() natsclient.ConnectionStatus
	RTT() (time.Duration, error)
	Failures() int32
	Backoff() time.Duration
}

// natsStatus reports the connection state, with the server round trip when
// connected.
func natsStatus(nc natsConn) health.Status {
	switch state := nc.Status(); state {
	case natsclient.StatusConnected:
		rtt, err := nc.RTT()
		if err != nil {
			return health.FromError(natsComponent, err, true)
		}
		return health.NewHealthy(natsComponent, fmt.Sprintf("connected, rtt %s", rtt.Round(time.Microsecond)))
	case natsclient.StatusReconnecting:
		return health.NewDegraded(natsComponent, "reconnecting")
	case natsclient.StatusCircuitOpen:
		return health.NewUnhealthy(natsComponent,
			fmt.Sprintf("circuit open after %d failures, next attempt in %s", nc.Failures(), nc.Backoff()))
	default:
		return health.NewUnhealthy(natsComponent, state.String())
	}
}

// statusHandler serves the worst of the given statuses with each one as a
// sub-status. Unhealthy answers 503.
func statusHandler(sources ...func() health.Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		subs := make([]health.Status, 0, len(sources))
		for _, source := range sources {
			subs = append(subs, source())
		}
		st := health.Aggregate("process", subs)

		code := http.StatusOK
		if st.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}
