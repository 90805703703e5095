package api

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds the combined backend probes.
const healthTimeout = 5 * time.Second

type componentHealth struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// handleHealth probes each backend. A database failure makes the service
// unhealthy (503); valkey, vault or defense trouble only degrades it, since
// chat can limp along without them.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "ok" {
			status = "degraded"
		}
	}

	components := map[string]componentHealth{}

	latency, err := timedProbe(ctx, s.database.Ping)
	if err != nil {
		components["database"] = componentHealth{Status: "unhealthy", LatencyMS: latency, Error: err.Error()}
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		components["database"] = componentHealth{Status: "ok", LatencyMS: latency}
	}

	latency, err = timedProbe(ctx, s.valkey.Ping)
	if err != nil {
		components["valkey"] = componentHealth{Status: "degraded", LatencyMS: latency, Error: err.Error()}
		degrade()
	} else {
		components["valkey"] = componentHealth{Status: "ok", LatencyMS: latency}
	}

	latency, err = timedProbe(ctx, func(ctx context.Context) error {
		_, err := s.secrets.Get(ctx, s.jwtPath, s.jwtField)
		return err
	})
	if err != nil {
		components["vault"] = componentHealth{Status: "degraded", LatencyMS: latency, Error: err.Error()}
		degrade()
	} else {
		components["vault"] = componentHealth{Status: "ok", LatencyMS: latency}
	}

	switch {
	case s.defense == nil:
		components["injection_defense"] = componentHealth{Status: "disabled"}
	case s.defense.Degraded():
		components["injection_defense"] = componentHealth{Status: "degraded"}
		degrade()
	default:
		components["injection_defense"] = componentHealth{Status: "ok"}
	}

	writeJSON(w, httpStatus, envelope{
		Success: true,
		Data: map[string]any{
			"status":     status,
			"components": components,
		},
		Meta: meta{Timestamp: s.now().UTC()},
	})
}

func timedProbe(ctx context.Context, probe func(context.Context) error) (float64, error) {
	start := time.Now()
	err := probe(ctx)
	return float64(time.Since(start).Microseconds()) / 1000, err
}
