package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		st := deps.Mux.Status()

		fmt.Fprintf(w, "# HELP statemux_states Number of registered states.\n")
		fmt.Fprintf(w, "# TYPE statemux_states gauge\n")
		fmt.Fprintf(w, "statemux_states %d\n", len(st.States))

		fmt.Fprintf(w, "# HELP statemux_state_active Whether a state is active, by name.\n")
		fmt.Fprintf(w, "# TYPE statemux_state_active gauge\n")
		for _, name := range st.States {
			active := 0
			if st.Active && st.Current == name {
				active = 1
			}
			fmt.Fprintf(w, "statemux_state_active{state=%q} %d\n", name, active)
		}

		fmt.Fprintf(w, "# HELP statemux_switches_total Applied state switches.\n")
		fmt.Fprintf(w, "# TYPE statemux_switches_total counter\n")
		fmt.Fprintf(w, "statemux_switches_total %d\n", metrics.SwitchesTotal.Load())

		fmt.Fprintf(w, "# HELP statemux_switch_failures_total Failed state switches.\n")
		fmt.Fprintf(w, "# TYPE statemux_switch_failures_total counter\n")
		fmt.Fprintf(w, "statemux_switch_failures_total %d\n", metrics.FailuresTotal.Load())

		fmt.Fprintf(w, "# HELP statemux_switch_unchanged_total Switch requests for the already active state.\n")
		fmt.Fprintf(w, "# TYPE statemux_switch_unchanged_total counter\n")
		fmt.Fprintf(w, "statemux_switch_unchanged_total %d\n", metrics.UnchangedTotal.Load())

		fmt.Fprintf(w, "# HELP statemux_last_switch_duration_seconds Duration of the last applied switch, delays included.\n")
		fmt.Fprintf(w, "# TYPE statemux_last_switch_duration_seconds gauge\n")
		fmt.Fprintf(w, "statemux_last_switch_duration_seconds %.3f\n", float64(metrics.LastDuration.Load())/1000)

		if deps.BreakerState != nil {
			fmt.Fprintf(w, "# HELP statemux_engine_breaker Engine circuit breaker state.\n")
			fmt.Fprintf(w, "# TYPE statemux_engine_breaker gauge\n")
			fmt.Fprintf(w, "statemux_engine_breaker{state=%q} 1\n", deps.BreakerState())
		}

		if deps.Overlays != nil {
			fmt.Fprintf(w, "# HELP statemux_engine_overlays Overlays currently applied by the engine.\n")
			fmt.Fprintf(w, "# TYPE statemux_engine_overlays gauge\n")
			fmt.Fprintf(w, "statemux_engine_overlays %d\n", deps.Overlays())
		}

		fmt.Fprintf(w, "# HELP statemux_gateway_clients Connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE statemux_gateway_clients gauge\n")
		fmt.Fprintf(w, "statemux_gateway_clients %d\n", s.ClientCount())

		fmt.Fprintf(w, "# HELP statemux_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE statemux_uptime_seconds gauge\n")
		fmt.Fprintf(w, "statemux_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	}
}
