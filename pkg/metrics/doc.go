/*
Package metrics provides Prometheus metrics and component health for the node
manager.

Every collector is a package-level variable registered with the default
registry in init, so any package can record into it without wiring. The
operations endpoint serves them with promhttp next to /health and /ready.

# Metrics Catalog

State:

	nhm_running_state{state}                 1 for the active state, 0 otherwise
	nhm_heartbeat_ticks_total{derived}       ticks by derived state, or "discarded"
	nhm_heartbeat_duration_seconds           time to poll every engine once
	nhm_engine_status{engine}                last status code per engine

Commands and alarms:

	nhm_commands_total{cmd, outcome}         accepted, rejected, succeeded, failed
	nhm_command_duration_seconds{cmd}
	nhm_alarms_total{result}

Outbound calls (send_cmd_to_engine, get_engine_status, send_controller_alarm):

	nhm_engine_requests_total{call, result}
	nhm_engine_request_duration_seconds{call}  retries included

Control API:

	nhm_api_requests_total{route, status}
	nhm_api_request_duration_seconds{route}

Daemons and events:

	nhm_daemon_children                      live engine daemons
	nhm_daemon_exits_total{kind}             normal, code, signal
	nhm_events_dropped                       events lost to a full broker queue

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommandDuration, string(cmd))

# Health

Components report with UpdateComponent. /health is 503 when any reported
component is unhealthy. /ready additionally requires heartbeat, daemon and
api to have reported at least once.

The Collector refreshes nhm_running_state as state.changed events arrive and
resamples every 15 seconds in case an event was dropped.
*/
package metrics
