/*
Package api serves the node manager's controller-facing HTTP endpoints.

	GET  /v1/node-manager/running-status         200 {"status"}, 210 when abnormal
	POST /v1/node-manager/fault-handling-command 200 {} or 400 {"Message"}
	POST /v1/node-manager/hardware-fault-info    200 {} or 400 {"Message"}

Any other method on these paths gets 405. Request bodies are capped at 1 MiB.

Each running-status poll offers its caller IP, the first X-Forwarded-For hop
or the peer address, to the controller address tracker. That is how the
node learns where to send alarms.

The listener sets SO_REUSEADDR so a restarted manager can rebind while old
connections sit in TIME_WAIT. With TLS enabled the server requires and
verifies client certificates.

HealthServer exposes /metrics, /health and /ready on a separate port so the
controller port carries only the three routes above.
*/
package api
