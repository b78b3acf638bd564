// Package app wires the node manager's components into one process.
//
// New loads the TLS bundles, then builds the engine client, the heartbeat
// and fault managers, the daemon supervisor (when an engine binary is
// configured) and the HTTP servers. Run starts them and maps the way the
// process ends to an exit code: 0 for a requested shutdown, 1 when a daemon
// died on its own or the control server failed.
package app
