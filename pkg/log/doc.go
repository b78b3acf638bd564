/*
Package log provides structured logging for the node manager using zerolog.

A single package-level Logger is configured once by Init from the CLI flags.
Components derive child loggers that carry their context:

	hbLog := log.WithComponent("heartbeat")
	hbLog.Warn().Int("engine", 1).Str("msg", res.Msg).Msg("Status poll failed, tick discarded")

	engLog := log.WithEngine("fault", 0)
	cmdLog := log.WithCommand("fault", "PAUSE_ENGINE", id)

Every state transition, command verdict, alarm and child exit is logged with
typed fields rather than formatted strings, so log lines can be filtered by
engine index or command id.

Console output is the default; pass JSONOutput for machine-readable logs:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Key material and decrypted passwords are never logged.
*/
package log
