/*
Package client is the node manager's outbound HTTP client.

It makes three calls: a fault-handling command to one engine, a
running-status poll of one engine, and an alarm to the cluster controller.
Each call returns a types.Result instead of an error. Transport errors,
timeouts, HTTP 5xx responses and undecodable bodies all come back as
Success=false with a diagnostic in Msg. Transport errors and 5xx responses
are retried up to the call's attempt limit, with a fixed backoff between
attempts; other failures are returned at once.

	| Call                | Timeout | Attempts |
	|---------------------|---------|----------|
	| SendCmdToEngine     | 90s     | 5        |
	| GetEngineStatus     | 3s      | 3        |
	| SendControllerAlarm | 3s      | 3        |

Engines are addressed as <engine ip>:<management port i>. The controller
address comes from a ControllerLocator, normally the config package's
ControllerAddress, which learns it from inbound requests. Until it is known,
alarms fail with MsgNoController.

When Config.TLS is set every call uses HTTPS with that configuration.
*/
package client
