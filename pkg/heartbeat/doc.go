/*
Package heartbeat owns the node's running state and polls the local engines.

The Manager holds the state (init, normal, ready, pause or abnormal), the
heartbeatCheckAllowed flag, the command-in-flight guard and the escalation
latch, all behind one mutex. The fault package drives state through
BeginCommand, CompleteCommand and FailCommand. The control server reads it
with State.

Every tick fans out one status poll per engine and waits for all of them.
The tick is discarded while a command has paused checks, while the node is
paused, or when any poll failed. A poll that overlapped the start or end of a
command is dropped as well. Otherwise the statuses are aggregated:

	any READY or PAUSE          -> abnormal
	any ABNORMAL                -> abnormal
	all NORMAL or INIT          -> init if any INIT, else normal
	anything else               -> abnormal

Abnormal is terminal for the life of the process. The first time the node
becomes abnormal with checks allowed, Escalate sends one alarm to the
controller and then terminates every engine daemon. Later ticks and calls are
no-ops.
*/
package heartbeat
