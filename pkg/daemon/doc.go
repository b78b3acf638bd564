/*
Package daemon supervises the engine daemons of one node.

Start spawns one daemon per replica with MIES_CONFIG_FILE and
MIES_ENGINE_ROLE in its environment. Every daemon joins a single process
group led by the first one, so the group can be signalled as a whole.

Replicas can be pinned to CPU cores. Planner computes the cpulists:

	equal  [0, total-2) split into equal contiguous slices
	numa   the cores of the NUMA node behind each NPU, minus the last two;
	       a node shared by several replicas is split in half and every
	       replica after the first takes the upper half

The reaper sweeps with a non-blocking wait4 on SIGCHLD and on a timer. A
daemon that exits with a non-zero code or a signal while the manager is not
shutting down takes the whole group down, and Done then delivers exit code 1.

TerminateAll sends SIGTERM to the group, waits for the daemons to be reaped
or for the grace period to run out, and then sends SIGKILL. Only the first
call does anything.
*/
package daemon
