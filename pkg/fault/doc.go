// Package fault executes the controller's recovery commands against the
// local engines.
//
// PAUSE_ENGINE (normal -> pause) and START_ENGINE (ready -> normal) run
// synchronously. REINIT_NPU (pause -> ready) is acknowledged as soon as the
// guard accepts it and runs in the background. STOP_ENGINE terminates every
// daemon and never touches state. A command that any engine fails leaves the
// node abnormal and is answered with "i:reason, j:reason".
package fault
