/*
Package config loads the node manager's static configuration.

Everything is read once at startup from <install>/conf:

	node_manager.json     node manager ports, heartbeat interval, TLS bundles
	config.json           the sole engine replica, or
	config-0.json ...     one file per engine replica, discovered contiguously

Files may carry // comments and trailing commas. Each engine config must
provide ServerConfig.managementPort and ServerConfig.distDPServerEnabled;
anything missing fails with ErrInvalidEngineConfig. The order of the engine
files fixes each engine's index for the life of the process.

A node has an endpoint (and therefore runs the heartbeat) when any engine
enables the distributed DP server, or when the ranktable named by
RANK_TABLE_FILE lists this pod's IP as server_list[0].

The controller IP is not configured. ControllerAddress learns it from
inbound running-status polls under one of two policies: last_writer (the
default) follows the most recent caller, sticky keeps the first one.
*/
package config
