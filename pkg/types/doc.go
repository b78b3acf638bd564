/*
Package types defines the shared data model of the node manager.

It holds the node running state, the engine-reported service status codes,
the controller and engine command enums, the uniform engine client Result
envelope and the hardware fault report exchanged with the controller.

# Running State

The node has exactly one RunningState at a time:

	init ──▶ normal ──PAUSE_ENGINE──▶ pause ──REINIT_NPU──▶ ready ──START_ENGINE──▶ normal
	  │         │                       │                     │
	  └─────────┴───────────────────────┴─────────────────────┴──────▶ abnormal

abnormal is terminal for the lifetime of the process: the controller learns
of it through the 210 status code and the alarm, and the engines are torn
down.

# Status Codes

Engines report a ServiceStatus in their running-status reply:

	SERVICE_READY    0
	SERVICE_NORMAL   1
	SERVICE_ABNORMAL 2
	SERVICE_PAUSE    3
	SERVICE_INIT     4

# Result Envelope

Every outbound call returns a Result. Success is true only for a 2xx reply
with a decodable JSON body, which is kept verbatim in Data. Everything else
sets Success to false and explains why in Msg.

# Fault Reports

ParseFaultReport decodes the nested faultNodeInfo/faultDeviceInfo structure,
drops unknown siblings, and normalises it so that parse, encode and parse
again yields an equal value.
*/
package types
