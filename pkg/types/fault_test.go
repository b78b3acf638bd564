package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFaultReport = `{
	"faultNodeInfo": [
		{
			"nodeName": " worker-3 ",
			"faultDeviceInfo": [
				{
					"deviceId": 5,
					"deviceType": "npu",
					"faultLevel": "SeparateNPU",
					"faultCodes": ["80C98009", " 80CB8009"],
					"faultType": ["hbm"],
					"faultReason": ["ecc"],
					"vendor": "ignored"
				},
				{
					"deviceId": "7",
					"deviceType": "npu",
					"faultLevel": "RestartNPU"
				}
			]
		}
	],
	"switchFaultInfos": [{"switchId": 1}]
}`

func TestParseFaultReport(t *testing.T) {
	report, err := ParseFaultReport([]byte(sampleFaultReport))
	require.NoError(t, err)

	require.Len(t, report.FaultNodeInfo, 1)
	node := report.FaultNodeInfo[0]
	assert.Equal(t, "worker-3", node.NodeName)
	require.Len(t, node.FaultDeviceInfo, 2)

	first := node.FaultDeviceInfo[0]
	assert.Equal(t, DeviceID("5"), first.DeviceID)
	assert.Equal(t, []string{"80C98009", "80CB8009"}, first.FaultCodes)

	second := node.FaultDeviceInfo[1]
	assert.Equal(t, DeviceID("7"), second.DeviceID)
	assert.NotNil(t, second.FaultCodes)
	assert.Empty(t, second.FaultCodes)

	assert.Equal(t, 2, report.DeviceCount())
}

func TestParseFaultReportRoundTrip(t *testing.T) {
	first, err := ParseFaultReport([]byte(sampleFaultReport))
	require.NoError(t, err)

	encoded, err := json.Marshal(first)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "switchFaultInfos")
	assert.NotContains(t, string(encoded), "vendor")

	second, err := ParseFaultReport(encoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reencoded, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(reencoded))
}

func TestParseFaultReportErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "faults!"},
		{name: "missing list", body: `{"switchFaultInfos": []}`},
		{name: "null list", body: `{"faultNodeInfo": null}`},
		{name: "wrong type", body: `{"faultNodeInfo": "x"}`},
		{name: "bad device id", body: `{"faultNodeInfo": [{"faultDeviceInfo": [{"deviceId": 1.5}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFaultReport([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseFaultReportEmptyList(t *testing.T) {
	report, err := ParseFaultReport([]byte(`{"faultNodeInfo": []}`))
	require.NoError(t, err)
	assert.Equal(t, 0, report.DeviceCount())
}

func TestControllerCommandValid(t *testing.T) {
	assert.True(t, CmdPauseEngine.Valid())
	assert.True(t, CmdStopEngine.Valid())
	assert.False(t, ControllerCommand("RESTART").Valid())
	assert.False(t, ControllerCommand("").Valid())
}

func TestEngineStatusReplyHasError(t *testing.T) {
	var reply EngineStatusReply
	require.NoError(t, json.Unmarshal([]byte(`{"status": 2, "error": {"code": 7}}`), &reply))
	assert.Equal(t, ServiceAbnormal, reply.Status)
	assert.True(t, reply.HasError())

	require.NoError(t, json.Unmarshal([]byte(`{"status": 1, "error": null}`), &reply))
	assert.False(t, reply.HasError())
}

func TestEngineStatusReplyRequiresStatus(t *testing.T) {
	for _, body := range []string{`{}`, `{"unexpected": "shape"}`, `null`, `{"status": null}`} {
		var reply EngineStatusReply
		err := json.Unmarshal([]byte(body), &reply)
		assert.ErrorIs(t, err, ErrMissingStatus, body)
	}

	var reply EngineStatusReply
	require.NoError(t, json.Unmarshal([]byte(`{"status": 0}`), &reply))
	assert.Equal(t, ServiceReady, reply.Status)
}
