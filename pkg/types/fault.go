package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingFaultNodeInfo is returned when a hardware fault report lacks its top-level list
var ErrMissingFaultNodeInfo = errors.New("missing faultNodeInfo")

// FaultReport is a hardware fault notification pushed by the controller.
// Sibling fields such as switchFaultInfos are dropped on parse.
type FaultReport struct {
	FaultNodeInfo []FaultNode `json:"faultNodeInfo"`
}

// FaultNode groups the faulty devices of one node
type FaultNode struct {
	NodeName        string        `json:"nodeName,omitempty"`
	NodeIP          string        `json:"nodeIP,omitempty"`
	FaultDeviceInfo []FaultDevice `json:"faultDeviceInfo"`
}

// FaultDevice describes the faults raised by one device
type FaultDevice struct {
	DeviceID    DeviceID `json:"deviceId"`
	DeviceType  string   `json:"deviceType"`
	FaultLevel  string   `json:"faultLevel"`
	FaultCodes  []string `json:"faultCodes"`
	FaultType   []string `json:"faultType"`
	FaultReason []string `json:"faultReason"`
}

// DeviceID accepts either a JSON number or a JSON string and is always emitted as a string
type DeviceID string

// UnmarshalJSON implements json.Unmarshaler
func (d *DeviceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*d = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = DeviceID(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id %s", data)
	}
	*d = DeviceID(strconv.FormatInt(n, 10))
	return nil
}

// ParseFaultReport decodes and normalises a hardware fault report
func ParseFaultReport(data []byte) (*FaultReport, error) {
	var probe struct {
		FaultNodeInfo json.RawMessage `json:"faultNodeInfo"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid fault report: %w", err)
	}
	if len(probe.FaultNodeInfo) == 0 || string(probe.FaultNodeInfo) == "null" {
		return nil, ErrMissingFaultNodeInfo
	}

	var report FaultReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid fault report: %w", err)
	}
	report.Normalize()
	return &report, nil
}

// Normalize trims string fields and replaces nil lists with empty ones so that
// a parsed report re-encodes identically.
func (r *FaultReport) Normalize() {
	if r.FaultNodeInfo == nil {
		r.FaultNodeInfo = []FaultNode{}
	}
	for i := range r.FaultNodeInfo {
		node := &r.FaultNodeInfo[i]
		node.NodeName = strings.TrimSpace(node.NodeName)
		node.NodeIP = strings.TrimSpace(node.NodeIP)
		if node.FaultDeviceInfo == nil {
			node.FaultDeviceInfo = []FaultDevice{}
		}
		for j := range node.FaultDeviceInfo {
			dev := &node.FaultDeviceInfo[j]
			dev.DeviceType = strings.TrimSpace(dev.DeviceType)
			dev.FaultLevel = strings.TrimSpace(dev.FaultLevel)
			dev.FaultCodes = normalizeList(dev.FaultCodes)
			dev.FaultType = normalizeList(dev.FaultType)
			dev.FaultReason = normalizeList(dev.FaultReason)
		}
	}
}

// DeviceCount returns the number of faulty devices across all nodes
func (r *FaultReport) DeviceCount() int {
	n := 0
	for _, node := range r.FaultNodeInfo {
		n += len(node.FaultDeviceInfo)
	}
	return n
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
