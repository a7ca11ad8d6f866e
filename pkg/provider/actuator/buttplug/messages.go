package buttplug

import (
	"encoding/json"
	"fmt"
)

// messageVersion is the Buttplug message spec version this client speaks.
const messageVersion = 1

// ServerError is an Error message returned by the server.
type ServerError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *ServerError) Error() string {
	return fmt.Sprintf("buttplug: server error %d (%s): %s", e.Code, errorCodeName(e.Code), e.Message)
}

// errorCodeName maps protocol error codes to names.
func errorCodeName(code int) string {
	switch code {
	case 0:
		return "unknown"
	case 1:
		return "init"
	case 2:
		return "ping"
	case 3:
		return "message"
	case 4:
		return "device"
	default:
		return "unrecognised"
	}
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

// msgID carries the message id every client request includes.
type msgID struct {
	ID uint32 `json:"Id"`
}

func (m *msgID) setID(id uint32) { m.ID = id }

// request is an outgoing message whose id is assigned at send time.
type request interface {
	setID(uint32)
}

type requestServerInfo struct {
	msgID
	ClientName     string `json:"ClientName"`
	MessageVersion int    `json:"MessageVersion"`
}

type emptyRequest struct {
	msgID
}

type speed struct {
	Index int     `json:"Index"`
	Speed float64 `json:"Speed"`
}

type vibrateCmd struct {
	msgID
	DeviceIndex int     `json:"DeviceIndex"`
	Speeds      []speed `json:"Speeds"`
}

type stopDeviceCmd struct {
	msgID
	DeviceIndex int `json:"DeviceIndex"`
}

// encode wraps msg in the protocol's array-of-single-key-objects framing.
func encode(name string, msg request) ([]byte, error) {
	return json.Marshal([]map[string]request{{name: msg}})
}

// ── Incoming messages ─────────────────────────────────────────────────────────

// inbound is one decoded server message.
type inbound struct {
	Name    string
	ID      uint32
	Payload json.RawMessage
}

type serverInfo struct {
	ServerName     string `json:"ServerName"`
	MessageVersion int    `json:"MessageVersion"`
	MaxPingTime    int    `json:"MaxPingTime"`
}

type errorMsg struct {
	ErrorMessage string `json:"ErrorMessage"`
	ErrorCode    int    `json:"ErrorCode"`
}

type deviceInfo struct {
	DeviceName     string                     `json:"DeviceName"`
	DeviceIndex    int                        `json:"DeviceIndex"`
	DeviceMessages map[string]json.RawMessage `json:"DeviceMessages"`
}

type deviceList struct {
	Devices []deviceInfo `json:"Devices"`
}

type deviceRemoved struct {
	DeviceIndex int `json:"DeviceIndex"`
}

type featureCount struct {
	FeatureCount int `json:"FeatureCount"`
}

// motors returns the VibrateCmd feature count, or 0 when the device does not
// advertise VibrateCmd attributes.
func (d deviceInfo) motors() int {
	raw, ok := d.DeviceMessages["VibrateCmd"]
	if !ok {
		return 0
	}
	var fc featureCount
	if err := json.Unmarshal(raw, &fc); err != nil {
		return 0
	}
	return fc.FeatureCount
}

// canVibrate reports whether the device accepts VibrateCmd.
func (d deviceInfo) canVibrate() bool {
	_, ok := d.DeviceMessages["VibrateCmd"]
	return ok
}

// decode splits a server frame into its messages.
func decode(data []byte) ([]inbound, error) {
	var frame []map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("buttplug: decode frame: %w", err)
	}
	out := make([]inbound, 0, len(frame))
	for _, obj := range frame {
		for name, payload := range obj {
			var id msgID
			if err := json.Unmarshal(payload, &id); err != nil {
				return nil, fmt.Errorf("buttplug: decode %s: %w", name, err)
			}
			out = append(out, inbound{Name: name, ID: id.ID, Payload: payload})
		}
	}
	return out, nil
}

// asError converts an Error message to a *ServerError, or returns nil.
func (m inbound) asError() error {
	if m.Name != "Error" {
		return nil
	}
	var e errorMsg
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		return fmt.Errorf("buttplug: decode Error: %w", err)
	}
	return &ServerError{Code: e.ErrorCode, Message: e.ErrorMessage}
}
