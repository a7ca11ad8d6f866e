package buttplug_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/neigh/pkg/provider/actuator"
	"github.com/MrWong99/neigh/pkg/provider/actuator/buttplug"
)

// ── stub Intiface server ─────────────────────────────────────────────────────

type message struct {
	Name    string
	Payload map[string]any
}

// stubServer answers the subset of the protocol the transport uses.
type stubServer struct {
	// Devices is returned by RequestDeviceList.
	Devices []map[string]any
	// ScanDevice, when set, is announced via DeviceAdded after StartScanning.
	ScanDevice map[string]any
	// VibrateError makes VibrateCmd fail with a device error.
	VibrateError bool
	// MaxPingTime is advertised in ServerInfo.
	MaxPingTime int
	// DropAfterHandshake closes the first connection right after ServerInfo.
	DropAfterHandshake bool

	mu    sync.Mutex
	msgs  []message
	conns atomic.Int32
}

func (s *stubServer) record(name string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message{Name: name, Payload: payload})
}

func (s *stubServer) received(name string) []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message
	for _, m := range s.msgs {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubServer) serve(conn *websocket.Conn, r *http.Request) {
	n := s.conns.Add(1)
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame []map[string]map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		for _, obj := range frame {
			for name, payload := range obj {
				s.record(name, payload)
				id := payload["Id"]
				switch name {
				case "RequestServerInfo":
					send(ctx, conn, "ServerInfo", map[string]any{
						"Id": id, "ServerName": "stub", "MessageVersion": 1, "MaxPingTime": s.MaxPingTime,
					})
					if s.DropAfterHandshake && n == 1 {
						conn.Close(websocket.StatusGoingAway, "bye")
						return
					}
				case "RequestDeviceList":
					devs := s.Devices
					if devs == nil {
						devs = []map[string]any{}
					}
					send(ctx, conn, "DeviceList", map[string]any{"Id": id, "Devices": devs})
				case "StartScanning":
					send(ctx, conn, "Ok", map[string]any{"Id": id})
					if s.ScanDevice != nil {
						ev := map[string]any{"Id": 0}
						for k, v := range s.ScanDevice {
							ev[k] = v
						}
						send(ctx, conn, "DeviceAdded", ev)
					}
				case "VibrateCmd":
					if s.VibrateError {
						send(ctx, conn, "Error", map[string]any{
							"Id": id, "ErrorMessage": "device disconnected", "ErrorCode": 4,
						})
						continue
					}
					send(ctx, conn, "Ok", map[string]any{"Id": id})
				default:
					send(ctx, conn, "Ok", map[string]any{"Id": id})
				}
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, name string, payload map[string]any) {
	data, _ := json.Marshal([]map[string]any{{name: payload}})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startStub(t *testing.T, stub *stubServer) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		stub.serve(conn, r)
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func vibrator(index int, name string, motors int) map[string]any {
	return map[string]any{
		"DeviceName":  name,
		"DeviceIndex": index,
		"DeviceMessages": map[string]any{
			"VibrateCmd":    map[string]any{"FeatureCount": motors},
			"StopDeviceCmd": map[string]any{},
		},
	}
}

func connect(t *testing.T, url string, opts ...buttplug.Option) *buttplug.Transport {
	t.Helper()
	tr := buttplug.New(url, opts...)
	t.Cleanup(func() { _ = tr.Close() })
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestConnect_Handshake(t *testing.T) {
	t.Parallel()

	stub := &stubServer{}
	connect(t, startStub(t, stub), buttplug.WithClientName("Test Client"))

	got := stub.received("RequestServerInfo")
	if len(got) != 1 {
		t.Fatalf("RequestServerInfo sent %d times, want 1", len(got))
	}
	if got[0].Payload["ClientName"] != "Test Client" {
		t.Errorf("ClientName = %v", got[0].Payload["ClientName"])
	}
	if got[0].Payload["MessageVersion"] != float64(1) {
		t.Errorf("MessageVersion = %v, want 1", got[0].Payload["MessageVersion"])
	}
	if id, _ := got[0].Payload["Id"].(float64); id == 0 {
		t.Error("request Id must be non-zero")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	tr := buttplug.New("ws://127.0.0.1:1")
	defer tr.Close()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDevices_KnownDevicesOnly(t *testing.T) {
	t.Parallel()

	sensor := map[string]any{
		"DeviceName":     "Sensor",
		"DeviceIndex":    0,
		"DeviceMessages": map[string]any{"StopDeviceCmd": map[string]any{}},
	}
	stub := &stubServer{Devices: []map[string]any{vibrator(3, "Edge", 2), sensor, vibrator(1, "Lush", 1)}}
	tr := connect(t, startStub(t, stub))

	devs, err := tr.Devices(t.Context())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	want := []actuator.Device{{Index: 1, Name: "Lush", Motors: 1}, {Index: 3, Name: "Edge", Motors: 2}}
	if len(devs) != len(want) {
		t.Fatalf("Devices = %+v, want %+v", devs, want)
	}
	for i := range want {
		if devs[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, devs[i], want[i])
		}
	}
	if n := len(stub.received("StartScanning")); n != 0 {
		t.Errorf("scanned %d times although devices were known", n)
	}
}

func TestDevices_ScanFindsDevice(t *testing.T) {
	t.Parallel()

	stub := &stubServer{ScanDevice: vibrator(0, "Lush", 1)}
	tr := connect(t, startStub(t, stub), buttplug.WithScanTimeout(3*time.Second))

	devs, err := tr.Devices(t.Context())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 1 || devs[0].Name != "Lush" {
		t.Fatalf("Devices = %+v", devs)
	}
	if n := len(stub.received("StopScanning")); n != 1 {
		t.Errorf("StopScanning sent %d times, want 1", n)
	}
}

func TestDevices_ScanTimeout(t *testing.T) {
	t.Parallel()

	stub := &stubServer{}
	tr := connect(t, startStub(t, stub), buttplug.WithScanTimeout(50*time.Millisecond))

	if _, err := tr.Devices(t.Context()); !errors.Is(err, actuator.ErrNoDevices) {
		t.Fatalf("err = %v, want ErrNoDevices", err)
	}
	if n := len(stub.received("StopScanning")); n != 1 {
		t.Errorf("StopScanning sent %d times, want 1", n)
	}
}

func TestVibrate_SpeedPerMotor(t *testing.T) {
	t.Parallel()

	stub := &stubServer{}
	tr := connect(t, startStub(t, stub))

	dev := actuator.Device{Index: 2, Name: "Edge", Motors: 2}
	if err := tr.Vibrate(t.Context(), dev, 0.75); err != nil {
		t.Fatalf("Vibrate: %v", err)
	}
	if err := tr.Stop(t.Context(), dev); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	cmds := stub.received("VibrateCmd")
	if len(cmds) != 1 {
		t.Fatalf("VibrateCmd sent %d times", len(cmds))
	}
	if cmds[0].Payload["DeviceIndex"] != float64(2) {
		t.Errorf("DeviceIndex = %v", cmds[0].Payload["DeviceIndex"])
	}
	speeds, _ := cmds[0].Payload["Speeds"].([]any)
	if len(speeds) != 2 {
		t.Fatalf("Speeds = %v, want one per motor", cmds[0].Payload["Speeds"])
	}
	for i, s := range speeds {
		m := s.(map[string]any)
		if m["Index"] != float64(i) || m["Speed"] != 0.75 {
			t.Errorf("speed %d = %v", i, m)
		}
	}
	stops := stub.received("StopDeviceCmd")
	if len(stops) != 1 || stops[0].Payload["DeviceIndex"] != float64(2) {
		t.Errorf("StopDeviceCmd = %+v", stops)
	}
}

func TestVibrate_ServerError(t *testing.T) {
	t.Parallel()

	tr := connect(t, startStub(t, &stubServer{VibrateError: true}))

	err := tr.Vibrate(t.Context(), actuator.Device{Index: 0, Motors: 1}, 0.5)
	var se *buttplug.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != 4 || se.Message != "device disconnected" {
		t.Errorf("ServerError = %+v", se)
	}
}

func TestVibrate_NotConnected(t *testing.T) {
	t.Parallel()

	tr := buttplug.New("ws://127.0.0.1:1")
	if err := tr.Vibrate(t.Context(), actuator.Device{}, 0.5); !errors.Is(err, actuator.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if _, err := tr.Devices(t.Context()); !errors.Is(err, actuator.ErrNotConnected) {
		t.Errorf("Devices err = %v, want ErrNotConnected", err)
	}
}

func TestConnectionLost_Reconnect(t *testing.T) {
	t.Parallel()

	stub := &stubServer{DropAfterHandshake: true}
	tr := connect(t, startStub(t, stub))
	dev := actuator.Device{Index: 0, Motors: 1}

	waitFor(t, "connection loss", func() bool {
		return errors.Is(tr.Vibrate(t.Context(), dev, 0.5), actuator.ErrNotConnected)
	})

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := tr.Vibrate(t.Context(), dev, 0.5); err != nil {
		t.Fatalf("Vibrate after reconnect: %v", err)
	}
	if n := stub.conns.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	stub := &stubServer{MaxPingTime: 40}
	connect(t, startStub(t, stub))
	waitFor(t, "ping", func() bool { return len(stub.received("Ping")) >= 2 })
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	tr := buttplug.New(startStub(t, &stubServer{}))
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.Connect(t.Context()); err == nil {
		t.Error("Connect after Close should fail")
	}
	if err := tr.Stop(t.Context(), actuator.Device{}); !errors.Is(err, actuator.ErrNotConnected) {
		t.Errorf("Stop after Close err = %v, want ErrNotConnected", err)
	}
}
