// Package buttplug implements [actuator.Transport] against a Buttplug
// protocol server (Intiface) over WebSocket.
//
// The transport speaks message spec version 1: every frame is a JSON array of
// single-key objects, client requests carry a non-zero Id that the server
// echoes in its reply, and unsolicited events (DeviceAdded, DeviceRemoved)
// arrive with Id 0. A background receive loop routes replies to the waiting
// caller and keeps the device table current.
//
// Optionally the transport launches the server itself: [WithServerCommand]
// starts a child process before the first dial and kills it on Close.
package buttplug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/neigh/internal/resilience"
	"github.com/MrWong99/neigh/pkg/provider/actuator"
)

var _ actuator.Transport = (*Transport)(nil)

const (
	defaultClientName  = "Neigh"
	defaultScanTimeout = 30 * time.Second
	defaultCallTimeout = 5 * time.Second
)

// Option is a functional option for [New].
type Option func(*Transport)

// WithClientName sets the name announced in RequestServerInfo.
func WithClientName(name string) Option {
	return func(t *Transport) { t.clientName = name }
}

// WithScanTimeout bounds how long Devices scans for a first device.
func WithScanTimeout(d time.Duration) Option {
	return func(t *Transport) { t.scanTimeout = d }
}

// WithServerCommand launches argv as the server process before the first
// connection and waits delay for it to start listening.
func WithServerCommand(argv []string, delay time.Duration) Option {
	return func(t *Transport) {
		t.serverArgv = slices.Clone(argv)
		t.startupDelay = delay
	}
}

// WithCallTimeout bounds how long a request waits for its reply when the
// caller's context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Transport) { t.callTimeout = d }
}

// Transport is a Buttplug client. It is safe for concurrent use.
type Transport struct {
	url          string
	clientName   string
	scanTimeout  time.Duration
	callTimeout  time.Duration
	serverArgv   []string
	startupDelay time.Duration

	mu         sync.Mutex
	sess       *session
	server     *exec.Cmd
	serverDone chan struct{}
	closed     bool
}

// New returns a Transport for the server at url (for example
// "ws://127.0.0.1:12345"). No connection is made until Connect.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:         url,
		clientName:  defaultClientName,
		scanTimeout: defaultScanTimeout,
		callTimeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect implements [actuator.Transport]. Any previous session is torn down
// first, so Connect doubles as reconnect.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("buttplug: transport closed")
	}
	if t.sess != nil {
		t.sess.close()
		t.sess = nil
	}
	if len(t.serverArgv) > 0 && !t.serverRunning() {
		if err := t.startServer(ctx); err != nil {
			return err
		}
	}

	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("buttplug: dial %s: %w", t.url, err)
	}
	sess := newSession(conn)
	go sess.receiveLoop()

	info, err := t.handshake(ctx, sess)
	if err != nil {
		sess.close()
		return err
	}
	if info.MaxPingTime > 0 {
		go sess.pingLoop(time.Duration(info.MaxPingTime) * time.Millisecond / 2)
	}
	slog.Info("buttplug connected",
		"url", t.url,
		"server", info.ServerName,
		"message_version", info.MessageVersion,
		"max_ping_ms", info.MaxPingTime,
	)
	t.sess = sess
	return nil
}

func (t *Transport) handshake(ctx context.Context, sess *session) (serverInfo, error) {
	ctx, cancel := t.withCallTimeout(ctx)
	defer cancel()

	reply, err := sess.call(ctx, "RequestServerInfo", &requestServerInfo{
		ClientName:     t.clientName,
		MessageVersion: messageVersion,
	})
	if err != nil {
		return serverInfo{}, fmt.Errorf("buttplug: handshake: %w", err)
	}
	if reply.Name != "ServerInfo" {
		return serverInfo{}, fmt.Errorf("buttplug: handshake: unexpected reply %s", reply.Name)
	}
	var info serverInfo
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return serverInfo{}, fmt.Errorf("buttplug: decode ServerInfo: %w", err)
	}
	return info, nil
}

// Devices implements [actuator.Transport]. Devices already known to the
// server are returned immediately; otherwise the server scans until one is
// added or the scan timeout elapses, in which case [actuator.ErrNoDevices] is
// returned.
func (t *Transport) Devices(ctx context.Context) ([]actuator.Device, error) {
	sess, err := t.session()
	if err != nil {
		return nil, err
	}

	if err := t.requestDeviceList(ctx, sess); err != nil {
		return nil, err
	}
	if devs := sess.deviceList(); len(devs) > 0 {
		return devs, nil
	}

	scanCtx := ctx
	if t.scanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, t.scanTimeout)
		defer cancel()
	}
	if err := t.expectOk(scanCtx, sess, "StartScanning", &emptyRequest{}); err != nil {
		return nil, err
	}
	slog.Info("buttplug scanning for devices", "timeout", t.scanTimeout)

	select {
	case <-sess.deviceAdded:
	case <-scanCtx.Done():
	case <-sess.done:
	}

	stopCtx, cancel := t.withCallTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := t.expectOk(stopCtx, sess, "StopScanning", &emptyRequest{}); err != nil {
		slog.Warn("buttplug stop scanning failed", "err", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sess.error(); err != nil {
		return nil, err
	}
	devs := sess.deviceList()
	if len(devs) == 0 {
		return nil, actuator.ErrNoDevices
	}
	return devs, nil
}

func (t *Transport) requestDeviceList(ctx context.Context, sess *session) error {
	ctx, cancel := t.withCallTimeout(ctx)
	defer cancel()

	reply, err := sess.call(ctx, "RequestDeviceList", &emptyRequest{})
	if err != nil {
		return fmt.Errorf("buttplug: device list: %w", err)
	}
	if reply.Name != "DeviceList" {
		return fmt.Errorf("buttplug: device list: unexpected reply %s", reply.Name)
	}
	var list deviceList
	if err := json.Unmarshal(reply.Payload, &list); err != nil {
		return fmt.Errorf("buttplug: decode DeviceList: %w", err)
	}
	for _, d := range list.Devices {
		sess.addDevice(d)
	}
	return nil
}

// Vibrate implements [actuator.Transport]. Every motor of the device is set
// to strength.
func (t *Transport) Vibrate(ctx context.Context, d actuator.Device, strength float64) error {
	sess, err := t.session()
	if err != nil {
		return err
	}
	motors := max(d.Motors, 1)
	speeds := make([]speed, motors)
	for i := range speeds {
		speeds[i] = speed{Index: i, Speed: strength}
	}
	return t.expectOk(ctx, sess, "VibrateCmd", &vibrateCmd{DeviceIndex: d.Index, Speeds: speeds})
}

// Stop implements [actuator.Transport].
func (t *Transport) Stop(ctx context.Context, d actuator.Device) error {
	sess, err := t.session()
	if err != nil {
		return err
	}
	return t.expectOk(ctx, sess, "StopDeviceCmd", &stopDeviceCmd{DeviceIndex: d.Index})
}

// Close implements [actuator.Transport]. It closes the connection and stops
// the server process if this transport started it. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.sess != nil {
		t.sess.close()
		t.sess = nil
	}
	return t.stopServer()
}

func (t *Transport) expectOk(ctx context.Context, sess *session, name string, msg request) error {
	ctx, cancel := t.withCallTimeout(ctx)
	defer cancel()

	reply, err := sess.call(ctx, name, msg)
	if err != nil {
		return fmt.Errorf("buttplug: %s: %w", name, err)
	}
	if reply.Name != "Ok" {
		return fmt.Errorf("buttplug: %s: unexpected reply %s", name, reply.Name)
	}
	return nil
}

// session returns the live session or [actuator.ErrNotConnected].
func (t *Transport) session() (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil, actuator.ErrNotConnected
	}
	if err := t.sess.error(); err != nil {
		return nil, fmt.Errorf("%w: %w", actuator.ErrNotConnected, err)
	}
	return t.sess, nil
}

func (t *Transport) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || t.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.callTimeout)
}

// ── Server process ────────────────────────────────────────────────────────────

func (t *Transport) serverRunning() bool {
	if t.server == nil {
		return false
	}
	select {
	case <-t.serverDone:
		return false
	default:
		return true
	}
}

// startServer launches the configured server command. The process outlives
// ctx; it is only stopped by Close.
func (t *Transport) startServer(ctx context.Context) error {
	cmd := exec.Command(t.serverArgv[0], t.serverArgv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("buttplug: start server %q: %w", t.serverArgv[0], err)
	}
	done := make(chan struct{})
	t.server, t.serverDone = cmd, done
	pid := cmd.Process.Pid
	slog.Info("buttplug server started", "cmd", t.serverArgv[0], "pid", pid)
	go func() {
		err := cmd.Wait()
		close(done)
		slog.Debug("buttplug server exited", "pid", pid, "err", err)
	}()
	return resilience.Sleep(ctx, t.startupDelay)
}

func (t *Transport) stopServer() error {
	if t.server == nil || t.server.Process == nil {
		return nil
	}
	cmd, done := t.server, t.serverDone
	t.server, t.serverDone = nil, nil
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("buttplug: stop server: %w", err)
	}
	<-done
	return nil
}

// ── Session ───────────────────────────────────────────────────────────────────

// session is one WebSocket connection to the server.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint32

	// deviceAdded receives a token whenever a DeviceAdded event arrives.
	deviceAdded chan struct{}
	done        chan struct{}

	mu      sync.Mutex
	pending map[uint32]chan inbound
	devices map[int]actuator.Device
	err     error
	once    sync.Once
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		deviceAdded: make(chan struct{}, 1),
		done:        make(chan struct{}),
		pending:     make(map[uint32]chan inbound),
		devices:     make(map[int]actuator.Device),
	}
}

// call sends msg and waits for the reply carrying the same Id. Error replies
// are returned as *ServerError.
func (s *session) call(ctx context.Context, name string, msg request) (inbound, error) {
	id := s.nextID.Add(1)
	msg.setID(id)
	data, err := encode(name, msg)
	if err != nil {
		return inbound{}, err
	}

	ch := make(chan inbound, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return inbound{}, err
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return inbound{}, err
	}

	select {
	case reply := <-ch:
		if err := reply.asError(); err != nil {
			return inbound{}, err
		}
		return reply, nil
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	case <-s.done:
		return inbound{}, s.error()
	}
}

// receiveLoop reads frames until the connection fails or is closed.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				slog.Warn("buttplug connection lost", "err", err)
			}
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
		msgs, err := decode(data)
		if err != nil {
			slog.Warn("buttplug: dropping malformed frame", "err", err)
			continue
		}
		for _, m := range msgs {
			s.dispatch(m)
		}
	}
}

func (s *session) dispatch(m inbound) {
	if m.ID != 0 {
		s.mu.Lock()
		ch, ok := s.pending[m.ID]
		s.mu.Unlock()
		if !ok {
			slog.Debug("buttplug: reply for unknown request", "id", m.ID, "type", m.Name)
			return
		}
		select {
		case ch <- m:
		default:
			slog.Debug("buttplug: duplicate reply", "id", m.ID, "type", m.Name)
		}
		return
	}

	switch m.Name {
	case "DeviceAdded":
		var d deviceInfo
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			slog.Warn("buttplug: decode DeviceAdded", "err", err)
			return
		}
		if s.addDevice(d) {
			select {
			case s.deviceAdded <- struct{}{}:
			default:
			}
		}
	case "DeviceRemoved":
		var d deviceRemoved
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			slog.Warn("buttplug: decode DeviceRemoved", "err", err)
			return
		}
		s.mu.Lock()
		delete(s.devices, d.DeviceIndex)
		s.mu.Unlock()
		slog.Info("buttplug device removed", "index", d.DeviceIndex)
	case "ScanningFinished":
		slog.Debug("buttplug scanning finished")
	case "Error":
		slog.Warn("buttplug server error", "err", m.asError())
	default:
		slog.Debug("buttplug: ignoring event", "type", m.Name)
	}
}

// addDevice records a vibrating device and reports whether it was new.
func (s *session) addDevice(d deviceInfo) bool {
	if !d.canVibrate() {
		slog.Debug("buttplug: ignoring device without VibrateCmd", "name", d.DeviceName)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.devices[d.DeviceIndex]
	s.devices[d.DeviceIndex] = actuator.Device{
		Index:  d.DeviceIndex,
		Name:   d.DeviceName,
		Motors: d.motors(),
	}
	if !known {
		slog.Info("buttplug device added", "index", d.DeviceIndex, "name", d.DeviceName, "motors", d.motors())
	}
	return !known
}

// deviceList returns the known devices ordered by index.
func (s *session) deviceList() []actuator.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]actuator.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b actuator.Device) int { return a.Index - b.Index })
	return out
}

// pingLoop keeps the server's ping watchdog satisfied.
func (s *session) pingLoop(every time.Duration) {
	if every <= 0 {
		return
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(s.ctx, every)
			reply, err := s.call(ctx, "Ping", &emptyRequest{})
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Warn("buttplug ping failed", "err", err)
				}
				continue
			}
			if reply.Name != "Ok" {
				slog.Warn("buttplug ping: unexpected reply", "type", reply.Name)
			}
		}
	}
}

// fail records the first terminal error and releases all waiters.
func (s *session) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

func (s *session) error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) close() {
	s.fail(errors.New("session closed"))
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
