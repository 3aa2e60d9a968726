// Package connmgr implements the connection manager:
// it accepts from listeners, drives every new connection through the
// authorization handshake, hands authorized connections to the peer
// manager, and schedules reconnects for remote-initiated connections with
// exponential backoff. The background reconnect loop and its
// sync.Once-guarded shutdown channel follow the familiar
// writeHandler/queueHandler discipline (wg.Add/defer wg.Done/select on
// quit), generalized from a single peer's lifecycle to a pool of
// connections. An optional HealthMonitor, built on
// github.com/lightningnetwork/lnd/healthcheck, layers an independent
// liveness probe on top of tracked connections: a connection that stops
// answering pings gets cycled proactively instead of waiting for a read
// error to surface the reconnect path.
package connmgr

import (
	"bytes"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/splinter-mesh/splinter/auth"
	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/transport"
)

var connLog = log.NewSubsystem("CONN")

// Status mirrors the PeerStatus values in the peer table.
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusDisconnected
)

// Notification is published whenever a managed connection's status changes.
type Notification struct {
	Endpoint string
	Status   Status
	Attempt  int
}

// AuthResult is handed to the OnAuthorized callback once a connection's
// Machine reaches terminal success on both tracks.
type AuthResult struct {
	Conn     transport.Connection
	Endpoint string
	Identity *auth.Identity
	Outbound bool
}

// Config parameterizes a Manager.
type Config struct {
	Transports *transport.Registry
	AuthConfig auth.Config

	MaxReconnectWait time.Duration

	Clock  clock.Clock
	Ticker ticker.Ticker

	OnAuthorized   func(AuthResult)
	OnNotification func(Notification)

	// HealthCheck, when true, runs an independent liveness probe (see
	// HealthMonitor) per tracked connection alongside the reconnect path.
	HealthCheck         bool
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// Manager owns the pool of connections this node is dialing, accepting, and
// authorizing. One background goroutine drives scheduled reconnects.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	reconnects  map[string]*reconnectState
	connections map[string]transport.Connection

	health *HealthMonitor

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type reconnectState struct {
	endpoints   []string
	nextIdx     int
	attempt     int
	nextAttempt time.Time
}

// New constructs a Manager. If cfg.Clock/Ticker are nil, real-time
// implementations are used (DefaultClock, ticker.New(time.Second)).
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxReconnectWait == 0 {
		cfg.MaxReconnectWait = time.Minute
	}
	m := &Manager{
		cfg:         cfg,
		reconnects:  make(map[string]*reconnectState),
		connections: make(map[string]transport.Connection),
		quit:        make(chan struct{}),
	}
	if cfg.HealthCheck {
		m.health = NewHealthMonitor(m, cfg.HealthCheckInterval, cfg.HealthCheckTimeout)
	}
	return m
}

// Start launches the reconnect-scheduling goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Stop cooperatively halts the reconnect loop. Idempotent; timers do not
// fire once shutdown has begun.
func (m *Manager) Stop() {
	m.quitOnce.Do(func() { close(m.quit) })
	m.wg.Wait()
}

// Connect dials uri, drives it through the v1 authorization handshake as
// the Initiating side, and invokes cfg.OnAuthorized on success. On failure
// the connection is dropped and, if scheduleReconnect is true, the
// endpoint is registered for backoff retry.
func (m *Manager) Connect(uri string, scheduleReconnect bool) error {
	conn, err := m.cfg.Transports.Connect(uri)
	if err != nil {
		if scheduleReconnect {
			m.scheduleReconnect(uri)
		}
		return err
	}

	machine := auth.New(m.cfg.AuthConfig)
	outbound := machine.Start()
	if err := m.driveHandshake(conn, machine, outbound); err != nil {
		_ = conn.Disconnect()
		if scheduleReconnect {
			m.scheduleReconnect(uri)
		}
		return err
	}

	m.clearReconnect(uri)
	m.publish(uri, StatusConnected, 0)
	m.notifyAuthorized(conn, uri, machine, true)
	return nil
}

// Accept drives a freshly-accepted connection through the v1 handshake as
// the Accepting-initiating side (it still runs both tracks; the remote
// dialed us, but authorization itself is symmetric).
func (m *Manager) Accept(conn transport.Connection) error {
	machine := auth.New(m.cfg.AuthConfig)
	outbound := machine.Start()
	if err := m.driveHandshake(conn, machine, outbound); err != nil {
		_ = conn.Disconnect()
		return err
	}

	m.notifyAuthorized(conn, conn.RemoteEndpoint(), machine, false)
	return nil
}

// driveHandshake runs the blocking send/recv loop for one connection's
// authorization machine until it is Authorized or fails. Real deployments
// run one of these per connection on its own goroutine; callers that want
// that concurrency wrap Connect/Accept themselves.
func (m *Manager) driveHandshake(conn transport.Connection, machine *auth.Machine, outbound []protocol.DomainMessage) error {
	if err := m.sendAll(conn, outbound); err != nil {
		return err
	}

	for !machine.Authorized() {
		raw, err := conn.Recv()
		if err != nil {
			return xerrors.New(xerrors.TransientIo, "connmgr.driveHandshake", err)
		}

		env, err := wire.ReadEnvelope(bytes.NewReader(raw))
		if err != nil {
			return xerrors.New(xerrors.ProtocolViolation, "connmgr.driveHandshake", err)
		}

		if err := m.handleEnvelope(conn, machine, env); err != nil {
			return err
		}
	}
	return nil
}

// handleEnvelope decodes one inbound authorization-domain envelope, feeds
// it to machine, and sends back whatever reply the transition produces. A
// transition error's AuthorizationError reply is still sent (so the remote
// learns why the connection is about to drop) before the error propagates.
func (m *Manager) handleEnvelope(conn transport.Connection, machine *auth.Machine, env wire.Envelope) error {
	if protocol.MessageType(env.Type) != protocol.MsgAuthorization {
		return xerrors.New(xerrors.ProtocolViolation, "connmgr.handleEnvelope", nil)
	}

	msg, err := protocol.DecodeEnvelope(env)
	if err != nil {
		return xerrors.New(xerrors.ProtocolViolation, "connmgr.handleEnvelope", err)
	}

	replies, handleErr := machine.HandleMessage(msg)
	if sendErr := m.sendAll(conn, replies); sendErr != nil {
		return sendErr
	}
	return handleErr
}

// sendAll encodes and writes each domain message as a MsgAuthorization
// envelope, in order, over conn.
func (m *Manager) sendAll(conn transport.Connection, msgs []protocol.DomainMessage) error {
	for _, msg := range msgs {
		env, err := protocol.EncodeEnvelope(protocol.MsgAuthorization, msg)
		if err != nil {
			return xerrors.New(xerrors.Internal, "connmgr.sendAll", err)
		}

		var buf bytes.Buffer
		if _, err := wire.WriteEnvelope(&buf, env); err != nil {
			return xerrors.New(xerrors.Internal, "connmgr.sendAll", err)
		}

		if err := conn.Send(buf.Bytes()); err != nil {
			return xerrors.New(xerrors.TransientIo, "connmgr.sendAll", err)
		}
	}
	return nil
}

func (m *Manager) publish(endpoint string, status Status, attempt int) {
	if m.cfg.OnNotification != nil {
		m.cfg.OnNotification(Notification{Endpoint: endpoint, Status: status, Attempt: attempt})
	}
}

func (m *Manager) notifyAuthorized(conn transport.Connection, endpoint string, machine *auth.Machine, outbound bool) {
	if m.cfg.OnAuthorized != nil {
		m.cfg.OnAuthorized(AuthResult{
			Conn: conn, Endpoint: endpoint,
			Identity: machine.RemoteIdentity(), Outbound: outbound,
		})
	}
}

// scheduleReconnect registers uri for backoff retry; if it is already
// scheduled, the existing state is kept (its attempt counter keeps advancing
// the wait on each failure handled by the reconnect loop itself). Either way
// a Disconnected notification is published.
func (m *Manager) scheduleReconnect(uri string) {
	m.ScheduleReconnect(uri, []string{uri})
}

// ScheduleReconnect registers a peer's full endpoint list for backoff
// retry, keyed by id (normally the peer's token-pair string). The
// reconnect loop walks endpoints in order on successive attempts, matching
// walking endpoints in the peer metadata in order.
func (m *Manager) ScheduleReconnect(id string, endpoints []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reconnects[id]; !ok {
		m.reconnects[id] = &reconnectState{endpoints: endpoints}
	}
	m.publish(id, StatusDisconnected, m.reconnects[id].attempt)
}

func (m *Manager) clearReconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reconnects, id)
}

// Track associates id (normally a peer's token-pair string) with its live
// connection so a later Disconnect(id) can tear it down; the peer manager
// calls this once AddPeerRef resolves to an established connection.
func (m *Manager) Track(id string, conn transport.Connection) {
	m.mu.Lock()
	m.connections[id] = conn
	m.mu.Unlock()

	if m.health != nil {
		if err := m.health.Watch(id); err != nil {
			connLog.Warnf("failed to start liveness probe for %s: %v", id, err)
		}
	}
}

// Disconnect tears down and forgets id's tracked connection, satisfying
// peer.Connector so the peer manager can request disconnect on zero
// refcount without depending on this package's concrete type.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if m.health != nil {
		m.health.Unwatch(id)
	}
	if ok {
		_ = conn.Disconnect()
	}
}

// backoffWait implements `wait = min(max_wait, 1s * 2^attempt)`.
func backoffWait(attempt int, maxWait time.Duration) time.Duration {
	wait := time.Second
	if wait >= maxWait {
		return maxWait
	}
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait {
			return maxWait
		}
	}
	return wait
}

// reconnectLoop is the single background thread that drives all scheduled
// reconnects; timers do not fire once m.quit is closed.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	tick := m.cfg.Ticker
	if tick == nil {
		tick = ticker.New(time.Second)
	}
	tick.Resume()
	defer tick.Stop()

	for {
		select {
		case <-tick.Ticks():
			m.retryDue()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) retryDue() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	ids := make([]string, 0, len(m.reconnects))
	for id := range m.reconnects {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		select {
		case <-m.quit:
			return
		default:
		}

		m.mu.Lock()
		state, ok := m.reconnects[id]
		if !ok || now.Before(state.nextAttempt) {
			m.mu.Unlock()
			continue
		}
		endpoint := state.endpoints[state.nextIdx%len(state.endpoints)]
		attempt := state.attempt
		m.mu.Unlock()

		wait := backoffWait(attempt, m.cfg.MaxReconnectWait)
		connLog.Debugf("retrying %s via %s after %s (attempt %d)", id, endpoint, wait, attempt)

		if err := m.Connect(endpoint, false); err != nil {
			m.mu.Lock()
			if st, ok := m.reconnects[id]; ok {
				st.attempt++
				st.nextIdx++
				st.nextAttempt = now.Add(wait)
			}
			m.mu.Unlock()
			continue
		}

		m.clearReconnect(id)
	}
}
