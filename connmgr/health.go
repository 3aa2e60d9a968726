package connmgr

import (
	"bytes"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
	"github.com/splinter-mesh/splinter/transport"
)

// sendPing encodes an Echo ping as a MsgEcho envelope and writes it to conn,
// the liveness probe's actual check: a healthy connection accepts the write,
// a dead one returns an error the healthcheck.Monitor counts as a failure.
func sendPing(conn transport.Connection) error {
	env, err := protocol.EncodeEnvelope(protocol.MsgEcho, &protocol.Echo{})
	if err != nil {
		return xerrors.New(xerrors.Internal, "connmgr.sendPing", err)
	}

	var buf bytes.Buffer
	if _, err := wire.WriteEnvelope(&buf, env); err != nil {
		return xerrors.New(xerrors.Internal, "connmgr.sendPing", err)
	}

	if err := conn.Send(buf.Bytes()); err != nil {
		return xerrors.New(xerrors.TransientIo, "connmgr.sendPing", err)
	}
	return nil
}

// HealthMonitor runs an independent liveness probe per tracked connection,
// distinct from the reconnect-on-disconnect path: a connection can still
// look "connected" at the transport layer while the remote has stopped
// reading, and nothing in retryDue would ever notice since no Disconnect
// or read error fires on its own. HealthMonitor catches that case by
// probing each tracked connection on its own schedule and proactively
// cycling one that fails, rather than waiting for the remote to notice.
type HealthMonitor struct {
	mgr      *Manager
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	monitors map[string]*healthcheck.Monitor
}

// NewHealthMonitor builds a HealthMonitor over mgr. interval is how often
// each tracked connection's probe runs; timeout bounds a single probe
// attempt. Both default to sensible values when zero.
func NewHealthMonitor(mgr *Manager, interval, timeout time.Duration) *HealthMonitor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		mgr:      mgr,
		interval: interval,
		timeout:  timeout,
		monitors: make(map[string]*healthcheck.Monitor),
	}
}

// Watch starts a liveness probe for id's connection. The Manager calls this
// right after Track once a connection is handed off as authorized.
func (h *HealthMonitor) Watch(id string) error {
	check := func() error {
		conn := h.mgr.connFor(id)
		if conn == nil {
			return xerrors.New(xerrors.TransientIo, "HealthMonitor.Watch", nil)
		}
		return sendPing(conn)
	}

	mon := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{{
			Name:     "conn-" + id,
			Check:    check,
			Interval: h.interval,
			Timeout:  h.timeout,
			Backoff:  time.Second,
			Attempts: 3,
		}},
		Shutdown: func(format string, args ...interface{}) {
			connLog.Warnf("connection %s failed liveness probe, cycling: "+format, append([]interface{}{id}, args...)...)
			// Run off the monitor's own goroutine: Disconnect tears this
			// monitor down via Unwatch, which calls mon.Stop(), and Stop
			// joining the very goroutine invoking Shutdown would deadlock.
			go h.mgr.Disconnect(id)
		},
	})

	h.mu.Lock()
	if existing, ok := h.monitors[id]; ok {
		_ = existing.Stop()
	}
	h.monitors[id] = mon
	h.mu.Unlock()

	if err := mon.Start(); err != nil {
		connLog.Errorf("health monitor for %s failed to start: %v", id, err)
		return err
	}
	return nil
}

// Unwatch stops id's liveness probe, if any. The Manager calls this from
// Disconnect so a torn-down connection doesn't keep being probed.
func (h *HealthMonitor) Unwatch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unwatchLocked(id)
}

func (h *HealthMonitor) unwatchLocked(id string) {
	if mon, ok := h.monitors[id]; ok {
		_ = mon.Stop()
		delete(h.monitors, id)
	}
}

// connFor returns the connection currently tracked under id, or nil if it
// has already been torn down (in which case the probe fails and the
// monitor's own backoff/retry handles it).
func (m *Manager) connFor(id string) transport.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[id]
}
