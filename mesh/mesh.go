// Package mesh implements the many-to-many I/O multiplexer: it routes
// inbound/outbound frames between N registered connections and a single
// application-visible envelope stream keyed by connection ID. One worker
// goroutine polls each registered connection (a one-goroutine-per-peer
// read loop), funneling everything into a single bounded queue a lone
// logical receiver drains via Recv.
package mesh

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/transport"
)

var meshLog = log.NewSubsystem("MESH")

// ConnID identifies a connection registered with a Mesh. Callers choose
// their own IDs (e.g. the peer interconnect's arena index) at Add time.
type ConnID string

// Envelope pairs a connection ID with the bytes that connection delivered
// or should deliver, the unit Mesh.Recv/Send operate on.
type Envelope struct {
	ID      ConnID
	Payload []byte
}

// Mesh is the multiplexer itself. All exported methods are safe for
// concurrent use; many producers may call Send while workers read and a
// single logical consumer drains Recv.
type Mesh struct {
	mu          sync.RWMutex
	connections map[ConnID]*registeredConn

	inbound *queue.ConcurrentQueue

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	shutdownOn sync.Once
}

type registeredConn struct {
	conn    transport.Connection
	out     *queue.ConcurrentQueue
	quit    chan struct{}
	quitOne sync.Once
}

// New creates an empty Mesh. inboundBuffer bounds the shared inbound queue
// (every queue here is bounded rather than an unbounded Go channel).
// queue.ConcurrentQueue carries interface{} rather than a generic type
// parameter, so Envelope values are boxed going in and type-asserted coming
// back out in Recv.
func New(inboundBuffer int) *Mesh {
	m := &Mesh{
		connections: make(map[ConnID]*registeredConn),
		inbound:     queue.NewConcurrentQueue(inboundBuffer),
		shutdownCh:  make(chan struct{}),
	}
	m.inbound.Start()
	return m
}

// Add registers conn under id, starting its dedicated read and write
// worker goroutines. Fails if id is already registered.
func (m *Mesh) Add(id ConnID, conn transport.Connection) error {
	m.mu.Lock()
	if _, exists := m.connections[id]; exists {
		m.mu.Unlock()
		return xerrors.New(xerrors.Conflict, "Mesh.Add", nil)
	}

	rc := &registeredConn{
		conn: conn,
		out:  queue.NewConcurrentQueue(64),
		quit: make(chan struct{}),
	}
	m.connections[id] = rc
	m.mu.Unlock()

	rc.out.Start()

	m.wg.Add(2)
	go m.readWorker(id, rc)
	go m.writeWorker(id, rc)

	return nil
}

// Remove deregisters id and returns its Connection so the caller can
// dispose of it. It signals the mesh's own workers for that connection to
// stop and stops its outbound queue, but does not wait for the workers to
// exit.
func (m *Mesh) Remove(id ConnID) (transport.Connection, error) {
	m.mu.Lock()
	rc, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil, xerrors.New(xerrors.InvalidInput, "Mesh.Remove", nil)
	}

	rc.quitOne.Do(func() { close(rc.quit) })
	rc.out.Stop()
	return rc.conn, nil
}

// Send enqueues payload for id's connection. Fails if id is unknown.
func (m *Mesh) Send(id ConnID, payload []byte) error {
	m.mu.RLock()
	rc, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.InvalidInput, "Mesh.Send", nil)
	}

	select {
	case rc.out.ChanIn() <- payload:
		return nil
	case <-rc.quit:
		return xerrors.New(xerrors.TransientIo, "Mesh.Send", transport.ErrDisconnected)
	case <-m.shutdownCh:
		return xerrors.New(xerrors.TransientIo, "Mesh.Send", transport.ErrDisconnected)
	}
}

// Recv blocks until any registered connection delivers a message, fairly
// across connections (fairness falls out of every read worker feeding the
// same bounded queue rather than the consumer polling per-connection).
func (m *Mesh) Recv() (Envelope, error) {
	select {
	case item := <-m.inbound.ChanOut():
		return item.(Envelope), nil
	case <-m.shutdownCh:
		return Envelope{}, xerrors.New(xerrors.TransientIo, "Mesh.Recv", transport.ErrDisconnected)
	}
}

// Shutdown causes all pending and future Recv calls to return a terminal
// error, and stops every worker goroutine. Idempotent.
func (m *Mesh) Shutdown() {
	m.shutdownOn.Do(func() {
		close(m.shutdownCh)

		m.mu.Lock()
		conns := make([]*registeredConn, 0, len(m.connections))
		for _, rc := range m.connections {
			conns = append(conns, rc)
		}
		m.connections = make(map[ConnID]*registeredConn)
		m.mu.Unlock()

		for _, rc := range conns {
			rc.quitOne.Do(func() { close(rc.quit) })
			_ = rc.conn.Disconnect()
		}

		m.wg.Wait()

		for _, rc := range conns {
			rc.out.Stop()
		}
		m.inbound.Stop()
	})
}

// readWorker polls one connection's Recv in a loop, forwarding every
// message into the shared inbound queue until the connection errors out or
// the mesh shuts down. This is the "worker thread per connection" design
// bounded.
func (m *Mesh) readWorker(id ConnID, rc *registeredConn) {
	defer m.wg.Done()

	for {
		payload, err := rc.conn.Recv()
		if err != nil {
			meshLog.Debugf("connection %v read loop exiting: %v", id, err)
			return
		}

		env := Envelope{ID: id, Payload: payload}
		select {
		case m.inbound.ChanIn() <- env:
		case <-rc.quit:
			return
		case <-m.shutdownCh:
			return
		}
	}
}

// writeWorker drains id's outbound queue to its connection in order,
// guaranteeing per-connection send order is preserved even though many
// producers may call Mesh.Send concurrently.
func (m *Mesh) writeWorker(id ConnID, rc *registeredConn) {
	defer m.wg.Done()

	for {
		select {
		case item := <-rc.out.ChanOut():
			if err := rc.conn.Send(item.([]byte)); err != nil {
				meshLog.Debugf("connection %v write loop exiting: %v", id, err)
				return
			}
		case <-rc.quit:
			return
		case <-m.shutdownCh:
			return
		}
	}
}
