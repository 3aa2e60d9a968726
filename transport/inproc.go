package transport

import (
	"io"
	"strings"
	"sync"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// Inproc is an in-memory transport used by tests and by nodes within the
// same process (the spec explicitly calls out inproc as a required
// transport alongside TCP/TLS). URIs look like "inproc://name"; Listen
// registers a name, Connect looks it up and hands the dialer one end of a
// pair of message-boundary-preserving pipes.
type Inproc struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

// NewInproc constructs an empty Inproc transport. A single instance must be
// shared between everything that wants to dial each other in-process.
func NewInproc() *Inproc {
	return &Inproc{listeners: make(map[string]*inprocListener)}
}

func (t *Inproc) Accepts(uri string) bool {
	return strings.HasPrefix(uri, "inproc://")
}

func (t *Inproc) Listen(uri string) (Listener, error) {
	name := strings.TrimPrefix(uri, "inproc://")

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.listeners[name]; exists {
		return nil, xerrors.New(xerrors.Conflict, "inproc.Listen", nil)
	}

	l := &inprocListener{
		uri:      uri,
		incoming: make(chan *inprocConn, 16),
		closed:   make(chan struct{}),
	}
	t.listeners[name] = l
	return l, nil
}

func (t *Inproc) Connect(uri string) (Connection, error) {
	name := strings.TrimPrefix(uri, "inproc://")

	t.mu.Lock()
	l, ok := t.listeners[name]
	t.mu.Unlock()
	if !ok {
		return nil, xerrors.New(xerrors.TransientIo, "inproc.Connect", nil)
	}

	dialerSide, listenerSide := newInprocPipePair(uri, "inproc://(dialer)")

	select {
	case l.incoming <- listenerSide:
		return dialerSide, nil
	case <-l.closed:
		return nil, xerrors.New(xerrors.TransientIo, "inproc.Connect", nil)
	}
}

type inprocListener struct {
	uri       string
	incoming  chan *inprocConn
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *inprocListener) Accept() (Connection, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.closed:
		return nil, ErrDisconnected
	}
}

func (l *inprocListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *inprocListener) LocalEndpoint() string { return l.uri }

// inprocConn is one end of an in-memory, message-boundary-preserving pipe.
type inprocConn struct {
	remote string
	out    chan<- []byte
	in     <-chan []byte

	disconnectOnce sync.Once
	done           chan struct{}
}

// newInprocPipePair builds two connected inprocConn ends; messages sent on
// one arrive, whole, on the other's Recv.
func newInprocPipePair(dialerRemote, listenerRemote string) (*inprocConn, *inprocConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})

	dialer := &inprocConn{remote: listenerRemote, out: aToB, in: bToA, done: done}
	listener := &inprocConn{remote: dialerRemote, out: bToA, in: aToB, done: done}
	return dialer, listener
}

func (c *inprocConn) Send(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return ErrDisconnected
	}
}

func (c *inprocConn) Recv() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, ErrDisconnected
	}
}

func (c *inprocConn) Disconnect() error {
	c.disconnectOnce.Do(func() { close(c.done) })
	return nil
}

func (c *inprocConn) RemoteEndpoint() string { return c.remote }

// PollHandle has no real file descriptor to hand back for an in-memory
// pipe and returns nil. The mesh does not call PollHandle; its workers read
// every connection through Recv.
func (c *inprocConn) PollHandle() io.Reader { return nil }
