// Package transport defines the byte-stream connection abstraction every
// other splinter component is built on : a pluggable
// Transport with a listener/connector pair, and a Connection offering
// send/recv/disconnect plus a poll handle (which the mesh does not use; it
// reads through Recv). Concrete
// transports (tcp.go, tls.go, inproc.go) implement this contract; nothing
// above this package is aware of socket-level detail.
package transport

import (
	"errors"
	"io"
)

// ErrWouldBlock is returned by Connection.Recv when no message is
// currently available and the connection is non-blocking.
var ErrWouldBlock = errors.New("transport: would block")

// ErrDisconnected is returned once a Connection has been cleanly closed,
// either locally or by the remote end.
var ErrDisconnected = errors.New("transport: disconnected")

// Connection is a single authenticated-at-the-byte-level (not yet at the
// identity level — that's auth's job) stream to a remote endpoint.
type Connection interface {
	// Send writes a single message's worth of bytes. Framing above this
	// layer (internal/wire.Envelope) defines message boundaries;
	// implementations only guarantee that bytes handed to one Send call
	// arrive together at the remote's Recv.
	Send(payload []byte) error

	// Recv blocks until the next message arrives, or returns
	// ErrWouldBlock, ErrDisconnected, or an I/O/protocol error.
	Recv() ([]byte, error)

	// Disconnect closes the underlying stream. Idempotent.
	Disconnect() error

	// RemoteEndpoint reports the URI of the peer this connection reaches,
	// for reconnect bookkeeping in connmgr.
	RemoteEndpoint() string

	// PollHandle exposes whatever the concrete transport can register
	// with an OS-level poller, as an io.Reader (none of tcp/tls/inproc
	// exposes raw file descriptors; inproc returns nil). Nothing in this
	// repository calls it: the mesh's read workers use Recv.
	PollHandle() io.Reader
}

// Listener accepts inbound Connections.
type Listener interface {
	Accept() (Connection, error)
	Close() error
	LocalEndpoint() string
}

// Transport is the pluggable contract: something that knows whether it
// Accepts a given URI scheme, and can both Connect out and Listen for
// inbound connections on URIs of that scheme.
type Transport interface {
	// Accepts reports whether this transport handles the given URI, e.g.
	// a "tcp://" transport rejects "inproc://" URIs.
	Accepts(uri string) bool

	Connect(uri string) (Connection, error)
	Listen(uri string) (Listener, error)
}

// Registry dispatches a URI to whichever registered Transport accepts it,
// so connmgr/peer manager code never special-cases schemes itself.
type Registry struct {
	transports []Transport
}

// NewRegistry builds a Registry over the given transports, tried in order.
func NewRegistry(transports ...Transport) *Registry {
	return &Registry{transports: transports}
}

func (r *Registry) find(uri string) (Transport, error) {
	for _, t := range r.transports {
		if t.Accepts(uri) {
			return t, nil
		}
	}
	return nil, errors.New("transport: no registered transport accepts " + uri)
}

// Connect dials uri using whichever registered transport accepts it.
func (r *Registry) Connect(uri string) (Connection, error) {
	t, err := r.find(uri)
	if err != nil {
		return nil, err
	}
	return t.Connect(uri)
}

// Listen listens on uri using whichever registered transport accepts it.
func (r *Registry) Listen(uri string) (Listener, error) {
	t, err := r.find(uri)
	if err != nil {
		return nil, err
	}
	return t.Listen(uri)
}
