package transport

import (
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// maxFrameLen bounds a single transport-level message, independent of (and
// larger than) any one NetworkMessage payload riding inside it.
const maxFrameLen = 32 * 1024 * 1024

// TCP is a plain, unencrypted transport. It exists mainly as the base that
// TLS wraps and as the simplest thing connmgr/peer tests can exercise
// without TLS certificates.
type TCP struct{}

// NewTCP constructs a plain-TCP Transport.
func NewTCP() *TCP { return &TCP{} }

func (t *TCP) Accepts(uri string) bool {
	return strings.HasPrefix(uri, "tcp://")
}

func (t *TCP) Connect(uri string) (Connection, error) {
	addr, err := tcpAddrFromURI(uri)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tcp.Connect", err)
	}
	return newFramedConn(conn, uri), nil
}

func (t *TCP) Listen(uri string) (Listener, error) {
	addr, err := tcpAddrFromURI(uri)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tcp.Listen", err)
	}
	return &tcpListener{ln: ln, uri: uri}, nil
}

func tcpAddrFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", xerrors.New(xerrors.InvalidInput, "tcp.parseURI", err)
	}
	return u.Host, nil
}

type tcpListener struct {
	ln  net.Listener
	uri string
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tcpListener.Accept", err)
	}
	return newFramedConn(conn, conn.RemoteAddr().String()), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) LocalEndpoint() string { return l.uri }

// framedConn adds a 4-byte big-endian length prefix to an arbitrary
// net.Conn (or tls.Conn), giving transport.Connection its message-boundary
// guarantee over an otherwise boundary-less byte stream. It is shared by
// the TCP and TLS transports.
type framedConn struct {
	conn   net.Conn
	remote string

	writeMu sync.Mutex

	disconnectOnce sync.Once
}

func newFramedConn(conn net.Conn, remote string) *framedConn {
	return &framedConn{conn: conn, remote: remote}
}

func (c *framedConn) Send(payload []byte) error {
	if len(payload) > maxFrameLen {
		return xerrors.New(xerrors.InvalidInput, "framedConn.Send", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return classifyIOErr(err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return classifyIOErr(err)
	}
	return nil
}

func (c *framedConn) Recv() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, classifyIOErr(err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameLen {
		return nil, xerrors.New(xerrors.ProtocolViolation,
			"framedConn.Recv", nil)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, classifyIOErr(err)
	}
	return payload, nil
}

func (c *framedConn) Disconnect() error {
	var err error
	c.disconnectOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *framedConn) RemoteEndpoint() string { return c.remote }

func (c *framedConn) PollHandle() io.Reader { return c.conn }

func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return ErrDisconnected
	}
	if opErr, ok := err.(*net.OpError); ok && opErr.Err == net.ErrClosed {
		return ErrDisconnected
	}
	return xerrors.New(xerrors.TransientIo, "framedConn", err)
}
