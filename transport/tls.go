package transport

import (
	"crypto/tls"
	"net"
	"net/url"
	"strings"

	"github.com/splinter-mesh/splinter/internal/xerrors"
)

// TLSConfig carries the certificate material a TLS transport dials and
// listens with. Generation and rotation of these files is out of scope
// here (the cert submodule is only an
// external concern from this package's point of view); TLSConfig just
// loads whatever cert/key pair the daemon's config surface points at.
type TLSConfig struct {
	CertFile string
	KeyFile  string

	// ClientCAFile names a CA file for verifying connecting peers' client
	// certificates. NewTLS does not read it: the listener requests no
	// client certificate and does not verify one (no mutual TLS).
	ClientCAFile string

	// InsecureSkipVerify exists only for tests using self-signed,
	// non-rotated certificates over inproc-style loopback TCP.
	InsecureSkipVerify bool
}

// TLS wraps TCP with a negotiated TLS session. It accepts "tls://" URIs.
type TLS struct {
	cfg *tls.Config
}

// NewTLS builds a TLS transport from the loaded certificate configuration.
func NewTLS(cfg TLSConfig) (*TLS, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, xerrors.New(xerrors.InvalidInput, "tls.LoadX509KeyPair", err)
	}
	return &TLS{cfg: &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}}, nil
}

func (t *TLS) Accepts(uri string) bool {
	return strings.HasPrefix(uri, "tls://")
}

func (t *TLS) Connect(uri string) (Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.New(xerrors.InvalidInput, "tls.parseURI", err)
	}

	conn, err := tls.Dial("tcp", u.Host, t.cfg)
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tls.Connect", err)
	}
	return newFramedConn(conn, uri), nil
}

func (t *TLS) Listen(uri string) (Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.New(xerrors.InvalidInput, "tls.parseURI", err)
	}

	ln, err := tls.Listen("tcp", u.Host, t.cfg)
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tls.Listen", err)
	}
	return &tlsListener{ln: ln, uri: uri}, nil
}

type tlsListener struct {
	ln  net.Listener
	uri string
}

func (l *tlsListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, xerrors.New(xerrors.TransientIo, "tlsListener.Accept", err)
	}
	return newFramedConn(conn, conn.RemoteAddr().String()), nil
}

func (l *tlsListener) Close() error { return l.ln.Close() }

func (l *tlsListener) LocalEndpoint() string { return l.uri }
