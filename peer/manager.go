// Package peer implements the reference-counted peer manager: a handle
// type callers acquire and release, with the underlying connection kept
// alive as long as its refcount is positive. Its connection_ids() index is
// a generic BiMap (bimap.go) grounded on htlcswitch.Switch's
// linkIndex/forwardingIndex/interfaceIndex map trio (htlcswitch/switch.go);
// refcount bookkeeping under a single mutex follows the same "map guarded
// by one lock, handles hold only metadata" shape.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/mesh"
	"github.com/splinter-mesh/splinter/metrics"
)

var peerLog = log.NewSubsystem("PEER")

// ConnectionID identifies a connection in the mesh's ID space.
type ConnectionID = mesh.ConnID

// TokenKind discriminates PeerAuthorizationToken's tagged union.
type TokenKind int

const (
	TokenTrust TokenKind = iota
	TokenChallenge
)

// PeerAuthorizationToken is the tagged union `{ Trust(peer_id) |
// Challenge(public_key) }`.
type PeerAuthorizationToken struct {
	Kind      TokenKind
	PeerID    string // set when Kind == TokenTrust
	PublicKey string // hex-encoded, set when Kind == TokenChallenge
}

func (t PeerAuthorizationToken) String() string {
	switch t.Kind {
	case TokenTrust:
		return "trust::" + t.PeerID
	case TokenChallenge:
		return "challenge::" + t.PublicKey
	default:
		return "unknown"
	}
}

// PeerTokenPair bundles a remote token with the local token presented to
// that remote, since the same remote may authorize different local
// identities on different circuits.
type PeerTokenPair struct {
	Remote PeerAuthorizationToken
	Local  PeerAuthorizationToken
}

func (p PeerTokenPair) String() string {
	return p.Remote.String() + "|" + p.Local.String()
}

// PeerStatusKind enumerates PeerStatus's tagged union.
type PeerStatusKind int

const (
	StatusConnected PeerStatusKind = iota
	StatusPending
	StatusDisconnected
)

// PeerStatus is `Connected | Pending | Disconnected{retry_attempts}`.
type PeerStatus struct {
	Kind          PeerStatusKind
	RetryAttempts int // meaningful only when Kind == StatusDisconnected
}

// PeerMetadata is the mutable record the peer manager keeps per token
// pair. Identity (the token pair itself) is immutable
// once created; every other field may be mutated via UpdatePeer.
type PeerMetadata struct {
	TokenPair             PeerTokenPair
	ConnectionID          ConnectionID
	Endpoints             []string
	ActiveEndpoint        string
	Status                PeerStatus
	LastConnectionAttempt time.Time
	RetryFrequency        time.Duration
	RequiredLocalAuth     PeerAuthorizationToken
}

// Connector is the subset of connmgr.Manager the peer manager needs: ask
// it to establish or tear down a connection to a peer's endpoints.
type Connector interface {
	ScheduleReconnect(id string, endpoints []string)
	Disconnect(id string)
}

// Manager is the reference-counted peer registry.
type Manager struct {
	mu        sync.Mutex
	refcounts map[string]int
	metadata  map[string]*PeerMetadata
	connIDs   *BiMap[PeerTokenPair, ConnectionID]

	strictRefcounting bool
	connector         Connector
	metrics           *metrics.PeerMetrics
}

// Config parameterizes a Manager.
type Config struct {
	// StrictRefcounting panics on a decrement below zero; otherwise such a
	// decrement is logged and ignored.
	StrictRefcounting bool
	Connector         Connector
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.PeerMetrics
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		refcounts: make(map[string]int),
		metadata:  make(map[string]*PeerMetadata),
		connIDs:   NewBiMap[PeerTokenPair, ConnectionID](),

		strictRefcounting: cfg.StrictRefcounting,
		connector:         cfg.Connector,
		metrics:           cfg.Metrics,
	}
}

// PeerRef is a refcounted handle to one peer; dropping it (via Release)
// decrements the peer's refcount, removing the peer entirely at zero.
type PeerRef struct {
	mgr   *Manager
	token PeerTokenPair

	releaseOnce sync.Once
}

// Token returns the token pair this ref is for.
func (r *PeerRef) Token() PeerTokenPair { return r.token }

// Release decrements the peer's refcount. Idempotent per ref: calling it
// twice on the same *PeerRef only decrements once.
func (r *PeerRef) Release() {
	r.releaseOnce.Do(func() {
		r.mgr.dropRef(r.token)
	})
}

// AddPeerRef increments token's refcount, creating the peer's metadata (as
// Pending, asking the connector to establish a connection) on the first
// reference.
func (m *Manager) AddPeerRef(token PeerTokenPair, endpoints []string, requiredLocalAuth PeerAuthorizationToken) (*PeerRef, error) {
	if len(endpoints) == 0 {
		return nil, xerrors.New(xerrors.InvalidInput, "peer.AddPeerRef", nil)
	}

	key := token.String()

	m.mu.Lock()
	m.refcounts[key]++
	first := m.refcounts[key] == 1
	if first {
		m.metadata[key] = &PeerMetadata{
			TokenPair:         token,
			Endpoints:         endpoints,
			Status:            PeerStatus{Kind: StatusPending},
			RequiredLocalAuth: requiredLocalAuth,
		}
	}
	m.mu.Unlock()

	if first {
		if m.connector != nil {
			m.connector.ScheduleReconnect(key, endpoints)
		}
		if m.metrics != nil {
			m.metrics.PendingConnections.Inc()
		}
	}

	return &PeerRef{mgr: m, token: token}, nil
}

func (m *Manager) dropRef(token PeerTokenPair) {
	key := token.String()

	m.mu.Lock()
	count, ok := m.refcounts[key]
	if !ok {
		m.mu.Unlock()
		if m.strictRefcounting {
			panic(fmt.Sprintf("peer: refcount decrement below zero for %s", key))
		}
		peerLog.Warnf("refcount decrement for unknown peer %s ignored", key)
		return
	}

	count--
	if count < 0 {
		m.mu.Unlock()
		if m.strictRefcounting {
			panic(fmt.Sprintf("peer: refcount decrement below zero for %s", key))
		}
		peerLog.Warnf("refcount decrement below zero for %s ignored", key)
		return
	}

	var shouldDisconnect bool
	var lastStatus PeerStatusKind
	if count == 0 {
		if existing, ok := m.metadata[key]; ok {
			lastStatus = existing.Status.Kind
		}
		delete(m.refcounts, key)
		delete(m.metadata, key)
		m.connIDs.RemoveByKey(token)
		shouldDisconnect = true
	} else {
		m.refcounts[key] = count
	}
	m.mu.Unlock()

	if shouldDisconnect {
		if m.connector != nil {
			m.connector.Disconnect(key)
		}
		if m.metrics != nil {
			switch lastStatus {
			case StatusConnected:
				m.metrics.ConnectedPeers.Dec()
			default:
				m.metrics.PendingConnections.Dec()
			}
		}
	}
}

// ConnectionIDs returns the manager's bidirectional token-pair<->connection
// ID index.
func (m *Manager) ConnectionIDs() *BiMap[PeerTokenPair, ConnectionID] {
	return m.connIDs
}

// UpdatePeer mutates every field of an existing peer's metadata except its
// token pair (the identity). The token pair must already exist.
func (m *Manager) UpdatePeer(update PeerMetadata) error {
	key := update.TokenPair.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.metadata[key]
	if !ok {
		return xerrors.New(xerrors.InvalidInput, "peer.UpdatePeer", nil)
	}

	prevStatus := existing.Status.Kind
	update.TokenPair = existing.TokenPair
	m.metadata[key] = &update

	if update.ConnectionID != "" {
		m.connIDs.Put(update.TokenPair, update.ConnectionID)
	}

	if m.metrics != nil && update.Status.Kind != prevStatus {
		gaugeFor(prevStatus, m.metrics).Dec()
		gaugeFor(update.Status.Kind, m.metrics).Inc()
	}
	return nil
}

// gaugeFor maps a peer status to the gauge that tracks it; Pending and
// Disconnected share the "not yet usable" gauge since both describe a peer
// the connection manager is actively trying to reach.
func gaugeFor(kind PeerStatusKind, m *metrics.PeerMetrics) prometheus.Gauge {
	if kind == StatusConnected {
		return m.ConnectedPeers
	}
	return m.PendingConnections
}

// Get returns a copy of the current metadata for token, if known.
func (m *Manager) Get(token PeerTokenPair) (PeerMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.metadata[token.String()]
	if !ok {
		return PeerMetadata{}, false
	}
	return *md, true
}

// RefCount returns the current reference count for token (0 if unknown).
func (m *Manager) RefCount(token PeerTokenPair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcounts[token.String()]
}
