// Package interconnect implements the peer interconnect: two background
// threads translating between the mesh's connection-ID space and the
// application dispatchers' peer-token space. Both threads follow the
// familiar queueHandler/writeHandler shape (a dedicated goroutine draining
// a channel, shut down cooperatively via a close rather than a raw kill).
package interconnect

import (
	"sync"

	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/mesh"
	"github.com/splinter-mesh/splinter/peer"
	"github.com/splinter-mesh/splinter/protocol"
)

var interconnectLog = log.NewSubsystem("ICNN")

// DomainRouter hands a decoded envelope's raw bytes to whatever application
// dispatcher owns that message's domain; dispatch.Loop.Enqueue satisfies
// this signature directly.
type DomainRouter interface {
	Enqueue(source dispatch.SourceID, raw []byte) error
}

// OutboundRequest is what Sender consumes: a payload to deliver to a
// specific peer.
type OutboundRequest struct {
	Recipient peer.PeerTokenPair
	Payload   []byte
}

// Interconnect owns the Receiver and Sender goroutines.
type Interconnect struct {
	mesh    *mesh.Mesh
	peers   *peer.Manager
	routers map[protocol.MessageType]DomainRouter

	outbound chan OutboundRequest

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Interconnect wired to mesh m and peer manager peers.
// routers maps each top-level message domain to the dispatcher loop that
// should receive it once its peer token is resolved.
func New(m *mesh.Mesh, peers *peer.Manager, routers map[protocol.MessageType]DomainRouter, outboundBuffer int) *Interconnect {
	return &Interconnect{
		mesh:     m,
		peers:    peers,
		routers:  routers,
		outbound: make(chan OutboundRequest, outboundBuffer),
		quit:     make(chan struct{}),
	}
}

// Start launches the Receiver and Sender goroutines.
func (ic *Interconnect) Start() {
	ic.wg.Add(2)
	go ic.receiveLoop()
	go ic.sendLoop()
}

// Stop cooperatively halts both goroutines. Idempotent.
func (ic *Interconnect) Stop() {
	ic.quitOnce.Do(func() { close(ic.quit) })
	ic.wg.Wait()
}

// Send queues payload for delivery to recipient; Sender resolves it to a
// connection ID and writes it to the mesh.
func (ic *Interconnect) Send(recipient peer.PeerTokenPair, payload []byte) error {
	select {
	case ic.outbound <- OutboundRequest{Recipient: recipient, Payload: payload}:
		return nil
	case <-ic.quit:
		return xerrors.New(xerrors.TransientIo, "Interconnect.Send", nil)
	}
}

// receiveLoop reads envelopes from the mesh, resolves connection_id ->
// peer_token via the peer manager's bihash, and re-dispatches to the
// application dispatcher keyed by that token.
func (ic *Interconnect) receiveLoop() {
	defer ic.wg.Done()

	for {
		env, err := ic.mesh.Recv()
		if err != nil {
			interconnectLog.Debugf("receive loop exiting: %v", err)
			return
		}

		select {
		case <-ic.quit:
			return
		default:
		}

		token, ok := ic.peers.ConnectionIDs().GetByValue(env.ID)
		if !ok {
			interconnectLog.Warnf("dropping message from unresolvable connection %v", env.ID)
			continue
		}

		domain, err := peekDomain(env.Payload)
		if err != nil {
			interconnectLog.Warnf("dropping malformed envelope from %v: %v", token, err)
			continue
		}

		router, ok := ic.routers[domain]
		if !ok {
			interconnectLog.Debugf("no router registered for domain %v", domain)
			continue
		}

		if err := router.Enqueue(dispatch.SourceID(token.String()), env.Payload); err != nil {
			interconnectLog.Warnf("failed to enqueue message from %v: %v", token, err)
		}
	}
}

// sendLoop drains outbound requests, resolving each recipient's peer token
// to a connection ID and writing the payload to the mesh.
func (ic *Interconnect) sendLoop() {
	defer ic.wg.Done()

	for {
		select {
		case req := <-ic.outbound:
			connID, ok := ic.peers.ConnectionIDs().GetByKey(req.Recipient)
			if !ok {
				interconnectLog.Warnf("dropping outbound message: no connection for %v", req.Recipient)
				continue
			}
			if err := ic.mesh.Send(connID, req.Payload); err != nil {
				interconnectLog.Warnf("failed to send to %v: %v", req.Recipient, err)
			}
		case <-ic.quit:
			return
		}
	}
}

// peekDomain reads just the 2-byte type prefix of a wire.Envelope without
// decoding the whole payload, since the interconnect only needs to pick a
// router, not parse the domain message itself.
func peekDomain(raw []byte) (protocol.MessageType, error) {
	if len(raw) < 2 {
		return 0, xerrors.New(xerrors.ProtocolViolation, "interconnect.peekDomain", nil)
	}
	return protocol.MessageType(uint16(raw[0])<<8 | uint16(raw[1])), nil
}
