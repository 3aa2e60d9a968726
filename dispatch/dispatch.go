// Package dispatch implements the typed message dispatcher: a handler
// registry indexed by message type, a single dispatch entry point, and an
// optional loop variant that owns its own goroutine and an mpmc inbound
// queue. The handler index itself is grounded on htlcswitch.Switch's
// linkIndex/forwardingIndex map-under-mutex pattern, generalized from
// channel IDs to protocol message types.
package dispatch

import (
	"bytes"
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/splinter-mesh/splinter/internal/log"
	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
)

const dispatchTag = "DISP"

var dispatchLog = log.NewSubsystem(dispatchTag)

// SourceID identifies where an inbound message came from in whatever ID
// space the caller is dispatching over (a peer token string, a connection
// ID, etc). The dispatcher itself is agnostic to which.
type SourceID string

// MessageContext is handed to a Handler alongside the parsed message.
type MessageContext struct {
	SourceID SourceID
	Type     protocol.MessageType
	SubType  uint16
}

// MessageSender lets a handler emit replies without the dispatcher
// exposing its own transport plumbing to handler code.
type MessageSender interface {
	Send(dest SourceID, domain protocol.MessageType, msg protocol.DomainMessage) error
}

// Handler processes one message type within one domain.
type Handler interface {
	// MatchType returns the domain sub-type this handler accepts.
	MatchType() uint16
	HandleMessage(ctx MessageContext, msg protocol.DomainMessage, sender MessageSender) error
}

// Dispatcher routes domain messages to registered handlers by sub-type.
// Safe for concurrent SetHandler/Dispatch calls.
type Dispatcher struct {
	domain protocol.MessageType
	sender MessageSender

	mu       sync.RWMutex
	handlers map[uint16]Handler
}

// New creates a Dispatcher for one message domain (Authorization, Circuit,
// Admin, Scabbard, ...). sender is used by handlers to emit replies.
func New(domain protocol.MessageType, sender MessageSender) *Dispatcher {
	return &Dispatcher{
		domain:   domain,
		sender:   sender,
		handlers: make(map[uint16]Handler),
	}
}

// SetHandler indexes h by h.MatchType(), replacing any prior handler for
// that sub-type.
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.MatchType()] = h
}

// Dispatch invokes the handler registered for subType with env, a message
// of this dispatcher's domain that has already been decoded. An
// unrecognized sub-type is logged and dropped, not an error; handler errors
// propagate to the caller unchanged. Parsing, and the ProtocolViolation
// error on a parse failure, happen in DispatchBytes.
func (d *Dispatcher) Dispatch(source SourceID, env protocol.DomainMessage, subType uint16) error {
	d.mu.RLock()
	h, ok := d.handlers[subType]
	d.mu.RUnlock()

	if !ok {
		dispatchLog.Debugf("dropping message: no handler for domain %v sub-type %d",
			d.domain, subType)
		log.TraceDump(dispatchTag, "dropped message", env)
		return nil
	}

	ctx := MessageContext{SourceID: source, Type: d.domain, SubType: subType}
	return h.HandleMessage(ctx, env, d.sender)
}

// DispatchBytes parses raw as a transport-level wire.Envelope, verifies its
// type matches this dispatcher's domain, decodes the domain message inside
// it, and routes it. Returns a ProtocolViolation error on malformed input or
// a domain mismatch.
func (d *Dispatcher) DispatchBytes(source SourceID, raw []byte) error {
	env, err := wire.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return xerrors.New(xerrors.ProtocolViolation, "Dispatcher.DispatchBytes", err)
	}
	if protocol.MessageType(env.Type) != d.domain {
		return xerrors.New(xerrors.ProtocolViolation, "Dispatcher.DispatchBytes", nil)
	}

	msg, err := protocol.DecodeEnvelope(env)
	if err != nil {
		return xerrors.New(xerrors.ProtocolViolation, "Dispatcher.DispatchBytes", err)
	}
	return d.Dispatch(source, msg, msg.MsgType())
}

// inboundItem is one queued message awaiting processing by a Loop.
type inboundItem struct {
	source SourceID
	raw    []byte
}

// Loop wraps a Dispatcher with its own goroutine and a bounded mpmc inbound
// queue, the "dispatch loop variant". It consumes the same
// queue.ConcurrentQueue type the mesh uses for its per-connection outbound
// queues, since both share the same backpressure semantics.
type Loop struct {
	dispatcher *Dispatcher
	inbound    *queue.ConcurrentQueue

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoop starts a Loop around dispatcher with a queue of the given bound.
// queue.ConcurrentQueue carries interface{}, so inboundItem values are
// type-asserted back out of ChanOut in run.
func NewLoop(dispatcher *Dispatcher, queueBuffer int) *Loop {
	l := &Loop{
		dispatcher: dispatcher,
		inbound:    queue.NewConcurrentQueue(queueBuffer),
		quit:       make(chan struct{}),
	}
	l.inbound.Start()
	l.wg.Add(1)
	go l.run()
	return l
}

// Enqueue hands raw bytes to the loop for asynchronous dispatch. Blocks if
// the inbound queue is full, applying backpressure to the caller (normally
// the peer interconnect's receiver thread).
func (l *Loop) Enqueue(source SourceID, raw []byte) error {
	item := inboundItem{source: source, raw: raw}
	select {
	case l.inbound.ChanIn() <- item:
		return nil
	case <-l.quit:
		return xerrors.New(xerrors.TransientIo, "Loop.Enqueue", nil)
	}
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case v := <-l.inbound.ChanOut():
			item := v.(inboundItem)
			if err := l.dispatcher.DispatchBytes(item.source, item.raw); err != nil {
				dispatchLog.Errorf("dispatch failed for source %v: %v", item.source, err)
			}
		case <-l.quit:
			return
		}
	}
}

// ShutdownSignaler returns the channel that closes when Stop is called,
// letting other components select on the loop's lifetime.
func (l *Loop) ShutdownSignaler() <-chan struct{} {
	return l.quit
}

// Stop cooperatively halts the loop's goroutine. Idempotent.
func (l *Loop) Stop() {
	l.quitOnce.Do(func() {
		close(l.quit)
	})
	l.wg.Wait()
	l.inbound.Stop()
}
