package dispatch_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/internal/wire"
	"github.com/splinter-mesh/splinter/protocol"
)

type recordingSender struct {
	mu  sync.Mutex
	out []protocol.DomainMessage
}

func (s *recordingSender) Send(dest dispatch.SourceID, domain protocol.MessageType, msg protocol.DomainMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, msg)
	return nil
}

type echoHandler struct {
	received chan *protocol.Echo
}

func (h *echoHandler) MatchType() uint16 { return (&protocol.Echo{}).MsgType() }

func (h *echoHandler) HandleMessage(ctx dispatch.MessageContext, msg protocol.DomainMessage, sender dispatch.MessageSender) error {
	h.received <- msg.(*protocol.Echo)
	return sender.Send(ctx.SourceID, protocol.MsgEcho, msg)
}

func encodeRaw(t *testing.T, domain protocol.MessageType, msg protocol.DomainMessage) []byte {
	t.Helper()
	env, err := protocol.EncodeEnvelope(domain, msg)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = wire.WriteEnvelope(&buf, env)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestDispatchRoutesToHandler(t *testing.T) {
	sender := &recordingSender{}
	d := dispatch.New(protocol.MsgEcho, sender)

	h := &echoHandler{received: make(chan *protocol.Echo, 1)}
	d.SetHandler(h)

	raw := encodeRaw(t, protocol.MsgEcho, &protocol.Echo{Payload: []byte("ping")})
	require.NoError(t, d.DispatchBytes("peer-1", raw))

	select {
	case got := <-h.received:
		require.Equal(t, []byte("ping"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	require.Len(t, sender.out, 1)
}

func TestDispatchUnknownSubTypeDropsSilently(t *testing.T) {
	d := dispatch.New(protocol.MsgEcho, &recordingSender{})
	raw := encodeRaw(t, protocol.MsgEcho, &protocol.Echo{Payload: []byte("x")})
	require.NoError(t, d.DispatchBytes("peer-1", raw))
}

func TestDispatchDomainMismatchErrors(t *testing.T) {
	d := dispatch.New(protocol.MsgAdmin, &recordingSender{})
	raw := encodeRaw(t, protocol.MsgEcho, &protocol.Echo{Payload: []byte("x")})
	require.Error(t, d.DispatchBytes("peer-1", raw))
}

func TestLoopDispatchesAsynchronously(t *testing.T) {
	sender := &recordingSender{}
	d := dispatch.New(protocol.MsgEcho, sender)
	h := &echoHandler{received: make(chan *protocol.Echo, 1)}
	d.SetHandler(h)

	loop := dispatch.NewLoop(d, 8)
	defer loop.Stop()

	raw := encodeRaw(t, protocol.MsgEcho, &protocol.Echo{Payload: []byte("async")})
	require.NoError(t, loop.Enqueue("peer-1", raw))

	select {
	case got := <-h.received:
		require.Equal(t, []byte("async"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("loop never dispatched")
	}
}
