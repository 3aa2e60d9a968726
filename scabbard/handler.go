package scabbard

import (
	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
)

// Handlers returns the dispatch.Handler set that feeds every scabbard wire
// message to svc, one handler per MsgType sub-type, for registration with a
// circuit's dispatcher.
func Handlers(svc *Service) []dispatch.Handler {
	return []dispatch.Handler{
		&newBatchHandler{svc},
		&proposalHandler{svc},
		&voteHandler{svc},
		&commitHandler{svc},
		&abortHandler{svc},
		&tooManyRequestsHandler{svc},
		&acceptingRequestsHandler{svc},
	}
}

type newBatchHandler struct{ svc *Service }

func (h *newBatchHandler) MatchType() uint16 { return (&protocol.NewBatch{}).MsgType() }

func (h *newBatchHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.NewBatch)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.newBatchHandler", nil)
	}
	return h.svc.HandleNewBatch(m)
}

type proposalHandler struct{ svc *Service }

func (h *proposalHandler) MatchType() uint16 { return (&protocol.Proposal{}).MsgType() }

func (h *proposalHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.Proposal)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.proposalHandler", nil)
	}
	return h.svc.HandleProposal(m)
}

type voteHandler struct{ svc *Service }

func (h *voteHandler) MatchType() uint16 { return (&protocol.Vote{}).MsgType() }

func (h *voteHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.Vote)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.voteHandler", nil)
	}
	return h.svc.HandleVote(m)
}

type commitHandler struct{ svc *Service }

func (h *commitHandler) MatchType() uint16 { return (&protocol.Commit{}).MsgType() }

func (h *commitHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.Commit)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.commitHandler", nil)
	}
	return h.svc.HandleCommit(m)
}

type abortHandler struct{ svc *Service }

func (h *abortHandler) MatchType() uint16 { return (&protocol.Abort{}).MsgType() }

func (h *abortHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.Abort)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.abortHandler", nil)
	}
	return h.svc.HandleAbort(m)
}

type tooManyRequestsHandler struct{ svc *Service }

func (h *tooManyRequestsHandler) MatchType() uint16 { return (&protocol.TooManyRequests{}).MsgType() }

func (h *tooManyRequestsHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.TooManyRequests)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.tooManyRequestsHandler", nil)
	}
	return h.svc.HandleTooManyRequests(m)
}

type acceptingRequestsHandler struct{ svc *Service }

func (h *acceptingRequestsHandler) MatchType() uint16 {
	return (&protocol.AcceptingRequests{}).MsgType()
}

func (h *acceptingRequestsHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	m, ok := msg.(*protocol.AcceptingRequests)
	if !ok {
		return xerrors.New(xerrors.Internal, "scabbard.acceptingRequestsHandler", nil)
	}
	return h.svc.HandleAcceptingRequests(m)
}
