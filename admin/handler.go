package admin

import (
	"github.com/splinter-mesh/splinter/dispatch"
	"github.com/splinter-mesh/splinter/internal/xerrors"
	"github.com/splinter-mesh/splinter/protocol"
)

// proposalSubmitHandler adapts protocol.ProposalSubmit's wire shape into
// Service.HandleProposalSubmit, decoding ProposalDoc into a full Proposal.
type proposalSubmitHandler struct {
	svc *Service
}

// NewProposalSubmitHandler returns the dispatch.Handler that feeds inbound
// ProposalSubmit envelopes to svc.
func NewProposalSubmitHandler(svc *Service) dispatch.Handler {
	return &proposalSubmitHandler{svc: svc}
}

func (h *proposalSubmitHandler) MatchType() uint16 { return (&protocol.ProposalSubmit{}).MsgType() }

func (h *proposalSubmitHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	submit, ok := msg.(*protocol.ProposalSubmit)
	if !ok {
		return xerrors.New(xerrors.Internal, "admin.proposalSubmitHandler", nil)
	}

	p, err := decodeProposalDoc(submit.ProposalDoc)
	if err != nil {
		return xerrors.New(xerrors.InvalidInput, "admin.proposalSubmitHandler", err)
	}
	return h.svc.HandleProposalSubmit(p)
}

// proposalVoteHandler adapts protocol.ProposalVote into Service.HandleVote.
type proposalVoteHandler struct {
	svc *Service
}

// NewProposalVoteHandler returns the dispatch.Handler that feeds inbound
// ProposalVote envelopes to svc.
func NewProposalVoteHandler(svc *Service) dispatch.Handler {
	return &proposalVoteHandler{svc: svc}
}

func (h *proposalVoteHandler) MatchType() uint16 { return (&protocol.ProposalVote{}).MsgType() }

func (h *proposalVoteHandler) HandleMessage(_ dispatch.MessageContext, msg protocol.DomainMessage, _ dispatch.MessageSender) error {
	vote, ok := msg.(*protocol.ProposalVote)
	if !ok {
		return xerrors.New(xerrors.Internal, "admin.proposalVoteHandler", nil)
	}
	return h.svc.HandleVote(*vote)
}
