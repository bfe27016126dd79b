package chain

import (
	"net"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

// ProposalServer is the DA layer's receiving side: it stores peer
// proposals, answers with this node's DA sig share, accepts assembled DA
// proofs, and serves finalize downloads.
type ProposalServer struct {
	s   *Schain
	srv *tcpServer
}

func NewProposalServer(s *Schain, bindIP string, port uint16) (*ProposalServer, error) {
	ps := &ProposalServer{s: s}

	srv, err := newTCPServer("proposal-server", bindIP, port, ps.handle)
	if err != nil {
		return nil, err
	}
	ps.srv = srv

	return ps, nil
}

func (ps *ProposalServer) Start() {
	ps.srv.start()
}

func (ps *ProposalServer) Stop() {
	ps.srv.stop()
}

func (ps *ProposalServer) handle(conn net.Conn) {
	req := &srvMsg{}
	if err := readMsg(conn, req); err != nil {
		ps.srv.logger.WithError(err).Debug("reading request")
		return
	}

	if types.SchainID(req.SchainID) != ps.s.schainID {
		ps.srv.logger.WithError(errors.Wrapf(errs.ErrInvalidSchain,
			"schain id %d", req.SchainID)).Error("rejecting request")
		return
	}

	var err error
	switch req.Type {
	case srvMsgPing:
		err = writeMsg(conn, &ackResp{OK: true})
	case srvMsgProposal:
		err = ps.handleProposal(conn, req.Proposal)
	case srvMsgDAProof:
		err = ps.handleDAProof(conn, req.DAProof)
	case srvMsgFinalize:
		err = ps.handleFinalize(conn, req.Finalize)
	default:
		err = errors.Wrapf(errs.ErrInvalidMessageFormat, "request type %d", req.Type)
	}

	if err != nil && !errs.IsExitRequested(err) {
		ps.srv.logger.WithError(err).Error("handling request")
	}
}

// handleProposal validates and stores a pushed proposal and answers with
// this node's DA sig share.
func (ps *ProposalServer) handleProposal(conn net.Conn, hdr *proposalMsg) error {
	if hdr == nil {
		return errors.Wrap(errs.ErrInvalidMessageFormat, "missing proposal header")
	}

	payload, err := readFrame(conn)
	if err != nil {
		return err
	}

	list, err := tx.DeserializeList(hdr.Sizes, payload)
	if err != nil {
		return err
	}

	p := block.NewBlockProposal(ps.s.schainID, types.BlockID(hdr.BlockID),
		types.SchainIndex(hdr.ProposerIndex), types.NodeID(hdr.ProposerNodeID),
		hdr.TimeStamp, hdr.TimeStampMs, list)

	claimed, err := crypto.HashFromHex(hdr.Hash)
	if err != nil {
		return err
	}
	if !p.Hash().Equal(claimed) {
		writeMsg(conn, &daShareResp{OK: false})
		return errors.Wrap(errs.ErrInvalidArgument, "proposal hash mismatch")
	}

	p.SetSignature(hdr.Signature)
	if err := p.VerifySignature(ps.s.cm); err != nil {
		writeMsg(conn, &daShareResp{OK: false})
		return err
	}

	// at most one proposal hash per (height, proposer); a different hash
	// for a stored slot is equivocation
	fresh, err := ps.s.store.CheckAndSaveProposalHash(p.BlockID(), p.ProposerIndex(), p.Hash())
	if err != nil {
		return err
	}
	if !fresh {
		stored, err := ps.s.store.GetProposal(p.BlockID(), p.ProposerIndex())
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		if stored != nil && !stored.Hash().Equal(p.Hash()) {
			writeMsg(conn, &daShareResp{OK: false})
			return errors.Wrapf(errs.ErrInvalidState,
				"conflicting proposal for %d:%d", p.BlockID(), p.ProposerIndex())
		}
	}

	if err := ps.s.ProposedBlockArrived(p); err != nil {
		return err
	}

	share, err := ps.s.cm.SignShare(p.Hash())
	if err != nil {
		return err
	}

	return writeMsg(conn, &daShareResp{
		OK:     true,
		Signer: uint64(share.Signer),
		Share:  share.Data,
	})
}

func (ps *ProposalServer) handleDAProof(conn net.Conn, proof *block.DAProof) error {
	if proof == nil {
		return errors.Wrap(errs.ErrInvalidMessageFormat, "missing da proof")
	}

	if err := ps.s.DAProofArrived(proof); err != nil {
		writeMsg(conn, &ackResp{OK: false})
		return err
	}

	return writeMsg(conn, &ackResp{OK: true})
}

// handleFinalize serves a stored proposal plus its DA proof to a node that
// decided on a proposer it never heard from.
func (ps *ProposalServer) handleFinalize(conn net.Conn, req *finalizeReqMsg) error {
	if req == nil {
		return errors.Wrap(errs.ErrInvalidMessageFormat, "missing finalize request")
	}

	id := types.BlockID(req.BlockID)
	idx := types.SchainIndex(req.ProposerIndex)

	p, err := ps.s.store.GetProposal(id, idx)
	if err == storage.ErrNotFound {
		return writeMsg(conn, &finalizeResp{Found: false})
	}
	if err != nil {
		return err
	}

	proof, err := ps.s.store.GetDAProof(id, idx)
	if err == storage.ErrNotFound {
		return writeMsg(conn, &finalizeResp{Found: false})
	}
	if err != nil {
		return err
	}

	sp, err := block.MakeCommitted(p, nil).Serialize()
	if err != nil {
		return err
	}

	return writeMsg(conn, &finalizeResp{
		Found:    true,
		Proposal: sp,
		Proof:    proof,
	})
}
