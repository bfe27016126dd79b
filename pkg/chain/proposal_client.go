package chain

import (
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

const (
	proposalQueueLen = 256
	dialTimeout      = 5 * time.Second
	pushAttempts     = 8
)

type clientItem struct {
	proposal *block.BlockProposal
	proof    *block.DAProof
}

// ProposalClient is the pusher half of the DA layer: it broadcasts this
// node's proposals to all peers, collects their DA sig shares from the
// replies, and pushes assembled DA proofs.
type ProposalClient struct {
	s      *Schain
	logger *logrus.Entry

	items chan *clientItem

	exit chan struct{}
	wg   sync.WaitGroup
}

func NewProposalClient(s *Schain) *ProposalClient {
	return &ProposalClient{
		s: s,
		logger: logging.Entry().WithField("component", "proposal-client").
			WithField("index", uint64(s.schainIndex)),
		items: make(chan *clientItem, proposalQueueLen),
		exit:  make(chan struct{}),
	}
}

func (pc *ProposalClient) Start() {
	pc.wg.Add(1)
	go pc.run()
}

func (pc *ProposalClient) Stop() {
	select {
	case <-pc.exit:
	default:
		close(pc.exit)
	}
	pc.wg.Wait()
}

func (pc *ProposalClient) EnqueueProposal(p *block.BlockProposal) {
	select {
	case pc.items <- &clientItem{proposal: p}:
	default:
		pc.logger.Error("proposal queue full, dropping item")
	}
}

func (pc *ProposalClient) EnqueueProof(p *block.DAProof) {
	select {
	case pc.items <- &clientItem{proof: p}:
	default:
		pc.logger.Error("proposal queue full, dropping item")
	}
}

func (pc *ProposalClient) run() {
	defer pc.wg.Done()

	for {
		select {
		case <-pc.exit:
			return
		case item := <-pc.items:
			pc.pushToAllPeers(item)
		}
	}
}

func (pc *ProposalClient) pushToAllPeers(item *clientItem) {
	var wg sync.WaitGroup

	for _, peer := range pc.s.table.Nodes() {
		if peer.SchainIndex == pc.s.schainIndex {
			continue
		}

		wg.Add(1)
		go func(peer *network.NodeInfo) {
			defer wg.Done()
			pc.pushToPeer(peer, item)
		}(peer)
	}

	wg.Wait()
}

// pushToPeer retries with backoff; a peer that stays down simply misses
// this item and recovers via catchup.
func (pc *ProposalClient) pushToPeer(peer *network.NodeInfo, item *clientItem) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	for attempt := 0; attempt < pushAttempts; attempt++ {
		var err error
		if item.proposal != nil {
			err = pc.sendProposal(peer, item.proposal)
		} else {
			err = pc.sendProof(peer, item.proof)
		}

		if err == nil {
			return
		}
		if errs.IsExitRequested(err) {
			return
		}

		pc.logger.WithError(err).WithField("peer", peer.ProposalAddr()).
			Debug("push failed, retrying")

		select {
		case <-pc.exit:
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (pc *ProposalClient) sendProposal(peer *network.NodeInfo, p *block.BlockProposal) error {
	conn, err := net.DialTimeout("tcp4", peer.ProposalAddr(), dialTimeout)
	if err != nil {
		return errors.Wrap(err, "dialing proposal port")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req := &srvMsg{
		Type:     srvMsgProposal,
		SchainID: uint64(pc.s.schainID),
		Proposal: &proposalMsg{
			BlockID:        uint64(p.BlockID()),
			ProposerIndex:  uint64(p.ProposerIndex()),
			ProposerNodeID: uint64(p.ProposerNodeID()),
			TimeStamp:      p.TimeStamp(),
			TimeStampMs:    p.TimeStampMs(),
			Hash:           p.Hash().Hex(),
			Sizes:          p.TransactionList().Sizes(),
			Signature:      p.Signature(),
		},
	}

	if err := writeMsg(conn, req); err != nil {
		return err
	}
	if err := writeFrame(conn, p.TransactionList().Serialize()); err != nil {
		return err
	}

	resp := &daShareResp{}
	if err := readMsg(conn, resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.Wrap(errs.ErrNetworkProtocol, "peer rejected proposal")
	}

	share := &crypto.SigShare{
		Signer: types.SchainIndex(resp.Signer),
		Data:   resp.Share,
	}

	if err := pc.s.cm.VerifyShare(p.Hash(), share.Data); err != nil {
		return err
	}

	return pc.s.DaProofSigShareArrived(share, p)
}

func (pc *ProposalClient) sendProof(peer *network.NodeInfo, proof *block.DAProof) error {
	conn, err := net.DialTimeout("tcp4", peer.ProposalAddr(), dialTimeout)
	if err != nil {
		return errors.Wrap(err, "dialing proposal port")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req := &srvMsg{
		Type:     srvMsgDAProof,
		SchainID: uint64(pc.s.schainID),
		DAProof:  proof,
	}

	if err := writeMsg(conn, req); err != nil {
		return err
	}

	resp := &ackResp{}
	if err := readMsg(conn, resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.Wrap(errs.ErrNetworkProtocol, "peer rejected da proof")
	}
	return nil
}
