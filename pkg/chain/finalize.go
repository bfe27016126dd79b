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
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// FinalizeDownloader pulls a decided proposal this node never received.
// Only 2f+1 nodes are guaranteed to hold a proposal with a DA proof, so
// after a decision the proposal may have to come from a peer. Peers are
// queried in parallel; any response whose proposal matches a valid 2f+1
// threshold proof of the hash is accepted.
type FinalizeDownloader struct {
	s      *Schain
	logger *logrus.Entry

	blockID  types.BlockID
	proposer types.SchainIndex
}

func NewFinalizeDownloader(s *Schain, id types.BlockID, proposer types.SchainIndex) *FinalizeDownloader {
	return &FinalizeDownloader{
		s: s,
		logger: logging.Entry().WithField("component", "finalize-downloader").
			WithFields(logging.Fields{
				"block":    uint64(id),
				"proposer": uint64(proposer),
			}),
		blockID:  id,
		proposer: proposer,
	}
}

// DownloadProposal blocks until the proposal is fetched, the block arrives
// through catchup (returns nil), or shutdown.
func (fd *FinalizeDownloader) DownloadProposal() (*block.BlockProposal, error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	for {
		if err := fd.s.checkForExit(); err != nil {
			return nil, err
		}

		// catchup may beat us to the whole block
		if fd.s.LastCommittedBlockID() >= fd.blockID {
			return nil, nil
		}

		if p := fd.queryAllPeers(); p != nil {
			return p, nil
		}

		select {
		case <-fd.s.exit:
			return nil, errs.ErrExitRequested
		case <-time.After(b.Duration()):
		}
	}
}

func (fd *FinalizeDownloader) queryAllPeers() *block.BlockProposal {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *block.BlockProposal
	)

	for _, peer := range fd.s.table.Nodes() {
		if peer.SchainIndex == fd.s.schainIndex {
			continue
		}

		wg.Add(1)
		go func(peer *network.NodeInfo) {
			defer wg.Done()

			p, err := fd.fetchFromPeer(peer)
			if err != nil {
				fd.logger.WithError(err).WithField("peer", peer.ProposalAddr()).
					Debug("finalize fetch failed")
				return
			}
			if p == nil {
				return
			}

			mu.Lock()
			if result == nil {
				result = p
			}
			mu.Unlock()
		}(peer)
	}

	wg.Wait()
	return result
}

func (fd *FinalizeDownloader) fetchFromPeer(peer *network.NodeInfo) (*block.BlockProposal, error) {
	conn, err := net.DialTimeout("tcp4", peer.ProposalAddr(), dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "dialing proposal port")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req := &srvMsg{
		Type:     srvMsgFinalize,
		SchainID: uint64(fd.s.schainID),
		Finalize: &finalizeReqMsg{
			BlockID:       uint64(fd.blockID),
			ProposerIndex: uint64(fd.proposer),
		},
	}

	if err := writeMsg(conn, req); err != nil {
		return nil, err
	}

	resp := &finalizeResp{}
	if err := readMsg(conn, resp); err != nil {
		return nil, err
	}
	if !resp.Found || resp.Proof == nil {
		return nil, nil
	}

	cb, err := block.Deserialize(resp.Proposal)
	if err != nil {
		return nil, err
	}
	p := cb.BlockProposal

	if p.BlockID() != fd.blockID || p.ProposerIndex() != fd.proposer {
		return nil, errors.Wrap(errs.ErrNetworkProtocol, "finalize response for wrong key")
	}

	if err := p.VerifyHash(); err != nil {
		return nil, err
	}

	if resp.Proof.BlockID != fd.blockID || resp.Proof.ProposerIndex != fd.proposer ||
		!resp.Proof.ProposalHash.Equal(p.Hash()) {
		return nil, errors.Wrap(errs.ErrNetworkProtocol, "da proof does not match proposal")
	}

	if err := resp.Proof.Verify(fd.s.cm); err != nil {
		return nil, err
	}

	return p, nil
}
