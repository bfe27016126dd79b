package chain

import (
	"math/rand"
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

const catchupInterval = time.Second

// CatchupClient periodically pulls committed blocks this node is missing
// from randomly chosen peers.
type CatchupClient struct {
	s      *Schain
	logger *logrus.Entry

	rnd *rand.Rand
	b   *backoff.Backoff

	exit chan struct{}
	wg   sync.WaitGroup
}

func NewCatchupClient(s *Schain) *CatchupClient {
	return &CatchupClient{
		s: s,
		logger: logging.Entry().WithField("component", "catchup-client").
			WithField("index", uint64(s.schainIndex)),
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		b: &backoff.Backoff{
			Min:    catchupInterval,
			Max:    30 * time.Second,
			Jitter: true,
		},
		exit: make(chan struct{}),
	}
}

func (cc *CatchupClient) Start() {
	cc.wg.Add(1)
	go cc.run()
}

func (cc *CatchupClient) Stop() {
	select {
	case <-cc.exit:
	default:
		close(cc.exit)
	}
	cc.wg.Wait()
}

func (cc *CatchupClient) run() {
	defer cc.wg.Done()

	for {
		select {
		case <-cc.exit:
			return
		case <-time.After(cc.b.Duration()):
		}

		got, err := cc.syncOnce()
		if err != nil {
			if errs.IsExitRequested(err) {
				return
			}
			cc.logger.WithError(err).Debug("catchup attempt failed")
			continue
		}

		if got {
			cc.b.Reset()
		}
	}
}

func (cc *CatchupClient) randomPeer() *network.NodeInfo {
	peers := make([]*network.NodeInfo, 0, cc.s.n-1)
	for _, ni := range cc.s.table.Nodes() {
		if ni.SchainIndex != cc.s.schainIndex {
			peers = append(peers, ni)
		}
	}
	return peers[cc.rnd.Intn(len(peers))]
}

// syncOnce requests blocks above lastCommitted from one peer, validates
// them, and hands them to the orchestrator in order.
func (cc *CatchupClient) syncOnce() (bool, error) {
	peer := cc.randomPeer()

	list, err := cc.fetch(peer)
	if err != nil {
		return false, err
	}
	if list == nil || len(list.Blocks()) == 0 {
		return false, nil
	}

	if err := cc.validate(list); err != nil {
		return false, err
	}

	if err := cc.s.BlockCommitsArrivedThroughCatchup(list); err != nil {
		return false, err
	}

	return true, nil
}

func (cc *CatchupClient) fetch(peer *network.NodeInfo) (*block.CommittedBlockList, error) {
	conn, err := net.DialTimeout("tcp4", peer.CatchupAddr(), dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "dialing catchup port")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req := &srvMsg{
		Type:     srvMsgCatchup,
		SchainID: uint64(cc.s.schainID),
		Catchup: &catchupReqMsg{
			FromBlockID: uint64(cc.s.LastCommittedBlockID() + 1),
		},
	}

	if err := writeMsg(conn, req); err != nil {
		return nil, err
	}

	resp := &catchupResp{}
	if err := readMsg(conn, resp); err != nil {
		return nil, err
	}
	if len(resp.Blocks) == 0 {
		return nil, nil
	}

	return block.DeserializeList(resp.Blocks)
}

// validate checks contiguity and the threshold signature of every block in
// the batch; a single-byte corruption anywhere in a block body is caught
// here, not by structural parsing.
func (cc *CatchupClient) validate(list *block.CommittedBlockList) error {
	expected := cc.s.LastCommittedBlockID() + 1

	for i, b := range list.Blocks() {
		if b.BlockID() != expected+types.BlockID(i) {
			return errors.Wrapf(errs.ErrNetworkProtocol,
				"catchup batch not contiguous at %d", b.BlockID())
		}
		if err := b.VerifyThresholdSig(cc.s.cm); err != nil {
			return err
		}
	}
	return nil
}
