package chain

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/consensus"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/types"
)

// memHub is an in-process datagram fabric keyed by "ip:port".
type memHub struct {
	mu      sync.Mutex
	inboxes map[string]chan hubFrame
}

type hubFrame struct {
	data []byte
	src  net.IP
}

func newMemHub() *memHub {
	return &memHub{inboxes: make(map[string]chan hubFrame)}
}

func (h *memHub) register(addr string) chan hubFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan hubFrame, 4096)
	h.inboxes[addr] = ch
	return ch
}

type hubConn struct {
	hub    *memHub
	inbox  chan hubFrame
	src    net.IP
	closed chan struct{}
}

func (h *memHub) connect(addr string, src net.IP) *hubConn {
	return &hubConn{
		hub:    h,
		inbox:  h.register(addr),
		src:    src,
		closed: make(chan struct{}),
	}
}

func (c *hubConn) Send(addr string, frame []byte) bool {
	c.hub.mu.Lock()
	inbox, ok := c.hub.inboxes[addr]
	c.hub.mu.Unlock()
	if !ok {
		return false
	}

	data := make([]byte, len(frame))
	copy(data, frame)

	select {
	case inbox <- hubFrame{data: data, src: c.src}:
		return true
	default:
		return false
	}
}

func (c *hubConn) Receive(buf []byte) (int, net.IP, error) {
	select {
	case f := <-c.inbox:
		return copy(buf, f.data), f.src, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *hubConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type e2eNode struct {
	s     *Schain
	net   *network.Network
	store *storage.MemStore
	ext   *extRecorder
	cm    *crypto.Manager
}

// newE2ECluster wires n full schains over a shared datagram hub. The TCP
// agents stay down; the test shuttles proposals and DA artifacts by hand.
func newE2ECluster(t *testing.T, n int) []*e2eNode {
	managers := testManagers(t, n)
	table := testValidatorTable(t, n)
	hub := newMemHub()

	nodes := make([]*e2eNode, 0, n)
	for i := 1; i <= n; i++ {
		idx := types.SchainIndex(i)
		self := table.ByIndex(idx)
		store := storage.NewMemStore()
		ext := &extRecorder{}
		cm := managers[i-1]

		bca := consensus.NewBlockConsensusAgent(testSchainID, idx, n, cm)

		s := NewSchain(Config{
			SchainID:           testSchainID,
			SchainIndex:        idx,
			NodeID:             self.NodeID,
			EmptyBlockInterval: 20 * time.Millisecond,
			MaxTxPerBlock:      64,
		}, cm, store, table, bca, ext)

		conn := hub.connect(self.ConsensusAddr(), net.ParseIP(self.IP).To4())
		nw := network.NewNetwork(testSchainID, self, table, conn, s, store, 0)

		bca.SetBroadcaster(nw)
		s.SetNetwork(nw)

		nodes = append(nodes, &e2eNode{s: s, net: nw, store: store, ext: ext, cm: cm})

		s.Start()
		nw.Start()
		t.Cleanup(func() {
			nw.Stop()
			s.Stop()
		})
	}

	return nodes
}

// Four honest nodes, one transaction each: block 1 commits everywhere with
// an identical hash and the lowest decided proposer index.
func TestFourNodeHappyPathEndToEnd(t *testing.T) {
	nodes := newE2ECluster(t, 4)

	payloads := []string{"tx from node 1", "tx from node 2", "tx from node 3", "tx from node 4"}
	for i, nd := range nodes {
		require.NoError(t, nd.s.PushTransaction(mustTx(t, payloads[i])))
	}

	for _, nd := range nodes {
		require.NoError(t, nd.s.Bootstrap(0, 0, 0))
	}

	// every node has proposed for height 1
	proposals := make([]*block.BlockProposal, 4)
	for i, nd := range nodes {
		idx := types.SchainIndex(i + 1)
		require.Eventually(t, func() bool {
			have, err := nd.store.HaveProposalHash(1, idx)
			require.NoError(t, err)
			return have
		}, 5*time.Second, 5*time.Millisecond)

		p, err := nd.store.GetProposal(1, idx)
		require.NoError(t, err)
		proposals[i] = p
	}

	// the DA round: proposals travel to every peer, shares come back to
	// the proposer, and the assembled proofs go out again
	for i, p := range proposals {
		owner := nodes[i]
		for j, nd := range nodes {
			if i == j {
				continue
			}
			require.NoError(t, nd.s.ProposedBlockArrived(p))

			share, err := nd.cm.SignShare(p.Hash())
			require.NoError(t, err)
			require.NoError(t, owner.s.DaProofSigShareArrived(share, p))
		}

		proof, err := owner.store.GetDAProof(1, p.ProposerIndex())
		require.NoError(t, err)

		for j, nd := range nodes {
			if i == j {
				continue
			}
			require.NoError(t, nd.s.DAProofArrived(proof))
		}
	}

	for _, nd := range nodes {
		require.Eventually(t, func() bool {
			return nd.s.LastCommittedBlockID() >= 1
		}, 20*time.Second, 10*time.Millisecond)
	}

	// safety: one identical block everywhere
	reference, err := nodes[0].store.GetBlock(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reference.ProposerIndex())
	assert.Equal(t, proposals[0].Hash(), reference.Hash())

	for _, nd := range nodes[1:] {
		b, err := nd.store.GetBlock(1)
		require.NoError(t, err)
		assert.Equal(t, reference.Hash(), b.Hash())
		assert.Equal(t, reference.ProposerIndex(), b.ProposerIndex())
		assert.Equal(t, reference.TimeStamp(), b.TimeStamp())
	}

	for _, nd := range nodes {
		assert.GreaterOrEqual(t, nd.ext.count(), 1)
	}
}

// A frame for a far-future block parks in the deferred queue and is not
// delivered until commits advance.
func TestFutureBlockMessageDeferredEndToEnd(t *testing.T) {
	nodes := newE2ECluster(t, 4)

	m := &network.NetworkMessage{
		BlockID:       9,
		ProposerIndex: 2,
		Type:          network.MsgTypeBVBroadcast,
		Round:         0,
		Value:         types.BinOne,
	}

	// node 2 broadcasts; everyone else is still at block 1
	require.NoError(t, nodes[1].net.BroadcastMessage(m))

	require.Eventually(t, func() bool {
		return nodes[0].net.DeferredCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
}
