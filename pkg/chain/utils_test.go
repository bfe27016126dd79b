package chain

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/consensus"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

const testSchainID types.SchainID = 1

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastMessage(m *network.NetworkMessage) error { return nil }

type extBlock struct {
	blockID  uint64
	txs      [][]byte
	ts       uint64
	tsMs     uint32
	gasPrice uint64
}

// extRecorder is the execution collaborator stand-in.
type extRecorder struct {
	mu     sync.Mutex
	blocks []extBlock
}

func (e *extRecorder) CreateBlock(txs [][]byte, ts uint64, tsMs uint32,
	blockID uint64, gasPrice uint64, stateRoot uint64) {

	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks = append(e.blocks, extBlock{
		blockID: blockID, txs: txs, ts: ts, tsMs: tsMs, gasPrice: gasPrice,
	})
}

func (e *extRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocks)
}

func (e *extRecorder) at(i int) extBlock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocks[i]
}

func testManagers(t *testing.T, n int) []*crypto.Manager {
	shares, pub, err := crypto.GenerateKeyMaterial(n)
	require.NoError(t, err)

	managers := make([]*crypto.Manager, 0, n)
	for _, ks := range shares {
		m, err := crypto.NewManager(ks, pub, n)
		require.NoError(t, err)
		managers = append(managers, m)
	}
	return managers
}

func testValidatorTable(t *testing.T, n int) *network.Table {
	nodes := make([]*network.NodeInfo, 0, n)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, &network.NodeInfo{
			NodeID:        types.NodeID(100 + i),
			SchainIndex:   types.SchainIndex(i),
			IP:            fmt.Sprintf("127.0.0.%d", i),
			ProposalPort:  19000,
			CatchupPort:   19001,
			ConsensusPort: 19002,
		})
	}

	table, err := network.NewTable(nodes)
	require.NoError(t, err)
	return table
}

type testSchain struct {
	s     *Schain
	store *storage.MemStore
	ext   *extRecorder
	cm    *crypto.Manager

	// all managers of the chain, for building peer artifacts
	managers []*crypto.Manager
}

func newTestSchain(t *testing.T, n int) *testSchain {
	managers := testManagers(t, n)
	table := testValidatorTable(t, n)
	store := storage.NewMemStore()
	ext := &extRecorder{}

	bca := consensus.NewBlockConsensusAgent(testSchainID, 1, n, managers[0])
	bca.SetBroadcaster(noopBroadcaster{})

	s := NewSchain(Config{
		SchainID:           testSchainID,
		SchainIndex:        1,
		NodeID:             101,
		EmptyBlockInterval: 20 * time.Millisecond,
		MaxTxPerBlock:      64,
	}, managers[0], store, table, bca, ext)

	return &testSchain{s: s, store: store, ext: ext, cm: managers[0], managers: managers}
}

func mustTx(t *testing.T, data string) *tx.Transaction {
	tr, err := tx.NewTransaction([]byte(data))
	require.NoError(t, err)
	return tr
}

// blockThresholdSig recovers the block signature for (id, proposer) from
// the first 2f+1 managers.
func blockThresholdSig(t *testing.T, managers []*crypto.Manager, id types.BlockID,
	proposer types.SchainIndex) []byte {

	digest := crypto.BlockSigDigest(testSchainID, id, proposer)

	required := managers[0].RequiredShares()
	shares := make([][]byte, 0, required)
	for _, m := range managers[:required] {
		s, err := m.SignShare(digest)
		require.NoError(t, err)
		shares = append(shares, s.Data)
	}

	sig, err := managers[0].Recover(digest, shares)
	require.NoError(t, err)
	return sig
}

// makeCommittedChain builds blocks 1..count, all proposed by index 1 with
// strictly increasing timestamps and valid threshold signatures.
func makeCommittedChain(t *testing.T, managers []*crypto.Manager, count int) []*block.CommittedBlock {
	blocks := make([]*block.CommittedBlock, 0, count)

	ts := uint64(1700000000)
	for i := 1; i <= count; i++ {
		id := types.BlockID(i)

		tr := mustTx(t, fmt.Sprintf("chain tx %d", i))
		p := block.NewBlockProposal(testSchainID, id, 1, 101, ts+uint64(i), 0,
			tx.NewList([]*tx.Transaction{tr}))
		require.NoError(t, p.Sign(managers[0]))

		blocks = append(blocks, block.MakeCommitted(p,
			blockThresholdSig(t, managers, id, 1)))
	}

	return blocks
}
