package chain

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/types"
)

// A single-node chain runs the whole pipeline in-process: proposal, DA
// proof, binary consensus, threshold signature, commit, executor push.
func TestSingleNodeCommitsBlocks(t *testing.T) {
	ts := newTestSchain(t, 1)
	ts.s.Start()
	t.Cleanup(ts.s.Stop)

	require.NoError(t, ts.s.PushTransaction(mustTx(t, "the one transaction")))
	require.NoError(t, ts.s.Bootstrap(0, 0, 0))

	require.Eventually(t, func() bool {
		return ts.s.LastCommittedBlockID() >= 1
	}, 10*time.Second, 10*time.Millisecond)

	b, err := ts.store.GetBlock(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.ProposerIndex())
	require.Equal(t, 1, b.TransactionCount())
	assert.Equal(t, []byte("the one transaction"),
		b.TransactionList().Items()[0].Data())

	require.GreaterOrEqual(t, ts.ext.count(), 1)
	pushed := ts.ext.at(0)
	assert.EqualValues(t, 1, pushed.blockID)
	require.Len(t, pushed.txs, 1)
	assert.NotZero(t, pushed.gasPrice)
}

// Committed timestamps are strictly monotone, empty blocks included.
func TestTimestampsStrictlyMonotone(t *testing.T) {
	ts := newTestSchain(t, 1)
	ts.s.Start()
	t.Cleanup(ts.s.Stop)

	require.NoError(t, ts.s.Bootstrap(0, 0, 0))

	require.Eventually(t, func() bool {
		return ts.s.LastCommittedBlockID() >= 3
	}, 20*time.Second, 10*time.Millisecond)

	var prevSec uint64
	var prevMs uint32
	for id := types.BlockID(1); id <= 3; id++ {
		b, err := ts.store.GetBlock(id)
		require.NoError(t, err)

		after := b.TimeStamp() > prevSec ||
			(b.TimeStamp() == prevSec && b.TimeStampMs() > prevMs)
		assert.True(t, after, "block %d timestamp not after predecessor", id)

		prevSec, prevMs = b.TimeStamp(), b.TimeStampMs()
	}
}

func TestAtMostOneProposalPerHeight(t *testing.T) {
	ts := newTestSchain(t, 1)
	ts.s.Start()
	t.Cleanup(ts.s.Stop)

	require.NoError(t, ts.s.Bootstrap(0, 0, 0))

	require.Eventually(t, func() bool {
		return ts.s.LastCommittedBlockID() >= 1
	}, 10*time.Second, 10*time.Millisecond)

	// the height in flight already has our proposal hash; a second
	// save for the same slot must be refused
	next := ts.s.LastCommittedBlockID() + 1
	require.Eventually(t, func() bool {
		have, err := ts.store.HaveProposalHash(next, 1)
		require.NoError(t, err)
		return have
	}, 10*time.Second, 10*time.Millisecond)

	fresh, err := ts.store.CheckAndSaveProposalHash(next, 1,
		mustTx(t, "conflicting").PartialHash())
	require.NoError(t, err)
	assert.False(t, fresh)
}

// Catch-up jump: a node at genesis ingests blocks 1..10 in one batch and
// proposes exactly once for height 11.
func TestCatchupJump(t *testing.T) {
	ts := newTestSchain(t, 4)

	blocks := makeCommittedChain(t, ts.managers, 10)
	list := block.NewCommittedBlockList(blocks)

	require.NoError(t, ts.s.BlockCommitsArrivedThroughCatchup(list))

	assert.EqualValues(t, 10, ts.s.LastCommittedBlockID())
	assert.Equal(t, 10, ts.ext.count())

	// proposeNextBlock ran once, for height 11, with block 10's times
	have, err := ts.store.HaveProposalHash(11, 1)
	require.NoError(t, err)
	assert.True(t, have)

	p, err := ts.store.GetProposal(11, 1)
	require.NoError(t, err)

	last := blocks[len(blocks)-1]
	after := p.TimeStamp() > last.TimeStamp() ||
		(p.TimeStamp() == last.TimeStamp() && p.TimeStampMs() > last.TimeStampMs())
	assert.True(t, after)
}

func TestCatchupRejectsGappedBatch(t *testing.T) {
	ts := newTestSchain(t, 4)

	blocks := makeCommittedChain(t, ts.managers, 5)
	gapped := block.NewCommittedBlockList(blocks[2:])

	err := ts.s.BlockCommitsArrivedThroughCatchup(gapped)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errs.ErrInvalidState))
	assert.EqualValues(t, 0, ts.s.LastCommittedBlockID())
}

func TestCatchupClientValidate(t *testing.T) {
	ts := newTestSchain(t, 4)
	cc := NewCatchupClient(ts.s)

	blocks := makeCommittedChain(t, ts.managers, 3)

	t.Run("valid batch", func(t *testing.T) {
		assert.NoError(t, cc.validate(block.NewCommittedBlockList(blocks)))
	})

	t.Run("gap", func(t *testing.T) {
		gapped := []*block.CommittedBlock{blocks[0], blocks[2]}
		assert.Error(t, cc.validate(block.NewCommittedBlockList(gapped)))
	})

	t.Run("bad threshold signature", func(t *testing.T) {
		forged := block.MakeCommitted(blocks[0].BlockProposal, []byte("not a signature"))
		assert.Error(t, cc.validate(block.NewCommittedBlockList(
			[]*block.CommittedBlock{forged})))
	})
}

// Finalizing proposer 0 commits the canonical empty block: previous
// timestamp plus one millisecond.
func TestFinalizeEmptyBlock(t *testing.T) {
	ts := newTestSchain(t, 4)

	require.NoError(t, ts.s.Bootstrap(0, 1700000000, 500))

	sig := blockThresholdSig(t, ts.managers, 1, 0)
	ts.s.FinalizeDecidedAndSignedBlock(1, 0, sig)

	assert.EqualValues(t, 1, ts.s.LastCommittedBlockID())

	b, err := ts.store.GetBlock(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.ProposerIndex())
	assert.EqualValues(t, 0, b.TransactionCount())
	assert.EqualValues(t, 1700000000, b.TimeStamp())
	assert.EqualValues(t, 501, b.TimeStampMs())
}

func TestBootstrapReconcilesSnapshot(t *testing.T) {
	ts := newTestSchain(t, 4)

	// the store holds block 1 the executor never saw
	blocks := makeCommittedChain(t, ts.managers, 1)
	require.NoError(t, ts.store.SaveBlock(blocks[0]))

	require.NoError(t, ts.s.Bootstrap(0, 0, 0))

	assert.EqualValues(t, 1, ts.s.LastCommittedBlockID())
	require.Equal(t, 1, ts.ext.count())
	assert.EqualValues(t, 1, ts.ext.at(0).blockID)

	have, err := ts.store.HaveProposalHash(2, 1)
	require.NoError(t, err)
	assert.True(t, have)
}

func TestBootstrapFatalMismatches(t *testing.T) {
	t.Run("store behind caller", func(t *testing.T) {
		ts := newTestSchain(t, 4)

		err := ts.s.Bootstrap(7, 0, 0)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errs.ErrFatal))
	})

	t.Run("store too far ahead", func(t *testing.T) {
		ts := newTestSchain(t, 4)

		for _, b := range makeCommittedChain(t, ts.managers, 5) {
			require.NoError(t, ts.store.SaveBlock(b))
		}

		err := ts.s.Bootstrap(3, 0, 0)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errs.ErrFatal))
	})
}

func TestProposedBlockArrivedIgnoresCommitted(t *testing.T) {
	ts := newTestSchain(t, 4)

	blocks := makeCommittedChain(t, ts.managers, 2)
	require.NoError(t, ts.s.BlockCommitsArrivedThroughCatchup(
		block.NewCommittedBlockList(blocks)))

	// a stale proposal for an already committed height is dropped
	require.NoError(t, ts.s.ProposedBlockArrived(blocks[0].BlockProposal))
	_, err := ts.store.GetProposal(1, 1)
	assert.Error(t, err)
}
