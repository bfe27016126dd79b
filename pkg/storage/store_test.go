package storage

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

func testStores(t *testing.T) map[string]Store {
	pebbleStore, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pebbleStore.Close() })

	return map[string]Store{
		"mem":    NewMemStore(),
		"pebble": pebbleStore,
	}
}

func testBlock(t *testing.T, id types.BlockID) *block.CommittedBlock {
	tr, err := tx.NewTransaction([]byte("payload"))
	require.NoError(t, err)

	p := block.NewBlockProposal(1, id, 2, 42, 1700000000+uint64(id), 0,
		tx.NewList([]*tx.Transaction{tr}))

	return block.MakeCommitted(p, []byte("threshold-sig"))
}

func TestBlockRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetBlock(1)
			assert.Equal(t, ErrNotFound, err)

			b := testBlock(t, 1)
			require.NoError(t, s.SaveBlock(b))

			got, err := s.GetBlock(1)
			require.NoError(t, err)
			assert.Equal(t, b.Hash(), got.Hash())
			assert.Equal(t, b.ThresholdSig(), got.ThresholdSig())

			last, err := s.LastCommittedBlockID()
			require.NoError(t, err)
			assert.EqualValues(t, 1, last)
		})
	}
}

func TestProposalHashAtMostOne(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			h1 := crypto.Digest([]byte("one"))
			h2 := crypto.Digest([]byte("two"))

			fresh, err := s.CheckAndSaveProposalHash(5, 2, h1)
			require.NoError(t, err)
			assert.True(t, fresh)

			fresh, err = s.CheckAndSaveProposalHash(5, 2, h2)
			require.NoError(t, err)
			assert.False(t, fresh)

			have, err := s.HaveProposalHash(5, 2)
			require.NoError(t, err)
			assert.True(t, have)

			have, err = s.HaveProposalHash(5, 3)
			require.NoError(t, err)
			assert.False(t, have)
		})
	}
}

func TestDASigShares(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			count, err := s.SaveDASigShare(3, 1, 1, []byte("share-1"))
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			// overwriting the same signer does not bump the count
			count, err = s.SaveDASigShare(3, 1, 1, []byte("share-1b"))
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			count, err = s.SaveDASigShare(3, 1, 2, []byte("share-2"))
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			shares, err := s.GetDASigShares(3, 1)
			require.NoError(t, err)
			assert.Len(t, shares, 2)

			other, err := s.GetDASigShares(3, 2)
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestDAProofs(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			proof := &block.DAProof{
				BlockID:       7,
				ProposerIndex: 2,
				ProposalHash:  crypto.Digest([]byte("proposal")),
				ThresholdSig:  []byte("sig"),
			}
			require.NoError(t, s.SaveDAProof(proof))

			have, err := s.HaveDAProof(7, 2)
			require.NoError(t, err)
			assert.True(t, have)

			got, err := s.GetDAProof(7, 2)
			require.NoError(t, err)
			assert.Equal(t, proof.ProposalHash, got.ProposalHash)

			require.NoError(t, s.SaveDAProof(&block.DAProof{
				BlockID: 7, ProposerIndex: 4,
				ProposalHash: crypto.Digest([]byte("other")),
				ThresholdSig: []byte("sig"),
			}))

			idxs, err := s.DAProofIndexes(7)
			require.NoError(t, err)
			assert.Equal(t, []types.SchainIndex{2, 4}, idxs)
		})
	}
}

func TestProposalVectorRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			v := block.NewProposalVector(4)
			v.SetProposal(1)
			v.SetProposal(4)

			require.NoError(t, s.SaveProposalVector(9, v))

			got, err := s.GetProposalVector(9)
			require.NoError(t, err)
			assert.Equal(t, "1001", got.String())

			_, err = s.GetProposalVector(10)
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestOutgoingMsgs(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			m := &network.NetworkMessage{
				SchainID:      1,
				BlockID:       4,
				ProposerIndex: 2,
				Type:          network.MsgTypeBVBroadcast,
				MsgID:         11,
				Round:         0,
				Value:         types.BinOne,
				SrcIP:         net.IPv4(127, 0, 0, 1).To4(),
			}
			require.NoError(t, s.SaveOutgoingMsg(m))

			msgs, err := s.GetOutgoingMsgs(4)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, m.Type, msgs[0].Type)
			assert.Equal(t, m.MsgID, msgs[0].MsgID)

			none, err := s.GetOutgoingMsgs(5)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestPrices(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SavePrice(1, 123456))

			p, err := s.GetPrice(1)
			require.NoError(t, err)
			assert.EqualValues(t, 123456, p)

			_, err = s.GetPrice(2)
			assert.Equal(t, ErrNotFound, err)
		})
	}
}
