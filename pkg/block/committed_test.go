package block

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/tx"
)

func sampleProposal(t *testing.T) *BlockProposal {
	items := make([]*tx.Transaction, 0, 3)
	for _, p := range [][]byte{[]byte("tx one"), []byte("tx two"), []byte("tx three")} {
		tr, err := tx.NewTransaction(p)
		require.NoError(t, err)
		items = append(items, tr)
	}

	return NewBlockProposal(7, 42, 2, 9001, 1700000000, 123, tx.NewList(items))
}

func TestCommittedBlockSerializeRoundTrip(t *testing.T) {
	p := sampleProposal(t)
	b := MakeCommitted(p, []byte("threshold-signature-bytes"))

	raw, err := b.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(raw)
	require.NoError(t, err)

	assert.Equal(t, b.SchainID(), got.SchainID())
	assert.Equal(t, b.BlockID(), got.BlockID())
	assert.Equal(t, b.ProposerIndex(), got.ProposerIndex())
	assert.Equal(t, b.ProposerNodeID(), got.ProposerNodeID())
	assert.Equal(t, b.TimeStamp(), got.TimeStamp())
	assert.Equal(t, b.TimeStampMs(), got.TimeStampMs())
	assert.Equal(t, b.Hash(), got.Hash())
	assert.Equal(t, b.ThresholdSig(), got.ThresholdSig())
	require.Equal(t, b.TransactionCount(), got.TransactionCount())

	for i, item := range got.TransactionList().Items() {
		assert.Equal(t, p.TransactionList().Items()[i].Data(), item.Data())
	}

	assert.NoError(t, got.VerifyHash())
}

func TestSerializedBlockFraming(t *testing.T) {
	b := MakeCommitted(sampleProposal(t), []byte("sig"))

	raw, err := b.Serialize()
	require.NoError(t, err)

	headerSize := binary.LittleEndian.Uint64(raw)
	assert.EqualValues(t, '{', raw[8])
	assert.EqualValues(t, '}', raw[7+headerSize])
}

func TestDeserializeCorruptFrames(t *testing.T) {
	b := MakeCommitted(sampleProposal(t), []byte("sig"))
	raw, err := b.Serialize()
	require.NoError(t, err)

	t.Run("too small", func(t *testing.T) {
		_, err := Deserialize(raw[:5])
		assert.Error(t, err)
	})

	t.Run("zero header size", func(t *testing.T) {
		bad := append([]byte{}, raw...)
		binary.LittleEndian.PutUint64(bad, 0)
		_, err := Deserialize(bad)
		assert.Error(t, err)
	})

	t.Run("header does not start with brace", func(t *testing.T) {
		bad := append([]byte{}, raw...)
		bad[8] = 'x'
		_, err := Deserialize(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not start with {")
	})

	t.Run("header does not end with brace", func(t *testing.T) {
		bad := append([]byte{}, raw...)
		headerSize := binary.LittleEndian.Uint64(bad)
		bad[7+headerSize] = 'x'
		_, err := Deserialize(bad)
		assert.Error(t, err)
	})

	t.Run("header size beyond buffer", func(t *testing.T) {
		bad := append([]byte{}, raw...)
		binary.LittleEndian.PutUint64(bad, uint64(len(bad)))
		_, err := Deserialize(bad)
		assert.Error(t, err)
	})
}

func TestEmptyProposalTimestamps(t *testing.T) {
	p := NewEmptyProposal(7, 5, 1700000000, 41)
	assert.EqualValues(t, 0, p.ProposerIndex())
	assert.EqualValues(t, 0, p.TransactionCount())
	assert.EqualValues(t, 1700000000, p.TimeStamp())
	assert.EqualValues(t, 42, p.TimeStampMs())

	rolled := NewEmptyProposal(7, 5, 1700000000, 999)
	assert.EqualValues(t, 1700000001, rolled.TimeStamp())
	assert.EqualValues(t, 0, rolled.TimeStampMs())
}

func TestProposalVector(t *testing.T) {
	v := NewProposalVector(4)
	v.SetProposal(1)
	v.SetProposal(3)

	assert.True(t, v.HasProposal(1))
	assert.False(t, v.HasProposal(2))
	assert.Equal(t, "1010", v.String())
	assert.Equal(t, 2, v.TrueCount())
}

func TestCommittedBlockListRoundTrip(t *testing.T) {
	b1 := MakeCommitted(sampleProposal(t), []byte("sig-1"))
	b2 := MakeCommitted(NewEmptyProposal(7, 43, 1700000000, 123), []byte("sig-2"))

	raw, err := NewCommittedBlockList([]*CommittedBlock{b1, b2}).Serialize()
	require.NoError(t, err)

	got, err := DeserializeList(raw)
	require.NoError(t, err)
	require.Len(t, got.Blocks(), 2)
	assert.Equal(t, b1.Hash(), got.Blocks()[0].Hash())
	assert.Equal(t, b2.Hash(), got.Blocks()[1].Hash())
}
