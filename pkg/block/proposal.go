package block

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

// BlockProposal is one validator's candidate block for a given height. It
// is created once by its proposer and owned by the proposal store until the
// height commits.
type BlockProposal struct {
	schainID       types.SchainID
	blockID        types.BlockID
	proposerIndex  types.SchainIndex
	proposerNodeID types.NodeID

	timeStamp   uint64
	timeStampMs uint32

	// state root as reported by the execution collaborator; the engine
	// only carries it through
	stateRoot uint64

	txs       *tx.List
	signature []byte
	hash      crypto.Hash
}

func NewBlockProposal(schainID types.SchainID, blockID types.BlockID,
	proposerIndex types.SchainIndex, proposerNodeID types.NodeID,
	timeStamp uint64, timeStampMs uint32, txs *tx.List) *BlockProposal {

	p := &BlockProposal{
		schainID:       schainID,
		blockID:        blockID,
		proposerIndex:  proposerIndex,
		proposerNodeID: proposerNodeID,
		timeStamp:      timeStamp,
		timeStampMs:    timeStampMs,
		txs:            txs,
	}
	p.hash = p.calculateHash()

	return p
}

// NewEmptyProposal builds the canonical empty block for a height: proposer
// index 0, no transactions, timestamp exactly 1 ms past the previous block.
func NewEmptyProposal(schainID types.SchainID, blockID types.BlockID,
	prevTimeStamp uint64, prevTimeStampMs uint32) *BlockProposal {

	sec, ms := prevTimeStamp, prevTimeStampMs
	if ms == 999 {
		sec++
		ms = 0
	} else {
		ms++
	}

	return NewBlockProposal(schainID, blockID, 0, 0, sec, ms, tx.EmptyList())
}

// calculateHash computes
// H(schainID || blockID || proposerIndex || timeStamp || timeStampMs || txHashes).
func (p *BlockProposal) calculateHash() crypto.Hash {
	var buf [3*8 + 8 + 4]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(p.schainID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.blockID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.proposerIndex))
	binary.LittleEndian.PutUint64(buf[24:], p.timeStamp)
	binary.LittleEndian.PutUint32(buf[32:], p.timeStampMs)

	return crypto.Digest(buf[:], p.txs.ConcatHashes())
}

func (p *BlockProposal) SchainID() types.SchainID          { return p.schainID }
func (p *BlockProposal) BlockID() types.BlockID            { return p.blockID }
func (p *BlockProposal) ProposerIndex() types.SchainIndex  { return p.proposerIndex }
func (p *BlockProposal) ProposerNodeID() types.NodeID      { return p.proposerNodeID }
func (p *BlockProposal) TimeStamp() uint64                 { return p.timeStamp }
func (p *BlockProposal) TimeStampMs() uint32               { return p.timeStampMs }
func (p *BlockProposal) StateRoot() uint64                 { return p.stateRoot }
func (p *BlockProposal) TransactionList() *tx.List         { return p.txs }
func (p *BlockProposal) TransactionCount() int             { return p.txs.Len() }
func (p *BlockProposal) Hash() crypto.Hash                 { return p.hash }
func (p *BlockProposal) Signature() []byte                 { return p.signature }

// SetSignature attaches an externally received proposer signature.
func (p *BlockProposal) SetSignature(sig []byte) {
	p.signature = sig
}

// VerifyHash recomputes the proposal hash and compares it to the carried
// one. Deserialized proposals trust the header until this check runs.
func (p *BlockProposal) VerifyHash() error {
	if !p.hash.Equal(p.calculateHash()) {
		return errors.Wrap(errs.ErrInvalidArgument, "proposal hash mismatch")
	}
	return nil
}

// Sign attaches the proposer's individual signature over the proposal hash.
func (p *BlockProposal) Sign(cm *crypto.Manager) error {
	sig, err := cm.SignProposal(p.hash)
	if err != nil {
		return err
	}
	p.signature = sig
	return nil
}

// VerifySignature checks the proposer signature against the proposer index.
// The empty block (index 0) is unsigned.
func (p *BlockProposal) VerifySignature(cm *crypto.Manager) error {
	if p.proposerIndex == 0 {
		return nil
	}
	if len(p.signature) == 0 {
		return errors.New("proposal is unsigned")
	}
	return cm.VerifyProposalSig(p.proposerIndex, p.hash, p.signature)
}
