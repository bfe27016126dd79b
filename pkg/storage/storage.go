package storage

import (
	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// Store is the engine's persistent collaborator. Implementations provide
// their own locking; callers treat every operation as serializable. Crash
// safety belongs to the backing store's write-ahead log.
type Store interface {
	// committed blocks
	SaveBlock(b *block.CommittedBlock) error
	GetBlock(id types.BlockID) (*block.CommittedBlock, error)
	LastCommittedBlockID() (types.BlockID, error)

	// proposals for in-flight heights
	SaveProposal(p *block.BlockProposal) error
	GetProposal(id types.BlockID, idx types.SchainIndex) (*block.BlockProposal, error)

	// proposal hashes; at most one per (height, proposer)
	CheckAndSaveProposalHash(id types.BlockID, idx types.SchainIndex, h crypto.Hash) (bool, error)
	HaveProposalHash(id types.BlockID, idx types.SchainIndex) (bool, error)

	// DA sig shares and assembled proofs
	SaveDASigShare(id types.BlockID, idx types.SchainIndex, signer types.SchainIndex, share []byte) (int, error)
	GetDASigShares(id types.BlockID, idx types.SchainIndex) ([][]byte, error)
	SaveDAProof(p *block.DAProof) error
	GetDAProof(id types.BlockID, idx types.SchainIndex) (*block.DAProof, error)
	HaveDAProof(id types.BlockID, idx types.SchainIndex) (bool, error)
	DAProofIndexes(id types.BlockID) ([]types.SchainIndex, error)

	// consensus input vectors
	SaveProposalVector(id types.BlockID, v *block.BooleanProposalVector) error
	GetProposalVector(id types.BlockID) (*block.BooleanProposalVector, error)

	// broadcast replay after restart
	SaveOutgoingMsg(m *network.NetworkMessage) error
	GetOutgoingMsgs(id types.BlockID) ([]*network.NetworkMessage, error)

	// per-block gas price
	SavePrice(id types.BlockID, price uint64) error
	GetPrice(id types.BlockID) (uint64, error)

	Close() error
}
