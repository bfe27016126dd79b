package block

import (
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/types"
)

// DAProof is the threshold signature over a proposal hash proving that
// 2f+1 validators have received and stored the proposal.
type DAProof struct {
	BlockID       types.BlockID     `msgpack:"b"`
	ProposerIndex types.SchainIndex `msgpack:"p"`
	ProposalHash  crypto.Hash       `msgpack:"h"`
	ThresholdSig  []byte            `msgpack:"s"`
}

// Verify checks the threshold signature over the proposal hash.
func (d *DAProof) Verify(cm *crypto.Manager) error {
	return cm.VerifyThreshold(d.ProposalHash, d.ThresholdSig)
}
