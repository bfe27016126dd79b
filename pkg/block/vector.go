package block

import (
	"strings"

	"github.com/strandchain/strand/pkg/types"
)

// BooleanProposalVector records, per proposer index, whether that proposal
// had a DA proof when consensus for the height started. It seeds the
// initial estimates of the N binary consensus instances.
type BooleanProposalVector struct {
	NodeCount uint64 `msgpack:"n"`
	Values    []bool `msgpack:"v"`
}

func NewProposalVector(nodeCount int) *BooleanProposalVector {
	return &BooleanProposalVector{
		NodeCount: uint64(nodeCount),
		Values:    make([]bool, nodeCount),
	}
}

func (v *BooleanProposalVector) SetProposal(idx types.SchainIndex) {
	v.Values[idx-1] = true
}

func (v *BooleanProposalVector) HasProposal(idx types.SchainIndex) bool {
	return v.Values[idx-1]
}

func (v *BooleanProposalVector) TrueCount() int {
	count := 0
	for _, b := range v.Values {
		if b {
			count++
		}
	}
	return count
}

func (v *BooleanProposalVector) String() string {
	var sb strings.Builder
	for _, b := range v.Values {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
