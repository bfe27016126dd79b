package consensus

import (
	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// Item is anything routable through the orchestrator's message queue.
type Item interface {
	ItemBlockID() types.BlockID
}

// NetworkItem wraps an inbound, authenticated consensus datagram.
type NetworkItem struct {
	Env *network.Envelope
}

func (i *NetworkItem) ItemBlockID() types.BlockID {
	return i.Env.Msg.BlockID
}

// ProposalItem starts consensus for a height with the DA proposal vector.
type ProposalItem struct {
	BlockID types.BlockID
	Vector  *block.BooleanProposalVector
}

func (i *ProposalItem) ItemBlockID() types.BlockID {
	return i.BlockID
}

// ChildBVDecided is the terminal notification of one binary consensus
// instance to its parent aggregator.
type ChildBVDecided struct {
	Key       types.ProtocolKey
	Value     types.BinValue
	Round     types.Round
	ElapsedMs uint64
}

// Broadcaster is the outbound half of the transport.
type Broadcaster interface {
	BroadcastMessage(m *network.NetworkMessage) error
}
